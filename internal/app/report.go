package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/ui/output"
	"go.trai.ch/forge/internal/ui/style"
)

// maxReportedOutput bounds the captured output printed for a failure.
const maxReportedOutput = 4 << 10

// reporter prints a line per finished execution. Callbacks run on the
// evaluating goroutine, so it needs no locking.
type reporter struct {
	out *termenv.Output

	succeeded int
	failed    int
	skipped   int
	cached    int
}

func newReporter(w io.Writer, dag *domain.DAG) *reporter {
	r := &reporter{out: output.New(w)}
	for _, exec := range dag.Executions() {
		desc := exec.Description
		dag.OnExecutionDone(exec.ID, func(res domain.ExecutionResult) { r.done(desc, res) })
		dag.OnExecutionSkip(exec.ID, func() { r.skip(desc) })
	}
	return r
}

func (r *reporter) done(desc string, res domain.ExecutionResult) {
	icon, color := style.Status(res.Status)

	var b strings.Builder
	b.WriteString(r.paint(icon, color))
	b.WriteString(" ")
	b.WriteString(desc)
	details := []string{formatDuration(res.Resources.WallTime)}
	if res.Resources.Memory > 0 {
		details = append(details, fmt.Sprintf("%.1f MiB", float64(res.Resources.Memory)/1024))
	}
	if res.WasCached {
		r.cached++
		details = append(details, "cached")
	}
	b.WriteString(" ")
	b.WriteString(r.paint("("+strings.Join(details, ", ")+")", style.Slate))

	if res.Status.Success() {
		r.succeeded++
		r.println(b.String())
		return
	}

	r.failed++
	b.WriteString(" ")
	b.WriteString(r.paint(res.Status.String(), color))
	r.println(b.String())
	r.printCaptured("stdout", res.Stdout)
	r.printCaptured("stderr", res.Stderr)
}

func (r *reporter) skip(desc string) {
	r.skipped++
	r.println(r.paint(style.Circle+" "+desc+" skipped", style.Slate))
}

func (r *reporter) summary() {
	parts := []string{
		r.paint(fmt.Sprintf("%d succeeded", r.succeeded), style.Green),
	}
	if r.failed > 0 {
		parts = append(parts, r.paint(fmt.Sprintf("%d failed", r.failed), style.Red))
	}
	if r.skipped > 0 {
		parts = append(parts, r.paint(fmt.Sprintf("%d skipped", r.skipped), style.Slate))
	}
	if r.cached > 0 {
		parts = append(parts, r.paint(fmt.Sprintf("%d cached", r.cached), style.Iris))
	}
	r.println(strings.Join(parts, ", "))
}

func (r *reporter) printCaptured(name string, data []byte) {
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return
	}
	if len(text) > maxReportedOutput {
		text = text[:maxReportedOutput] + "\n..."
	}
	r.println(r.paint("  "+name+":", style.Slate))
	for line := range strings.SplitSeq(text, "\n") {
		r.println("    " + line)
	}
}

func (r *reporter) paint(s string, color lipgloss.Color) string {
	return r.out.String(s).Foreground(termenv.RGBColor(string(color))).String()
}

func (r *reporter) println(s string) {
	_, _ = r.out.WriteString(s + "\n")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(10 * time.Millisecond).String()
}
