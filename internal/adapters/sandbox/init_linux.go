//go:build linux

package sandbox

import (
	"encoding/json"
	"math"
	"os"
	"runtime"
	"syscall"
	"time"

	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/zerr"
	"golang.org/x/sys/unix"
)

// initEnv marks a process started by Runner. Its value is the JSON encoded
// childSpec of the stage the process runs.
const initEnv = "FORGE_SANDBOX_INIT"

// initArg0 is the process name of both sandbox stages.
const initArg0 = "forge-sandbox"

// reportFd is where a stage writes its initReport.
const reportFd = 3

// setupFailedCode is the exit code of a stage that could not complete.
const setupFailedCode = 127

const (
	// stageInit builds the root filesystem and supervises the program.
	stageInit = "init"
	// stageExec applies the limits and becomes the program.
	stageExec = "exec"
)

type childSpec struct {
	Stage    string        `json:"stage"`
	Root     string        `json:"root"`
	Dir      string        `json:"dir"`
	Path     string        `json:"path"`
	Args     []string      `json:"args"`
	Env      []string      `json:"env"`
	Mounts   []string      `json:"mounts,omitempty"`
	Readable []string      `json:"readable,omitempty"`
	Limits   domain.Limits `json:"limits"`
}

// initReport is the single message a stage writes to its parent.
type initReport struct {
	Error    string               `json:"error,omitempty"`
	ExitCode int                  `json:"exit_code"`
	Signal   int                  `json:"signal,omitempty"`
	Usage    domain.ResourceUsage `json:"usage"`
}

func init() {
	raw, ok := os.LookupEnv(initEnv)
	if !ok {
		return
	}
	// Capabilities and the seccomp filter apply per thread.
	runtime.LockOSThread()
	unix.CloseOnExec(reportFd)

	var spec childSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		exitWith(initReport{Error: zerr.Wrap(err, "decode sandbox spec").Error()})
	}
	if spec.Stage == stageInit {
		exitWith(runInit(spec))
	}
	err := becomeProgram(spec)
	if err == nil {
		err = zerr.With(zerr.New("exec returned"), "path", spec.Path)
	}
	exitWith(initReport{Error: err.Error()})
}

func exitWith(report initReport) {
	data, _ := json.Marshal(report)
	_, _ = os.NewFile(reportFd, "report").Write(data)
	if report.Error != "" {
		os.Exit(setupFailedCode)
	}
	os.Exit(0)
}

// becomeProgram drops the remaining privileges, applies the limits and
// replaces the process image. It only returns on failure.
func becomeProgram(spec childSpec) error {
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil {
		return zerr.Wrap(err, "drop ambient capabilities")
	}
	if err := applyLimits(spec.Limits); err != nil {
		return err
	}
	if err := loadFilter(); err != nil {
		return err
	}
	if err := unix.Exec(spec.Path, spec.Args, spec.Env); err != nil {
		return zerr.With(zerr.Wrap(err, "exec"), "path", spec.Path)
	}
	return nil
}

func applyLimits(l domain.Limits) error {
	if cpu := l.CPUTime; cpu > 0 {
		secs := uint64(math.Ceil((cpu + l.ExtraTime).Seconds()))
		// The soft limit raises SIGXCPU, the hard one a second later SIGKILL.
		if err := setLimit(unix.RLIMIT_CPU, secs, secs+1); err != nil {
			return err
		}
	}
	limits := []struct {
		resource int
		value    uint64
	}{
		{unix.RLIMIT_AS, l.Memory * 1024},
		{unix.RLIMIT_FSIZE, l.FileSize * 1024},
		{unix.RLIMIT_STACK, l.Stack * 1024},
		{unix.RLIMIT_MEMLOCK, l.MemLock * 1024},
		{unix.RLIMIT_NPROC, l.NProc},
	}
	for _, lim := range limits {
		if lim.value == 0 {
			continue
		}
		if err := setLimit(lim.resource, lim.value, lim.value); err != nil {
			return err
		}
	}
	if l.NOFile > 0 {
		// syscall.Setrlimit keeps the runtime from restoring its own
		// NOFILE limit on exec.
		rlim := &syscall.Rlimit{Cur: l.NOFile, Max: l.NOFile}
		if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, rlim); err != nil {
			return zerr.Wrap(err, "set RLIMIT_NOFILE")
		}
	}
	return nil
}

func setLimit(resource int, soft, hard uint64) error {
	if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: soft, Max: hard}); err != nil {
		return zerr.With(zerr.Wrap(err, "set rlimit"), "resource", resource)
	}
	return nil
}

// wallDeadline is how long a process may run before it is killed.
func wallDeadline(l domain.Limits) time.Duration {
	if l.WallTime <= 0 {
		return 0
	}
	return l.WallTime + l.ExtraTime
}
