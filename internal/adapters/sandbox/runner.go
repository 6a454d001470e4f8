// Package sandbox runs processes in a prepared directory under resource
// limits and reports what they consumed.
package sandbox

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.SandboxRunner = (*Runner)(nil)

// defaultReadable are the host directories every sandbox sees read-only.
var defaultReadable = []string{"/bin", "/sbin", "/lib", "/lib32", "/lib64", "/libx32", "/usr"}

// Runner implements ports.SandboxRunner. On Linux the process is started
// through two re-executions of the current binary. The first runs as init
// of fresh namespaces and pivots into a root holding only the system
// directories and the working directory. The second applies the limits and
// a seccomp filter before turning into the requested program.
type Runner struct {
	readable []string
}

// NewRunner creates a new Runner.
func NewRunner() *Runner {
	return &Runner{readable: defaultReadable}
}

// resolveExecutable finds the program to run. Absolute and relative paths
// are used as given.
func resolveExecutable(name string, env []string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if err := findExecutable(name); err != nil {
			return "", zerr.With(zerr.Wrap(err, domain.ErrCommandNotFound.Error()), "command", name)
		}
		return name, nil
	}
	if lp, err := lookPath(name, env); err == nil {
		return lp, nil
	}
	lp, err := exec.LookPath(name)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, domain.ErrCommandNotFound.Error()), "command", name)
	}
	return lp, nil
}

// lookPath searches for an executable in the directories named by the PATH
// variable of env.
func lookPath(file string, env []string) (string, error) {
	var path string
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			path = strings.TrimPrefix(e, "PATH=")
		}
	}

	if path == "" {
		return "", exec.ErrNotFound
	}

	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			// Unix shell semantics: path element "" means "."
			dir = "."
		}
		path := filepath.Join(dir, file)
		if err := findExecutable(path); err == nil {
			return path, nil
		}
	}
	return "", exec.ErrNotFound
}

func findExecutable(file string) error {
	d, err := os.Stat(file)
	if err != nil {
		return err
	}
	if m := d.Mode(); !m.IsDir() && m&0o111 != 0 {
		return nil
	}
	return os.ErrPermission
}
