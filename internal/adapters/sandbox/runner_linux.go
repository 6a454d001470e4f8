//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/zerr"
	"golang.org/x/sys/unix"
)

// Run starts the process described by cfg and waits for it. The returned
// error is set only when the process could not be started; failures of the
// process itself are reported in the outcome.
func (r *Runner) Run(ctx context.Context, cfg domain.SandboxConfig) (domain.SandboxOutcome, error) {
	executable, err := resolveExecutable(cfg.Executable, cfg.Env)
	if err != nil {
		return domain.SandboxOutcome{}, err
	}

	self, err := os.Executable()
	if err != nil {
		return domain.SandboxOutcome{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
	}
	root, err := os.MkdirTemp("", "forge-root-")
	if err != nil {
		return domain.SandboxOutcome{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
	}
	// The root is only ever mounted over inside the sandbox namespaces.
	defer os.Remove(root) //nolint:errcheck // Best effort

	spec, err := json.Marshal(childSpec{
		Stage:    stageInit,
		Root:     root,
		Dir:      cfg.Dir,
		Path:     executable,
		Args:     append([]string{cfg.Executable}, cfg.Args...),
		Env:      cfg.Env,
		Mounts:   cfg.Mounts,
		Readable: r.readable,
		Limits:   cfg.Limits,
	})
	if err != nil {
		return domain.SandboxOutcome{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
	}

	stdio, err := openStdio(cfg)
	if err != nil {
		return domain.SandboxOutcome{}, err
	}
	defer closeAll(stdio)

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return domain.SandboxOutcome{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
	}
	defer reportR.Close() //nolint:errcheck // Read end closed after use

	//nolint:gosec // Re-executes the current binary as the sandbox init
	cmd := exec.Command(self)
	cmd.Args = []string{initArg0}
	cmd.Env = []string{initEnv + "=" + string(spec)}
	cmd.Dir = cfg.Dir
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdio[0], stdio[1], stdio[2]
	cmd.ExtraFiles = []*os.File{reportW}
	cmd.SysProcAttr = isolation()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = reportW.Close()
		return domain.SandboxOutcome{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
	}
	_ = reportW.Close()

	pid := cmd.Process.Pid
	var killed atomic.Bool
	// The init is the first process of its PID namespace, killing it takes
	// everything the program started along.
	kill := func() { _ = unix.Kill(-pid, unix.SIGKILL) }

	stopCtx := context.AfterFunc(ctx, func() {
		killed.Store(true)
		kill()
	})
	defer stopCtx()
	if d := wallDeadline(cfg.Limits); d > 0 {
		timer := time.AfterFunc(d, kill)
		defer timer.Stop()
	}

	msg, _ := io.ReadAll(reportR)
	waitErr := cmd.Wait()
	wall := time.Since(start)
	kill()

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return domain.SandboxOutcome{}, zerr.Wrap(waitErr, domain.ErrSandboxSetupFailed.Error())
	}

	var report initReport
	if len(msg) == 0 || json.Unmarshal(msg, &report) != nil {
		// The init was killed before it could report.
		code, signal, usage := exitOf(cmd.ProcessState)
		usage.WallTime = wall
		return outcome(code, signal, usage, killed.Load()), nil
	}
	if report.Error != "" {
		return domain.SandboxOutcome{}, zerr.With(domain.ErrSandboxSetupFailed, "reason", report.Error)
	}
	report.Usage.WallTime = wall
	return outcome(report.ExitCode, report.Signal, report.Usage, killed.Load()), nil
}

// isolation places the init in new user, mount, network, PID, IPC and UTS
// namespaces. The calling user is mapped to itself and the init keeps
// CAP_SYS_ADMIN in its namespace to build the root filesystem.
func isolation() *syscall.SysProcAttr {
	uid, gid := os.Getuid(), os.Getgid()
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWNET |
			syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS,
		UidMappings:                []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}},
		GidMappings:                []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}},
		GidMappingsEnableSetgroups: false,
		AmbientCaps:                []uintptr{unix.CAP_SYS_ADMIN},
	}
}

func outcome(code, signal int, usage domain.ResourceUsage, killed bool) domain.SandboxOutcome {
	out := domain.SandboxOutcome{
		ExitCode:  code,
		Resources: usage,
		Killed:    killed,
	}
	if signal != 0 {
		out.ExitCode = 0
		out.Signal = signal
		out.SignalName = unix.SignalName(syscall.Signal(signal))
	}
	return out
}

// exitOf reads how a waited process terminated and what it consumed.
func exitOf(state *os.ProcessState) (code, signal int, usage domain.ResourceUsage) {
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		usage.CPUTime = time.Duration(ru.Utime.Nano())
		usage.SysTime = time.Duration(ru.Stime.Nano())
		// ru_maxrss is in KiB on Linux.
		usage.Memory = uint64(ru.Maxrss) //nolint:gosec // Never negative
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return state.ExitCode(), 0, usage
	}
	if ws.Signaled() {
		return 0, int(ws.Signal()), usage
	}
	return ws.ExitStatus(), 0, usage
}

// openStdio opens the standard streams of the process. Empty paths map to
// the null device.
func openStdio(cfg domain.SandboxConfig) ([]*os.File, error) {
	files := make([]*os.File, 0, 3)
	open := func(path string, flag int) error {
		if path == "" {
			path = os.DevNull
		}
		//nolint:gosec // Paths are chosen by the worker
		f, err := os.OpenFile(path, flag, domain.FilePerm)
		if err != nil {
			return zerr.With(zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error()), "path", path)
		}
		files = append(files, f)
		return nil
	}

	if err := open(cfg.Stdin, os.O_RDONLY); err != nil {
		return nil, err
	}
	for _, path := range []string{cfg.Stdout, cfg.Stderr} {
		if err := open(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC); err != nil {
			closeAll(files)
			return nil, err
		}
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
