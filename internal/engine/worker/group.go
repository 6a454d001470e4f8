package worker

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.trai.ch/forge/internal/adapters/fs"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/zerr"
	"golang.org/x/sys/unix"
)

const (
	boxDirName    = "box"
	stdinFileName = "stdin"
	stdoutName    = "stdout"
	stderrName    = "stderr"
)

// jobResult holds the results of a group in member order and the keys of
// everything it produced. retained lists the keys the worker must release.
type jobResult struct {
	results  []domain.ExecutionResult
	outputs  map[domain.FileID]domain.StoreKey
	retained []domain.StoreKey
}

func (w *Worker) groupDir(id domain.GroupID) string {
	return filepath.Join(w.sandboxDir, id.String())
}

// runGroup runs every member of the group at the same time, so members can
// talk through the group's pipes. With StopOnFailure the first failure kills
// the members still running.
func (w *Worker) runGroup(ctx context.Context, spec *domain.Job) *jobResult {
	g := spec.Group
	res := &jobResult{
		results: make([]domain.ExecutionResult, len(g.Executions)),
		outputs: make(map[domain.FileID]domain.StoreKey),
	}

	groupDir := w.groupDir(g.ID)
	if err := w.prepareFifos(groupDir, g.Fifos); err != nil {
		for i, e := range g.Executions {
			res.results[i] = domain.ExecutionResult{Execution: e.ID, Status: domain.InternalError(err.Error())}
		}
		return res
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, e := range g.Executions {
		wg.Go(func() {
			r, produced := w.runExecution(groupCtx, spec, groupDir, e)
			if !r.Status.Success() && g.StopsOnFailure() {
				cancel()
			}

			mu.Lock()
			defer mu.Unlock()
			res.results[i] = r
			for id, data := range produced {
				key, err := w.store.Put(data)
				if err != nil {
					w.logger.Warn(fmt.Sprintf("failed to store output of %s: %v", e.Description, err))
					continue
				}
				res.outputs[id] = key
				res.retained = append(res.retained, key)
			}
		})
	}
	wg.Wait()
	return res
}

// runExecution prepares the sandbox of e, runs it and collects its outputs.
// Setup failures end up as an internal error status.
func (w *Worker) runExecution(
	ctx context.Context,
	spec *domain.Job,
	groupDir string,
	e *domain.Execution,
) (domain.ExecutionResult, map[domain.FileID][]byte) {
	result := domain.ExecutionResult{Execution: e.ID}
	execDir := filepath.Join(groupDir, e.ID.String())
	box := filepath.Join(execDir, boxDirName)

	cfg, err := w.prepare(spec, groupDir, execDir, box, e)
	if err != nil {
		result.Status = domain.InternalError(err.Error())
		return result, nil
	}

	outcome, err := w.runner.Run(ctx, cfg)
	if err != nil {
		result.Status = domain.InternalError(err.Error())
		result.WasKilled = ctx.Err() != nil
		return result, nil
	}

	result.Status = e.Status(outcome.ExitCode, outcome.Signal, outcome.SignalName, outcome.Resources)
	result.Resources = outcome.Resources
	result.WasKilled = outcome.Killed

	produced, err := collectOutputs(e, box, cfg)
	if err != nil {
		result.Status = domain.InternalError(err.Error())
		return result, nil
	}
	if e.CaptureStdout > 0 {
		result.Stdout, _ = fs.ReadFileLimit(cfg.Stdout, e.CaptureStdout)
	}
	if e.CaptureStderr > 0 {
		result.Stderr, _ = fs.ReadFileLimit(cfg.Stderr, e.CaptureStderr)
	}
	return result, produced
}

// prepare lays out the sandbox of e: inputs copied from the store, outputs
// created empty and the pipes of the group linked in.
func (w *Worker) prepare(
	spec *domain.Job,
	groupDir, execDir, box string,
	e *domain.Execution,
) (domain.SandboxConfig, error) {
	if err := os.MkdirAll(box, domain.DirPerm); err != nil {
		return domain.SandboxConfig{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
	}

	for path, in := range e.Inputs {
		target, err := sandboxPath(box, path)
		if err != nil {
			return domain.SandboxConfig{}, err
		}
		perm := os.FileMode(domain.ReadOnlyFilePerm)
		if in.Executable {
			perm = domain.ExecutableFilePerm
		}
		if err := w.place(spec.Keys[in.File], target, perm); err != nil {
			return domain.SandboxConfig{}, err
		}
	}

	for path := range e.Outputs {
		target, err := sandboxPath(box, path)
		if err != nil {
			return domain.SandboxConfig{}, err
		}
		if err := os.MkdirAll(filepath.Dir(target), domain.DirPerm); err != nil {
			return domain.SandboxConfig{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
		}
		if err := os.WriteFile(target, nil, domain.FilePerm); err != nil {
			return domain.SandboxConfig{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
		}
	}

	var mounts []string
	if len(spec.Group.Fifos) > 0 {
		fifoDir := filepath.Join(groupDir, domain.FifoDirName)
		link := filepath.Join(box, domain.FifoDirName)
		if err := os.Symlink(fifoDir, link); err != nil {
			return domain.SandboxConfig{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
		}
		mounts = append(mounts, fifoDir)
	}

	cfg := domain.SandboxConfig{
		Dir:        box,
		Executable: e.Command.Path,
		Args:       e.Args,
		Env:        environ(e.Env),
		Mounts:     mounts,
		Limits:     e.Limits,
	}
	cfg.Limits.ExtraTime += spec.ExtraTime
	if e.Command.Kind == domain.CommandLocal {
		exe, err := sandboxPath(box, e.Command.Path)
		if err != nil {
			return domain.SandboxConfig{}, err
		}
		cfg.Executable = exe
	}

	if e.Stdin != nil {
		cfg.Stdin = filepath.Join(execDir, stdinFileName)
		if err := w.place(spec.Keys[*e.Stdin], cfg.Stdin, domain.ReadOnlyFilePerm); err != nil {
			return domain.SandboxConfig{}, err
		}
	}
	if e.Stdout != nil || e.CaptureStdout > 0 {
		cfg.Stdout = filepath.Join(execDir, stdoutName)
	}
	if e.Stderr != nil || e.CaptureStderr > 0 {
		cfg.Stderr = filepath.Join(execDir, stderrName)
	}

	if e.Limits.ReadOnly {
		if err := setTreeMode(box, readOnlyDirPerm); err != nil {
			return domain.SandboxConfig{}, zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
		}
	}
	return cfg, nil
}

// place copies the blob under key to path.
func (w *Worker) place(key domain.StoreKey, path string, perm os.FileMode) error {
	data, err := w.store.Get(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), domain.DirPerm); err != nil {
		return zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error()), "path", path)
	}
	// WriteFile applies the umask.
	return os.Chmod(path, perm)
}

func (w *Worker) prepareFifos(groupDir string, fifos []domain.Fifo) error {
	if len(fifos) == 0 {
		return nil
	}
	dir := filepath.Join(groupDir, domain.FifoDirName)
	if err := os.MkdirAll(dir, domain.DirPerm); err != nil {
		return zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error())
	}
	for _, f := range fifos {
		path, err := sandboxPath(dir, f.Name)
		if err != nil {
			return err
		}
		if err := unix.Mkfifo(path, domain.PrivateFilePerm); err != nil {
			return zerr.With(zerr.Wrap(err, domain.ErrSandboxSetupFailed.Error()), "fifo", f.Name)
		}
	}
	return nil
}

// collectOutputs reads the declared outputs of e. An output the process
// removed counts as empty.
func collectOutputs(e *domain.Execution, box string, cfg domain.SandboxConfig) (map[domain.FileID][]byte, error) {
	produced := make(map[domain.FileID][]byte, len(e.Outputs)+2)
	for path, f := range e.Outputs {
		target, err := sandboxPath(box, path)
		if err != nil {
			return nil, err
		}
		data, err := readOptional(target)
		if err != nil {
			return nil, err
		}
		produced[f.ID] = data
	}
	if e.Stdout != nil {
		data, err := readOptional(cfg.Stdout)
		if err != nil {
			return nil, err
		}
		produced[e.Stdout.ID] = data
	}
	if e.Stderr != nil {
		data, err := readOptional(cfg.Stderr)
		if err != nil {
			return nil, err
		}
		produced[e.Stderr.ID] = data
	}
	return produced, nil
}

func readOptional(path string) ([]byte, error) {
	//nolint:gosec // Path is inside the sandbox
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read output"), "path", path)
	}
	return data, nil
}

// sandboxPath resolves a relative path inside root and rejects escapes.
func sandboxPath(root, rel string) (string, error) {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", zerr.With(domain.ErrSandboxSetupFailed, "path", rel)
	}
	return filepath.Join(root, clean), nil
}

func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}
