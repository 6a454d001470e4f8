package config

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/zerr"
)

// LoadDAG reads a graph description file. Executions that are not listed in
// a group run in a group of their own.
func (l *Loader) LoadDAG(path string) (*domain.DAG, error) {
	var file Graphfile
	if err := readAndUnmarshalYAML(path, &file); err != nil {
		return nil, err
	}
	b := &graphBuilder{
		base:  filepath.Dir(path),
		dag:   domain.NewDAG(),
		files: make(map[string]domain.File),
		execs: make(map[string]*domain.Execution),
		used:  make(map[domain.FileID]bool),
	}
	if err := b.build(&file); err != nil {
		return nil, zerr.With(err, "path", path)
	}
	for _, name := range slices.Sorted(maps.Keys(file.Files)) {
		if !b.used[b.files[name].ID] {
			l.Logger.Warn(fmt.Sprintf("file %q in %s is never used", name, path))
		}
	}
	return b.dag, nil
}

type graphBuilder struct {
	base  string
	dag   *domain.DAG
	files map[string]domain.File
	execs map[string]*domain.Execution
	used  map[domain.FileID]bool
}

func (b *graphBuilder) build(file *Graphfile) error {
	if err := b.configure(file.Config); err != nil {
		return err
	}

	for _, name := range slices.Sorted(maps.Keys(file.Files)) {
		if err := b.provide(name, file.Files[name]); err != nil {
			return err
		}
	}

	// Outputs are declared before any input is resolved so executions can
	// read files produced by executions declared after them.
	names := slices.Sorted(maps.Keys(file.Executions))
	for _, name := range names {
		if err := b.declare(name, file.Executions[name]); err != nil {
			return err
		}
	}
	for _, name := range names {
		if err := b.connect(name, file.Executions[name]); err != nil {
			return err
		}
	}

	grouped := make(map[string]bool)
	for _, dto := range file.Groups {
		if err := b.group(dto, grouped); err != nil {
			return err
		}
	}
	for _, name := range names {
		if !grouped[name] {
			b.dag.AddExecution(b.execs[name])
		}
	}

	for _, w := range file.Write {
		f, err := b.file(w.File)
		if err != nil {
			return err
		}
		b.dag.WriteFileTo(f, resolvePath(b.base, w.Path), w.Executable)
	}

	return b.dag.Validate()
}

func (b *graphBuilder) configure(dto EvaluationDTO) error {
	mode, err := domain.ParseCacheMode(dto.Cache)
	if err != nil {
		return err
	}
	extra, err := parseDuration("config.extra_time", dto.ExtraTime)
	if err != nil {
		return err
	}
	b.dag.SetCacheMode(mode)
	b.dag.SetKeepSandboxes(dto.KeepSandboxes)
	b.dag.SetExtraTime(extra)
	return nil
}

func (b *graphBuilder) provide(name string, dto FileDTO) error {
	if dto.Path != "" && dto.Content != "" {
		return zerr.With(zerr.With(domain.ErrInvalidConfigValue, "file", name), "reason", "both path and content are set")
	}
	var f domain.File
	if dto.Path != "" {
		var err error
		if f, err = b.dag.ProvideFile(resolvePath(b.base, dto.Path)); err != nil {
			return err
		}
	} else {
		f = b.dag.ProvideContent([]byte(dto.Content), name)
	}
	return b.name(name, f)
}

func (b *graphBuilder) name(name string, f domain.File) error {
	if _, ok := b.files[name]; ok {
		return zerr.With(domain.ErrDuplicateFileName, "file", name)
	}
	b.files[name] = f
	return nil
}

func (b *graphBuilder) file(name string) (domain.File, error) {
	f, ok := b.files[name]
	if !ok {
		return domain.File{}, zerr.With(domain.ErrUnknownFileName, "file", name)
	}
	b.used[f.ID] = true
	return f, nil
}

// declare creates the execution and names the files it produces.
func (b *graphBuilder) declare(name string, dto *ExecutionDTO) error {
	if dto == nil || dto.Command == "" {
		return zerr.With(domain.ErrMissingCommand, "execution", name)
	}
	cmd := domain.SystemCommand(dto.Command)
	if dto.Local {
		cmd = domain.LocalCommand(dto.Command)
	}
	exec := domain.NewExecution(name, cmd)
	exec.Args = dto.Args
	exec.Env = dto.Env
	exec.Priority = dto.Priority
	exec.CaptureStdout = dto.CaptureStdout
	exec.CaptureStderr = dto.CaptureStderr
	if dto.Tag != "" {
		exec.Tag = domain.NewTag(dto.Tag)
	}
	limits, err := limitsOf(name, dto.Limits)
	if err != nil {
		return err
	}
	exec.Limits = limits
	b.execs[name] = exec

	for _, path := range slices.Sorted(maps.Keys(dto.Outputs)) {
		if err := b.name(dto.Outputs[path], exec.Output(path)); err != nil {
			return err
		}
	}
	if dto.Stdout != "" {
		if err := b.name(dto.Stdout, exec.StdoutFile()); err != nil {
			return err
		}
	}
	if dto.Stderr != "" {
		if err := b.name(dto.Stderr, exec.StderrFile()); err != nil {
			return err
		}
	}
	return nil
}

// connect resolves the files the execution reads.
func (b *graphBuilder) connect(name string, dto *ExecutionDTO) error {
	exec := b.execs[name]
	for _, in := range dto.Inputs {
		f, err := b.file(in.File)
		if err != nil {
			return zerr.With(err, "execution", name)
		}
		exec.Input(f, in.Path, in.Executable)
	}
	if dto.Stdin != "" {
		f, err := b.file(dto.Stdin)
		if err != nil {
			return zerr.With(err, "execution", name)
		}
		exec.StdinFrom(f)
	}
	return nil
}

func (b *graphBuilder) group(dto GroupDTO, grouped map[string]bool) error {
	g := domain.NewGroup(dto.Name)
	switch domain.FailurePolicy(dto.Policy) {
	case "", domain.StopOnFailure:
		g.Policy = domain.StopOnFailure
	case domain.ContinueOnFailure:
		g.Policy = domain.ContinueOnFailure
	default:
		return zerr.With(domain.ErrInvalidFailurePolicy, "policy", dto.Policy)
	}
	for _, fifo := range dto.Fifos {
		g.NewFifo(fifo)
	}
	for _, name := range dto.Executions {
		exec, ok := b.execs[name]
		if !ok {
			return zerr.With(domain.ErrUnknownExecutionName, "execution", name)
		}
		if grouped[name] {
			return zerr.With(domain.ErrDuplicateID, "execution", name)
		}
		grouped[name] = true
		g.AddExecution(exec)
	}
	if g.Description == "" && len(g.Executions) > 0 {
		g.Description = g.Executions[0].Description
	}
	b.dag.AddGroup(g)
	return nil
}

func limitsOf(name string, dto LimitsDTO) (domain.Limits, error) {
	l := domain.DefaultLimits()
	var err error
	field := "executions." + name + ".limits."
	if l.CPUTime, err = parseDuration(field+"cpu_time", dto.CPUTime); err != nil {
		return l, err
	}
	if l.SysTime, err = parseDuration(field+"sys_time", dto.SysTime); err != nil {
		return l, err
	}
	if l.WallTime, err = parseDuration(field+"wall_time", dto.WallTime); err != nil {
		return l, err
	}
	l.Memory = dto.Memory
	l.FileSize = dto.FileSize
	l.Stack = dto.Stack
	l.MemLock = dto.MemLock
	l.NProc = dto.NProc
	l.NOFile = dto.NOFile
	if dto.ReadOnly != nil {
		l.ReadOnly = *dto.ReadOnly
	}
	l.MountTmpfs = dto.Tmpfs
	return l, nil
}
