package domain

import (
	"os"
	"time"

	"go.trai.ch/zerr"
)

// EvaluationConfig tunes how a graph is evaluated.
type EvaluationConfig struct {
	CacheMode     CacheMode     `json:"cache_mode"`
	KeepSandboxes bool          `json:"keep_sandboxes,omitempty"`
	ExtraTime     time.Duration `json:"extra_time,omitempty"`
}

// DAGData is the part of a computation graph the scheduler receives.
// Groups are kept in declaration order.
type DAGData struct {
	Provided map[FileID]ProvidedFile `json:"provided"`
	Groups   []*ExecutionGroup       `json:"groups"`
	Config   EvaluationConfig        `json:"config"`
}

// WriteTarget is a local path a ready file is copied to.
type WriteTarget struct {
	Path       string
	Executable bool
}

// ContentCallback receives at most Limit bytes of a ready file.
type ContentCallback struct {
	Limit int64
	Fn    func(content []byte)
}

// Callbacks are run by the client when the scheduler reports events.
type Callbacks struct {
	Start   map[ExecutionID][]func(worker WorkerID)
	Done    map[ExecutionID][]func(result ExecutionResult)
	Skip    map[ExecutionID][]func()
	WriteTo map[FileID][]WriteTarget
	Content map[FileID][]ContentCallback
}

// WantedFiles returns the files whose content the client needs.
func (c *Callbacks) WantedFiles() []FileID {
	seen := make(map[FileID]struct{}, len(c.WriteTo)+len(c.Content))
	var ids []FileID
	add := func(id FileID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for id := range c.WriteTo {
		add(id)
	}
	for id := range c.Content {
		add(id)
	}
	return ids
}

// DAG is the client side model of a computation graph. Declaring things
// only accumulates data; nothing runs until the graph is evaluated.
type DAG struct {
	data      DAGData
	callbacks Callbacks
}

// NewDAG returns an empty graph that caches everything.
func NewDAG() *DAG {
	return &DAG{
		data: DAGData{
			Provided: make(map[FileID]ProvidedFile),
			Config:   EvaluationConfig{CacheMode: CacheEverything()},
		},
		callbacks: Callbacks{
			Start:   make(map[ExecutionID][]func(WorkerID)),
			Done:    make(map[ExecutionID][]func(ExecutionResult)),
			Skip:    make(map[ExecutionID][]func()),
			WriteTo: make(map[FileID][]WriteTarget),
			Content: make(map[FileID][]ContentCallback),
		},
	}
}

// ProvideFile declares a file read from path. Its key is computed now, so an
// unreadable path fails immediately.
func (d *DAG) ProvideFile(path string) (File, error) {
	//nolint:gosec // Path is provided by the graph author
	f, err := os.Open(path)
	if err != nil {
		return File{}, zerr.With(zerr.Wrap(err, ErrProvidedFileUnreadable.Error()), "path", path)
	}
	defer func() { _ = f.Close() }()

	key, err := KeyOfReader(f)
	if err != nil {
		return File{}, zerr.With(zerr.Wrap(err, ErrProvidedFileUnreadable.Error()), "path", path)
	}

	file := NewFile(path)
	d.data.Provided[file.ID] = ProvidedFile{File: file, Key: key, LocalPath: path}
	return file, nil
}

// ProvideContent declares a file holding content.
func (d *DAG) ProvideContent(content []byte, description string) File {
	file := NewFile(description)
	d.data.Provided[file.ID] = ProvidedFile{File: file, Key: KeyOf(content), Content: content}
	return file
}

// AddExecution adds exec in a group of its own.
func (d *DAG) AddExecution(exec *Execution) {
	d.data.Groups = append(d.data.Groups, Singleton(exec))
}

// AddGroup adds a group of executions.
func (d *DAG) AddGroup(g *ExecutionGroup) {
	d.data.Groups = append(d.data.Groups, g)
}

// OnExecutionStart registers fn to run when exec is dispatched to a worker.
func (d *DAG) OnExecutionStart(exec ExecutionID, fn func(worker WorkerID)) {
	d.callbacks.Start[exec] = append(d.callbacks.Start[exec], fn)
}

// OnExecutionDone registers fn to run with the result of exec.
func (d *DAG) OnExecutionDone(exec ExecutionID, fn func(result ExecutionResult)) {
	d.callbacks.Done[exec] = append(d.callbacks.Done[exec], fn)
}

// OnExecutionSkip registers fn to run if exec will never run.
func (d *DAG) OnExecutionSkip(exec ExecutionID, fn func()) {
	d.callbacks.Skip[exec] = append(d.callbacks.Skip[exec], fn)
}

// WriteFileTo copies file to path once it is ready.
func (d *DAG) WriteFileTo(file File, path string, executable bool) {
	d.callbacks.WriteTo[file.ID] = append(d.callbacks.WriteTo[file.ID], WriteTarget{Path: path, Executable: executable})
}

// GetFileContent passes the first limit bytes of file to fn once it is ready.
func (d *DAG) GetFileContent(file File, limit int64, fn func(content []byte)) {
	d.callbacks.Content[file.ID] = append(d.callbacks.Content[file.ID], ContentCallback{Limit: limit, Fn: fn})
}

// SetCacheMode selects which executions may be served from the cache.
func (d *DAG) SetCacheMode(mode CacheMode) {
	d.data.Config.CacheMode = mode
}

// SetKeepSandboxes keeps sandbox directories around after execution.
func (d *DAG) SetKeepSandboxes(keep bool) {
	d.data.Config.KeepSandboxes = keep
}

// SetExtraTime adds slack to the enforced time limits of every execution.
func (d *DAG) SetExtraTime(extra time.Duration) {
	d.data.Config.ExtraTime = extra
}

// Config returns the evaluation configuration.
func (d *DAG) Config() EvaluationConfig {
	return d.data.Config
}

// Data returns what the scheduler needs to evaluate the graph.
func (d *DAG) Data() DAGData {
	return d.data
}

// Callbacks returns the registered callbacks.
func (d *DAG) Callbacks() *Callbacks {
	return &d.callbacks
}

// Provided returns the declaration of a provided file.
func (d *DAG) Provided(id FileID) (ProvidedFile, bool) {
	p, ok := d.data.Provided[id]
	return p, ok
}

// Executions returns every execution in declaration order.
func (d *DAG) Executions() []*Execution {
	var out []*Execution
	for _, g := range d.data.Groups {
		out = append(out, g.Executions...)
	}
	return out
}

// Validate rejects graphs the scheduler could never complete, and callbacks
// on unknown executions or files.
func (d *DAG) Validate() error {
	if err := d.data.Validate(); err != nil {
		return err
	}

	execs := make(map[ExecutionID]struct{})
	files := make(map[FileID]struct{}, len(d.data.Provided))
	for id := range d.data.Provided {
		files[id] = struct{}{}
	}
	for _, e := range d.Executions() {
		execs[e.ID] = struct{}{}
		for _, id := range e.Produced() {
			files[id] = struct{}{}
		}
	}

	checkExec := func(id ExecutionID) error {
		if _, ok := execs[id]; !ok {
			return zerr.With(ErrUnknownExecution, "execution", id.String())
		}
		return nil
	}
	for id := range d.callbacks.Start {
		if err := checkExec(id); err != nil {
			return err
		}
	}
	for id := range d.callbacks.Done {
		if err := checkExec(id); err != nil {
			return err
		}
	}
	for id := range d.callbacks.Skip {
		if err := checkExec(id); err != nil {
			return err
		}
	}
	for _, id := range d.callbacks.WantedFiles() {
		if _, ok := files[id]; !ok {
			return zerr.With(ErrUnknownFile, "file", id.String())
		}
	}
	return nil
}

// Validate checks that every input refers to a known file, that every file
// has a single origin and that ids are not reused.
func (data DAGData) Validate() error {
	producer := make(map[FileID]ExecutionID)
	execs := make(map[ExecutionID]struct{})
	groups := make(map[GroupID]struct{})

	for _, g := range data.Groups {
		if len(g.Executions) == 0 {
			return zerr.With(ErrEmptyGroup, "group", g.Description)
		}
		if _, ok := groups[g.ID]; ok {
			return zerr.With(ErrDuplicateID, "group", g.ID.String())
		}
		groups[g.ID] = struct{}{}

		for _, e := range g.Executions {
			if _, ok := execs[e.ID]; ok {
				return zerr.With(ErrDuplicateID, "execution", e.ID.String())
			}
			execs[e.ID] = struct{}{}

			for _, id := range e.Produced() {
				if _, ok := data.Provided[id]; ok {
					return zerr.With(ErrFileProvidedAndProduced, "file", id.String())
				}
				if _, ok := producer[id]; ok {
					return zerr.With(ErrDuplicateProducer, "file", id.String())
				}
				producer[id] = e.ID
			}
		}
	}

	for _, g := range data.Groups {
		for _, e := range g.Executions {
			for _, id := range e.Dependencies() {
				if _, ok := data.Provided[id]; ok {
					continue
				}
				p, ok := producer[id]
				if !ok {
					return zerr.With(zerr.With(ErrDanglingInput, "execution", e.Description), "file", id.String())
				}
				for _, sibling := range g.Executions {
					if sibling.ID == p {
						return zerr.With(ErrGroupSelfDependency, "execution", e.Description)
					}
				}
			}
		}
	}
	return data.checkCycles(producer)
}

// checkCycles walks the group graph depth first and fails on a back edge.
func (data DAGData) checkCycles(producer map[FileID]ExecutionID) error {
	groupOf := make(map[ExecutionID]*ExecutionGroup)
	for _, g := range data.Groups {
		for _, e := range g.Executions {
			groupOf[e.ID] = g
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[GroupID]int, len(data.Groups))

	var visit func(g *ExecutionGroup) error
	visit = func(g *ExecutionGroup) error {
		switch state[g.ID] {
		case visiting:
			return zerr.With(ErrCycleDetected, "group", g.Description)
		case visited:
			return nil
		}
		state[g.ID] = visiting
		for _, id := range g.Dependencies() {
			p, ok := producer[id]
			if !ok {
				continue
			}
			if err := visit(groupOf[p]); err != nil {
				return err
			}
		}
		state[g.ID] = visited
		return nil
	}

	for _, g := range data.Groups {
		if err := visit(g); err != nil {
			return err
		}
	}
	return nil
}
