package domain

import "time"

// FailurePolicy decides what happens to a group when one member fails.
type FailurePolicy string

const (
	// StopOnFailure kills the unfinished siblings of a failed member and
	// withholds the outputs of every member that did not succeed.
	StopOnFailure FailurePolicy = "stop"
	// ContinueOnFailure lets siblings finish and publishes the outputs of
	// failed members as well.
	ContinueOnFailure FailurePolicy = "continue"
)

// FifoDirName is the directory, relative to every member sandbox, holding the
// group's named pipes.
const FifoDirName = "fifo"

// Fifo is a named pipe shared by the members of a group.
type Fifo struct {
	Name string `json:"name"`
}

// SandboxPath returns where members find the pipe, relative to their sandbox.
func (f Fifo) SandboxPath() string {
	return FifoDirName + "/" + f.Name
}

// ExecutionGroup is a set of executions that run together on one worker.
type ExecutionGroup struct {
	ID          GroupID       `json:"id"`
	Description string        `json:"description"`
	Executions  []*Execution  `json:"executions"`
	Fifos       []Fifo        `json:"fifos,omitempty"`
	Policy      FailurePolicy `json:"policy,omitempty"`
}

// NewGroup returns an empty group that stops on the first failure.
func NewGroup(description string) *ExecutionGroup {
	return &ExecutionGroup{
		ID:          NewID[groupKind](),
		Description: description,
		Policy:      StopOnFailure,
	}
}

// Singleton wraps exec in a group of its own.
func Singleton(exec *Execution) *ExecutionGroup {
	g := NewGroup(exec.Description)
	g.AddExecution(exec)
	return g
}

// AddExecution appends exec to the group.
func (g *ExecutionGroup) AddExecution(exec *Execution) *ExecutionGroup {
	g.Executions = append(g.Executions, exec)
	return g
}

// NewFifo declares a named pipe visible to every member.
func (g *ExecutionGroup) NewFifo(name string) Fifo {
	f := Fifo{Name: name}
	g.Fifos = append(g.Fifos, f)
	return f
}

// Priority is the highest priority among the members.
func (g *ExecutionGroup) Priority() int64 {
	var p int64
	for i, e := range g.Executions {
		if i == 0 || e.Priority > p {
			p = e.Priority
		}
	}
	return p
}

// StopsOnFailure reports whether the group uses StopOnFailure.
func (g *ExecutionGroup) StopsOnFailure() bool {
	return g.Policy != ContinueOnFailure
}

// Dependencies returns the union of the members' inputs, in a stable order.
func (g *ExecutionGroup) Dependencies() []FileID {
	seen := make(map[FileID]struct{})
	var deps []FileID
	for _, e := range g.Executions {
		for _, id := range e.Dependencies() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			deps = append(deps, id)
		}
	}
	return deps
}

// Job is the unit of work sent to a worker: a group plus the store key of
// every file its members read.
type Job struct {
	Group         *ExecutionGroup     `json:"group"`
	Keys          map[FileID]StoreKey `json:"keys"`
	KeepSandboxes bool                `json:"keep_sandboxes,omitempty"`
	ExtraTime     time.Duration       `json:"extra_time,omitempty"`
}
