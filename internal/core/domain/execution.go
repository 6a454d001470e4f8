package domain

import (
	"maps"
	"slices"
)

// CompilationPriority is the fixed priority of compilation work. It is far
// above anything user executions use so compilations are never starved.
const CompilationPriority int64 = 1_000_000_000

// Reserved output names for the captured standard streams in cache entries.
const (
	StdoutOutputName = "<stdout>"
	StderrOutputName = "<stderr>"
)

// CommandKind tells the worker how to resolve a command path.
type CommandKind string

const (
	// CommandSystem is looked up in the worker's PATH.
	CommandSystem CommandKind = "system"
	// CommandLocal is a path relative to the sandbox directory.
	CommandLocal CommandKind = "local"
)

// Command is the program an Execution runs.
type Command struct {
	Kind CommandKind `json:"kind"`
	Path string      `json:"path"`
}

// SystemCommand returns a command resolved through PATH.
func SystemCommand(name string) Command {
	return Command{Kind: CommandSystem, Path: name}
}

// LocalCommand returns a command found inside the sandbox.
func LocalCommand(path string) Command {
	return Command{Kind: CommandLocal, Path: path}
}

// ExecutionInput maps a sandbox path to the File placed there.
type ExecutionInput struct {
	File       FileID `json:"file"`
	Executable bool   `json:"executable,omitempty"`
}

// Execution is a single process invocation inside a sandbox.
type Execution struct {
	ID          ExecutionID               `json:"id"`
	Description string                    `json:"description"`
	Command     Command                   `json:"command"`
	Args        []string                  `json:"args,omitempty"`
	Env         map[string]string         `json:"env,omitempty"`
	Inputs      map[string]ExecutionInput `json:"inputs,omitempty"`
	Outputs     map[string]File           `json:"outputs,omitempty"`
	Stdin       *FileID                   `json:"stdin,omitempty"`
	Stdout      *File                     `json:"stdout,omitempty"`
	Stderr      *File                     `json:"stderr,omitempty"`
	// CaptureStdout and CaptureStderr bound how many bytes of each stream are
	// returned in the result. Zero disables capturing.
	CaptureStdout int64  `json:"capture_stdout,omitempty"`
	CaptureStderr int64  `json:"capture_stderr,omitempty"`
	Limits        Limits `json:"limits"`
	Priority      int64  `json:"priority"`
	Tag           Tag    `json:"tag"`
}

// NewExecution returns an execution with a fresh id and default limits.
func NewExecution(description string, cmd Command) *Execution {
	return &Execution{
		ID:          NewID[executionKind](),
		Description: description,
		Command:     cmd,
		Inputs:      make(map[string]ExecutionInput),
		Outputs:     make(map[string]File),
		Limits:      DefaultLimits(),
	}
}

// Input places file at path inside the sandbox.
func (e *Execution) Input(file File, path string, executable bool) *Execution {
	if e.Inputs == nil {
		e.Inputs = make(map[string]ExecutionInput)
	}
	e.Inputs[path] = ExecutionInput{File: file.ID, Executable: executable}
	return e
}

// Output declares path as an output and returns its File. Declaring the same
// path twice returns the same File.
func (e *Execution) Output(path string) File {
	if f, ok := e.Outputs[path]; ok {
		return f
	}
	if e.Outputs == nil {
		e.Outputs = make(map[string]File)
	}
	f := NewFile("Output of " + e.Description + " at " + path)
	e.Outputs[path] = f
	return f
}

// StdinFrom feeds file to the standard input of the process.
func (e *Execution) StdinFrom(file File) *Execution {
	id := file.ID
	e.Stdin = &id
	return e
}

// StdoutFile returns the File holding the standard output of the process.
func (e *Execution) StdoutFile() File {
	if e.Stdout == nil {
		f := NewFile("Stdout of " + e.Description)
		e.Stdout = &f
	}
	return *e.Stdout
}

// StderrFile returns the File holding the standard error of the process.
func (e *Execution) StderrFile() File {
	if e.Stderr == nil {
		f := NewFile("Stderr of " + e.Description)
		e.Stderr = &f
	}
	return *e.Stderr
}

// Dependencies returns the files the execution reads, in a stable order.
func (e *Execution) Dependencies() []FileID {
	deps := make([]FileID, 0, len(e.Inputs)+1)
	for _, path := range slices.Sorted(maps.Keys(e.Inputs)) {
		deps = append(deps, e.Inputs[path].File)
	}
	if e.Stdin != nil {
		deps = append(deps, *e.Stdin)
	}
	return deps
}

// OutputFiles maps every output name, including the reserved stream names,
// to the File it produces.
func (e *Execution) OutputFiles() map[string]FileID {
	out := make(map[string]FileID, len(e.Outputs)+2)
	for path, f := range e.Outputs {
		out[path] = f.ID
	}
	if e.Stdout != nil {
		out[StdoutOutputName] = e.Stdout.ID
	}
	if e.Stderr != nil {
		out[StderrOutputName] = e.Stderr.ID
	}
	return out
}

// Produced returns the ids of every file the execution produces, in a stable
// order.
func (e *Execution) Produced() []FileID {
	outputs := e.OutputFiles()
	ids := make([]FileID, 0, len(outputs))
	for _, name := range slices.Sorted(maps.Keys(outputs)) {
		ids = append(ids, outputs[name])
	}
	return ids
}

// Status classifies the outcome of a finished process. Limits are checked
// before the signal because exceeding them usually ends in a kill.
func (e *Execution) Status(exitCode, signal int, signalName string, usage ResourceUsage) ExecutionStatus {
	l := e.Limits
	switch {
	case l.CPUTime > 0 && usage.CPUTime > l.CPUTime:
		return ExecutionStatus{Kind: StatusTimeLimitExceeded}
	case l.SysTime > 0 && usage.SysTime > l.SysTime:
		return ExecutionStatus{Kind: StatusSysTimeLimitExceeded}
	case l.WallTime > 0 && usage.WallTime > l.WallTime:
		return ExecutionStatus{Kind: StatusWallTimeLimitExceeded}
	case l.Memory > 0 && usage.Memory > l.Memory:
		return ExecutionStatus{Kind: StatusMemoryLimitExceeded}
	case signal != 0:
		return ExecutionStatus{Kind: StatusSignal, Code: signal, Signal: signalName}
	case exitCode != 0:
		return ExecutionStatus{Kind: StatusReturnCode, Code: exitCode}
	default:
		return ExecutionStatus{Kind: StatusSuccess}
	}
}
