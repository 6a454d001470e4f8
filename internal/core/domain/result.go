package domain

import (
	"fmt"
	"time"
)

// StatusKind enumerates the possible outcomes of an execution.
type StatusKind string

const (
	StatusSuccess               StatusKind = "success"
	StatusReturnCode            StatusKind = "return_code"
	StatusSignal                StatusKind = "signal"
	StatusTimeLimitExceeded     StatusKind = "time_limit_exceeded"
	StatusSysTimeLimitExceeded  StatusKind = "sys_time_limit_exceeded"
	StatusWallTimeLimitExceeded StatusKind = "wall_time_limit_exceeded"
	StatusMemoryLimitExceeded   StatusKind = "memory_limit_exceeded"
	StatusInternalError         StatusKind = "internal_error"
)

// ExecutionStatus is the typed outcome of an execution.
type ExecutionStatus struct {
	Kind StatusKind `json:"kind"`
	// Code is the return code or the signal number.
	Code    int    `json:"code,omitempty"`
	Signal  string `json:"signal,omitempty"`
	Message string `json:"message,omitempty"`
}

// InternalError returns the status of an execution the sandbox could not run.
func InternalError(message string) ExecutionStatus {
	return ExecutionStatus{Kind: StatusInternalError, Message: message}
}

// Success reports whether the execution succeeded.
func (s ExecutionStatus) Success() bool {
	return s.Kind == StatusSuccess
}

func (s ExecutionStatus) String() string {
	switch s.Kind {
	case StatusSuccess:
		return "Success"
	case StatusReturnCode:
		return fmt.Sprintf("Exited with %d", s.Code)
	case StatusSignal:
		return fmt.Sprintf("Killed by signal %d (%s)", s.Code, s.Signal)
	case StatusTimeLimitExceeded:
		return "Time limit exceeded"
	case StatusSysTimeLimitExceeded:
		return "System time limit exceeded"
	case StatusWallTimeLimitExceeded:
		return "Wall time limit exceeded"
	case StatusMemoryLimitExceeded:
		return "Memory limit exceeded"
	case StatusInternalError:
		return "Internal error: " + s.Message
	default:
		return string(s.Kind)
	}
}

// ResourceUsage is what a process consumed. Memory is the peak resident set
// size in KiB.
type ResourceUsage struct {
	CPUTime  time.Duration `json:"cpu_time"`
	SysTime  time.Duration `json:"sys_time"`
	WallTime time.Duration `json:"wall_time"`
	Memory   uint64        `json:"memory"`
}

// ExecutionResult is the outcome of an execution, as reported to clients.
type ExecutionResult struct {
	Execution ExecutionID     `json:"execution"`
	Status    ExecutionStatus `json:"status"`
	Resources ResourceUsage   `json:"resources"`
	Stdout    []byte          `json:"stdout,omitempty"`
	Stderr    []byte          `json:"stderr,omitempty"`
	WasCached bool            `json:"was_cached,omitempty"`
	WasKilled bool            `json:"was_killed,omitempty"`
}

// Cacheable reports whether the result depends only on the inputs of the
// execution and may therefore be reused.
func (r ExecutionResult) Cacheable() bool {
	return r.Status.Kind != StatusInternalError && !r.WasKilled
}
