package domain

import "go.trai.ch/zerr"

var (
	// ErrProvidedFileUnreadable is returned when a provided file cannot be read at declaration time.
	ErrProvidedFileUnreadable = zerr.New("provided file is not readable")

	// ErrDanglingInput is returned when an execution reads a file that is neither provided nor produced.
	ErrDanglingInput = zerr.New("execution input refers to an unknown file")

	// ErrDuplicateProducer is returned when two executions declare the same output file.
	ErrDuplicateProducer = zerr.New("file is produced by more than one execution")

	// ErrFileProvidedAndProduced is returned when a provided file is also declared as an output.
	ErrFileProvidedAndProduced = zerr.New("file is both provided and produced")

	// ErrDuplicateID is returned when a graph reuses an execution or group id.
	ErrDuplicateID = zerr.New("duplicate id in graph")

	// ErrEmptyGroup is returned when an execution group has no members.
	ErrEmptyGroup = zerr.New("execution group is empty")

	// ErrGroupSelfDependency is returned when a group member reads a file produced by a sibling.
	ErrGroupSelfDependency = zerr.New("execution reads a file produced by its own group")

	// ErrCycleDetected is returned when executions depend on each other in a cycle.
	ErrCycleDetected = zerr.New("cycle detected")

	// ErrUnknownExecution is returned when a callback refers to an execution not in the graph.
	ErrUnknownExecution = zerr.New("callback refers to an unknown execution")

	// ErrUnknownFile is returned when a callback refers to a file not in the graph.
	ErrUnknownFile = zerr.New("callback refers to an unknown file")

	// ErrInvalidCacheMode is returned when a cache mode string cannot be parsed.
	ErrInvalidCacheMode = zerr.New("invalid cache mode")

	// ErrBlobNotFound is returned when the content store has no blob for a key.
	ErrBlobNotFound = zerr.New("blob not found in store")

	// ErrStoreKeyMismatch is returned when received bytes do not hash to the announced key.
	ErrStoreKeyMismatch = zerr.New("content does not match its key")

	// ErrStoreCreateFailed is returned when a store directory cannot be created.
	ErrStoreCreateFailed = zerr.New("failed to create store directory")

	// ErrStoreWriteFailed is returned when a blob cannot be written.
	ErrStoreWriteFailed = zerr.New("failed to write blob")

	// ErrStoreReadFailed is returned when a blob cannot be read.
	ErrStoreReadFailed = zerr.New("failed to read blob")

	// ErrCacheReadFailed is returned when a cache record cannot be read or decoded.
	ErrCacheReadFailed = zerr.New("failed to read cache entry")

	// ErrCacheWriteFailed is returned when a cache record cannot be written.
	ErrCacheWriteFailed = zerr.New("failed to write cache entry")

	// ErrSandboxSetupFailed is returned when the sandbox could not start the process.
	ErrSandboxSetupFailed = zerr.New("sandbox setup failed")

	// ErrCommandNotFound is returned when a system command is not in PATH.
	ErrCommandNotFound = zerr.New("command not found")

	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = zerr.New("connection closed")

	// ErrProtocolViolation is returned when a peer sends an unexpected message.
	ErrProtocolViolation = zerr.New("protocol violation")

	// ErrPeerRejected is returned when the server refuses a peer's handshake.
	ErrPeerRejected = zerr.New("peer rejected by server")

	// ErrWorkerDisconnected is the message of results of jobs lost with their worker.
	ErrWorkerDisconnected = zerr.New("worker disconnected")

	// ErrEvaluationFailed is returned when the scheduler aborts an evaluation.
	ErrEvaluationFailed = zerr.New("evaluation failed")

	// ErrExecutionFailed is returned when at least one execution did not succeed.
	ErrExecutionFailed = zerr.New("some executions failed")

	// ErrConfigReadFailed is returned when a configuration file cannot be read.
	ErrConfigReadFailed = zerr.New("failed to read config file")

	// ErrConfigParseFailed is returned when a configuration file cannot be parsed.
	ErrConfigParseFailed = zerr.New("failed to parse config file")

	// ErrInvalidDuration is returned when a duration in a configuration file is malformed.
	ErrInvalidDuration = zerr.New("invalid duration")

	// ErrUnknownFileName is returned when a graph file refers to an undeclared file name.
	ErrUnknownFileName = zerr.New("unknown file name")

	// ErrDuplicateFileName is returned when a graph file declares a file name twice.
	ErrDuplicateFileName = zerr.New("duplicate file name")

	// ErrInvalidFailurePolicy is returned when a group policy is not "stop" or "continue".
	ErrInvalidFailurePolicy = zerr.New("invalid failure policy, expected 'stop' or 'continue'")

	// ErrMissingCommand is returned when an execution in a graph file has no command.
	ErrMissingCommand = zerr.New("execution has no command")

	// ErrUnknownExecutionName is returned when a graph file groups an undeclared execution.
	ErrUnknownExecutionName = zerr.New("unknown execution name")

	// ErrInvalidConfigValue is returned when a configuration value is out of range.
	ErrInvalidConfigValue = zerr.New("invalid configuration value")
)
