package domain

import "github.com/google/uuid"

// ID is a UUID scoped to one kind of entity. Distinct kinds do not convert
// into each other implicitly.
type ID[K any] uuid.UUID

type (
	fileKind      struct{}
	executionKind struct{}
	groupKind     struct{}
	workerKind    struct{}
	clientKind    struct{}
)

type (
	// FileID identifies a File.
	FileID = ID[fileKind]
	// ExecutionID identifies an Execution.
	ExecutionID = ID[executionKind]
	// GroupID identifies an ExecutionGroup.
	GroupID = ID[groupKind]
	// WorkerID identifies a worker connected to a scheduler.
	WorkerID = ID[workerKind]
	// ClientID identifies a client connected to a scheduler.
	ClientID = ID[clientKind]
)

// NewID returns a fresh random identifier.
func NewID[K any]() ID[K] {
	return ID[K](uuid.New())
}

// String returns the canonical textual form of the id.
func (id ID[K]) String() string {
	return uuid.UUID(id).String()
}

// Short returns the first eight characters of the id, for log output.
func (id ID[K]) Short() string {
	return id.String()[:8]
}

// IsZero reports whether the id was never assigned.
func (id ID[K]) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID[K]) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID[K]) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*id = ID[K](u)
	return nil
}

// NewWorkerID returns a fresh worker identifier.
func NewWorkerID() WorkerID {
	return NewID[workerKind]()
}

// NewClientID returns a fresh client identifier.
func NewClientID() ClientID {
	return NewID[clientKind]()
}
