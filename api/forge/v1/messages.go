// Package forgev1 defines the messages exchanged between clients, the
// scheduler and workers. The same shapes travel over in-process queues and
// over gRPC streams. Every envelope sets exactly one field.
package forgev1

import "go.trai.ch/forge/internal/core/domain"

// Welcome is the first message of a networked peer.
type Welcome struct {
	Name string `json:"name"`
}

// FileAnnounce precedes the chunks carrying a blob. File is zero when the
// blob is addressed by key only.
type FileAnnounce struct {
	File domain.FileID   `json:"file"`
	Key  domain.StoreKey `json:"key"`
}

// Chunk carries a slice of a blob. The last chunk of a blob has Last set.
type Chunk struct {
	Data []byte `json:"data,omitempty"`
	Last bool   `json:"last,omitempty"`
}

// Evaluate asks the scheduler to evaluate a graph. The graph itself follows
// as a run of chunks, see SendEvaluate.
type Evaluate struct {
	DAG domain.DAGData `json:"-"`
	// Wanted lists the files the client wants to receive once ready.
	Wanted []domain.FileID `json:"wanted,omitempty"`
}

// StatusRequest asks for an ExecutorStatus snapshot.
type StatusRequest struct{}

// Stop aborts the evaluation.
type Stop struct{}

// AskFile asks the peer for the blob of a file.
type AskFile struct {
	File domain.FileID   `json:"file"`
	Key  domain.StoreKey `json:"key"`
}

// ExecutionStarted reports that an execution was dispatched.
type ExecutionStarted struct {
	Execution domain.ExecutionID `json:"execution"`
	Worker    domain.WorkerID    `json:"worker"`
}

// ExecutionDone carries the result of an execution.
type ExecutionDone struct {
	Result domain.ExecutionResult `json:"result"`
}

// ExecutionSkipped reports that an execution will never run.
type ExecutionSkipped struct {
	Execution domain.ExecutionID `json:"execution"`
}

// EvaluationError aborts the evaluation with a message.
type EvaluationError struct {
	Message string `json:"message"`
}

// Completed ends an evaluation: every execution is done or skipped.
type Completed struct{}

// GetWork tells the scheduler the worker is idle.
type GetWork struct{}

// WorkerDone reports the results of a job, in member order, and the keys of
// the files it produced.
type WorkerDone struct {
	Group   domain.GroupID                    `json:"group"`
	Results []domain.ExecutionResult          `json:"results"`
	Outputs map[domain.FileID]domain.StoreKey `json:"outputs"`
}

// AskFiles lists the produced files the scheduler wants after a WorkerDone.
type AskFiles struct {
	Files []domain.FileID `json:"files"`
}

// KillJob asks the worker to kill the sandboxes of a group.
type KillJob struct {
	Group domain.GroupID `json:"group"`
}

// Exit asks the worker to stop after its current job.
type Exit struct{}

// ClientToServer is sent by a client.
type ClientToServer struct {
	Welcome     *Welcome       `json:"welcome,omitempty"`
	Evaluate    *Evaluate      `json:"evaluate,omitempty"`
	ProvideFile *FileAnnounce  `json:"provide_file,omitempty"`
	Chunk       *Chunk         `json:"chunk,omitempty"`
	Status      *StatusRequest `json:"status,omitempty"`
	Stop        *Stop          `json:"stop,omitempty"`
}

// ServerToClient is sent by the scheduler to a client.
type ServerToClient struct {
	AskFile     *AskFile               `json:"ask_file,omitempty"`
	ProvideFile *FileAnnounce          `json:"provide_file,omitempty"`
	Chunk       *Chunk                 `json:"chunk,omitempty"`
	Started     *ExecutionStarted      `json:"started,omitempty"`
	Done        *ExecutionDone         `json:"done,omitempty"`
	Skipped     *ExecutionSkipped      `json:"skipped,omitempty"`
	Status      *domain.ExecutorStatus `json:"status,omitempty"`
	Error       *EvaluationError       `json:"error,omitempty"`
	Completed   *Completed             `json:"completed,omitempty"`
}

// WorkerToServer is sent by a worker.
type WorkerToServer struct {
	Welcome     *Welcome      `json:"welcome,omitempty"`
	GetWork     *GetWork      `json:"get_work,omitempty"`
	AskFile     *AskFile      `json:"ask_file,omitempty"`
	ProvideFile *FileAnnounce `json:"provide_file,omitempty"`
	Chunk       *Chunk        `json:"chunk,omitempty"`
	WorkerDone  *WorkerDone   `json:"worker_done,omitempty"`
}

// ServerToWorker is sent by the scheduler to a worker.
type ServerToWorker struct {
	Work        *domain.Job   `json:"work,omitempty"`
	ProvideFile *FileAnnounce `json:"provide_file,omitempty"`
	Chunk       *Chunk        `json:"chunk,omitempty"`
	AskFiles    *AskFiles     `json:"ask_files,omitempty"`
	KillJob     *KillJob      `json:"kill_job,omitempty"`
	Exit        *Exit         `json:"exit,omitempty"`
}
