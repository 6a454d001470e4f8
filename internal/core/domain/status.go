package domain

// GroupState is the lifecycle state of an execution group inside the scheduler.
type GroupState string

const (
	// GroupWaiting indicates the group has inputs that are not ready yet.
	GroupWaiting GroupState = "waiting"
	// GroupReady indicates every input is ready and the group awaits a worker.
	GroupReady GroupState = "ready"
	// GroupRunning indicates the group was dispatched to a worker.
	GroupRunning GroupState = "running"
	// GroupDone indicates results were delivered, from a worker or the cache.
	GroupDone GroupState = "done"
	// GroupSkipped indicates the group will never run.
	GroupSkipped GroupState = "skipped"
)

// Terminal reports whether the state is final.
func (s GroupState) Terminal() bool {
	return s == GroupDone || s == GroupSkipped
}

// WorkerStatus describes a worker connected to a scheduler.
type WorkerStatus struct {
	ID   WorkerID `json:"id"`
	Name string   `json:"name"`
	// Job is the description of the group being run, empty when idle.
	Job string `json:"job,omitempty"`
}

// ExecutorStatus is a snapshot of the scheduler state.
type ExecutorStatus struct {
	Workers []WorkerStatus `json:"workers"`
	Ready   int            `json:"ready"`
	Waiting int            `json:"waiting"`
}
