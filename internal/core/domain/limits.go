package domain

import "time"

// Limits are the resource limits enforced on a single sandboxed process.
// Zero values mean unlimited, except ReadOnly.
type Limits struct {
	CPUTime  time.Duration `json:"cpu_time,omitempty"`
	SysTime  time.Duration `json:"sys_time,omitempty"`
	WallTime time.Duration `json:"wall_time,omitempty"`
	// ExtraTime is slack added when enforcing the time limits. The status is
	// still classified against the declared limits.
	ExtraTime time.Duration `json:"extra_time,omitempty"`
	// Memory, FileSize, Stack and MemLock are in KiB.
	Memory   uint64 `json:"memory,omitempty"`
	FileSize uint64 `json:"fsize,omitempty"`
	Stack    uint64 `json:"stack,omitempty"`
	MemLock  uint64 `json:"memlock,omitempty"`
	NProc    uint64 `json:"nproc,omitempty"`
	NOFile   uint64 `json:"nofile,omitempty"`
	// ReadOnly forbids the process from creating files in its working
	// directory. Declared outputs are created in advance.
	ReadOnly bool `json:"read_only"`
	// MountTmpfs gives the process a private writable /tmp.
	MountTmpfs bool `json:"mount_tmpfs,omitempty"`
}

// DefaultLimits returns unlimited resources with a read-only sandbox.
func DefaultLimits() Limits {
	return Limits{ReadOnly: true}
}
