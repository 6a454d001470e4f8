package config

// Forgefile is the structure of the forge.yaml engine configuration file.
type Forgefile struct {
	Store         string    `yaml:"store"`
	Cache         string    `yaml:"cache"`
	Sandboxes     string    `yaml:"sandboxes"`
	MaxCacheMiB   *int64    `yaml:"max_cache_mib"`
	MinCacheMiB   *int64    `yaml:"min_cache_mib"`
	Workers       int       `yaml:"workers"`
	CacheMode     string    `yaml:"cache_mode"`
	KeepSandboxes bool      `yaml:"keep_sandboxes"`
	ExtraTime     string    `yaml:"extra_time"`
	Server        ServerDTO `yaml:"server"`
}

// ServerDTO configures the networked scheduler.
type ServerDTO struct {
	Listen      string   `yaml:"listen"`
	Allowed     []string `yaml:"allowed"`
	IdleTimeout string   `yaml:"idle_timeout"`
}

// Graphfile is the structure of a graph description file.
type Graphfile struct {
	Config     EvaluationDTO            `yaml:"config"`
	Files      map[string]FileDTO       `yaml:"files"`
	Executions map[string]*ExecutionDTO `yaml:"executions"`
	Groups     []GroupDTO               `yaml:"groups"`
	Write      []WriteDTO               `yaml:"write"`
}

// EvaluationDTO tunes how the graph is evaluated.
type EvaluationDTO struct {
	Cache         string `yaml:"cache"`
	KeepSandboxes bool   `yaml:"keep_sandboxes"`
	ExtraTime     string `yaml:"extra_time"`
}

// FileDTO declares a provided file, read from Path or given inline.
type FileDTO struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

// ExecutionDTO declares an execution. Files are referred to by name.
type ExecutionDTO struct {
	Command       string            `yaml:"command"`
	Local         bool              `yaml:"local"`
	Args          []string          `yaml:"args"`
	Env           map[string]string `yaml:"env"`
	Tag           string            `yaml:"tag"`
	Priority      int64             `yaml:"priority"`
	Inputs        []InputDTO        `yaml:"inputs"`
	Outputs       map[string]string `yaml:"outputs"`
	Stdin         string            `yaml:"stdin"`
	Stdout        string            `yaml:"stdout"`
	Stderr        string            `yaml:"stderr"`
	CaptureStdout int64             `yaml:"capture_stdout"`
	CaptureStderr int64             `yaml:"capture_stderr"`
	Limits        LimitsDTO         `yaml:"limits"`
}

// InputDTO places a named file at Path inside the sandbox.
type InputDTO struct {
	Path       string `yaml:"path"`
	File       string `yaml:"file"`
	Executable bool   `yaml:"executable"`
}

// LimitsDTO holds resource limits. Sizes are in KiB.
type LimitsDTO struct {
	CPUTime  string `yaml:"cpu_time"`
	SysTime  string `yaml:"sys_time"`
	WallTime string `yaml:"wall_time"`
	Memory   uint64 `yaml:"memory"`
	FileSize uint64 `yaml:"fsize"`
	Stack    uint64 `yaml:"stack"`
	MemLock  uint64 `yaml:"memlock"`
	NProc    uint64 `yaml:"nproc"`
	NOFile   uint64 `yaml:"nofile"`
	ReadOnly *bool  `yaml:"read_only"`
	Tmpfs    bool   `yaml:"mount_tmpfs"`
}

// GroupDTO runs the named executions together on one worker.
type GroupDTO struct {
	Name       string   `yaml:"name"`
	Policy     string   `yaml:"policy"`
	Fifos      []string `yaml:"fifos"`
	Executions []string `yaml:"executions"`
}

// WriteDTO copies a named file to Path once it is ready.
type WriteDTO struct {
	File       string `yaml:"file"`
	Path       string `yaml:"path"`
	Executable bool   `yaml:"executable"`
}
