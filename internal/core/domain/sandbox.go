package domain

// SandboxConfig describes one process to run inside a prepared directory.
type SandboxConfig struct {
	// Dir is the working directory of the process.
	Dir string
	// Executable is the program to run. A bare name is searched in the PATH
	// of Env, then in the PATH of the runner.
	Executable string
	Args       []string
	Env        []string
	// Stdin, Stdout and Stderr are file paths. Empty means /dev/null.
	Stdin  string
	Stdout string
	Stderr string
	// Mounts are host directories the process may read and write, visible
	// at the same path.
	Mounts []string
	Limits Limits
}

// SandboxOutcome is what the runner observed about a terminated process.
type SandboxOutcome struct {
	ExitCode   int
	Signal     int
	SignalName string
	Resources  ResourceUsage
	// Killed is set when the process was killed on request.
	Killed bool
}
