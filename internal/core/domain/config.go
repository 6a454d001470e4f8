package domain

import (
	"path/filepath"
	"runtime"
	"time"
)

// Config is the engine configuration, read from forge.yaml and overridden by
// command line flags.
type Config struct {
	StoreDir      string
	CacheDir      string
	SandboxDir    string
	MaxCacheMiB   int64
	MinCacheMiB   int64
	Workers       int
	CacheMode     CacheMode
	KeepSandboxes bool
	ExtraTime     time.Duration
	Server        ServerConfig
}

// ServerConfig configures the networked scheduler.
type ServerConfig struct {
	Listen string
	// AllowedNames restricts which peers may connect. Empty allows everyone.
	AllowedNames []string
	// IdleTimeout shuts the server down after that long without peers.
	// Zero disables the timeout.
	IdleTimeout time.Duration
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		StoreDir:    DefaultStorePath(),
		CacheDir:    DefaultCachePath(),
		SandboxDir:  DefaultSandboxPath(),
		MaxCacheMiB: DefaultMaxCacheMiB,
		MinCacheMiB: DefaultMinCacheMiB,
		Workers:     runtime.NumCPU(),
		CacheMode:   CacheEverything(),
		Server: ServerConfig{
			Listen: DefaultListenAddress,
		},
	}
}

// WorkerStorePath returns the blob cache of a networked worker, kept apart
// from the scheduler store.
func (c Config) WorkerStorePath() string {
	return filepath.Join(filepath.Dir(c.StoreDir), WorkerStoreDirName)
}
