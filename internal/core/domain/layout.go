package domain

import "path/filepath"

const (
	// ForgeDirName is the name of the internal workspace directory.
	ForgeDirName = ".forge"

	// StoreDirName is the name of the content addressable store directory.
	StoreDirName = "store"

	// WorkerStoreDirName is the name of the blob cache of networked workers.
	WorkerStoreDirName = "worker-store"

	// CacheDirName is the name of the result cache directory.
	CacheDirName = "cache"

	// SandboxDirName is the name of the sandbox scratch directory.
	SandboxDirName = "sandboxes"

	// ConfigFileName is the name of the engine configuration file.
	ConfigFileName = "forge.yaml"

	// DefaultListenAddress is where the server listens when not configured.
	DefaultListenAddress = "127.0.0.1:27182"

	// DefaultMaxCacheMiB is the store size above which eviction starts.
	DefaultMaxCacheMiB = 2048

	// DefaultMinCacheMiB is the size eviction brings the store down to.
	DefaultMinCacheMiB = 1024

	// DirPerm is the default permission for directories (rwxr-x---).
	DirPerm = 0o750

	// FilePerm is the default permission for files (rw-r--r--).
	FilePerm = 0o644

	// PrivateFilePerm is the default permission for private files (rw-------).
	PrivateFilePerm = 0o600

	// ReadOnlyFilePerm is the permission of sandbox inputs (r--r--r--).
	ReadOnlyFilePerm = 0o444

	// ExecutableFilePerm is the permission of executable sandbox inputs (r-xr-xr-x).
	ExecutableFilePerm = 0o555
)

// DefaultForgePath returns the default root directory for forge metadata.
func DefaultForgePath() string {
	return ForgeDirName
}

// DefaultStorePath returns the default path for the content addressable store.
// It joins .forge and store.
func DefaultStorePath() string {
	return filepath.Join(ForgeDirName, StoreDirName)
}

// DefaultCachePath returns the default path for the result cache.
// It joins .forge and cache.
func DefaultCachePath() string {
	return filepath.Join(ForgeDirName, CacheDirName)
}

// DefaultSandboxPath returns the default path for sandbox working copies.
// It joins .forge and sandboxes.
func DefaultSandboxPath() string {
	return filepath.Join(ForgeDirName, SandboxDirName)
}
