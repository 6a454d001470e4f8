// Package config loads the engine configuration and graph description files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// Loader implements ports.ConfigLoader using YAML files.
type Loader struct {
	Logger ports.Logger
}

// NewLoader creates a new Loader with the given logger.
func NewLoader(logger ports.Logger) *Loader {
	return &Loader{Logger: logger}
}

var _ ports.ConfigLoader = (*Loader)(nil)

// LoadConfig reads forge.yaml at path. A missing file yields the defaults.
// Relative directories are resolved against the directory of the file.
func (l *Loader) LoadConfig(path string) (domain.Config, error) {
	cfg := domain.DefaultConfig()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	var file Forgefile
	if err := readAndUnmarshalYAML(path, &file); err != nil {
		return domain.Config{}, err
	}
	base := filepath.Dir(path)

	if file.Store != "" {
		cfg.StoreDir = resolvePath(base, file.Store)
	}
	if file.Cache != "" {
		cfg.CacheDir = resolvePath(base, file.Cache)
	}
	if file.Sandboxes != "" {
		cfg.SandboxDir = resolvePath(base, file.Sandboxes)
	}
	if file.MaxCacheMiB != nil {
		cfg.MaxCacheMiB = *file.MaxCacheMiB
	}
	if file.MinCacheMiB != nil {
		cfg.MinCacheMiB = *file.MinCacheMiB
	}
	if cfg.MaxCacheMiB < 0 || cfg.MinCacheMiB < 0 {
		return domain.Config{}, zerr.With(domain.ErrInvalidConfigValue, "field", "max_cache_mib/min_cache_mib")
	}
	if cfg.MaxCacheMiB > 0 && cfg.MinCacheMiB > cfg.MaxCacheMiB {
		l.Logger.Warn(fmt.Sprintf("min_cache_mib %d is above max_cache_mib %d, using %d",
			cfg.MinCacheMiB, cfg.MaxCacheMiB, cfg.MaxCacheMiB))
		cfg.MinCacheMiB = cfg.MaxCacheMiB
	}

	switch {
	case file.Workers < 0:
		return domain.Config{}, zerr.With(domain.ErrInvalidConfigValue, "workers", file.Workers)
	case file.Workers > 0:
		cfg.Workers = file.Workers
	}

	mode, err := domain.ParseCacheMode(file.CacheMode)
	if err != nil {
		return domain.Config{}, err
	}
	cfg.CacheMode = mode
	cfg.KeepSandboxes = file.KeepSandboxes

	if cfg.ExtraTime, err = parseDuration("extra_time", file.ExtraTime); err != nil {
		return domain.Config{}, err
	}

	if file.Server.Listen != "" {
		cfg.Server.Listen = file.Server.Listen
	}
	cfg.Server.AllowedNames = file.Server.Allowed
	if cfg.Server.IdleTimeout, err = parseDuration("server.idle_timeout", file.Server.IdleTimeout); err != nil {
		return domain.Config{}, err
	}
	return cfg, nil
}

func readAndUnmarshalYAML(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is provided by user
	if err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrConfigReadFailed.Error()), "path", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return zerr.With(zerr.Wrap(err, domain.ErrConfigParseFailed.Error()), "path", path)
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, zerr.With(zerr.With(domain.ErrInvalidDuration, "field", field), "value", s)
	}
	return d, nil
}

func resolvePath(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
