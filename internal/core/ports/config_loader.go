package ports

import "go.trai.ch/forge/internal/core/domain"

// ConfigLoader reads engine configuration and graph description files.
//
//go:generate go run go.uber.org/mock/mockgen -source=config_loader.go -destination=mocks/mock_config_loader.go -package=mocks
type ConfigLoader interface {
	// LoadConfig reads the engine configuration at path. A missing file
	// yields the default configuration.
	LoadConfig(path string) (domain.Config, error)

	// LoadDAG reads a graph description file. Relative paths in it are
	// resolved against the directory of the file.
	LoadDAG(path string) (*domain.DAG, error)
}
