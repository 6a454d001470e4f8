package ports

import "go.trai.ch/forge/internal/core/domain"

// Hasher computes cache fingerprints.
//
//go:generate go run go.uber.org/mock/mockgen -source=hasher.go -destination=mocks/mock_hasher.go -package=mocks
type Hasher interface {
	// Fingerprint hashes what determines the outcome of exec: command,
	// arguments, environment, limits and the content keys of its inputs.
	Fingerprint(exec *domain.Execution, keys map[domain.FileID]domain.StoreKey) domain.Fingerprint

	// GroupFingerprint combines the fingerprints of the members of g.
	GroupFingerprint(g *domain.ExecutionGroup, keys map[domain.FileID]domain.StoreKey) domain.Fingerprint
}
