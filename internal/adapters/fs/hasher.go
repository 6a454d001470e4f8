// Package fs holds the filesystem facing adapters: fingerprinting and
// atomic file placement.
package fs

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
)

var _ ports.Hasher = (*Hasher)(nil)

// Hasher computes cache fingerprints with xxhash.
type Hasher struct{}

// NewHasher creates a new Hasher.
func NewHasher() *Hasher {
	return &Hasher{}
}

// Fingerprint hashes everything that determines the outcome of exec. The
// description, priority and tag are left out.
func (h *Hasher) Fingerprint(exec *domain.Execution, keys map[domain.FileID]domain.StoreKey) domain.Fingerprint {
	hasher := xxhash.New()
	h.hashExecution(exec, keys, hasher)
	return domain.Fingerprint(fmt.Sprintf("%016x", hasher.Sum64()))
}

// GroupFingerprint combines the fingerprints of the members of g with its
// pipes and failure policy.
func (h *Hasher) GroupFingerprint(g *domain.ExecutionGroup, keys map[domain.FileID]domain.StoreKey) domain.Fingerprint {
	hasher := xxhash.New()

	for _, e := range g.Executions {
		writeString(hasher, string(h.Fingerprint(e, keys)))
	}
	_, _ = hasher.Write([]byte{0})

	for _, f := range g.Fifos {
		writeString(hasher, f.Name)
	}
	_, _ = hasher.Write([]byte{0})

	writeString(hasher, string(g.Policy))

	return domain.Fingerprint(fmt.Sprintf("%016x", hasher.Sum64()))
}

func (h *Hasher) hashExecution(e *domain.Execution, keys map[domain.FileID]domain.StoreKey, hasher *xxhash.Digest) {
	// Command
	writeString(hasher, string(e.Command.Kind))
	writeString(hasher, e.Command.Path)

	// Arguments
	for _, arg := range e.Args {
		writeString(hasher, arg)
	}
	_, _ = hasher.Write([]byte{0})

	// Environment, sorted for determinism
	for _, k := range slices.Sorted(maps.Keys(e.Env)) {
		_, _ = hasher.WriteString(k)
		_, _ = hasher.Write([]byte{'='})
		writeString(hasher, e.Env[k])
	}
	_, _ = hasher.Write([]byte{0})

	// Inputs by sandbox path. Only the content matters, not the file id.
	for _, path := range slices.Sorted(maps.Keys(e.Inputs)) {
		in := e.Inputs[path]
		writeString(hasher, path)
		writeBool(hasher, in.Executable)
		writeString(hasher, string(keys[in.File]))
	}
	_, _ = hasher.Write([]byte{0})

	if e.Stdin != nil {
		writeString(hasher, string(keys[*e.Stdin]))
	}
	_, _ = hasher.Write([]byte{0})

	// Output names
	for _, name := range slices.Sorted(maps.Keys(e.OutputFiles())) {
		writeString(hasher, name)
	}
	_, _ = hasher.Write([]byte{0})

	writeInt(hasher, e.CaptureStdout)
	writeInt(hasher, e.CaptureStderr)
	hashLimits(e.Limits, hasher)
}

func hashLimits(l domain.Limits, hasher *xxhash.Digest) {
	for _, d := range []time.Duration{l.CPUTime, l.SysTime, l.WallTime} {
		writeInt(hasher, int64(d))
	}
	for _, v := range []uint64{l.Memory, l.FileSize, l.Stack, l.MemLock, l.NProc, l.NOFile} {
		_ = binary.Write(hasher, binary.LittleEndian, v)
	}
	writeBool(hasher, l.ReadOnly)
	writeBool(hasher, l.MountTmpfs)
}

func writeString(hasher *xxhash.Digest, s string) {
	_, _ = hasher.WriteString(s)
	_, _ = hasher.Write([]byte{0}) // Separator
}

func writeInt(hasher *xxhash.Digest, v int64) {
	_ = binary.Write(hasher, binary.LittleEndian, v)
}

func writeBool(hasher *xxhash.Digest, b bool) {
	if b {
		_, _ = hasher.Write([]byte{1})
		return
	}
	_, _ = hasher.Write([]byte{0})
}
