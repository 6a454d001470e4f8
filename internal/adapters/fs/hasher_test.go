package fs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.trai.ch/forge/internal/adapters/fs"
	"go.trai.ch/forge/internal/core/domain"
)

func newCompile(src domain.File) *domain.Execution {
	exec := domain.NewExecution("compile", domain.SystemCommand("gcc"))
	exec.Args = []string{"-O2", "main.c"}
	exec.Env = map[string]string{"LANG": "C", "PATH": "/usr/bin"}
	exec.Input(src, "main.c", false)
	exec.Output("a.out")
	exec.Limits.CPUTime = 10_000_000_000
	return exec
}

func TestHasher_Fingerprint(t *testing.T) {
	t.Parallel()

	h := fs.NewHasher()
	src := domain.NewFile("main.c")
	keys := map[domain.FileID]domain.StoreKey{src.ID: domain.KeyOf([]byte("int main(){}"))}

	base := h.Fingerprint(newCompile(src), keys)
	assert.Len(t, string(base), 16)

	t.Run("stable across ids and descriptions", func(t *testing.T) {
		t.Parallel()
		other := newCompile(src)
		other.Description = "something else"
		other.Priority = 42
		other.Tag = domain.TagCompilation
		assert.Equal(t, base, h.Fingerprint(other, keys))
	})

	t.Run("input content", func(t *testing.T) {
		t.Parallel()
		changed := map[domain.FileID]domain.StoreKey{src.ID: domain.KeyOf([]byte("int main(){return 1;}"))}
		assert.NotEqual(t, base, h.Fingerprint(newCompile(src), changed))
	})

	t.Run("arguments", func(t *testing.T) {
		t.Parallel()
		other := newCompile(src)
		other.Args = []string{"-O0", "main.c"}
		assert.NotEqual(t, base, h.Fingerprint(other, keys))
	})

	t.Run("environment", func(t *testing.T) {
		t.Parallel()
		other := newCompile(src)
		other.Env["LANG"] = "en_US.UTF-8"
		assert.NotEqual(t, base, h.Fingerprint(other, keys))
	})

	t.Run("limits", func(t *testing.T) {
		t.Parallel()
		other := newCompile(src)
		other.Limits.Memory = 1024
		assert.NotEqual(t, base, h.Fingerprint(other, keys))
	})

	t.Run("executable flag", func(t *testing.T) {
		t.Parallel()
		other := newCompile(src)
		other.Input(src, "main.c", true)
		assert.NotEqual(t, base, h.Fingerprint(other, keys))
	})

	t.Run("captured stdout", func(t *testing.T) {
		t.Parallel()
		other := newCompile(src)
		other.StdoutFile()
		assert.NotEqual(t, base, h.Fingerprint(other, keys))
	})
}

func TestHasher_GroupFingerprint(t *testing.T) {
	t.Parallel()

	h := fs.NewHasher()
	src := domain.NewFile("main.c")
	keys := map[domain.FileID]domain.StoreKey{src.ID: domain.KeyOf([]byte("x"))}

	build := func(policy domain.FailurePolicy, fifo bool) *domain.ExecutionGroup {
		g := domain.NewGroup("interactive")
		g.Policy = policy
		g.AddExecution(newCompile(src)).AddExecution(newCompile(src))
		if fifo {
			g.NewFifo("pipe")
		}
		return g
	}

	base := h.GroupFingerprint(build(domain.StopOnFailure, true), keys)
	assert.Equal(t, base, h.GroupFingerprint(build(domain.StopOnFailure, true), keys))
	assert.NotEqual(t, base, h.GroupFingerprint(build(domain.ContinueOnFailure, true), keys))
	assert.NotEqual(t, base, h.GroupFingerprint(build(domain.StopOnFailure, false), keys))

	single := domain.Singleton(newCompile(src))
	assert.NotEqual(t, h.Fingerprint(single.Executions[0], keys), h.GroupFingerprint(single, keys))
}
