//go:build linux

package sandbox_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/forge/internal/adapters/sandbox"
	"go.trai.ch/forge/internal/core/domain"
	"golang.org/x/sys/unix"
)

// helperEnv turns the test binary into a program run inside the sandbox.
const helperEnv = "FORGE_SANDBOX_TEST_HELPER"

// deniedCode is the exit code of a helper whose operation failed.
const deniedCode = 3

func TestMain(m *testing.M) {
	if mode, ok := os.LookupEnv(helperEnv); ok {
		os.Exit(helper(mode))
	}
	os.Exit(m.Run())
}

func helper(mode string) int {
	if addr, ok := strings.CutPrefix(mode, "dial:"); ok {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return deniedCode
		}
		_ = conn.Close()
		return 0
	}
	if _, err := unix.KeyctlGetKeyringID(unix.KEY_SPEC_SESSION_KEYRING, true); err != nil {
		return deniedCode
	}
	return 0
}

// requireSandbox skips tests on hosts that forbid unprivileged user
// namespaces.
func requireSandbox(t *testing.T) {
	t.Helper()
	if _, err := sandbox.NewRunner().Run(context.Background(), shell(t, "true", domain.Limits{})); err != nil {
		t.Skipf("sandbox unavailable: %v", err)
	}
}

func helperConfig(t *testing.T, mode string) domain.SandboxConfig {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return domain.SandboxConfig{
		Dir:        t.TempDir(),
		Executable: self,
		Env:        []string{helperEnv + "=" + mode},
		Limits:     domain.DefaultLimits(),
	}
}

func shell(t *testing.T, script string, limits domain.Limits) domain.SandboxConfig {
	t.Helper()
	return domain.SandboxConfig{
		Dir:        t.TempDir(),
		Executable: "sh",
		Args:       []string{"-c", script},
		Env:        []string{"PATH=/usr/bin:/bin"},
		Limits:     limits,
	}
}

func TestRunner_ExitCode(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	out, err := sandbox.NewRunner().Run(context.Background(), shell(t, "exit 3", domain.Limits{}))
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Zero(t, out.Signal)
	assert.False(t, out.Killed)
	assert.Positive(t, out.Resources.WallTime)
}

func TestRunner_Signal(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	out, err := sandbox.NewRunner().Run(context.Background(), shell(t, "kill -SEGV $$", domain.Limits{}))
	require.NoError(t, err)
	assert.Equal(t, 11, out.Signal)
	assert.Equal(t, "SIGSEGV", out.SignalName)
}

func TestRunner_Stdio(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	require.NoError(t, os.WriteFile(in, []byte("hello\n"), domain.PrivateFilePerm))

	cfg := shell(t, "cat; echo oops >&2; pwd > where", domain.Limits{})
	cfg.Stdin = in
	cfg.Stdout = filepath.Join(dir, "out")
	cfg.Stderr = filepath.Join(dir, "err")

	out, err := sandbox.NewRunner().Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Zero(t, out.ExitCode)

	stdout, err := os.ReadFile(cfg.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(stdout))

	stderr, err := os.ReadFile(cfg.Stderr)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(stderr))

	where, err := os.ReadFile(filepath.Join(cfg.Dir, "where"))
	require.NoError(t, err)
	assert.Equal(t, cfg.Dir+"\n", string(where))
}

func TestRunner_HermeticEnv(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	cfg := shell(t, `test -z "$HOME" && test "$FOO" = bar`, domain.Limits{})
	cfg.Env = append(cfg.Env, "FOO=bar")

	out, err := sandbox.NewRunner().Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Zero(t, out.ExitCode)
}

func TestRunner_WallTimeLimit(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	limits := domain.Limits{WallTime: 200 * time.Millisecond}
	out, err := sandbox.NewRunner().Run(context.Background(), shell(t, "sleep 10", limits))
	require.NoError(t, err)
	assert.Equal(t, 9, out.Signal)
	assert.GreaterOrEqual(t, out.Resources.WallTime, 200*time.Millisecond)
	assert.Less(t, out.Resources.WallTime, 5*time.Second)

	exec := domain.NewExecution("sleep", domain.SystemCommand("sh"))
	exec.Limits = limits
	status := exec.Status(out.ExitCode, out.Signal, out.SignalName, out.Resources)
	assert.Equal(t, domain.StatusWallTimeLimitExceeded, status.Kind)
}

func TestRunner_CPUTimeLimit(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	limits := domain.Limits{CPUTime: 500 * time.Millisecond, WallTime: 10 * time.Second}
	out, err := sandbox.NewRunner().Run(context.Background(), shell(t, "while :; do :; done", limits))
	require.NoError(t, err)
	assert.NotZero(t, out.Signal)

	exec := domain.NewExecution("spin", domain.SystemCommand("sh"))
	exec.Limits = limits
	status := exec.Status(out.ExitCode, out.Signal, out.SignalName, out.Resources)
	assert.Equal(t, domain.StatusTimeLimitExceeded, status.Kind)
}

func TestRunner_Cancel(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	out, err := sandbox.NewRunner().Run(ctx, shell(t, "sleep 10", domain.Limits{}))
	require.NoError(t, err)
	assert.True(t, out.Killed)
	assert.Equal(t, 9, out.Signal)
}

func TestRunner_CommandNotFound(t *testing.T) {
	t.Parallel()

	cfg := shell(t, "", domain.Limits{})
	cfg.Executable = "definitely-not-a-command"

	_, err := sandbox.NewRunner().Run(context.Background(), cfg)
	require.ErrorContains(t, err, domain.ErrCommandNotFound.Error())
}

func TestRunner_Namespaces(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	out, err := sandbox.NewRunner().Run(context.Background(), shell(t, `test $$ = 2 && test "$(uname -n)" = forge`, domain.Limits{}))
	require.NoError(t, err)
	assert.Zero(t, out.ExitCode)
}

func TestRunner_HostHidden(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), domain.PrivateFilePerm))

	script := fmt.Sprintf("test ! -e /etc/passwd && test ! -e %s/secret && test -x /bin/sh", outside)
	out, err := sandbox.NewRunner().Run(context.Background(), shell(t, script, domain.DefaultLimits()))
	require.NoError(t, err)
	assert.Zero(t, out.ExitCode)
}

func TestRunner_WritesOutsideBox(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	outside := t.TempDir()
	tests := []struct {
		name   string
		target string
	}{
		{name: "host directory", target: filepath.Join(outside, "escaped")},
		{name: "sandbox root", target: "/escaped"},
		{name: "system directory", target: "/usr/escaped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := sandbox.NewRunner().Run(context.Background(), shell(t, "echo pwned > "+tt.target, domain.Limits{}))
			require.NoError(t, err)
			assert.NotZero(t, out.ExitCode)
		})
	}
	assert.NoFileExists(t, filepath.Join(outside, "escaped"))
}

func TestRunner_ReadOnlyBox(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	cfg := shell(t, "echo hi > out && ! touch new && ! chmod 755 .", domain.DefaultLimits())
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "out"), nil, domain.FilePerm))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "in"), []byte("x"), domain.ReadOnlyFilePerm))

	out, err := sandbox.NewRunner().Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Zero(t, out.ExitCode)

	data, err := os.ReadFile(filepath.Join(cfg.Dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
	assert.NoFileExists(t, filepath.Join(cfg.Dir, "new"))
}

func TestRunner_Tmpfs(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	limits := domain.DefaultLimits()
	limits.MountTmpfs = true
	out, err := sandbox.NewRunner().Run(context.Background(), shell(t, "echo x > /tmp/scratch && test -s /tmp/scratch", limits))
	require.NoError(t, err)
	assert.Zero(t, out.ExitCode)
}

func TestRunner_Mounts(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	shared := t.TempDir()
	cfg := shell(t, fmt.Sprintf("echo shared > %s/file", shared), domain.DefaultLimits())
	cfg.Mounts = []string{shared}

	out, err := sandbox.NewRunner().Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Zero(t, out.ExitCode)

	data, err := os.ReadFile(filepath.Join(shared, "file"))
	require.NoError(t, err)
	assert.Equal(t, "shared\n", string(data))
}

func TestRunner_NoNetwork(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	out, err := sandbox.NewRunner().Run(context.Background(), helperConfig(t, "dial:"+lis.Addr().String()))
	require.NoError(t, err)
	assert.Equal(t, deniedCode, out.ExitCode)
}

func TestRunner_SyscallFilter(t *testing.T) {
	t.Parallel()
	requireSandbox(t)

	out, err := sandbox.NewRunner().Run(context.Background(), helperConfig(t, "keyctl"))
	require.NoError(t, err)
	assert.Equal(t, deniedCode, out.ExitCode)
}
