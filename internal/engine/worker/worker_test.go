package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/adapters/cas"
	"go.trai.ch/forge/internal/adapters/transport"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/forge/internal/core/ports/mocks"
	"go.trai.ch/forge/internal/engine/worker"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t          *testing.T
	session    ports.WorkerSession
	runner     *mocks.MockSandboxRunner
	sandboxDir string
	done       chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).AnyTimes()

	store, err := cas.NewStore(t.TempDir(), 0, 0)
	require.NoError(t, err)

	conn, session := transport.WorkerPipe()
	h := &harness{
		t:          t,
		session:    session,
		runner:     mocks.NewMockSandboxRunner(ctrl),
		sandboxDir: t.TempDir(),
		done:       make(chan error, 1),
	}
	w := worker.New(conn, store, h.runner, logger, h.sandboxDir)
	go func() { h.done <- w.Run(context.Background()) }()

	t.Cleanup(func() {
		_ = session.Close()
		<-h.done
	})
	return h
}

func (h *harness) recv() *forgev1.WorkerToServer {
	h.t.Helper()
	msg, err := h.session.Recv()
	require.NoError(h.t, err)
	return msg
}

func (h *harness) send(msg *forgev1.ServerToWorker) {
	h.t.Helper()
	require.NoError(h.t, h.session.Send(msg))
}

func (h *harness) provide(key domain.StoreKey, data []byte) {
	h.t.Helper()
	h.send(&forgev1.ServerToWorker{ProvideFile: &forgev1.FileAnnounce{Key: key}})
	wrap := func(c *forgev1.Chunk) *forgev1.ServerToWorker { return &forgev1.ServerToWorker{Chunk: c} }
	require.NoError(h.t, forgev1.SendBlob(h.session.Send, wrap, data))
}

func (h *harness) recvBlob() (*forgev1.FileAnnounce, []byte) {
	h.t.Helper()
	msg := h.recv()
	require.NotNil(h.t, msg.ProvideFile)
	data, err := forgev1.RecvBlob(h.session.Recv, (*forgev1.WorkerToServer).GetChunk)
	require.NoError(h.t, err)
	return msg.ProvideFile, data
}

func TestWorker_RunsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	src := domain.NewFile("source")
	srcData := []byte("int main() {}")
	exec := domain.NewExecution("compile", domain.SystemCommand("cc"))
	exec.Args = []string{"main.c"}
	exec.Env = map[string]string{"B": "2", "A": "1"}
	exec.Input(src, "src/main.c", false)
	out := exec.Output("a.out")
	stdout := exec.StdoutFile()
	exec.CaptureStdout = 4

	job := &domain.Job{
		Group: domain.Singleton(exec),
		Keys:  map[domain.FileID]domain.StoreKey{src.ID: domain.KeyOf(srcData)},
	}

	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg domain.SandboxConfig) (domain.SandboxOutcome, error) {
			assert.Equal(t, "cc", cfg.Executable)
			assert.Equal(t, []string{"A=1", "B=2"}, cfg.Env)

			data, err := os.ReadFile(filepath.Join(cfg.Dir, "src", "main.c"))
			require.NoError(t, err)
			assert.Equal(t, srcData, data)

			info, err := os.Stat(filepath.Join(cfg.Dir, "src", "main.c"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(domain.ReadOnlyFilePerm), info.Mode().Perm())

			box, err := os.Stat(cfg.Dir)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o555), box.Mode().Perm())

			require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "a.out"), []byte("binary"), domain.FilePerm))
			require.NoError(t, os.WriteFile(cfg.Stdout, []byte("compiled ok"), domain.FilePerm))
			return domain.SandboxOutcome{}, nil
		},
	)

	require.NotNil(t, h.recv().GetWork)
	h.send(&forgev1.ServerToWorker{Work: job})

	ask := h.recv()
	require.NotNil(t, ask.AskFile)
	assert.Equal(t, domain.KeyOf(srcData), ask.AskFile.Key)
	h.provide(ask.AskFile.Key, srcData)

	done := h.recv().WorkerDone
	require.NotNil(t, done)
	assert.Equal(t, job.Group.ID, done.Group)
	require.Len(t, done.Results, 1)
	assert.True(t, done.Results[0].Status.Success())
	assert.Equal(t, "comp", string(done.Results[0].Stdout))
	assert.Equal(t, domain.KeyOf([]byte("binary")), done.Outputs[out.ID])
	assert.Equal(t, domain.KeyOf([]byte("compiled ok")), done.Outputs[stdout.ID])

	h.send(&forgev1.ServerToWorker{AskFiles: &forgev1.AskFiles{Files: []domain.FileID{out.ID}}})
	announce, data := h.recvBlob()
	assert.Equal(t, out.ID, announce.File)
	assert.Equal(t, "binary", string(data))

	require.NotNil(t, h.recv().GetWork)

	entries, err := os.ReadDir(h.sandboxDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "sandboxes are removed after the job")
}

func TestWorker_DeletedOutputIsEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	exec := domain.NewExecution("tidy", domain.SystemCommand("rm"))
	exec.Args = []string{"report"}
	exec.Limits.ReadOnly = false
	out := exec.Output("report")

	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg domain.SandboxConfig) (domain.SandboxOutcome, error) {
			require.NoError(t, os.Remove(filepath.Join(cfg.Dir, "report")))
			return domain.SandboxOutcome{}, nil
		},
	)

	require.NotNil(t, h.recv().GetWork)
	h.send(&forgev1.ServerToWorker{Work: &domain.Job{Group: domain.Singleton(exec)}})

	done := h.recv().WorkerDone
	require.NotNil(t, done)
	require.Len(t, done.Results, 1)
	assert.True(t, done.Results[0].Status.Success(), done.Results[0].Status.String())
	require.Contains(t, done.Outputs, out.ID)
	assert.Equal(t, domain.KeyOf(nil), done.Outputs[out.ID])

	h.send(&forgev1.ServerToWorker{AskFiles: &forgev1.AskFiles{Files: []domain.FileID{out.ID}}})
	announce, data := h.recvBlob()
	assert.Equal(t, out.ID, announce.File)
	assert.Equal(t, domain.KeyOf(nil), announce.Key)
	assert.Empty(t, data)

	require.NotNil(t, h.recv().GetWork)
}

func TestWorker_KillBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	src := domain.NewFile("source")
	exec := domain.NewExecution("never", domain.SystemCommand("true"))
	exec.Input(src, "in", false)
	job := &domain.Job{
		Group: domain.Singleton(exec),
		Keys:  map[domain.FileID]domain.StoreKey{src.ID: domain.KeyOf([]byte("missing"))},
	}

	require.NotNil(t, h.recv().GetWork)
	h.send(&forgev1.ServerToWorker{Work: job})
	require.NotNil(t, h.recv().AskFile)

	h.send(&forgev1.ServerToWorker{KillJob: &forgev1.KillJob{Group: job.Group.ID}})
	done := h.recv().WorkerDone
	require.NotNil(t, done)
	require.Len(t, done.Results, 1)
	assert.True(t, done.Results[0].WasKilled)
	assert.False(t, done.Results[0].Cacheable())

	h.send(&forgev1.ServerToWorker{AskFiles: &forgev1.AskFiles{}})
	require.NotNil(t, h.recv().GetWork)
}

func TestWorker_StopOnFailureKillsSiblings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	failing := domain.NewExecution("failing", domain.SystemCommand("false"))
	blocked := domain.NewExecution("blocked", domain.SystemCommand("cat"))
	group := domain.NewGroup("pair").AddExecution(failing).AddExecution(blocked)
	group.NewFifo("link")

	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, cfg domain.SandboxConfig) (domain.SandboxOutcome, error) {
			info, err := os.Stat(filepath.Join(cfg.Dir, "fifo", "link"))
			require.NoError(t, err)
			assert.Equal(t, os.ModeNamedPipe, info.Mode().Type())

			if cfg.Executable == "false" {
				return domain.SandboxOutcome{ExitCode: 1}, nil
			}
			<-ctx.Done()
			return domain.SandboxOutcome{Signal: 9, SignalName: "SIGKILL", Killed: true}, nil
		},
	).Times(2)

	require.NotNil(t, h.recv().GetWork)
	h.send(&forgev1.ServerToWorker{Work: &domain.Job{Group: group}})

	done := h.recv().WorkerDone
	require.NotNil(t, done)
	require.Len(t, done.Results, 2)
	assert.Equal(t, failing.ID, done.Results[0].Execution)
	assert.Equal(t, domain.StatusReturnCode, done.Results[0].Status.Kind)
	assert.False(t, done.Results[0].WasKilled)
	assert.Equal(t, blocked.ID, done.Results[1].Execution)
	assert.True(t, done.Results[1].WasKilled)

	h.send(&forgev1.ServerToWorker{AskFiles: &forgev1.AskFiles{}})
	require.NotNil(t, h.recv().GetWork)
}

func TestWorker_SetupFailureIsInternalError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	exec := domain.NewExecution("escape", domain.SystemCommand("true"))
	exec.Output("../outside")

	require.NotNil(t, h.recv().GetWork)
	h.send(&forgev1.ServerToWorker{Work: &domain.Job{Group: domain.Singleton(exec)}})

	done := h.recv().WorkerDone
	require.NotNil(t, done)
	require.Len(t, done.Results, 1)
	assert.Equal(t, domain.StatusInternalError, done.Results[0].Status.Kind)

	h.send(&forgev1.ServerToWorker{AskFiles: &forgev1.AskFiles{}})
	require.NotNil(t, h.recv().GetWork)
}

func TestWorker_KeepSandboxes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	exec := domain.NewExecution("kept", domain.LocalCommand("run.sh"))
	script := domain.NewFile("script")
	scriptData := []byte("#!/bin/sh\n")
	exec.Input(script, "run.sh", true)
	exec.Limits.ReadOnly = false

	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg domain.SandboxConfig) (domain.SandboxOutcome, error) {
			assert.Equal(t, filepath.Join(cfg.Dir, "run.sh"), cfg.Executable)
			info, err := os.Stat(cfg.Executable)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(domain.ExecutableFilePerm), info.Mode().Perm())
			return domain.SandboxOutcome{}, nil
		},
	)

	require.NotNil(t, h.recv().GetWork)
	h.send(&forgev1.ServerToWorker{Work: &domain.Job{
		Group:         domain.Singleton(exec),
		Keys:          map[domain.FileID]domain.StoreKey{script.ID: domain.KeyOf(scriptData)},
		KeepSandboxes: true,
	}})
	ask := h.recv()
	require.NotNil(t, ask.AskFile)
	h.provide(ask.AskFile.Key, scriptData)

	require.NotNil(t, h.recv().WorkerDone)
	h.send(&forgev1.ServerToWorker{AskFiles: &forgev1.AskFiles{}})
	require.NotNil(t, h.recv().GetWork)

	entries, err := os.ReadDir(h.sandboxDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWorker_ExitWhenIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NotNil(t, h.recv().GetWork)
	h.send(&forgev1.ServerToWorker{Exit: &forgev1.Exit{}})
	require.NoError(t, <-h.done)
	h.done <- nil
}
