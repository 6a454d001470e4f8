package daemon_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/adapters/cas"
	"go.trai.ch/forge/internal/adapters/daemon"
	"go.trai.ch/forge/internal/adapters/fs"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/forge/internal/core/ports/mocks"
	"go.trai.ch/forge/internal/engine/client"
	"go.trai.ch/forge/internal/engine/scheduler"
	"go.trai.ch/forge/internal/engine/worker"
	"go.uber.org/mock/gomock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

type fakeAcceptor struct {
	clients chan ports.ClientSession
	workers chan ports.WorkerSession
}

func newFakeAcceptor() *fakeAcceptor {
	return &fakeAcceptor{
		clients: make(chan ports.ClientSession, 1),
		workers: make(chan ports.WorkerSession, 1),
	}
}

func (a *fakeAcceptor) AddClient(conn ports.ClientSession) domain.ClientID {
	a.clients <- conn
	return domain.NewClientID()
}

func (a *fakeAcceptor) AddWorker(_ string, conn ports.WorkerSession) domain.WorkerID {
	a.workers <- conn
	return domain.NewWorkerID()
}

func quietLogger(ctrl *gomock.Controller) *mocks.MockLogger {
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Info(gomock.Any()).AnyTimes()
	logger.EXPECT().Warn(gomock.Any()).AnyTimes()
	logger.EXPECT().Error(gomock.Any()).AnyTimes()
	return logger
}

// serve starts a server on an in-memory listener and returns a connection
// to it.
func serve(t *testing.T, acceptor daemon.Acceptor, allowed []string) *daemon.Remote {
	t.Helper()
	ctrl := gomock.NewController(t)

	lis := bufconn.Listen(bufSize)
	srv := daemon.NewServer(acceptor, daemon.NewLifecycle(0), quietLogger(ctrl), allowed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	remote, err := daemon.Dial("passthrough:///bufnet", grpc.WithContextDialer(
		func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) },
	))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = remote.Close()
		cancel()
		require.NoError(t, <-done)
	})
	return remote
}

func TestServer_ClientRoundTrip(t *testing.T) {
	t.Parallel()
	acceptor := newFakeAcceptor()
	remote := serve(t, acceptor, nil)

	conn, err := remote.OpenClient(context.Background(), "alice")
	require.NoError(t, err)
	defer conn.Close()
	session := <-acceptor.clients

	require.NoError(t, conn.Send(&forgev1.ClientToServer{Status: &forgev1.StatusRequest{}}))
	msg, err := session.Recv()
	require.NoError(t, err)
	assert.NotNil(t, msg.Status)

	require.NoError(t, session.Send(&forgev1.ServerToClient{Status: &domain.ExecutorStatus{Ready: 2}}))
	require.NoError(t, session.Send(&forgev1.ServerToClient{Completed: &forgev1.Completed{}}))
	require.NoError(t, session.Close())

	reply, err := conn.Recv()
	require.NoError(t, err)
	require.NotNil(t, reply.Status)
	assert.Equal(t, 2, reply.Status.Ready)

	reply, err = conn.Recv()
	require.NoError(t, err)
	assert.NotNil(t, reply.Completed)

	_, err = conn.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_WorkerBlobs(t *testing.T) {
	t.Parallel()
	acceptor := newFakeAcceptor()
	remote := serve(t, acceptor, nil)

	conn, err := remote.OpenWorker(context.Background(), "builder")
	require.NoError(t, err)
	defer conn.Close()
	session := <-acceptor.workers

	data := make([]byte, forgev1.ChunkSize*2+7)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, session.Send(&forgev1.ServerToWorker{ProvideFile: &forgev1.FileAnnounce{Key: domain.KeyOf(data)}}))
	wrap := func(c *forgev1.Chunk) *forgev1.ServerToWorker { return &forgev1.ServerToWorker{Chunk: c} }
	require.NoError(t, forgev1.SendBlob(session.Send, wrap, data))

	msg, err := conn.Recv()
	require.NoError(t, err)
	require.NotNil(t, msg.ProvideFile)
	got, err := forgev1.RecvBlob(conn.Recv, (*forgev1.ServerToWorker).GetChunk)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Closing the worker end is seen as a clean disconnect.
	require.NoError(t, conn.Close())
	_, err = session.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_RejectsUnknownPeer(t *testing.T) {
	t.Parallel()
	acceptor := newFakeAcceptor()
	remote := serve(t, acceptor, []string{"alice"})

	conn, err := remote.OpenWorker(context.Background(), "mallory")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Recv()
	require.ErrorContains(t, err, domain.ErrPeerRejected.Error())
	assert.Empty(t, acceptor.workers)
}

func TestServer_IdleShutdown(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	srv := daemon.NewServer(newFakeAcceptor(), daemon.NewLifecycle(10*time.Millisecond), quietLogger(ctrl), nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), bufconn.Listen(bufSize)) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after the idle timeout")
	}
}

func TestServer_RemoteEvaluation(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	logger := quietLogger(ctrl)

	span := mocks.NewMockSpan(ctrl)
	span.EXPECT().End().AnyTimes()
	span.EXPECT().RecordError(gomock.Any()).AnyTimes()
	span.EXPECT().SetAttribute(gomock.Any(), gomock.Any()).AnyTimes()
	tracer := mocks.NewMockTracer(ctrl)
	tracer.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ ...ports.SpanOption) (context.Context, ports.Span) {
			return ctx, span
		},
	).AnyTimes()
	tracer.EXPECT().EmitPlan(gomock.Any(), gomock.Any()).AnyTimes()

	store, err := cas.NewStore(t.TempDir(), 0, 0)
	require.NoError(t, err)
	cache, err := cas.NewCache(t.TempDir())
	require.NoError(t, err)
	sched := scheduler.NewScheduler(store, cache, fs.NewHasher(), tracer, logger)
	schedCtx, stopSched := context.WithCancel(context.Background())
	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(schedCtx) }()

	remote := serve(t, sched, nil)

	runner := mocks.NewMockSandboxRunner(ctrl)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg domain.SandboxConfig) (domain.SandboxOutcome, error) {
			data, err := os.ReadFile(filepath.Join(cfg.Dir, "in"))
			if err != nil {
				return domain.SandboxOutcome{}, err
			}
			return domain.SandboxOutcome{}, os.WriteFile(cfg.Stdout, append(data, '!'), domain.FilePerm)
		},
	)

	workerStore, err := cas.NewStore(t.TempDir(), 0, 0)
	require.NoError(t, err)
	wconn, err := remote.OpenWorker(context.Background(), "remote-0")
	require.NoError(t, err)
	w := worker.New(wconn, workerStore, runner, logger, t.TempDir())
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(context.Background()) }()

	t.Cleanup(func() {
		stopSched()
		require.NoError(t, <-schedDone)
		require.NoError(t, <-workerDone)
	})

	dag := domain.NewDAG()
	greeting := dag.ProvideContent([]byte("hello"), "greeting")
	echo := domain.NewExecution("echo", domain.SystemCommand("cat"))
	echo.Input(greeting, "in", false)
	out := echo.StdoutFile()
	dag.AddExecution(echo)

	var result domain.ExecutionResult
	var content []byte
	dag.OnExecutionDone(echo.ID, func(r domain.ExecutionResult) { result = r })
	dag.GetFileContent(out, -1, func(b []byte) { content = b })

	cconn, err := remote.OpenClient(context.Background(), "cli")
	require.NoError(t, err)
	c := client.New(cconn)
	defer c.Close()

	require.NoError(t, c.Evaluate(context.Background(), dag))
	assert.True(t, result.Status.Success(), result.Status.String())
	assert.Equal(t, "hello!", string(content))
}

func TestServer_LargeGraph(t *testing.T) {
	t.Parallel()
	acceptor := newFakeAcceptor()
	remote := serve(t, acceptor, nil)

	dag := domain.NewDAG()
	seed := dag.ProvideContent([]byte("seed"), "seed")
	for range 8000 {
		exec := domain.NewExecution("copy", domain.SystemCommand("cp"))
		exec.Args = []string{"in", "out"}
		exec.Input(seed, "in", false)
		exec.Output("out")
		exec.StdoutFile()
		dag.AddExecution(exec)
	}
	encoded, err := json.Marshal(dag.Data())
	require.NoError(t, err)
	require.Greater(t, len(encoded), 4<<20, "graph must exceed the default gRPC message limit")

	conn, err := remote.OpenClient(context.Background(), "alice")
	require.NoError(t, err)
	defer conn.Close()
	session := <-acceptor.clients

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- forgev1.SendEvaluate(conn.Send, &forgev1.Evaluate{DAG: dag.Data()})
	}()

	msg, err := session.Recv()
	require.NoError(t, err)
	require.NotNil(t, msg.Evaluate)
	require.NoError(t, forgev1.RecvGraph(session.Recv, msg.Evaluate))
	require.NoError(t, <-sendErr)

	assert.Len(t, msg.Evaluate.DAG.Groups, 8000)
	last := dag.Data().Groups[7999]
	assert.Equal(t, last.ID, msg.Evaluate.DAG.Groups[7999].ID)
	assert.NotNil(t, msg.Evaluate.DAG.Groups[7999].Executions[0].Stdout)

	// A single reply larger than the default limit gets through as well.
	status := &domain.ExecutorStatus{Ready: 1}
	job := strings.Repeat("j", 1<<10)
	for range 5000 {
		status.Workers = append(status.Workers, domain.WorkerStatus{ID: domain.NewWorkerID(), Job: job})
	}
	require.NoError(t, session.Send(&forgev1.ServerToClient{Status: status}))
	reply, err := conn.Recv()
	require.NoError(t, err)
	require.NotNil(t, reply.Status)
	assert.Len(t, reply.Status.Workers, 5000)
}
