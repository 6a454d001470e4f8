package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/adapters/cas"
	"go.trai.ch/forge/internal/adapters/fs"
	"go.trai.ch/forge/internal/adapters/transport"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/forge/internal/core/ports/mocks"
	"go.trai.ch/forge/internal/engine/scheduler"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t        *testing.T
	sched    *scheduler.Scheduler
	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

// newHarness runs a scheduler over a real store. A nil cache selects a real
// one in a temporary directory.
func newHarness(t *testing.T, cache ports.ResultCache) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Info(gomock.Any()).AnyTimes()
	logger.EXPECT().Warn(gomock.Any()).AnyTimes()

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
	if cache == nil {
		cache, err = cas.NewCache(t.TempDir())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		sched:  scheduler.NewScheduler(store, cache, fs.NewHasher(), tracer, logger),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { h.done <- h.sched.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

// stop shuts the scheduler down and waits for it.
func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		require.NoError(h.t, <-h.done)
	})
}

type testClient struct {
	t    *testing.T
	conn ports.ClientConn
}

func (h *harness) client() *testClient {
	conn, session := transport.ClientPipe()
	h.sched.AddClient(session)
	return &testClient{t: h.t, conn: conn}
}

func (c *testClient) evaluate(dag *domain.DAG) {
	c.t.Helper()
	req := &forgev1.Evaluate{DAG: dag.Data(), Wanted: dag.Callbacks().WantedFiles()}
	require.NoError(c.t, forgev1.SendEvaluate(c.conn.Send, req))
}

func (c *testClient) send(msg *forgev1.ClientToServer) {
	c.t.Helper()
	require.NoError(c.t, c.conn.Send(msg))
}

func (c *testClient) recv() *forgev1.ServerToClient {
	c.t.Helper()
	msg, err := c.conn.Recv()
	require.NoError(c.t, err)
	return msg
}

func (c *testClient) status() domain.ExecutorStatus {
	c.t.Helper()
	c.send(&forgev1.ClientToServer{Status: &forgev1.StatusRequest{}})
	msg := c.recv()
	require.NotNil(c.t, msg.Status)
	return *msg.Status
}

func (c *testClient) expectStarted(exec *domain.Execution) {
	c.t.Helper()
	msg := c.recv()
	require.NotNil(c.t, msg.Started)
	assert.Equal(c.t, exec.ID, msg.Started.Execution)
}

func (c *testClient) expectDone(exec *domain.Execution) domain.ExecutionResult {
	c.t.Helper()
	msg := c.recv()
	require.NotNil(c.t, msg.Done)
	assert.Equal(c.t, exec.ID, msg.Done.Result.Execution)
	return msg.Done.Result
}

func (c *testClient) expectSkipped(exec *domain.Execution) {
	c.t.Helper()
	msg := c.recv()
	require.NotNil(c.t, msg.Skipped)
	assert.Equal(c.t, exec.ID, msg.Skipped.Execution)
}

func (c *testClient) expectCompleted() {
	c.t.Helper()
	msg := c.recv()
	assert.NotNil(c.t, msg.Completed)
}

func (c *testClient) expectFile(file domain.File) []byte {
	c.t.Helper()
	msg := c.recv()
	require.NotNil(c.t, msg.ProvideFile)
	assert.Equal(c.t, file.ID, msg.ProvideFile.File)
	data, err := forgev1.RecvBlob(c.conn.Recv, (*forgev1.ServerToClient).GetChunk)
	require.NoError(c.t, err)
	return data
}

type testWorker struct {
	t    *testing.T
	id   domain.WorkerID
	conn ports.WorkerConn
}

// worker connects an idle worker.
func (h *harness) worker(name string) *testWorker {
	conn, session := transport.WorkerPipe()
	w := &testWorker{t: h.t, id: h.sched.AddWorker(name, session), conn: conn}
	w.send(&forgev1.WorkerToServer{GetWork: &forgev1.GetWork{}})
	return w
}

func (w *testWorker) send(msg *forgev1.WorkerToServer) {
	w.t.Helper()
	require.NoError(w.t, w.conn.Send(msg))
}

func (w *testWorker) recv() *forgev1.ServerToWorker {
	w.t.Helper()
	msg, err := w.conn.Recv()
	require.NoError(w.t, err)
	return msg
}

func (w *testWorker) work() *domain.Job {
	w.t.Helper()
	msg := w.recv()
	require.NotNil(w.t, msg.Work)
	return msg.Work
}

// finish reports the job and uploads whatever outputs are asked for, then
// asks for more work.
func (w *testWorker) finish(job *domain.Job, results []domain.ExecutionResult, outputs map[domain.FileID][]byte) {
	w.t.Helper()
	keys := make(map[domain.FileID]domain.StoreKey, len(outputs))
	for id, data := range outputs {
		keys[id] = domain.KeyOf(data)
	}
	w.send(&forgev1.WorkerToServer{WorkerDone: &forgev1.WorkerDone{Group: job.Group.ID, Results: results, Outputs: keys}})

	msg := w.recv()
	require.NotNil(w.t, msg.AskFiles)
	wrap := func(c *forgev1.Chunk) *forgev1.WorkerToServer { return &forgev1.WorkerToServer{Chunk: c} }
	for _, id := range msg.AskFiles.Files {
		w.send(&forgev1.WorkerToServer{ProvideFile: &forgev1.FileAnnounce{File: id, Key: keys[id]}})
		require.NoError(w.t, forgev1.SendBlob(w.conn.Send, wrap, outputs[id]))
	}
	w.send(&forgev1.WorkerToServer{GetWork: &forgev1.GetWork{}})
}

func succeeded(n int) []domain.ExecutionResult {
	results := make([]domain.ExecutionResult, n)
	for i := range results {
		results[i].Status = domain.ExecutionStatus{Kind: domain.StatusSuccess}
	}
	return results
}

func failure(code int) []domain.ExecutionResult {
	return []domain.ExecutionResult{{Status: domain.ExecutionStatus{Kind: domain.StatusReturnCode, Code: code}}}
}

func TestScheduler_PriorityOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()

	low := domain.NewExecution("low", domain.SystemCommand("true"))
	low.Priority = 1
	high := domain.NewExecution("high", domain.SystemCommand("true"))
	high.Priority = 100
	dag := domain.NewDAG()
	dag.SetCacheMode(domain.CacheNothing())
	dag.AddExecution(low)
	dag.AddExecution(high)
	c.evaluate(dag)

	status := c.status()
	assert.Equal(t, 2, status.Ready)
	assert.Empty(t, status.Workers)

	w := h.worker("w1")
	job := w.work()
	require.Len(t, job.Group.Executions, 1)
	assert.Equal(t, high.ID, job.Group.Executions[0].ID)
	msg := c.recv()
	require.NotNil(t, msg.Started)
	assert.Equal(t, w.id, msg.Started.Worker)

	w.finish(job, succeeded(1), nil)
	assert.True(t, c.expectDone(high).Status.Success())

	job = w.work()
	assert.Equal(t, low.ID, job.Group.Executions[0].ID)
	c.expectStarted(low)
	w.finish(job, succeeded(1), nil)
	c.expectDone(low)
	c.expectCompleted()
}

func TestScheduler_FilesFlowThroughTheGraph(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()

	dag := domain.NewDAG()
	in := dag.ProvideContent([]byte("input"), "in")
	first := domain.NewExecution("first", domain.SystemCommand("cp"))
	first.Input(in, "in", false)
	out := first.Output("out")
	second := domain.NewExecution("second", domain.SystemCommand("cat"))
	second.Input(out, "x", false)
	dag.AddExecution(first)
	dag.AddExecution(second)
	dag.GetFileContent(out, 100, func([]byte) {})
	c.evaluate(dag)

	msg := c.recv()
	require.NotNil(t, msg.AskFile)
	assert.Equal(t, in.ID, msg.AskFile.File)
	assert.Equal(t, domain.KeyOf([]byte("input")), msg.AskFile.Key)
	c.send(&forgev1.ClientToServer{ProvideFile: &forgev1.FileAnnounce{File: in.ID, Key: msg.AskFile.Key}})
	wrap := func(ch *forgev1.Chunk) *forgev1.ClientToServer { return &forgev1.ClientToServer{Chunk: ch} }
	require.NoError(t, forgev1.SendBlob(c.conn.Send, wrap, []byte("input")))

	w := h.worker("w1")
	job := w.work()
	assert.Equal(t, first.ID, job.Group.Executions[0].ID)
	require.Contains(t, job.Keys, in.ID)

	w.send(&forgev1.WorkerToServer{AskFile: &forgev1.AskFile{File: in.ID, Key: job.Keys[in.ID]}})
	provided := w.recv()
	require.NotNil(t, provided.ProvideFile)
	data, err := forgev1.RecvBlob(w.conn.Recv, (*forgev1.ServerToWorker).GetChunk)
	require.NoError(t, err)
	assert.Equal(t, "input", string(data))

	c.expectStarted(first)
	w.finish(job, succeeded(1), map[domain.FileID][]byte{out.ID: []byte("result")})
	c.expectDone(first)
	assert.Equal(t, "result", string(c.expectFile(out)))

	job = w.work()
	assert.Equal(t, second.ID, job.Group.Executions[0].ID)
	assert.Equal(t, domain.KeyOf([]byte("result")), job.Keys[out.ID])
	c.expectStarted(second)
	w.finish(job, succeeded(1), nil)
	c.expectDone(second)
	c.expectCompleted()
}

func TestScheduler_MissingOutputFlowsAsEmptyFile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()

	dag := domain.NewDAG()
	first := domain.NewExecution("first", domain.SystemCommand("rm"))
	out := first.Output("out")
	second := domain.NewExecution("second", domain.SystemCommand("cat"))
	second.Input(out, "x", false)
	dag.AddExecution(first)
	dag.AddExecution(second)
	dag.GetFileContent(out, 100, func([]byte) {})
	c.evaluate(dag)

	w := h.worker("w1")
	job := w.work()
	assert.Equal(t, first.ID, job.Group.Executions[0].ID)
	c.expectStarted(first)
	// The worker reports a deleted output as an empty file.
	w.finish(job, succeeded(1), map[domain.FileID][]byte{out.ID: nil})
	assert.True(t, c.expectDone(first).Status.Success())
	assert.Empty(t, c.expectFile(out))

	job = w.work()
	assert.Equal(t, second.ID, job.Group.Executions[0].ID)
	require.Contains(t, job.Keys, out.ID)
	assert.Equal(t, domain.KeyOf(nil), job.Keys[out.ID])

	w.send(&forgev1.WorkerToServer{AskFile: &forgev1.AskFile{File: out.ID, Key: job.Keys[out.ID]}})
	provided := w.recv()
	require.NotNil(t, provided.ProvideFile)
	data, err := forgev1.RecvBlob(w.conn.Recv, (*forgev1.ServerToWorker).GetChunk)
	require.NoError(t, err)
	assert.Empty(t, data)

	c.expectStarted(second)
	w.finish(job, succeeded(1), nil)
	c.expectDone(second)
	c.expectCompleted()
}

func TestScheduler_FailureSkipsDependents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()

	a := domain.NewExecution("a", domain.SystemCommand("false"))
	b := domain.NewExecution("b", domain.SystemCommand("true"))
	b.Input(a.Output("o"), "in", false)
	last := domain.NewExecution("c", domain.SystemCommand("true"))
	last.Input(b.Output("o"), "in", false)
	independent := domain.NewExecution("d", domain.SystemCommand("true"))
	independent.Priority = -1

	dag := domain.NewDAG()
	dag.AddExecution(a)
	dag.AddExecution(b)
	dag.AddExecution(last)
	dag.AddExecution(independent)
	c.evaluate(dag)
	c.status()

	w := h.worker("w1")
	job := w.work()
	assert.Equal(t, a.ID, job.Group.Executions[0].ID)
	c.expectStarted(a)
	w.finish(job, failure(1), map[domain.FileID][]byte{a.Output("o").ID: []byte("partial")})

	result := c.expectDone(a)
	assert.Equal(t, domain.StatusReturnCode, result.Status.Kind)
	assert.Equal(t, 1, result.Status.Code)
	c.expectSkipped(b)
	c.expectSkipped(last)

	job = w.work()
	assert.Equal(t, independent.ID, job.Group.Executions[0].ID)
	c.expectStarted(independent)
	w.finish(job, succeeded(1), nil)
	c.expectDone(independent)
	c.expectCompleted()
}

func TestScheduler_CacheHitNeverReachesAWorker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()
	w := h.worker("w1")

	build := func() (*domain.DAG, *domain.Execution, domain.File) {
		exec := domain.NewExecution("gen", domain.SystemCommand("gen"))
		exec.Args = []string{"--seed", "1"}
		out := exec.Output("out")
		dag := domain.NewDAG()
		dag.AddExecution(exec)
		dag.GetFileContent(out, 100, func([]byte) {})
		return dag, exec, out
	}

	dag, exec, out := build()
	c.evaluate(dag)
	job := w.work()
	c.expectStarted(exec)
	w.finish(job, succeeded(1), map[domain.FileID][]byte{out.ID: []byte("generated")})
	assert.False(t, c.expectDone(exec).WasCached)
	assert.Equal(t, "generated", string(c.expectFile(out)))
	c.expectCompleted()

	dag, exec, out = build()
	c.evaluate(dag)
	result := c.expectDone(exec)
	assert.True(t, result.WasCached)
	assert.True(t, result.Status.Success())
	assert.Equal(t, "generated", string(c.expectFile(out)))
	c.expectCompleted()

	h.stop()
	assert.NotNil(t, w.recv().Exit)
}

func TestScheduler_CacheModeNothingRunsAgain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()
	w := h.worker("w1")

	for range 2 {
		exec := domain.NewExecution("gen", domain.SystemCommand("gen"))
		dag := domain.NewDAG()
		dag.SetCacheMode(domain.CacheNothing())
		dag.AddExecution(exec)
		c.evaluate(dag)

		job := w.work()
		c.expectStarted(exec)
		w.finish(job, succeeded(1), nil)
		assert.False(t, c.expectDone(exec).WasCached)
		c.expectCompleted()
	}
}

func TestScheduler_CacheEntryWithEvictedBlobIsAMiss(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	exec := domain.NewExecution("gen", domain.SystemCommand("gen"))
	out := exec.Output("out")
	evicted := domain.CacheEntry{Items: []domain.CachedExecution{{
		Result:  domain.ExecutionResult{Status: domain.ExecutionStatus{Kind: domain.StatusSuccess}},
		Outputs: map[string]domain.StoreKey{"out": domain.KeyOf([]byte("evicted long ago"))},
	}}}
	cache := mocks.NewMockResultCache(ctrl)
	cache.EXPECT().Lookup(gomock.Any()).Return(&evicted, nil)
	cache.EXPECT().Insert(gomock.Any()).Return(nil)

	h := newHarness(t, cache)
	c := h.client()
	w := h.worker("w1")

	dag := domain.NewDAG()
	dag.AddExecution(exec)
	c.evaluate(dag)

	job := w.work()
	assert.Equal(t, exec.ID, job.Group.Executions[0].ID)
	c.expectStarted(exec)
	w.finish(job, succeeded(1), map[domain.FileID][]byte{out.ID: []byte("fresh")})
	assert.False(t, c.expectDone(exec).WasCached)
	c.expectCompleted()
}

func TestScheduler_CacheErrorIsAMiss(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockResultCache(ctrl)
	cache.EXPECT().Lookup(gomock.Any()).Return(nil, errors.New("disk on fire"))
	cache.EXPECT().Insert(gomock.Any()).Return(errors.New("still on fire"))

	h := newHarness(t, cache)
	c := h.client()
	w := h.worker("w1")

	exec := domain.NewExecution("gen", domain.SystemCommand("gen"))
	dag := domain.NewDAG()
	dag.AddExecution(exec)
	c.evaluate(dag)

	job := w.work()
	c.expectStarted(exec)
	w.finish(job, succeeded(1), nil)
	assert.True(t, c.expectDone(exec).Status.Success())
	c.expectCompleted()
}

func TestScheduler_StopKillsRunningGroups(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()
	w := h.worker("w1")

	running := domain.NewExecution("running", domain.SystemCommand("sleep"))
	running.Priority = 10
	queued := domain.NewExecution("queued", domain.SystemCommand("sleep"))
	dag := domain.NewDAG()
	dag.AddExecution(running)
	dag.AddExecution(queued)
	c.evaluate(dag)

	job := w.work()
	c.expectStarted(running)
	c.send(&forgev1.ClientToServer{Stop: &forgev1.Stop{}})

	kill := w.recv()
	require.NotNil(t, kill.KillJob)
	assert.Equal(t, job.Group.ID, kill.KillJob.Group)
	c.expectSkipped(running)
	c.expectSkipped(queued)
	c.expectCompleted()

	// The late report is acknowledged without asking for outputs.
	killed := []domain.ExecutionResult{{Status: domain.InternalError("killed"), WasKilled: true}}
	w.send(&forgev1.WorkerToServer{WorkerDone: &forgev1.WorkerDone{Group: job.Group.ID, Results: killed}})
	ack := w.recv()
	require.NotNil(t, ack.AskFiles)
	assert.Empty(t, ack.AskFiles.Files)
}

func TestScheduler_WorkerDisconnectFailsItsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()
	w := h.worker("w1")

	exec := domain.NewExecution("lost", domain.SystemCommand("true"))
	dependent := domain.NewExecution("after", domain.SystemCommand("true"))
	dependent.Input(exec.Output("o"), "in", false)
	dag := domain.NewDAG()
	dag.AddExecution(exec)
	dag.AddExecution(dependent)
	c.evaluate(dag)

	w.work()
	c.expectStarted(exec)
	require.NoError(t, w.conn.Close())

	result := c.expectDone(exec)
	assert.Equal(t, domain.StatusInternalError, result.Status.Kind)
	assert.Equal(t, domain.ErrWorkerDisconnected.Error(), result.Status.Message)
	c.expectSkipped(dependent)
	c.expectCompleted()
	assert.Empty(t, c.status().Workers)
}

func TestScheduler_GroupOutputsUnderStopPolicy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()
	w := h.worker("w1")

	ok := domain.NewExecution("ok", domain.SystemCommand("true"))
	bad := domain.NewExecution("bad", domain.SystemCommand("false"))
	group := domain.NewGroup("pair").AddExecution(ok).AddExecution(bad)
	fromOK := domain.NewExecution("from-ok", domain.SystemCommand("true"))
	fromOK.Input(ok.Output("o"), "in", false)
	fromBad := domain.NewExecution("from-bad", domain.SystemCommand("true"))
	fromBad.Input(bad.Output("o"), "in", false)

	dag := domain.NewDAG()
	dag.AddGroup(group)
	dag.AddExecution(fromOK)
	dag.AddExecution(fromBad)
	c.evaluate(dag)

	job := w.work()
	c.expectStarted(ok)
	c.expectStarted(bad)
	results := []domain.ExecutionResult{
		{Status: domain.ExecutionStatus{Kind: domain.StatusSuccess}},
		{Status: domain.ExecutionStatus{Kind: domain.StatusReturnCode, Code: 2}},
	}
	w.finish(job, results, map[domain.FileID][]byte{
		ok.Output("o").ID:  []byte("good"),
		bad.Output("o").ID: []byte("bad"),
	})
	c.expectDone(ok)
	c.expectDone(bad)
	c.expectSkipped(fromBad)

	job = w.work()
	assert.Equal(t, fromOK.ID, job.Group.Executions[0].ID)
	c.expectStarted(fromOK)
	w.finish(job, succeeded(1), nil)
	c.expectDone(fromOK)
	c.expectCompleted()
}

func TestScheduler_RejectsInvalidGraph(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()

	exec := domain.NewExecution("dangling", domain.SystemCommand("true"))
	exec.Input(domain.NewFile("nowhere"), "in", false)
	dag := domain.NewDAG()
	dag.AddExecution(exec)
	c.evaluate(dag)

	msg := c.recv()
	require.NotNil(t, msg.Error)
	assert.Contains(t, msg.Error.Message, domain.ErrDanglingInput.Error())
}

func TestScheduler_ChangedProvidedFileFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()

	dag := domain.NewDAG()
	in := dag.ProvideContent([]byte("declared"), "in")
	exec := domain.NewExecution("read", domain.SystemCommand("cat"))
	exec.StdinFrom(in)
	dag.AddExecution(exec)
	c.evaluate(dag)

	ask := c.recv()
	require.NotNil(t, ask.AskFile)
	c.send(&forgev1.ClientToServer{ProvideFile: &forgev1.FileAnnounce{File: in.ID, Key: ask.AskFile.Key}})
	wrap := func(ch *forgev1.Chunk) *forgev1.ClientToServer { return &forgev1.ClientToServer{Chunk: ch} }
	require.NoError(t, forgev1.SendBlob(c.conn.Send, wrap, []byte("modified")))

	msg := c.recv()
	require.NotNil(t, msg.Error)
	assert.Contains(t, msg.Error.Message, "changed since it was declared")
}

func TestScheduler_EmptyGraphCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.client()
	c.evaluate(domain.NewDAG())
	c.expectCompleted()
}
