// Package worker runs execution groups handed out by a scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/zerr"
)

// Worker executes jobs received over a connection to a scheduler. Blobs it
// needs are fetched into its store; blobs it produces are sent back on
// request.
type Worker struct {
	conn       ports.WorkerConn
	store      ports.ContentStore
	runner     ports.SandboxRunner
	logger     ports.Logger
	sandboxDir string

	sendMu sync.Mutex
}

// New creates a Worker.
func New(
	conn ports.WorkerConn,
	store ports.ContentStore,
	runner ports.SandboxRunner,
	logger ports.Logger,
	sandboxDir string,
) *Worker {
	return &Worker{
		conn:       conn,
		store:      store,
		runner:     runner,
		logger:     logger,
		sandboxDir: sandboxDir,
	}
}

// event is a message from the scheduler, a received blob or the end of the
// connection.
type event struct {
	msg    *forgev1.ServerToWorker
	blob   *receivedBlob
	closed error
}

type receivedBlob struct {
	announce *forgev1.FileAnnounce
	data     []byte
}

// job is the state of the group currently assigned to the worker.
type job struct {
	spec     *domain.Job
	retained []domain.StoreKey
	missing  map[domain.StoreKey]struct{}
	started  bool
	killed   bool
	cancel   context.CancelFunc
	done     chan *jobResult
	result   *jobResult
}

// Run serves jobs until the scheduler asks the worker to exit or the
// connection closes. Cancelling ctx kills the running sandboxes.
func (w *Worker) Run(ctx context.Context) error {
	events := make(chan event)
	stop := make(chan struct{})
	var (
		wg      sync.WaitGroup
		current *job
		exiting bool
	)
	defer func() {
		w.abort(current)
		close(stop)
		_ = w.conn.Close()
		wg.Wait()
	}()

	wg.Go(func() { w.read(events, stop) })

	if err := w.send(&forgev1.WorkerToServer{GetWork: &forgev1.GetWork{}}); err != nil {
		return err
	}

	for {
		var (
			ev     event
			result *jobResult
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev = <-events:
		case result = <-current.doneChan():
		}

		switch {
		case result != nil:
			current.result = result
			if err := w.reportDone(current); err != nil {
				return err
			}

		case ev.closed != nil:
			if errors.Is(ev.closed, io.EOF) {
				return nil
			}
			return ev.closed

		case ev.blob != nil:
			if err := w.receiveBlob(ctx, current, ev.blob, &wg); err != nil {
				return err
			}

		case ev.msg.Work != nil:
			if current != nil {
				return zerr.With(domain.ErrProtocolViolation, "reason", "work while busy")
			}
			current = w.acceptJob(ev.msg.Work)
			if err := w.fetchInputs(ctx, current, &wg); err != nil {
				return err
			}

		case ev.msg.KillJob != nil:
			if current == nil || current.spec.Group.ID != ev.msg.KillJob.Group || current.result != nil {
				continue
			}
			if current.started {
				current.cancel()
				continue
			}
			// Never started: report every member as killed.
			current.killed = true
			current.result = killedResult(current.spec.Group)
			if err := w.reportDone(current); err != nil {
				return err
			}

		case ev.msg.AskFiles != nil:
			if current == nil || current.result == nil {
				return zerr.With(domain.ErrProtocolViolation, "reason", "unexpected file request")
			}
			if err := w.provideOutputs(current, ev.msg.AskFiles.Files); err != nil {
				return err
			}
			w.finish(current)
			current = nil
			if exiting {
				return nil
			}
			if err := w.send(&forgev1.WorkerToServer{GetWork: &forgev1.GetWork{}}); err != nil {
				return err
			}

		case ev.msg.Exit != nil:
			if current == nil {
				return nil
			}
			exiting = true

		case ev.msg.ProvideFile != nil, ev.msg.Chunk != nil:
			return zerr.With(domain.ErrProtocolViolation, "reason", "stray blob message")
		}
	}
}

// doneChan is nil, and so never ready, unless a job is running.
func (j *job) doneChan() <-chan *jobResult {
	if j == nil || j.result != nil {
		return nil
	}
	return j.done
}

// read turns incoming messages into events. Blobs are read whole.
func (w *Worker) read(events chan<- event, stop <-chan struct{}) {
	emit := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-stop:
			return false
		}
	}
	for {
		msg, err := w.conn.Recv()
		if err != nil {
			emit(event{closed: err})
			return
		}
		if msg.ProvideFile != nil {
			data, err := forgev1.RecvBlob(w.conn.Recv, (*forgev1.ServerToWorker).GetChunk)
			if err != nil {
				emit(event{closed: err})
				return
			}
			if !emit(event{blob: &receivedBlob{announce: msg.ProvideFile, data: data}}) {
				return
			}
			continue
		}
		if !emit(event{msg: msg}) {
			return
		}
	}
}

func (w *Worker) send(msg *forgev1.WorkerToServer) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.conn.Send(msg)
}

func (w *Worker) acceptJob(spec *domain.Job) *job {
	j := &job{spec: spec, missing: make(map[domain.StoreKey]struct{})}
	for _, key := range spec.Keys {
		if _, ok := j.missing[key]; ok {
			continue
		}
		if w.store.Retain(key) {
			j.retained = append(j.retained, key)
			continue
		}
		j.missing[key] = struct{}{}
	}
	return j
}

// fetchInputs asks for the blobs the store lacks, or starts the job when it
// has them all.
func (w *Worker) fetchInputs(ctx context.Context, j *job, wg *sync.WaitGroup) error {
	if len(j.missing) == 0 {
		w.start(ctx, j, wg)
		return nil
	}
	for key := range j.missing {
		if err := w.send(&forgev1.WorkerToServer{AskFile: &forgev1.AskFile{Key: key}}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) receiveBlob(ctx context.Context, j *job, b *receivedBlob, wg *sync.WaitGroup) error {
	if j == nil {
		return zerr.With(domain.ErrProtocolViolation, "reason", "blob without job")
	}
	key, err := w.store.Put(b.data)
	if err != nil {
		return err
	}
	if key != b.announce.Key {
		w.store.Release(key)
		return zerr.With(zerr.With(domain.ErrStoreKeyMismatch, "expected", b.announce.Key.Short()), "actual", key.Short())
	}
	if _, ok := j.missing[key]; !ok {
		w.store.Release(key)
		return nil
	}
	delete(j.missing, key)
	j.retained = append(j.retained, key)
	if len(j.missing) == 0 && !j.killed {
		w.start(ctx, j, wg)
	}
	return nil
}

func (w *Worker) start(ctx context.Context, j *job, wg *sync.WaitGroup) {
	jobCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.started = true
	j.done = make(chan *jobResult, 1)
	wg.Go(func() {
		j.done <- w.runGroup(jobCtx, j.spec)
	})
}

func (w *Worker) reportDone(j *job) error {
	return w.send(&forgev1.WorkerToServer{WorkerDone: &forgev1.WorkerDone{
		Group:   j.spec.Group.ID,
		Results: j.result.results,
		Outputs: j.result.outputs,
	}})
}

// provideOutputs sends the requested produced files.
func (w *Worker) provideOutputs(j *job, files []domain.FileID) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	for _, id := range files {
		key, ok := j.result.outputs[id]
		if !ok {
			return zerr.With(domain.ErrProtocolViolation, "file", id.String())
		}
		data, err := w.store.Get(key)
		if err != nil {
			return err
		}
		announce := &forgev1.WorkerToServer{ProvideFile: &forgev1.FileAnnounce{File: id, Key: key}}
		if err := w.conn.Send(announce); err != nil {
			return err
		}
		wrap := func(c *forgev1.Chunk) *forgev1.WorkerToServer { return &forgev1.WorkerToServer{Chunk: c} }
		if err := forgev1.SendBlob(w.conn.Send, wrap, data); err != nil {
			return err
		}
	}
	return nil
}

// finish releases everything the job held and removes its sandboxes.
func (w *Worker) finish(j *job) {
	if j.cancel != nil {
		j.cancel()
	}
	for _, key := range j.retained {
		w.store.Release(key)
	}
	if j.result != nil {
		for _, key := range j.result.retained {
			w.store.Release(key)
		}
	}
	if !j.spec.KeepSandboxes {
		if err := removeSandbox(w.groupDir(j.spec.Group.ID)); err != nil {
			w.logger.Warn(fmt.Sprintf("failed to remove sandbox of %s: %v", j.spec.Group.Description, err))
		}
	}
}

// abort kills the running job, waits for it and releases what it held.
func (w *Worker) abort(j *job) {
	if j == nil {
		return
	}
	if j.started && j.result == nil {
		j.cancel()
		j.result = <-j.done
	}
	w.finish(j)
}

func killedResult(g *domain.ExecutionGroup) *jobResult {
	res := &jobResult{outputs: make(map[domain.FileID]domain.StoreKey)}
	for _, e := range g.Executions {
		res.results = append(res.results, domain.ExecutionResult{
			Execution: e.ID,
			Status:    domain.InternalError("killed before start"),
			WasKilled: true,
		})
	}
	return res
}
