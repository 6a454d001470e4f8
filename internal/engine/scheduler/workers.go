package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
)

func (s *Scheduler) workerIdle(w *workerPeer) {
	if w.report != nil {
		s.logger.Warn(fmt.Sprintf("worker %s asked for work before delivering its outputs", w.name))
		_ = w.conn.Close()
		return
	}
	w.job = nil
	if !w.idle {
		w.idle = true
		s.idle = append(s.idle, w)
	}
}

// dispatch hands ready groups to idle workers, best group first.
func (s *Scheduler) dispatch(ctx context.Context) {
	for len(s.idle) > 0 {
		g := s.ready.pop()
		if g == nil {
			return
		}
		w := s.idle[0]
		s.idle = s.idle[1:]
		s.assign(ctx, w, g)
	}
}

func (s *Scheduler) assign(ctx context.Context, w *workerPeer, g *groupState) {
	e := g.eval
	w.idle = false
	w.job = g
	g.worker = w
	g.state = domain.GroupRunning

	s.sendWorker(w, &forgev1.ServerToWorker{Work: &domain.Job{
		Group:         g.group,
		Keys:          g.keys,
		KeepSandboxes: e.config.KeepSandboxes,
		ExtraTime:     e.config.ExtraTime,
	}})
	for _, exec := range g.group.Executions {
		s.sendClient(e.client, &forgev1.ServerToClient{Started: &forgev1.ExecutionStarted{Execution: exec.ID, Worker: w.id}})
	}
	_, g.span = s.tracer.Start(ctx, g.group.Description,
		ports.WithAttribute("worker", w.name),
		ports.WithAttribute("executions", len(g.group.Executions)),
	)
}

// serveWorker sends the blob a worker needs for its job. A blob that is no
// longer stored kills the job.
func (s *Scheduler) serveWorker(w *workerPeer, req *forgev1.AskFile) {
	err := sendBlob(s, w.conn.Send,
		func(a *forgev1.FileAnnounce) *forgev1.ServerToWorker { return &forgev1.ServerToWorker{ProvideFile: a} },
		func(c *forgev1.Chunk) *forgev1.ServerToWorker { return &forgev1.ServerToWorker{Chunk: c} },
		req.File, req.Key)
	if err == nil {
		return
	}
	s.logger.Warn(fmt.Sprintf("worker %s asked for %s: %v", w.name, req.Key.Short(), err))
	if w.job != nil {
		s.sendWorker(w, &forgev1.ServerToWorker{KillJob: &forgev1.KillJob{Group: w.job.group.ID}})
	}
}

// workerDone takes the results of a job and asks for the outputs the store
// does not hold yet. The group finishes once they all arrived.
func (s *Scheduler) workerDone(ctx context.Context, w *workerPeer, done *forgev1.WorkerDone) {
	g := w.job
	if g == nil || g.group.ID != done.Group || w.report != nil {
		s.logger.Warn(fmt.Sprintf("worker %s reported a job it was not running", w.name))
		_ = w.conn.Close()
		return
	}
	w.report = done
	w.expect = make(map[domain.FileID]domain.StoreKey)
	w.outputs = make(map[domain.FileID]domain.StoreKey)

	var ask []domain.FileID
	if g.state == domain.GroupRunning {
		for id, key := range done.Outputs {
			if _, ok := g.eval.files[id]; !ok {
				continue
			}
			if s.store.Retain(key) {
				g.eval.retained = append(g.eval.retained, key)
				w.outputs[id] = key
				continue
			}
			w.expect[id] = key
			ask = append(ask, id)
		}
	}
	slices.SortFunc(ask, func(a, b domain.FileID) int { return compareIDs(a, b) })
	s.sendWorker(w, &forgev1.ServerToWorker{AskFiles: &forgev1.AskFiles{Files: ask}})
	if len(w.expect) == 0 {
		s.jobComplete(ctx, w)
	}
}

// workerBlob stores an output a worker was asked for.
func (s *Scheduler) workerBlob(ctx context.Context, w *workerPeer, b *blob) {
	want, ok := w.expect[b.announce.File]
	if !ok {
		s.logger.Warn(fmt.Sprintf("worker %s sent a file that was not asked for", w.name))
		return
	}
	delete(w.expect, b.announce.File)

	key, err := s.store.Put(b.data)
	switch {
	case err != nil:
		s.logger.Warn(fmt.Sprintf("storing output of worker %s: %v", w.name, err))
	case key != want:
		s.store.Release(key)
		s.logger.Warn(fmt.Sprintf("worker %s sent %s for %s", w.name, key.Short(), want.Short()))
	case w.job.state == domain.GroupRunning:
		w.job.eval.retained = append(w.job.eval.retained, key)
		w.outputs[b.announce.File] = key
	default:
		s.store.Release(key)
	}

	if len(w.expect) == 0 {
		s.jobComplete(ctx, w)
	}
}

func (s *Scheduler) jobComplete(ctx context.Context, w *workerPeer) {
	g, report, outputs := w.job, w.report, w.outputs
	w.job, w.report, w.expect, w.outputs = nil, nil, nil, nil
	if g.state != domain.GroupRunning {
		return
	}
	results := report.Results
	if len(results) != len(g.group.Executions) {
		results = internalErrors(g, "worker returned a malformed result")
	}
	s.finish(ctx, g, results, outputs, false)
}

// dropWorker forgets a disconnected worker. Its job fails with an internal
// error.
func (s *Scheduler) dropWorker(ctx context.Context, w *workerPeer, err error) {
	if errors.Is(err, io.EOF) {
		s.logger.Info(fmt.Sprintf("worker %s disconnected", w.name))
	} else {
		s.logger.Warn(fmt.Sprintf("worker %s disconnected: %v", w.name, err))
	}
	s.workers = removePeer(s.workers, w)
	s.idle = removePeer(s.idle, w)
	_ = w.conn.Close()

	g := w.job
	w.job, w.report, w.expect, w.outputs = nil, nil, nil, nil
	if g != nil && g.state == domain.GroupRunning {
		s.finish(ctx, g, internalErrors(g, domain.ErrWorkerDisconnected.Error()), nil, false)
	}
}

func compareIDs[K any](a, b domain.ID[K]) int {
	return slices.Compare(a[:], b[:])
}
