// Package scheduler evaluates computation graphs submitted by clients on the
// workers connected to it.
//
// A single goroutine owns all scheduler state. Every connected peer has a
// reader goroutine that turns its messages into events for that loop, and
// every send to a peer is non-blocking, so the loop never waits on the
// network.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
)

const inboxSize = 64

// Scheduler dispatches execution groups to workers in priority order.
type Scheduler struct {
	store  ports.ContentStore
	cache  ports.ResultCache
	hasher ports.Hasher
	tracer ports.Tracer
	logger ports.Logger

	inbox   chan event
	done    chan struct{}
	readers sync.WaitGroup

	// Owned by the loop.
	clients map[domain.ClientID]*clientPeer
	workers []*workerPeer
	idle    []*workerPeer
	ready   readyQueue
	seq     uint64
}

// NewScheduler creates a Scheduler backed by the given store and cache.
func NewScheduler(
	store ports.ContentStore,
	cache ports.ResultCache,
	hasher ports.Hasher,
	tracer ports.Tracer,
	logger ports.Logger,
) *Scheduler {
	return &Scheduler{
		store:   store,
		cache:   cache,
		hasher:  hasher,
		tracer:  tracer,
		logger:  logger,
		inbox:   make(chan event, inboxSize),
		done:    make(chan struct{}),
		clients: make(map[domain.ClientID]*clientPeer),
	}
}

type clientPeer struct {
	id   domain.ClientID
	conn ports.ClientSession
	eval *evaluation
}

type workerPeer struct {
	id   domain.WorkerID
	name string
	conn ports.WorkerSession
	idle bool
	job  *groupState
	// report, expect and outputs hold a finished job until its outputs
	// arrived.
	report  *forgev1.WorkerDone
	expect  map[domain.FileID]domain.StoreKey
	outputs map[domain.FileID]domain.StoreKey
}

type blob struct {
	announce *forgev1.FileAnnounce
	data     []byte
}

// event is one thing that happened to a peer. Exactly one of client and
// worker is set.
type event struct {
	client *clientPeer
	worker *workerPeer

	joined     bool
	closed     error
	blob       *blob
	fromClient *forgev1.ClientToServer
	fromWorker *forgev1.WorkerToServer
}

// AddClient attaches a client session. It is safe to call from any
// goroutine.
func (s *Scheduler) AddClient(conn ports.ClientSession) domain.ClientID {
	c := &clientPeer{id: domain.NewClientID(), conn: conn}
	s.readers.Add(1)
	go s.readClient(c)
	return c.id
}

// AddWorker attaches a worker session. It is safe to call from any
// goroutine.
func (s *Scheduler) AddWorker(name string, conn ports.WorkerSession) domain.WorkerID {
	w := &workerPeer{id: domain.NewWorkerID(), name: name, conn: conn}
	s.readers.Add(1)
	go s.readWorker(w)
	return w.id
}

// Run processes events until ctx is cancelled. On return every worker was
// asked to exit and every connection is closed.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.inbox:
			s.handle(ctx, ev)
			s.dispatch(ctx)
			s.settle()
		}
	}
}

func (s *Scheduler) emit(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Scheduler) readClient(c *clientPeer) {
	defer s.readers.Done()
	if !s.emit(event{client: c, joined: true}) {
		_ = c.conn.Close()
		return
	}
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			s.emit(event{client: c, closed: err})
			return
		}
		ev := event{client: c, fromClient: msg}
		if msg.Evaluate != nil {
			if err := forgev1.RecvGraph(c.conn.Recv, msg.Evaluate); err != nil {
				s.emit(event{client: c, closed: err})
				return
			}
		}
		if msg.ProvideFile != nil {
			data, err := forgev1.RecvBlob(c.conn.Recv, (*forgev1.ClientToServer).GetChunk)
			if err != nil {
				s.emit(event{client: c, closed: err})
				return
			}
			ev = event{client: c, blob: &blob{announce: msg.ProvideFile, data: data}}
		}
		if !s.emit(ev) {
			return
		}
	}
}

func (s *Scheduler) readWorker(w *workerPeer) {
	defer s.readers.Done()
	if !s.emit(event{worker: w, joined: true}) {
		_ = w.conn.Close()
		return
	}
	for {
		msg, err := w.conn.Recv()
		if err != nil {
			s.emit(event{worker: w, closed: err})
			return
		}
		ev := event{worker: w, fromWorker: msg}
		if msg.ProvideFile != nil {
			data, err := forgev1.RecvBlob(w.conn.Recv, (*forgev1.WorkerToServer).GetChunk)
			if err != nil {
				s.emit(event{worker: w, closed: err})
				return
			}
			ev = event{worker: w, blob: &blob{announce: msg.ProvideFile, data: data}}
		}
		if !s.emit(ev) {
			return
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, ev event) {
	switch {
	case ev.client != nil:
		s.handleClient(ctx, ev)
	case ev.worker != nil:
		s.handleWorker(ctx, ev)
	}
}

func (s *Scheduler) handleClient(ctx context.Context, ev event) {
	c := ev.client
	switch {
	case ev.joined:
		s.clients[c.id] = c
	case ev.closed != nil:
		s.dropClient(c, ev.closed)
	case ev.blob != nil:
		s.clientBlob(ctx, c, ev.blob)
	case ev.fromClient.Evaluate != nil:
		s.evaluate(ctx, c, ev.fromClient.Evaluate)
	case ev.fromClient.Status != nil:
		status := s.status()
		s.sendClient(c, &forgev1.ServerToClient{Status: &status})
	case ev.fromClient.Stop != nil:
		if c.eval != nil {
			s.stop(c.eval, true)
		}
	case ev.fromClient.Welcome != nil:
	default:
		s.logger.Warn(fmt.Sprintf("client %s sent an unexpected message", c.id.Short()))
		_ = c.conn.Close()
	}
}

func (s *Scheduler) handleWorker(ctx context.Context, ev event) {
	w := ev.worker
	switch {
	case ev.joined:
		s.workers = append(s.workers, w)
		s.logger.Info(fmt.Sprintf("worker %s connected", w.name))
	case ev.closed != nil:
		s.dropWorker(ctx, w, ev.closed)
	case ev.blob != nil:
		s.workerBlob(ctx, w, ev.blob)
	case ev.fromWorker.GetWork != nil:
		s.workerIdle(w)
	case ev.fromWorker.AskFile != nil:
		s.serveWorker(w, ev.fromWorker.AskFile)
	case ev.fromWorker.WorkerDone != nil:
		s.workerDone(ctx, w, ev.fromWorker.WorkerDone)
	case ev.fromWorker.Welcome != nil:
	default:
		s.logger.Warn(fmt.Sprintf("worker %s sent an unexpected message", w.name))
		_ = w.conn.Close()
	}
}

func (s *Scheduler) dropClient(c *clientPeer, err error) {
	if !errors.Is(err, io.EOF) {
		s.logger.Warn(fmt.Sprintf("client %s disconnected: %v", c.id.Short(), err))
	}
	if c.eval != nil {
		s.stop(c.eval, false)
	}
	delete(s.clients, c.id)
	_ = c.conn.Close()
}

// status builds the snapshot answered to StatusRequest.
func (s *Scheduler) status() domain.ExecutorStatus {
	status := domain.ExecutorStatus{Workers: make([]domain.WorkerStatus, 0, len(s.workers))}
	for _, w := range s.workers {
		ws := domain.WorkerStatus{ID: w.id, Name: w.name}
		if w.job != nil {
			ws.Job = w.job.group.Description
		}
		status.Workers = append(status.Workers, ws)
	}
	for _, c := range s.clients {
		if c.eval == nil {
			continue
		}
		for _, g := range c.eval.groups {
			switch g.state {
			case domain.GroupReady:
				status.Ready++
			case domain.GroupWaiting:
				status.Waiting++
			}
		}
	}
	return status
}

func (s *Scheduler) sendClient(c *clientPeer, msg *forgev1.ServerToClient) {
	if err := c.conn.Send(msg); err != nil {
		s.logger.Warn(fmt.Sprintf("client %s: %v", c.id.Short(), err))
	}
}

func (s *Scheduler) sendWorker(w *workerPeer, msg *forgev1.ServerToWorker) {
	if err := w.conn.Send(msg); err != nil {
		s.logger.Warn(fmt.Sprintf("worker %s: %v", w.name, err))
	}
}

// sendBlob streams the blob stored under key to send.
func sendBlob[M any](
	s *Scheduler,
	send func(M) error,
	wrapAnnounce func(*forgev1.FileAnnounce) M,
	wrapChunk func(*forgev1.Chunk) M,
	file domain.FileID,
	key domain.StoreKey,
) error {
	data, err := s.store.Get(key)
	if err != nil {
		return err
	}
	if err := send(wrapAnnounce(&forgev1.FileAnnounce{File: file, Key: key})); err != nil {
		return err
	}
	return forgev1.SendBlob(send, wrapChunk, data)
}

func (s *Scheduler) shutdown() {
	for _, w := range s.workers {
		_ = w.conn.Send(&forgev1.ServerToWorker{Exit: &forgev1.Exit{}})
		_ = w.conn.Close()
		if w.job != nil && w.job.span != nil {
			w.job.span.End()
		}
	}
	for _, c := range s.clients {
		if c.eval != nil {
			_ = c.conn.Send(&forgev1.ServerToClient{Error: &forgev1.EvaluationError{Message: "scheduler is shutting down"}})
			s.release(c.eval)
		}
		_ = c.conn.Close()
	}
	close(s.done)

	// Readers may still hold events for peers the loop never saw; closing
	// those connections unblocks them.
	finished := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(finished)
	}()
	for {
		select {
		case ev := <-s.inbox:
			closePeer(ev)
		case <-finished:
			for {
				select {
				case ev := <-s.inbox:
					closePeer(ev)
				default:
					return
				}
			}
		}
	}
}

func closePeer(ev event) {
	if ev.client != nil {
		_ = ev.client.conn.Close()
	}
	if ev.worker != nil {
		_ = ev.worker.conn.Close()
	}
}

func removePeer(peers []*workerPeer, w *workerPeer) []*workerPeer {
	return slices.DeleteFunc(peers, func(p *workerPeer) bool { return p == w })
}
