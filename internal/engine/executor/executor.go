// Package executor runs a scheduler and a pool of workers inside the current
// process, connected by in-process transports.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.trai.ch/forge/internal/adapters/transport"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/forge/internal/engine/client"
	"go.trai.ch/forge/internal/engine/scheduler"
	"go.trai.ch/forge/internal/engine/worker"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// Deps are the adapters shared by the scheduler and the workers.
type Deps struct {
	Store  ports.ContentStore
	Cache  ports.ResultCache
	Hasher ports.Hasher
	Runner ports.SandboxRunner
	Tracer ports.Tracer
	Logger ports.Logger
}

// Config sizes the local pool.
type Config struct {
	// Workers is the number of groups run concurrently. Values below one
	// mean one.
	Workers int
	// SandboxDir holds one scratch directory per worker.
	SandboxDir string
}

// Local is an in-process executor. It accepts evaluations until Close.
type Local struct {
	sched  *scheduler.Scheduler
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start launches the scheduler and the workers. They run until Close is
// called or one of them fails.
func Start(ctx context.Context, deps Deps, cfg Config) *Local {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	sched := scheduler.NewScheduler(deps.Store, deps.Cache, deps.Hasher, deps.Tracer, deps.Logger)
	g.Go(func() error { return sched.Run(gctx) })

	// Workers stop when the scheduler tells them to, so a finishing job can
	// still report.
	workerCtx := context.WithoutCancel(gctx)
	for i := range max(cfg.Workers, 1) {
		conn, session := transport.WorkerPipe()
		name := fmt.Sprintf("local-%d", i)
		sched.AddWorker(name, session)
		w := worker.New(conn, deps.Store, deps.Runner, deps.Logger, filepath.Join(cfg.SandboxDir, name))
		g.Go(func() error {
			if err := w.Run(workerCtx); err != nil {
				return zerr.With(err, "worker", name)
			}
			return nil
		})
	}

	return &Local{sched: sched, cancel: cancel, group: g}
}

// Evaluate runs dag on the pool. Several evaluations may run at once; they
// share the workers.
func (l *Local) Evaluate(ctx context.Context, dag *domain.DAG, opts ...client.Option) error {
	conn, session := transport.ClientPipe()
	l.sched.AddClient(session)
	c := client.New(conn, opts...)
	defer func() { _ = c.Close() }()
	return c.Evaluate(ctx, dag)
}

// Close stops the scheduler and waits for every worker to exit.
func (l *Local) Close() error {
	l.cancel()
	err := l.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
