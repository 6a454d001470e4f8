// Package app implements the application layer for forge.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.trai.ch/forge/internal/adapters/cas"       //nolint:depguard // Wired in app layer
	"go.trai.ch/forge/internal/adapters/daemon"    //nolint:depguard // Wired in app layer
	"go.trai.ch/forge/internal/adapters/telemetry" //nolint:depguard // Wired in app layer
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/forge/internal/engine/client"
	"go.trai.ch/forge/internal/engine/executor"
	"go.trai.ch/forge/internal/engine/scheduler"
	"go.trai.ch/forge/internal/engine/worker"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

const defaultPeerName = "forge"

// App represents the main application logic.
type App struct {
	configLoader ports.ConfigLoader
	logger       ports.Logger
	hasher       ports.Hasher
	runner       ports.SandboxRunner
	tracer       ports.Tracer
	out          io.Writer
}

// New creates a new App instance.
func New(
	loader ports.ConfigLoader,
	logger ports.Logger,
	hasher ports.Hasher,
	runner ports.SandboxRunner,
	tracer ports.Tracer,
) *App {
	return &App{
		configLoader: loader,
		logger:       logger,
		hasher:       hasher,
		runner:       runner,
		tracer:       tracer,
		out:          os.Stdout,
	}
}

// WithOutput sets the writer execution reports are printed to.
func (a *App) WithOutput(w io.Writer) *App {
	a.out = w
	return a
}

// RunOptions configures an evaluation.
type RunOptions struct {
	// ConfigPath is the engine configuration file.
	ConfigPath string
	// Remote is the address of a scheduler. Empty evaluates in process.
	Remote string
	// Name identifies the client to a remote scheduler.
	Name string
	// Workers overrides the size of the local pool when positive.
	Workers int
	// CacheMode overrides the cache mode of the graph when set.
	CacheMode     string
	KeepSandboxes bool
	// StatusInterval logs a scheduler snapshot that often. Zero disables it.
	StatusInterval time.Duration
}

// Run evaluates the graph file at graphPath and reports every execution.
// It returns domain.ErrExecutionFailed when an execution did not succeed.
func (a *App) Run(ctx context.Context, graphPath string, opts RunOptions) error {
	// 1. Load the engine configuration
	cfg, err := a.configLoader.LoadConfig(opts.ConfigPath)
	if err != nil {
		return zerr.Wrap(err, "failed to load configuration")
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}

	// 2. Load the graph
	dag, err := a.configLoader.LoadDAG(graphPath)
	if err != nil {
		return zerr.Wrap(err, "failed to load graph")
	}
	if err := applyOverrides(dag, cfg, opts); err != nil {
		return err
	}

	// 3. Evaluate
	report := newReporter(a.out, dag)
	var clientOpts []client.Option
	if opts.StatusInterval > 0 {
		clientOpts = append(clientOpts, client.WithStatus(opts.StatusInterval, a.logStatus))
	}

	if opts.Remote != "" {
		err = a.evaluateRemote(ctx, dag, opts, clientOpts)
	} else {
		err = a.evaluateLocal(ctx, cfg, dag, clientOpts)
	}
	report.summary()
	if err != nil {
		return err
	}
	if report.failed > 0 {
		return domain.ErrExecutionFailed
	}
	return nil
}

// applyOverrides resolves the evaluation settings. Flags win over the graph
// file, which wins over the engine configuration.
func applyOverrides(dag *domain.DAG, cfg domain.Config, opts RunOptions) error {
	evalCfg := dag.Config()

	mode := evalCfg.CacheMode
	switch {
	case opts.CacheMode != "":
		parsed, err := domain.ParseCacheMode(opts.CacheMode)
		if err != nil {
			return err
		}
		mode = parsed
	case !mode.Disabled && len(mode.Excluded) == 0:
		mode = cfg.CacheMode
	}
	dag.SetCacheMode(mode)

	dag.SetKeepSandboxes(evalCfg.KeepSandboxes || cfg.KeepSandboxes || opts.KeepSandboxes)
	if evalCfg.ExtraTime == 0 {
		dag.SetExtraTime(cfg.ExtraTime)
	}
	return nil
}

func (a *App) evaluateLocal(ctx context.Context, cfg domain.Config, dag *domain.DAG, opts []client.Option) (err error) {
	store, cache, err := openStorage(cfg)
	if err != nil {
		return err
	}

	local := executor.Start(ctx, executor.Deps{
		Store:  store,
		Cache:  cache,
		Hasher: a.hasher,
		Runner: a.runner,
		Tracer: a.tracer,
		Logger: a.logger,
	}, executor.Config{
		Workers:    cfg.Workers,
		SandboxDir: cfg.SandboxDir,
	})
	defer func() {
		err = errors.Join(err, local.Close())
	}()

	return local.Evaluate(ctx, dag, opts...)
}

func (a *App) evaluateRemote(ctx context.Context, dag *domain.DAG, opts RunOptions, clientOpts []client.Option) error {
	remote, err := daemon.Dial(opts.Remote)
	if err != nil {
		return err
	}
	defer func() { _ = remote.Close() }()

	conn, err := remote.OpenClient(ctx, peerName(opts.Name))
	if err != nil {
		return zerr.With(err, "remote", opts.Remote)
	}
	c := client.New(conn, clientOpts...)
	defer func() { _ = c.Close() }()

	return c.Evaluate(ctx, dag)
}

func (a *App) logStatus(status domain.ExecutorStatus) {
	busy := 0
	for _, w := range status.Workers {
		if w.Job != "" {
			busy++
		}
	}
	a.logger.Info(fmt.Sprintf("%d/%d workers busy, %d ready, %d waiting",
		busy, len(status.Workers), status.Ready, status.Waiting))
}

// ServeOptions configures the networked scheduler.
type ServeOptions struct {
	ConfigPath string
	// Listen overrides the listen address when set.
	Listen string
	// Allowed overrides the admitted peer names when set.
	Allowed []string
	// IdleTimeout overrides the idle timeout when set.
	IdleTimeout *time.Duration
	// LogJobs logs every finished job.
	LogJobs bool
}

// Serve runs a scheduler that clients and workers reach over the network.
// It returns once ctx is cancelled or the server was idle for too long.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	cfg, err := a.configLoader.LoadConfig(opts.ConfigPath)
	if err != nil {
		return zerr.Wrap(err, "failed to load configuration")
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if len(opts.Allowed) > 0 {
		cfg.Server.AllowedNames = opts.Allowed
	}
	if opts.IdleTimeout != nil {
		cfg.Server.IdleTimeout = *opts.IdleTimeout
	}

	store, cache, err := openStorage(cfg)
	if err != nil {
		return err
	}

	if opts.LogJobs {
		tp := setupOTel(telemetry.NewLogBridge(a.logger))
		defer func() {
			_ = tp.Shutdown(context.WithoutCancel(ctx))
		}()
	}

	lis, err := daemon.Listen(cfg.Server.Listen)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(store, cache, a.hasher, a.tracer, a.logger)
	srv := daemon.NewServer(sched, daemon.NewLifecycle(cfg.Server.IdleTimeout), a.logger, cfg.Server.AllowedNames)
	a.logger.Info(fmt.Sprintf("listening on %s", cfg.Server.Listen))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		// The scheduler follows the server down.
		defer cancel()
		return srv.Serve(gctx, lis)
	})
	return g.Wait()
}

// WorkOptions configures a pool of networked workers.
type WorkOptions struct {
	ConfigPath string
	// Remote is the scheduler address. Empty uses the configured listen
	// address.
	Remote string
	Name   string
	// Workers overrides the pool size when positive.
	Workers int
}

// Work connects a pool of workers to a remote scheduler and serves jobs
// until ctx is cancelled or the scheduler lets them go.
func (a *App) Work(ctx context.Context, opts WorkOptions) error {
	cfg, err := a.configLoader.LoadConfig(opts.ConfigPath)
	if err != nil {
		return zerr.Wrap(err, "failed to load configuration")
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	addr := opts.Remote
	if addr == "" {
		addr = cfg.Server.Listen
	}

	store, err := cas.NewStore(cfg.WorkerStorePath(), cfg.MaxCacheMiB, cfg.MinCacheMiB)
	if err != nil {
		return err
	}

	remote, err := daemon.Dial(addr)
	if err != nil {
		return err
	}
	defer func() { _ = remote.Close() }()

	name := peerName(opts.Name)
	workers := make([]*worker.Worker, 0, max(cfg.Workers, 1))
	for i := range max(cfg.Workers, 1) {
		conn, err := remote.OpenWorker(ctx, name)
		if err != nil {
			return zerr.With(err, "remote", addr)
		}
		sandboxDir := filepath.Join(cfg.SandboxDir, fmt.Sprintf("%s-%d", name, i))
		workers = append(workers, worker.New(conn, store, a.runner, a.logger, sandboxDir))
	}
	a.logger.Info(fmt.Sprintf("%d workers connected to %s", len(workers), addr))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// CleanOptions selects what Clean removes.
type CleanOptions struct {
	ConfigPath string
	// Cache removes the content stores and the result cache.
	Cache bool
	// Sandboxes removes kept sandbox directories.
	Sandboxes bool
}

// Clean removes the selected engine directories.
func (a *App) Clean(_ context.Context, options CleanOptions) error {
	cfg, err := a.configLoader.LoadConfig(options.ConfigPath)
	if err != nil {
		return zerr.Wrap(err, "failed to load configuration")
	}

	var errs error

	// Helper to remove a directory and log the action
	remove := func(path string, name string) {
		a.logger.Info(fmt.Sprintf("removing %s...", name))
		if err := os.RemoveAll(path); err != nil {
			errs = errors.Join(errs, zerr.With(zerr.Wrap(err, fmt.Sprintf("failed to remove %s", name)), "path", path))
			return
		}
		a.logger.Info(fmt.Sprintf("removed %s", name))
	}

	if options.Cache {
		remove(cfg.StoreDir, "content store")
		remove(cfg.WorkerStorePath(), "worker store")
		remove(cfg.CacheDir, "result cache")
	}

	if options.Sandboxes {
		remove(cfg.SandboxDir, "sandboxes")
	}

	return errs
}

func openStorage(cfg domain.Config) (*cas.Store, *cas.Cache, error) {
	store, err := cas.NewStore(cfg.StoreDir, cfg.MaxCacheMiB, cfg.MinCacheMiB)
	if err != nil {
		return nil, nil, err
	}
	cache, err := cas.NewCache(cfg.CacheDir)
	if err != nil {
		return nil, nil, err
	}
	return store, cache, nil
}

func peerName(name string) string {
	if name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultPeerName
}

// setupOTel configures the OpenTelemetry SDK with the log bridge.
func setupOTel(bridge *telemetry.LogBridge) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(bridge),
	)
	otel.SetTracerProvider(tp)
	return tp
}
