package scheduler

import (
	"context"
	"fmt"

	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/zerr"
)

// evaluation is the scheduler side of one client's graph.
type evaluation struct {
	client *clientPeer
	config domain.EvaluationConfig
	files  map[domain.FileID]*fileState
	groups []*groupState
	wanted map[domain.FileID]bool
	// asked holds the provided files waiting for their blob from the client.
	asked    map[domain.StoreKey][]*fileState
	pending  int
	retained []domain.StoreKey
}

type fileState struct {
	id        domain.FileID
	key       domain.StoreKey
	provided  bool
	ready     bool
	dead      bool
	consumers []*groupState
}

type groupState struct {
	eval  *evaluation
	group *domain.ExecutionGroup
	seq   uint64
	index int
	state domain.GroupState
	// missing counts the dependencies that are not ready yet.
	missing     int
	keys        map[domain.FileID]domain.StoreKey
	cacheable   bool
	fingerprint domain.Fingerprint
	worker      *workerPeer
	span        ports.Span
}

func (s *Scheduler) evaluate(ctx context.Context, c *clientPeer, req *forgev1.Evaluate) {
	if c.eval != nil {
		s.sendClient(c, errorMessage("an evaluation is already running on this connection"))
		return
	}
	if err := req.DAG.Validate(); err != nil {
		s.sendClient(c, errorMessage(err.Error()))
		return
	}

	e := &evaluation{
		client: c,
		config: req.DAG.Config,
		files:  make(map[domain.FileID]*fileState),
		wanted: make(map[domain.FileID]bool, len(req.Wanted)),
		asked:  make(map[domain.StoreKey][]*fileState),
	}
	c.eval = e

	for id := range req.DAG.Provided {
		e.files[id] = &fileState{id: id, provided: true}
	}
	names := make([]string, 0, len(req.DAG.Groups))
	for _, g := range req.DAG.Groups {
		gs := &groupState{eval: e, group: g, seq: s.seq, index: -1, state: domain.GroupWaiting}
		s.seq++
		e.groups = append(e.groups, gs)
		names = append(names, g.Description)
		for _, exec := range g.Executions {
			for _, id := range exec.Produced() {
				e.files[id] = &fileState{id: id}
			}
		}
	}
	for _, gs := range e.groups {
		for _, id := range gs.group.Dependencies() {
			f := e.files[id]
			f.consumers = append(f.consumers, gs)
			gs.missing++
		}
	}
	for _, id := range req.Wanted {
		e.wanted[id] = true
	}
	e.pending = len(e.groups)
	s.tracer.EmitPlan(ctx, names)

	var available []*fileState
	for id, p := range req.DAG.Provided {
		f := e.files[id]
		f.key = p.Key
		if len(f.consumers) == 0 {
			f.ready = true
			continue
		}
		if s.store.Retain(p.Key) {
			e.retained = append(e.retained, p.Key)
			available = append(available, f)
			continue
		}
		if _, ok := e.asked[p.Key]; !ok {
			s.sendClient(c, &forgev1.ServerToClient{AskFile: &forgev1.AskFile{File: id, Key: p.Key}})
		}
		e.asked[p.Key] = append(e.asked[p.Key], f)
	}

	for _, f := range available {
		s.fileReady(ctx, e, f, f.key)
	}
	for _, gs := range e.groups {
		if gs.state == domain.GroupWaiting && gs.missing == 0 {
			s.groupReady(ctx, gs)
		}
	}
}

// clientBlob stores a provided file the client was asked for.
func (s *Scheduler) clientBlob(ctx context.Context, c *clientPeer, b *blob) {
	e := c.eval
	if e == nil {
		return
	}
	files, ok := e.asked[b.announce.Key]
	if !ok {
		s.logger.Warn(fmt.Sprintf("client %s sent a file that was not asked for", c.id.Short()))
		return
	}
	key, err := s.store.Put(b.data)
	if err != nil {
		s.fail(e, err.Error())
		return
	}
	if key != b.announce.Key {
		s.store.Release(key)
		s.fail(e, fmt.Sprintf("provided file %s changed since it was declared", b.announce.File.Short()))
		return
	}
	delete(e.asked, key)
	e.retained = append(e.retained, key)
	for _, f := range files {
		s.fileReady(ctx, e, f, key)
	}
}

// fileReady publishes a file: it is sent to the client if wanted and its
// consumers move closer to being ready.
func (s *Scheduler) fileReady(ctx context.Context, e *evaluation, f *fileState, key domain.StoreKey) {
	if f.ready || f.dead {
		return
	}
	f.ready = true
	f.key = key

	if e.wanted[f.id] && !f.provided {
		err := sendBlob(s, e.client.conn.Send,
			func(a *forgev1.FileAnnounce) *forgev1.ServerToClient { return &forgev1.ServerToClient{ProvideFile: a} },
			func(c *forgev1.Chunk) *forgev1.ServerToClient { return &forgev1.ServerToClient{Chunk: c} },
			f.id, key)
		if err != nil {
			s.logger.Warn(fmt.Sprintf("sending file %s to client: %v", f.id.Short(), err))
		}
	}

	for _, g := range f.consumers {
		if g.state != domain.GroupWaiting {
			continue
		}
		g.missing--
		if g.missing == 0 {
			s.groupReady(ctx, g)
		}
	}
}

// fileDead marks a file that will never be produced and skips everything
// that transitively depends on it.
func (s *Scheduler) fileDead(f *fileState) {
	stack := []*fileState{f}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.ready || f.dead {
			continue
		}
		f.dead = true
		for _, g := range f.consumers {
			if g.state != domain.GroupWaiting {
				continue
			}
			stack = append(stack, s.skip(g, true)...)
		}
	}
}

// skip makes g terminal without running it and returns the files it would
// have produced.
func (s *Scheduler) skip(g *groupState, notify bool) []*fileState {
	e := g.eval
	g.state = domain.GroupSkipped
	e.pending--
	var produced []*fileState
	for _, exec := range g.group.Executions {
		if notify {
			s.sendClient(e.client, &forgev1.ServerToClient{Skipped: &forgev1.ExecutionSkipped{Execution: exec.ID}})
		}
		for _, id := range exec.Produced() {
			produced = append(produced, e.files[id])
		}
	}
	return produced
}

// groupReady is called once every dependency of g is ready. The group is
// either served from the cache or queued for a worker.
func (s *Scheduler) groupReady(ctx context.Context, g *groupState) {
	e := g.eval
	deps := g.group.Dependencies()
	g.keys = make(map[domain.FileID]domain.StoreKey, len(deps))
	for _, id := range deps {
		g.keys[id] = e.files[id].key
	}

	if e.config.CacheMode.CachesGroup(g.group) {
		g.cacheable = true
		g.fingerprint = s.hasher.GroupFingerprint(g.group, g.keys)
		if results, outputs, ok := s.lookup(g); ok {
			s.finish(ctx, g, results, outputs, true)
			return
		}
	}

	g.state = domain.GroupReady
	s.ready.push(g)
}

// lookup serves g from the cache. Entries whose outputs were evicted from
// the store are misses.
func (s *Scheduler) lookup(g *groupState) ([]domain.ExecutionResult, map[domain.FileID]domain.StoreKey, bool) {
	entry, err := s.cache.Lookup(g.fingerprint)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("cache lookup for %q failed, running it: %v", g.group.Description, err))
		return nil, nil, false
	}
	if entry == nil || len(entry.Items) != len(g.group.Executions) {
		return nil, nil, false
	}

	results := make([]domain.ExecutionResult, len(g.group.Executions))
	outputs := make(map[domain.FileID]domain.StoreKey)
	var retained []domain.StoreKey
	miss := func() ([]domain.ExecutionResult, map[domain.FileID]domain.StoreKey, bool) {
		for _, key := range retained {
			s.store.Release(key)
		}
		return nil, nil, false
	}
	for i, exec := range g.group.Executions {
		item := entry.Items[i]
		for name, id := range exec.OutputFiles() {
			key, ok := item.Outputs[name]
			if !ok || !s.store.Retain(key) {
				return miss()
			}
			retained = append(retained, key)
			outputs[id] = key
		}
		results[i] = item.Result
	}
	g.eval.retained = append(g.eval.retained, retained...)
	return results, outputs, true
}

// finish delivers the results of g and publishes or kills its outputs.
func (s *Scheduler) finish(
	ctx context.Context,
	g *groupState,
	results []domain.ExecutionResult,
	outputs map[domain.FileID]domain.StoreKey,
	cached bool,
) {
	e := g.eval
	g.state = domain.GroupDone
	e.pending--

	for i, exec := range g.group.Executions {
		results[i].Execution = exec.ID
		results[i].WasCached = cached
	}
	if g.span != nil {
		endSpan(g.span, results)
		g.span = nil
	}
	if !cached && g.cacheable && allCacheable(results) {
		s.insert(g, results, outputs)
	}

	for _, r := range results {
		s.sendClient(e.client, &forgev1.ServerToClient{Done: &forgev1.ExecutionDone{Result: r}})
	}
	stopOnFailure := g.group.StopsOnFailure()
	for i, exec := range g.group.Executions {
		publish := results[i].Status.Success() || !stopOnFailure
		for _, id := range exec.Produced() {
			f := e.files[id]
			key, ok := outputs[id]
			if publish && ok {
				s.fileReady(ctx, e, f, key)
			} else {
				s.fileDead(f)
			}
		}
	}
}

// insert records the results of g in the cache. Groups with a missing
// output are not cached.
func (s *Scheduler) insert(g *groupState, results []domain.ExecutionResult, outputs map[domain.FileID]domain.StoreKey) {
	entry := domain.CacheEntry{
		Fingerprint: g.fingerprint,
		Items:       make([]domain.CachedExecution, len(results)),
	}
	for i, exec := range g.group.Executions {
		files := exec.OutputFiles()
		item := domain.CachedExecution{Result: results[i], Outputs: make(map[string]domain.StoreKey, len(files))}
		item.Result.WasCached = false
		for name, id := range files {
			key, ok := outputs[id]
			if !ok {
				return
			}
			item.Outputs[name] = key
		}
		entry.Items[i] = item
	}
	if err := s.cache.Insert(entry); err != nil {
		s.logger.Warn(fmt.Sprintf("caching %q failed: %v", g.group.Description, err))
	}
}

// stop aborts e: running groups are killed and every unfinished group is
// skipped.
func (s *Scheduler) stop(e *evaluation, notify bool) {
	for _, g := range e.groups {
		if g.state.Terminal() {
			continue
		}
		if g.state == domain.GroupRunning {
			s.sendWorker(g.worker, &forgev1.ServerToWorker{KillJob: &forgev1.KillJob{Group: g.group.ID}})
			if g.span != nil {
				g.span.SetAttribute("status", "stopped")
				g.span.End()
				g.span = nil
			}
		}
		s.skip(g, notify)
	}
	if notify {
		s.sendClient(e.client, &forgev1.ServerToClient{Completed: &forgev1.Completed{}})
	}
	s.release(e)
}

// fail aborts e and reports message to the client.
func (s *Scheduler) fail(e *evaluation, message string) {
	c := e.client
	s.stop(e, false)
	s.sendClient(c, errorMessage(message))
}

// settle completes every evaluation with no unfinished group left.
func (s *Scheduler) settle() {
	for _, c := range s.clients {
		if e := c.eval; e != nil && e.pending == 0 {
			s.sendClient(c, &forgev1.ServerToClient{Completed: &forgev1.Completed{}})
			s.release(e)
		}
	}
}

// release drops the store retentions of e and detaches it from its client.
func (s *Scheduler) release(e *evaluation) {
	for _, key := range e.retained {
		s.store.Release(key)
	}
	e.retained = nil
	if e.client.eval == e {
		e.client.eval = nil
	}
}

func errorMessage(message string) *forgev1.ServerToClient {
	return &forgev1.ServerToClient{Error: &forgev1.EvaluationError{Message: message}}
}

func allCacheable(results []domain.ExecutionResult) bool {
	for _, r := range results {
		if !r.Cacheable() {
			return false
		}
	}
	return true
}

func internalErrors(g *groupState, message string) []domain.ExecutionResult {
	results := make([]domain.ExecutionResult, len(g.group.Executions))
	for i := range results {
		results[i].Status = domain.InternalError(message)
	}
	return results
}

func endSpan(span ports.Span, results []domain.ExecutionResult) {
	status := domain.ExecutionStatus{Kind: domain.StatusSuccess}
	for _, r := range results {
		if !r.Status.Success() {
			status = r.Status
			break
		}
	}
	span.SetAttribute("status", status.String())
	if !status.Success() {
		span.RecordError(zerr.With(domain.ErrExecutionFailed, "status", status.String()))
	}
	span.End()
}
