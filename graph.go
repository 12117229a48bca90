package dstreams

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Graph owns the arena of streams and drives every lifecycle pass over the
// DAG. Streams reference each other through dependency lists, but membership
// and traversal belong here: each pass walks the arena once, so a node
// reachable through two paths (a diamond) is still processed exactly once.
type Graph struct {
	ctx *Context
	log zerolog.Logger

	// checkpointMu makes checkpoint-record mutation and whole-graph snapshot
	// writes mutually exclusive, so a node's transient state is never
	// snapshotted mid-update.
	checkpointMu sync.Mutex
	authorized   atomic.Bool

	outputs []Stream

	// streams is the arena in dependency order: every stream appears after
	// all of its ancestors. Rebuilt whenever an output is registered.
	streams []Stream
	index   map[string]Stream
	nextID  int

	initialized bool
	zeroTime    Time
}

func newGraph(ctx *Context) *Graph {
	return &Graph{
		ctx:   ctx,
		log:   ctx.log.With().Str("component", "graph").Logger(),
		index: map[string]Stream{},
	}
}

// RegisterOutputStream marks s as a tick-driven root: GenerateJobs evaluates
// it every tick. Registration binds s and everything it depends on to this
// graph and context, and assigns stable IDs in discovery order.
func (g *Graph) RegisterOutputStream(s Stream) error {
	if g.initialized {
		return fmt.Errorf("%w: cannot register outputs on a started graph", ErrAlreadyInitialized)
	}
	if err := g.adopt(s); err != nil {
		return err
	}
	g.outputs = append(g.outputs, s)
	g.rebuildArena()
	return nil
}

// adopt binds s and its ancestors to this graph and context. Uses an
// explicit worklist with a visited set rather than unguarded recursion.
func (g *Graph) adopt(s Stream) error {
	visited := map[*StreamCore]struct{}{}
	work := []Stream{s}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]
		core := cur.Core()
		if _, ok := visited[core]; ok {
			continue
		}
		visited[core] = struct{}{}

		if err := core.setGraph(g); err != nil {
			return err
		}
		if err := core.setContext(g.ctx); err != nil {
			return err
		}
		if core.id == "" {
			core.id = fmt.Sprintf("%s-%d", core.kind, g.nextID)
			g.nextID++
			g.index[core.id] = cur
		}
		work = append(work, core.deps...)
	}
	return nil
}

// rebuildArena recomputes the dependency-ordered stream list from the
// registered outputs.
func (g *Graph) rebuildArena() {
	visited := map[*StreamCore]struct{}{}
	var order []Stream
	var visit func(Stream)
	visit = func(s Stream) {
		core := s.Core()
		if _, ok := visited[core]; ok {
			return
		}
		visited[core] = struct{}{}
		for _, dep := range core.deps {
			visit(dep)
		}
		order = append(order, s)
	}
	for _, out := range g.outputs {
		visit(out)
	}
	g.streams = order
}

// Streams returns the arena in dependency order (ancestors first).
func (g *Graph) Streams() []Stream { return g.streams }

// Initialize runs the initialization pass: every stream in the graph gets
// the shared zero time, derives implicit configuration, and pushes its
// retention requirement onto its parents. Idempotent for the same zero time;
// a different zero time is a fatal configuration error.
func (g *Graph) Initialize(zero Time) error {
	if g.initialized && g.zeroTime != zero {
		return fmt.Errorf("%w: graph initialized at %s, got %s", ErrZeroTimeConflict, g.zeroTime, zero)
	}
	if len(g.outputs) == 0 {
		return fmt.Errorf("%w: no output streams registered", ErrInvalidConfiguration)
	}

	// Children before parents, so every retention push lands before the
	// parent computes its own minimums - Remember only ever raises, so the
	// pass is order-insensitive in result but single-visit this way.
	for i := len(g.streams) - 1; i >= 0; i-- {
		s := g.streams[i]
		if err := s.Core().initialize(zero); err != nil {
			return err
		}
		g.propagateRetention(s)
	}
	g.initialized = true
	g.zeroTime = zero
	g.log.Info().Str("zero_time", zero.String()).Int("streams", len(g.streams)).Msg("graph initialized")
	return nil
}

// propagateRetention pushes s's effective remember duration to its parents.
// Kinds with their own buffering (windows) override the propagated value to
// cover the full span they read from the parent.
func (g *Graph) propagateRetention(s Stream) {
	req := s.Core().remember
	if pr, ok := s.(ParentRetention); ok {
		req = pr.ParentRememberDuration()
	}
	for _, dep := range s.Core().deps {
		dep.Core().Remember(req)
	}
}

// Remember raises the retention of the output streams to at least d and
// re-propagates requirements through the DAG.
func (g *Graph) Remember(d Duration) {
	for _, out := range g.outputs {
		out.Core().Remember(d)
	}
	for i := len(g.streams) - 1; i >= 0; i-- {
		g.propagateRetention(g.streams[i])
	}
}

// Validate re-checks every invariant on every stream. It must pass before
// the graph accepts its first tick; any error means the pipeline is
// misconfigured and must not run.
func (g *Graph) Validate() error {
	if !g.initialized {
		return fmt.Errorf("%w: graph", ErrNotInitialized)
	}
	var err error
	for _, s := range g.streams {
		err = multierr.Append(err, s.Core().validate())
	}
	return err
}

// GenerateJobs evaluates every output stream at t and collects the resulting
// jobs. An output with nothing to produce for t contributes no job; that is
// a scheduling skip, not a failure.
func (g *Graph) GenerateJobs(t Time) ([]*Job, error) {
	if !g.initialized {
		return nil, fmt.Errorf("%w: graph", ErrNotInitialized)
	}
	var jobs []*Job
	for _, out := range g.outputs {
		var (
			job *Job
			err error
		)
		if jg, ok := out.(JobGenerator); ok {
			job, err = jg.GenerateJob(t)
		} else {
			job, err = out.Core().generateJob(t)
		}
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	g.log.Debug().Str("time", t.String()).Int("jobs", len(jobs)).Msg("generated jobs")
	return jobs, nil
}

// ClearOldMetadata evicts expired cache entries across the whole graph. Must
// run after job generation for t, never ahead of it.
func (g *Graph) ClearOldMetadata(t Time) {
	for _, s := range g.streams {
		s.Core().clearOldMetadata(t)
	}
}

// UpdateCheckpointData refreshes every stream's checkpoint record after the
// jobs for t have run.
func (g *Graph) UpdateCheckpointData(t Time) error {
	g.checkpointMu.Lock()
	defer g.checkpointMu.Unlock()
	for _, s := range g.streams {
		if err := s.Core().updateCheckpointData(t); err != nil {
			return err
		}
	}
	return nil
}

// checkpointAuthorized reports whether a graph checkpoint pass is in flight.
// The stream serialization guard consults it.
func (g *Graph) checkpointAuthorized() bool {
	return g.authorized.Load()
}

// Checkpoint writes the graph snapshot to the context's checkpoint
// directory. The snapshot pairs the DAG's static structure with every
// stream's checkpoint record, so a rebuilt graph can resume from it.
func (g *Graph) Checkpoint() error {
	if g.ctx.checkpointDir == "" {
		return fmt.Errorf("%w: no checkpoint directory configured", ErrInvalidConfiguration)
	}
	g.checkpointMu.Lock()
	defer g.checkpointMu.Unlock()

	g.authorized.Store(true)
	defer g.authorized.Store(false)

	snap := graphSnapshot{
		Version:       snapshotVersion,
		ZeroTime:      g.zeroTime,
		BatchDuration: g.ctx.batchDuration,
		Streams:       make([]streamConfig, 0, len(g.streams)),
	}
	for _, s := range g.streams {
		snap.Streams = append(snap.Streams, s.Core().snapshot())
	}
	return writeSnapshot(g.ctx.checkpointDir, snap)
}

// RestoreFromCheckpoint loads the snapshot written by a previous run and
// replays it onto this graph: configuration is applied, the original zero
// time is re-established, and caches are repopulated from durable batch
// references. The graph must be structurally identical to the one that wrote
// the snapshot (same streams, same IDs, same edges).
//
// Returns false with no error when no snapshot exists (cold start).
func (g *Graph) RestoreFromCheckpoint() (bool, error) {
	if g.ctx.checkpointDir == "" {
		return false, nil
	}
	snap, err := readSnapshot(g.ctx.checkpointDir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if snap.BatchDuration != g.ctx.batchDuration {
		return false, fmt.Errorf("%w: snapshot batch duration %s, context has %s",
			ErrCheckpointMismatch, snap.BatchDuration, g.ctx.batchDuration)
	}

	for _, cfg := range snap.Streams {
		s, ok := g.index[cfg.ID]
		if !ok {
			return false, fmt.Errorf("%w: snapshot stream %q not present in rebuilt graph", ErrCheckpointMismatch, cfg.ID)
		}
		core := s.Core()
		depIDs := make([]string, len(core.deps))
		for i, d := range core.deps {
			depIDs[i] = d.Core().id
		}
		if !equalStrings(depIDs, cfg.DependencyIDs) {
			return false, fmt.Errorf("%w: stream %q dependencies changed (%v vs %v)",
				ErrCheckpointMismatch, cfg.ID, depIDs, cfg.DependencyIDs)
		}
		if err := core.applySnapshot(cfg); err != nil {
			return false, err
		}
	}

	if err := g.Initialize(snap.ZeroTime); err != nil {
		return false, err
	}
	for _, s := range g.streams {
		if err := s.Core().restoreCheckpointData(); err != nil {
			return false, err
		}
	}
	g.log.Info().Str("zero_time", snap.ZeroTime.String()).Msg("graph restored from checkpoint")
	return true, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
