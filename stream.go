package dstreams

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
)

// Stream is a vertex of the dataflow graph: a time-indexed, lazily
// materialized sequence of batches. Stream does not know about any specific
// node kind; concrete kinds (sources, per-element operators, windows, sinks)
// embed *StreamCore and provide Compute.
type Stream interface {
	// Core exposes the shared per-node machinery (cache, lifecycle state,
	// retention and checkpoint configuration).
	Core() *StreamCore

	// Compute produces the batch for one instant, pulling parent batches
	// through GetOrCompute as needed. A nil batch with a nil error is an
	// explicit absence, not a failure.
	Compute(t Time) (Batch, error)
}

// ParentRetention is implemented by stream kinds that buffer parent output
// beyond their own remember duration. Windowed streams use it to request
// retention covering the full window span.
type ParentRetention interface {
	ParentRememberDuration() Duration
}

// JobGenerator is implemented by stream kinds with custom output behavior.
// Sinks override the default "just force evaluation" job body with their own
// side-effecting action.
type JobGenerator interface {
	GenerateJob(t Time) (*Job, error)
}

// CheckpointExtender is implemented by stream kinds holding recovery state
// beyond their cached batches, e.g. a source tracking external read offsets.
// Capture and restore must be symmetric.
type CheckpointExtender interface {
	CaptureCheckpointExtra() ([]byte, error)
	RestoreCheckpointExtra(data []byte) error
}

// StreamCore carries the state shared by every stream kind. It is created by
// the node constructors and driven by the owning Graph; user code only
// touches the configuration mutators (Persist, Checkpoint, Remember).
type StreamCore struct {
	owner Stream
	kind  string
	id    string

	slide Duration
	deps  []Stream

	// zeroTime is set exactly once by graph initialization; until then the
	// stream is unbound and its configuration mutable.
	initialized bool
	zeroTime    Time

	remember       Duration
	storageLevel   StorageLevel
	checkpointDur  Duration
	mustCheckpoint bool

	generated  map[Time]Batch
	checkpoint *checkpointRecord

	graph *Graph
	ctx   *Context
	log   zerolog.Logger
}

// newCore wires the shared machinery for a concrete stream kind. owner is the
// concrete node; its Compute is what GetOrCompute dispatches to.
func newCore(owner Stream, kind string, slide Duration, deps []Stream) *StreamCore {
	if slide <= 0 {
		panic(fmt.Sprintf("dstreams: %s stream with non-positive slide duration %s", kind, slide))
	}
	return &StreamCore{
		owner:      owner,
		kind:       kind,
		slide:      slide,
		deps:       deps,
		generated:  map[Time]Batch{},
		checkpoint: newCheckpointRecord(),
		log:        zerolog.Nop(),
	}
}

func (c *StreamCore) Core() *StreamCore { return c }

// Kind names the node variant (source, mapped, windowed, ...).
func (c *StreamCore) Kind() string { return c.kind }

// ID is the stable identifier assigned by the graph; checkpoint snapshots are
// matched by it across restarts.
func (c *StreamCore) ID() string { return c.id }

func (c *StreamCore) SlideDuration() Duration { return c.slide }

func (c *StreamCore) Dependencies() []Stream { return c.deps }

func (c *StreamCore) ZeroTime() (Time, bool) { return c.zeroTime, c.initialized }

func (c *StreamCore) RememberDuration() Duration { return c.remember }

func (c *StreamCore) CheckpointDuration() Duration { return c.checkpointDur }

func (c *StreamCore) StorageLevel() StorageLevel { return c.storageLevel }

// CachedTimes returns the instants currently held in the output cache, in
// ascending order. Mostly useful for tests and debugging.
func (c *StreamCore) CachedTimes() []Time {
	times := maps.Keys(c.generated)
	slices.Sort(times)
	return times
}

// Persist sets the storage level for produced batches. Legal only before
// initialization.
func (c *StreamCore) Persist(level StorageLevel) error {
	if c.initialized {
		return fmt.Errorf("%w: cannot change storage level of %s", ErrAlreadyInitialized, c.describe())
	}
	c.storageLevel = level
	return nil
}

// Checkpoint enables periodic durable checkpointing of produced batches at
// the given interval. Legal only before initialization; the interval is
// validated against the slide duration during graph validation. A stream
// without an explicit storage level is persisted serialized, since a
// checkpointed batch must be cached to be written out.
func (c *StreamCore) Checkpoint(interval Duration) error {
	if c.initialized {
		return fmt.Errorf("%w: cannot change checkpoint interval of %s", ErrAlreadyInitialized, c.describe())
	}
	if interval <= 0 {
		return fmt.Errorf("%w: checkpoint interval must be positive, got %s", ErrInvalidConfiguration, interval)
	}
	c.checkpointDur = interval
	if c.storageLevel == StorageNone {
		c.storageLevel = StorageMemorySerialized
	}
	return nil
}

// Remember raises the remember duration if d exceeds the current value.
// Never lowers it: several downstream consumers may each have pushed their
// own requirement.
func (c *StreamCore) Remember(d Duration) {
	if d > c.remember {
		c.remember = d
	}
}

func (c *StreamCore) describe() string {
	if c.id != "" {
		return fmt.Sprintf("%s stream %q", c.kind, c.id)
	}
	return c.kind + " stream"
}

// setContext binds the driving context. Idempotent for the same context,
// fatal for a conflicting one.
func (c *StreamCore) setContext(ctx *Context) error {
	if c.ctx != nil && c.ctx != ctx {
		return fmt.Errorf("%w: %s", ErrContextConflict, c.describe())
	}
	c.ctx = ctx
	c.log = ctx.log.With().Str("stream", c.describe()).Logger()
	return nil
}

// setGraph binds the owning graph, same contract as setContext. The back
// reference identifies membership only; the graph owns the stream arena.
func (c *StreamCore) setGraph(g *Graph) error {
	if c.graph != nil && c.graph != g {
		return fmt.Errorf("%w: %s", ErrGraphConflict, c.describe())
	}
	c.graph = g
	return nil
}

// initialize sets the zero time and derives the checkpoint and remember
// durations that were left implicit. Re-invocation with the same zero time is
// a no-op; a different zero time is a configuration error.
func (c *StreamCore) initialize(zero Time) error {
	if c.initialized {
		if c.zeroTime != zero {
			return fmt.Errorf("%w: %s has zero time %s, got %s", ErrZeroTimeConflict, c.describe(), c.zeroTime, zero)
		}
		return nil
	}
	c.zeroTime = zero
	c.initialized = true

	// Kinds that mandate checkpointing get a default interval: the context's
	// default rounded up to the nearest multiple of this stream's cadence.
	if c.mustCheckpoint && c.checkpointDur == 0 {
		base := c.ctx.defaultCheckpointInterval
		n := (int64(base) + int64(c.slide) - 1) / int64(c.slide)
		if n < 1 {
			n = 1
		}
		c.checkpointDur = c.slide.Times(n)
		if c.storageLevel == StorageNone {
			c.storageLevel = StorageMemorySerialized
		}
		c.log.Info().
			Str("interval", c.checkpointDur.String()).
			Msg("derived default checkpoint interval")
	}

	// Raise remember to the minimum that keeps batches alive long enough:
	// one slide for the consuming job, and twice the checkpoint interval so
	// the latest checkpoint is never evicted before it is superseded.
	minRemember := c.slide
	if c.checkpointDur > 0 {
		minRemember = maxDuration(minRemember, c.checkpointDur.Times(2))
	}
	c.Remember(minRemember)
	return nil
}

// validate re-checks every invariant. A failure means the graph is
// misconfigured and must not run; nothing here is recoverable.
func (c *StreamCore) validate() error {
	if !c.initialized {
		return fmt.Errorf("%w: %s", ErrNotInitialized, c.describe())
	}
	if c.remember < c.slide {
		return fmt.Errorf("%w: %s remember duration %s below slide duration %s",
			ErrInvalidConfiguration, c.describe(), c.remember, c.slide)
	}
	if c.checkpointDur > 0 {
		if !c.checkpointDur.IsMultipleOf(c.slide) {
			return fmt.Errorf("%w: %s checkpoint interval %s not a multiple of slide duration %s",
				ErrInvalidConfiguration, c.describe(), c.checkpointDur, c.slide)
		}
		if c.ctx.checkpointDir == "" {
			return fmt.Errorf("%w: %s requires checkpointing but the context has no checkpoint directory",
				ErrInvalidConfiguration, c.describe())
		}
		if c.storageLevel == StorageNone {
			return fmt.Errorf("%w: %s has a checkpoint interval but no storage level, call Persist first",
				ErrInvalidConfiguration, c.describe())
		}
		if c.remember < c.checkpointDur.Times(2) {
			return fmt.Errorf("%w: %s remember duration %s must be at least twice the checkpoint interval %s",
				ErrInvalidConfiguration, c.describe(), c.remember, c.checkpointDur)
		}
	}
	if c.mustCheckpoint && c.checkpointDur == 0 {
		return fmt.Errorf("%w: %s must checkpoint but has no checkpoint interval",
			ErrInvalidConfiguration, c.describe())
	}
	if ceiling := c.ctx.retentionCeiling; ceiling > 0 && c.remember > ceiling {
		return fmt.Errorf("%w: %s remember duration %s exceeds the metadata retention ceiling %s",
			ErrInvalidConfiguration, c.describe(), c.remember, ceiling)
	}
	return nil
}

// IsTimeValid reports whether t is an instant this stream produces output
// for: after the zero time and aligned to the slide duration. Invalid
// instants are scheduling skips, never errors.
func (c *StreamCore) IsTimeValid(t Time) bool {
	if !c.initialized {
		return false
	}
	return t.After(c.zeroTime) && t.Sub(c.zeroTime).IsMultipleOf(c.slide)
}

// GetOrCompute returns the batch for t, computing and caching it on first
// request. At most one computation happens per (stream, instant) for the
// lifetime of the cache entry; recomputation is only possible after eviction.
// Returns (nil, nil) for time-invalid instants and legitimate absences.
func (c *StreamCore) GetOrCompute(t Time) (Batch, error) {
	if b, ok := c.generated[t]; ok {
		return b, nil
	}
	if !c.IsTimeValid(t) {
		c.log.Debug().Str("time", t.String()).Msg("skipping time-invalid instant")
		return nil, nil
	}

	b, err := c.owner.Compute(t)
	if err != nil {
		// A failed computation must not poison the cache.
		return nil, fmt.Errorf("compute %s at %s: %w", c.describe(), t, err)
	}
	if b == nil {
		return nil, nil
	}

	engine := c.ctx.engine
	if c.storageLevel != StorageNone {
		engine.Persist(b, c.storageLevel)
	}
	if c.checkpointDur > 0 && t.Sub(c.zeroTime).IsMultipleOf(c.checkpointDur) {
		c.log.Debug().Str("time", t.String()).Msg("marking batch for checkpoint")
		engine.MarkForCheckpoint(b)
	}
	c.generated[t] = b
	return b, nil
}

// generateJob wraps the batch for t into a job that forces its evaluation.
// Kinds implementing JobGenerator replace the no-op action with their own.
func (c *StreamCore) generateJob(t Time) (*Job, error) {
	b, err := c.GetOrCompute(t)
	if err != nil || b == nil {
		return nil, err
	}
	engine := c.ctx.engine
	return NewJob(t, func() error {
		return engine.Run(b, func(Batch) error { return nil })
	}), nil
}

// Slice returns the batches produced for instants in [from, to], stepped by
// the slide duration. Misaligned bounds are floored with a warning, and
// instants at or before the zero time are skipped. Instants with no cached
// batch are computed on demand.
func (c *StreamCore) Slice(from, to Time) ([]Batch, error) {
	if !c.initialized {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, c.describe())
	}
	alignedFrom := c.zeroTime.Add(from.Sub(c.zeroTime).floorTo(c.slide))
	alignedTo := c.zeroTime.Add(to.Sub(c.zeroTime).floorTo(c.slide))
	if alignedFrom != from || alignedTo != to {
		c.log.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Str("slide", c.slide.String()).
			Msg("slice bounds not aligned to slide duration, flooring")
	}

	var out []Batch
	for _, t := range alignedFrom.Range(alignedTo, c.slide) {
		if !t.After(c.zeroTime) {
			continue
		}
		b, err := c.GetOrCompute(t)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, b)
		}
	}
	return out, nil
}

// floorTo rounds a duration down to a multiple of step with true floor
// semantics, mirroring Time.Floor for span arithmetic.
func (d Duration) floorTo(step Duration) Duration {
	r := int64(d) % int64(step)
	if r < 0 {
		r += int64(step)
	}
	return d - Duration(r)
}

// clearOldMetadata evicts every cache entry older than the remember horizon.
// This is the only eviction path; the driving clock must call it once per
// tick, after job generation for that tick.
func (c *StreamCore) clearOldMetadata(t Time) {
	horizon := t.Add(-c.remember)
	evicted := 0
	for key := range c.generated {
		if !key.After(horizon) {
			delete(c.generated, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.log.Debug().
			Int("evicted", evicted).
			Str("horizon", horizon.String()).
			Msg("cleared old batches")
	}
}

// updateCheckpointData refreshes the stream's checkpoint record from the
// cache: every cached batch that completed a durable write contributes its
// reference, and entries behind the remember horizon are pruned.
func (c *StreamCore) updateCheckpointData(t Time) error {
	if c.checkpointDur == 0 {
		return nil
	}
	engine := c.ctx.engine
	for bt, b := range c.generated {
		ref, ok := engine.CheckpointRef(b)
		if !ok && bt.Sub(c.zeroTime).IsMultipleOf(c.checkpointDur) {
			// A marked batch only reaches durable storage when it is run.
			// Jobs force their own target, not every checkpointed ancestor,
			// so flush stragglers here, after the tick's jobs completed.
			if err := engine.Run(b, func(Batch) error { return nil }); err != nil {
				return fmt.Errorf("write checkpoint batch for %s at %s: %w", c.describe(), bt, err)
			}
			ref, ok = engine.CheckpointRef(b)
		}
		if ok {
			c.checkpoint.put(bt, ref)
		}
	}
	c.checkpoint.prune(t.Add(-c.remember))

	if ext, ok := c.owner.(CheckpointExtender); ok {
		extra, err := ext.CaptureCheckpointExtra()
		if err != nil {
			return fmt.Errorf("capture checkpoint extra for %s: %w", c.describe(), err)
		}
		c.checkpoint.extra = extra
	}
	return nil
}

// restoreCheckpointData repopulates the output cache from the durable
// references in the checkpoint record.
func (c *StreamCore) restoreCheckpointData() error {
	engine := c.ctx.engine
	for bt, ref := range c.checkpoint.files {
		b, err := engine.Recover(ref)
		if err != nil {
			return fmt.Errorf("restore %s at %s: %w", c.describe(), bt, err)
		}
		c.generated[bt] = b
	}
	if len(c.checkpoint.files) > 0 {
		c.log.Info().Int("batches", len(c.checkpoint.files)).Msg("restored checkpointed batches")
	}

	if ext, ok := c.owner.(CheckpointExtender); ok && c.checkpoint.extra != nil {
		if err := ext.RestoreCheckpointExtra(c.checkpoint.extra); err != nil {
			return fmt.Errorf("restore checkpoint extra for %s: %w", c.describe(), err)
		}
	}
	return nil
}

// streamConfig is the serialized shape of a stream's static configuration
// inside a graph snapshot.
type streamConfig struct {
	ID             string
	Kind           string
	Slide          Duration
	Remember       Duration
	StorageLevel   StorageLevel
	CheckpointDur  Duration
	DependencyIDs  []string
	CheckpointData checkpointSnapshot
}

func (c *StreamCore) snapshot() streamConfig {
	depIDs := make([]string, len(c.deps))
	for i, d := range c.deps {
		depIDs[i] = d.Core().id
	}
	return streamConfig{
		ID:             c.id,
		Kind:           c.kind,
		Slide:          c.slide,
		Remember:       c.remember,
		StorageLevel:   c.storageLevel,
		CheckpointDur:  c.checkpointDur,
		DependencyIDs:  depIDs,
		CheckpointData: c.checkpoint.snapshot(),
	}
}

// GobEncode is the serialization guard. Only the owning graph, during an
// explicit checkpoint pass, may serialize a stream; any other attempt fails
// immediately so a closure-capture mistake surfaces at definition time
// instead of as a silently bloated computation.
func (c *StreamCore) GobEncode() ([]byte, error) {
	if c.graph == nil || !c.graph.checkpointAuthorized() {
		return nil, fmt.Errorf("%w: %s", ErrIllegalCapture, c.describe())
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c.snapshot()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode exists for symmetry with GobEncode; decoded state is applied by
// the graph's restore pass, which matches snapshots to rebuilt streams by ID.
func (c *StreamCore) GobDecode(data []byte) error {
	var cfg streamConfig
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
		return err
	}
	return c.applySnapshot(cfg)
}

func (c *StreamCore) applySnapshot(cfg streamConfig) error {
	if cfg.Kind != c.kind || cfg.Slide != c.slide {
		return fmt.Errorf("%w: snapshot %q is a %s stream at %s, graph has a %s stream at %s",
			ErrCheckpointMismatch, cfg.ID, cfg.Kind, cfg.Slide, c.kind, c.slide)
	}
	c.Remember(cfg.Remember)
	if cfg.StorageLevel != StorageNone {
		c.storageLevel = cfg.StorageLevel
	}
	if cfg.CheckpointDur > 0 {
		c.checkpointDur = cfg.CheckpointDur
	}
	c.checkpoint.apply(cfg.CheckpointData)
	return nil
}
