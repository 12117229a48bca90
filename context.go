package dstreams

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Context is the driving context of one stream graph: it owns the batch
// engine, the batch cadence, the checkpoint location and the global retention
// policy, and it runs the clock once started.
type Context struct {
	engine        Engine
	batchDuration Duration

	checkpointDir             string
	defaultCheckpointInterval Duration
	retentionCeiling          Duration
	jobConcurrency            int

	log   zerolog.Logger
	graph *Graph
	sched *scheduler
	lock  *dirLock
}

// Option is a function that configures a Context.
type Option func(*Context)

// WithCheckpointDir sets the durable checkpoint location. Without it,
// checkpointing anywhere in the graph is a validation error.
var WithCheckpointDir = func(dir string) Option {
	return func(c *Context) {
		c.checkpointDir = dir
	}
}

// WithLogger sets the logger for the context, graph and streams.
var WithLogger = func(log zerolog.Logger) Option {
	return func(c *Context) {
		c.log = log
	}
}

// WithDefaultCheckpointInterval tunes the interval derived for streams that
// must checkpoint but were not given an explicit one. The derived value is
// this default rounded up to a multiple of the stream's slide duration.
var WithDefaultCheckpointInterval = func(d Duration) Option {
	return func(c *Context) {
		c.defaultCheckpointInterval = d
	}
}

// WithRetentionCeiling caps every stream's remember duration. A stream
// requesting more retention than the ceiling fails validation; 0 means
// unlimited.
var WithRetentionCeiling = func(d Duration) Option {
	return func(c *Context) {
		c.retentionCeiling = d
	}
}

// WithJobConcurrency sets how many of one tick's jobs may run at once.
var WithJobConcurrency = func(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.jobConcurrency = n
		}
	}
}

// New creates a context around a batch engine with the given batch cadence.
func New(engine Engine, batchDuration Duration, opts ...Option) (*Context, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidConfiguration)
	}
	if batchDuration <= 0 {
		return nil, fmt.Errorf("%w: batch duration must be positive, got %s", ErrInvalidConfiguration, batchDuration)
	}
	c := &Context{
		engine:                    engine,
		batchDuration:             batchDuration,
		defaultCheckpointInterval: Seconds(10),
		jobConcurrency:            1,
		log:                       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.graph = newGraph(c)
	return c, nil
}

func (c *Context) Engine() Engine { return c.engine }

func (c *Context) BatchDuration() Duration { return c.batchDuration }

func (c *Context) CheckpointDir() string { return c.checkpointDir }

// Graph exposes the graph for manual driving; embedders that bring their own
// clock call GenerateJobs and ClearOldMetadata themselves.
func (c *Context) Graph() *Graph { return c.graph }

// RegisterOutputStream marks s as a tick-driven root of the graph.
func (c *Context) RegisterOutputStream(s Stream) error {
	return c.graph.RegisterOutputStream(s)
}

// Remember raises the retention of the whole graph, e.g. to keep batches
// queryable beyond what the operators themselves need.
func (c *Context) Remember(d Duration) {
	c.graph.Remember(d)
}

// Restore replays a previous run's checkpoint onto the rebuilt graph. Must be
// called after all outputs are registered and before Start. Returns false
// when no checkpoint exists.
func (c *Context) Restore() (bool, error) {
	return c.graph.RestoreFromCheckpoint()
}

// Start initializes and validates the graph, then starts the clock. The
// construction and lifecycle phases end here; registering streams or mutating
// configuration afterwards is an error.
func (c *Context) Start() error {
	if c.sched != nil {
		return fmt.Errorf("%w: context already started", ErrAlreadyInitialized)
	}
	if !c.graph.initialized {
		zero := Time(time.Now().UnixMilli()).Floor(c.batchDuration)
		if err := c.graph.Initialize(zero); err != nil {
			return err
		}
	}
	if err := c.graph.Validate(); err != nil {
		return err
	}
	if c.checkpointDir != "" {
		c.lock = newDirLock(c.checkpointDir)
		if err := c.lock.acquire(); err != nil {
			c.lock = nil
			return err
		}
	}
	c.sched = newScheduler(c)
	c.sched.start()
	return nil
}

// Stop halts the clock. The tick in flight, if any, completes first.
func (c *Context) Stop() {
	if c.sched != nil {
		c.sched.stop()
		c.sched = nil
	}
	if c.lock != nil {
		if err := c.lock.release(); err != nil {
			c.log.Warn().Err(err).Msg("release checkpoint directory lock")
		}
		c.lock = nil
	}
}
