package dstreams

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// scheduler is the default clock: it advances in fixed ticks of the batch
// duration and, for each tick, generates jobs, runs them, refreshes
// checkpoint data and evicts expired metadata - in that order. At most one
// tick is ever in flight.
type scheduler struct {
	ctx *Context
	log zerolog.Logger

	lastTick Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func newScheduler(ctx *Context) *scheduler {
	return &scheduler{
		ctx:    ctx,
		log:    ctx.log.With().Str("component", "scheduler").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (s *scheduler) start() {
	go s.run()
}

func (s *scheduler) stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *scheduler) run() {
	defer close(s.doneCh)

	interval := time.Duration(s.ctx.batchDuration.Milliseconds()) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			t := Time(now.UnixMilli()).Floor(s.ctx.batchDuration)
			if !t.After(s.lastTick) {
				// Clock drift can fire two ticks inside one batch slot;
				// processing the same instant twice would violate the
				// one-tick-at-a-time contract downstream.
				continue
			}
			s.lastTick = t
			s.processTick(t)
		}
	}
}

func (s *scheduler) processTick(t Time) {
	g := s.ctx.graph

	jobs, err := g.GenerateJobs(t)
	if err != nil {
		s.log.Error().Err(err).Str("time", t.String()).Msg("job generation failed")
		return
	}

	var eg errgroup.Group
	eg.SetLimit(s.ctx.jobConcurrency)
	for _, job := range jobs {
		job := job
		eg.Go(func() error {
			return job.Run()
		})
	}
	if err := eg.Wait(); err != nil {
		s.log.Error().Err(err).Str("time", t.String()).Msg("job failed")
		// Bookkeeping still runs: a failed job must not wedge eviction or
		// checkpointing for the streams that did produce.
	}

	if err := g.UpdateCheckpointData(t); err != nil {
		s.log.Error().Err(err).Str("time", t.String()).Msg("checkpoint data update failed")
	}
	if s.ctx.checkpointDir != "" {
		if err := g.Checkpoint(); err != nil {
			s.log.Error().Err(err).Str("time", t.String()).Msg("graph checkpoint failed")
		}
	}

	// Eviction runs last so it can never outrun job generation for this
	// instant.
	g.ClearOldMetadata(t)
}
