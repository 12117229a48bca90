package main

import (
	"time"

	"github.com/fenrirz/dstreams"
	"github.com/fenrirz/dstreams/pkg/log"
)

// Feeds a queue source at the batch cadence and prints an incrementally
// maintained 3s sliding sum.
func main() {
	logger := log.New()

	engine := dstreams.NewLocalEngine("/tmp/dstreams-example")
	ctx, err := dstreams.New(engine, dstreams.Seconds(1),
		dstreams.WithCheckpointDir("/tmp/dstreams-example"),
		dstreams.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("create context")
	}

	src := dstreams.NewQueueSource(ctx)

	add := func(a, b int) int { return a + b }
	sub := func(a, b int) int { return a - b }
	sums := dstreams.MustReduceByWindow(src, add, sub, dstreams.Seconds(3), dstreams.Seconds(1))

	sink := dstreams.ForEach(sums, func(t dstreams.Time, b dstreams.Batch) error {
		logger.Info().
			Str("time", t.String()).
			Interface("window_sum", b.Collect()).
			Msg("window")
		return nil
	})
	if err := ctx.RegisterOutputStream(sink); err != nil {
		logger.Fatal().Err(err).Msg("register output")
	}

	if _, err := ctx.Restore(); err != nil {
		logger.Fatal().Err(err).Msg("restore checkpoint")
	}
	if err := ctx.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start context")
	}
	defer ctx.Stop()

	for i := 1; ; i++ {
		src.Push(i)
		time.Sleep(time.Second)
	}
}
