package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fenrirz/dstreams"
	"github.com/fenrirz/dstreams/pkg/log"
)

// Consumes a Kafka topic and prints a windowed word count: each record value
// is split into words, counted per 10s window sliding every 2s.
func main() {
	logger := log.New()

	engine := dstreams.NewLocalEngine("/tmp/dstreams-wordcount")
	ctx, err := dstreams.New(engine, dstreams.Seconds(2),
		dstreams.WithCheckpointDir("/tmp/dstreams-wordcount"),
		dstreams.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("create context")
	}

	src := dstreams.NewKafkaSource(ctx, []string{"localhost:9092"}, "lines",
		dstreams.WithConsumerGroup("wordcount"),
	)
	defer src.Close()

	words := dstreams.FlatMap(src, func(value []byte) []string {
		return strings.Fields(string(value))
	})
	windowed := dstreams.MustWindow(words, dstreams.Seconds(10), dstreams.Seconds(2))

	sink := dstreams.ForEach(dstreams.Count(windowed), func(t dstreams.Time, b dstreams.Batch) error {
		for _, n := range dstreams.Elements[int64](b) {
			logger.Info().Str("time", t.String()).Int64("words", n).Msg("window count")
		}
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

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx.Stop()
}
