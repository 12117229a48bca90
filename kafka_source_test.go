package dstreams

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestKafkaSourceRecoveryStateRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	src := NewKafkaSource(ctx, []string{"localhost:9092"}, "events")

	src.nextOffsets = map[int32]int64{0: 42, 1: 7}
	src.ranges = map[Time]map[int32]offsetRange{
		1000: {0: {From: 40, To: 42}},
		2000: {1: {From: 5, To: 7}},
	}
	// Only instants still cached survive a capture.
	src.Core().generated[Time(1000)] = ctx.Engine().Empty()
	src.Core().generated[Time(2000)] = ctx.Engine().Empty()

	data, err := src.CaptureCheckpointExtra()
	assert.NoError(t, err)

	restored := NewKafkaSource(ctx, []string{"localhost:9092"}, "events")
	assert.NoError(t, restored.RestoreCheckpointExtra(data))

	assert.Equal(t, src.nextOffsets, restored.nextOffsets)
	assert.Equal(t, src.ranges, restored.ranges)
}

func TestKafkaSourceCapturePrunesEvictedInstants(t *testing.T) {
	ctx := newTestContext(t)
	src := NewKafkaSource(ctx, []string{"localhost:9092"}, "events")

	src.nextOffsets = map[int32]int64{0: 10}
	src.ranges = map[Time]map[int32]offsetRange{
		1000: {0: {From: 0, To: 5}},
		2000: {0: {From: 5, To: 10}},
	}
	// Only the 2s batch is still cached; the 1s range is stale bookkeeping.
	src.Core().generated[Time(2000)] = ctx.Engine().Empty()

	data, err := src.CaptureCheckpointExtra()
	assert.NoError(t, err)

	restored := NewKafkaSource(ctx, []string{"localhost:9092"}, "events")
	assert.NoError(t, restored.RestoreCheckpointExtra(data))

	_, ok := restored.ranges[Time(1000)]
	assert.False(t, ok)
	assert.Equal(t, offsetRange{From: 5, To: 10}, restored.ranges[Time(2000)][0])
}

func TestKafkaSourceRestoreRejectsGarbage(t *testing.T) {
	ctx := newTestContext(t)
	src := NewKafkaSource(ctx, []string{"localhost:9092"}, "events")
	assert.Error(t, src.RestoreCheckpointExtra([]byte("not a snapshot")))
}

func TestKafkaSourceOptions(t *testing.T) {
	ctx := newTestContext(t)
	src := NewKafkaSource(ctx, []string{"localhost:9092"}, "events",
		WithConsumerGroup("pipeline"),
		WithPollTimeout(100_000_000),
	)

	assert.Equal(t, "pipeline", src.group)
	assert.Equal(t, int64(100), src.pollTimeout.Milliseconds())
	assert.Equal(t, "kafka_source", src.Core().Kind())
	assert.Equal(t, ctx.BatchDuration(), src.Core().SlideDuration())
}

func TestKafkaSourceCloseWithoutClient(t *testing.T) {
	ctx := newTestContext(t)
	src := NewKafkaSource(ctx, []string{"localhost:9092"}, "events")
	assert.NoError(t, src.Close())
}
