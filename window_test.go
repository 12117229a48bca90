package dstreams

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestWindowValidation(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)

	tests := []struct {
		name   string
		window Duration
		slide  Duration
	}{
		{"window off the parent grid", Milliseconds(2500), Seconds(1)},
		{"slide off the parent grid", Seconds(2), Milliseconds(500)},
		{"zero window", 0, Seconds(1)},
		{"negative slide", Seconds(2), Seconds(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Window(src, tt.window, tt.slide)
			assert.IsError(t, err, ErrInvalidConfiguration)
		})
	}

	t.Run("valid multiples accepted", func(t *testing.T) {
		_, err := Window(src, Seconds(3), Seconds(1))
		assert.NoError(t, err)
	})
}

func TestWindowInterval(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	w := MustWindow(src, Seconds(3), Seconds(1)).(*windowedStream)

	iv := w.WindowInterval(Time(5000))
	assert.Equal(t, Time(3000), iv.Begin)
	assert.Equal(t, Time(5000), iv.End)
}

func TestWindowedSums(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	w := MustWindow(src, Seconds(3), Seconds(1))
	sink, got := newCollectSink(Reduce(w, func(a, b int) int { return a + b }))
	g := buildPipeline(t, ctx, sink)

	want := []any{1, 3, 6, 9, 12}
	for i := 1; i <= 5; i++ {
		src.Push(i)
		runTick(t, g, Time(int64(i)*1000))
	}

	assert.Equal(t, 5, len(got.batches))
	for i, batch := range got.batches {
		assert.Equal(t, []any{want[i]}, batch)
	}
}

func TestWindowOverEmptySpanIsEmptyBatch(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	w := MustWindow(src, Seconds(2), Seconds(1))
	sink, got := newCollectSink(w)
	g := buildPipeline(t, ctx, sink)

	runTick(t, g, Time(1000))

	// The parent produced nothing, but the window instant itself happened.
	assert.Equal(t, 1, len(got.batches))
	assert.Zero(t, len(got.batches[0]))
}

func TestWindowSlidesAtItsOwnCadence(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	w := MustWindow(src, Seconds(4), Seconds(2))
	sink, got := newCollectSink(w)
	g := buildPipeline(t, ctx, sink)

	for i := 1; i <= 4; i++ {
		src.Push(i)
		runTick(t, g, Time(int64(i)*1000))
	}

	// Only instants 2s and 4s are on the window's slide grid.
	assert.Equal(t, []Time{2000, 4000}, got.times)
	assert.Equal(t, []any{1, 2}, got.batches[0])
	assert.Equal(t, []any{1, 2, 3, 4}, got.batches[1])
}

func TestReduceByWindowValidation(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	add := func(a, b int) int { return a + b }
	sub := func(a, b int) int { return a - b }

	_, err := ReduceByWindow(src, add, sub, Milliseconds(1500), Seconds(1))
	assert.IsError(t, err, ErrInvalidConfiguration)

	_, err = ReduceByWindow(src, add, sub, Seconds(3), Milliseconds(500))
	assert.IsError(t, err, ErrInvalidConfiguration)
}

func TestReduceByWindowMustCheckpoint(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	add := func(a, b int) int { return a + b }
	sub := func(a, b int) int { return a - b }

	rw := MustReduceByWindow(src, add, sub, Seconds(3), Seconds(1))
	assert.NoError(t, ctx.RegisterOutputStream(discard(rw)))
	assert.NoError(t, ctx.Graph().Initialize(Time(0)))

	// Without a checkpoint directory the mandatory checkpoint cannot be
	// satisfied, so validation must fail rather than run unrecoverably.
	assert.IsError(t, ctx.Graph().Validate(), ErrInvalidConfiguration)
}

func TestReduceByWindowIncremental(t *testing.T) {
	ctx := newTestContext(t, WithCheckpointDir(t.TempDir()))
	src := NewQueueSource(ctx)
	add := func(a, b int) int { return a + b }
	sub := func(a, b int) int { return a - b }

	rw := MustReduceByWindow(src, add, sub, Seconds(3), Seconds(1))
	assert.NoError(t, rw.Core().Checkpoint(Seconds(1)))
	sink, got := newCollectSink(rw)
	g := buildPipeline(t, ctx, sink)

	want := []any{1, 3, 6, 9, 12}
	for i := 1; i <= 5; i++ {
		src.Push(i)
		runTick(t, g, Time(int64(i)*1000))
	}

	assert.Equal(t, 5, len(got.batches))
	for i, batch := range got.batches {
		assert.Equal(t, []any{want[i]}, batch)
	}
}

// The incremental path must be indistinguishable from brute-force windowing:
// same input, same windows, same values.
func TestReduceByWindowMatchesBruteForce(t *testing.T) {
	add := func(a, b int) int { return a + b }
	sub := func(a, b int) int { return a - b }
	input := []int{5, 3, 8, 1, 9, 4, 7, 2}

	run := func(t *testing.T, build func(ctx *Context, src Stream) Stream) [][]any {
		t.Helper()
		ctx := newTestContext(t, WithCheckpointDir(t.TempDir()))
		src := NewQueueSource(ctx)
		sink, got := newCollectSink(build(ctx, src))
		g := buildPipeline(t, ctx, sink)
		for i, v := range input {
			src.Push(v)
			runTick(t, g, Time(int64(i+1)*1000))
		}
		return got.batches
	}

	incremental := run(t, func(ctx *Context, src Stream) Stream {
		rw := MustReduceByWindow(src, add, sub, Seconds(4), Seconds(1))
		assert.NoError(t, rw.Core().Checkpoint(Seconds(1)))
		return rw
	})
	brute := run(t, func(ctx *Context, src Stream) Stream {
		return Reduce(MustWindow(src, Seconds(4), Seconds(1)), add)
	})

	assert.Equal(t, brute, incremental)
}

func TestReduceByWindowWithGaps(t *testing.T) {
	ctx := newTestContext(t, WithCheckpointDir(t.TempDir()))
	src := NewQueueSource(ctx)
	add := func(a, b int) int { return a + b }
	sub := func(a, b int) int { return a - b }

	rw := MustReduceByWindow(src, add, sub, Seconds(3), Seconds(1))
	assert.NoError(t, rw.Core().Checkpoint(Seconds(1)))
	sink, got := newCollectSink(rw)
	g := buildPipeline(t, ctx, sink)

	src.Push(1)
	runTick(t, g, Time(1000))
	runTick(t, g, Time(2000)) // no input this tick
	src.Push(3)
	runTick(t, g, Time(3000))
	runTick(t, g, Time(4000))
	runTick(t, g, Time(5000))
	runTick(t, g, Time(6000))

	// Windows: {1}, {1}, {1,3}, {3}, {3}, then fully drained. The drained
	// window keeps a value: the inverse path computes 3 - 3, it does not
	// forget the accumulator.
	assert.Equal(t, []Time{1000, 2000, 3000, 4000, 5000, 6000}, got.times)
	assert.Equal(t, []any{1}, got.batches[0])
	assert.Equal(t, []any{1}, got.batches[1])
	assert.Equal(t, []any{4}, got.batches[2])
	assert.Equal(t, []any{3}, got.batches[3])
	assert.Equal(t, []any{3}, got.batches[4])
	assert.Equal(t, []any{0}, got.batches[5])
}
