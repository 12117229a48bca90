package dstreams

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

// collector gathers every batch a pipeline produces, in tick order.
type collector struct {
	batches [][]any
	times   []Time
}

func newCollectSink(parent Stream) (Stream, *collector) {
	c := &collector{}
	sink := ForEach(parent, func(t Time, b Batch) error {
		c.batches = append(c.batches, b.Collect())
		c.times = append(c.times, t)
		return nil
	})
	return sink, c
}

// buildPipeline registers sink on ctx and initializes the graph at the epoch.
func buildPipeline(t *testing.T, ctx *Context, sink Stream) *Graph {
	t.Helper()
	assert.NoError(t, ctx.RegisterOutputStream(sink))
	g := ctx.Graph()
	assert.NoError(t, g.Initialize(Time(0)))
	assert.NoError(t, g.Validate())
	return g
}

func TestMap(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	sink, got := newCollectSink(Map(src, func(v int) int { return v * 2 }))
	g := buildPipeline(t, ctx, sink)

	src.Push(1, 2, 3)
	runTick(t, g, Time(1000))

	assert.Equal(t, [][]any{{2, 4, 6}}, got.batches)
}

func TestFilter(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	sink, got := newCollectSink(Filter(src, func(v int) bool { return v%2 == 0 }))
	g := buildPipeline(t, ctx, sink)

	src.Push(1, 2, 3, 4)
	runTick(t, g, Time(1000))

	assert.Equal(t, [][]any{{2, 4}}, got.batches)
}

func TestFlatMap(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	sink, got := newCollectSink(FlatMap(src, func(line string) []string {
		return strings.Fields(line)
	}))
	g := buildPipeline(t, ctx, sink)

	src.Push("to be", "or not to be")
	runTick(t, g, Time(1000))
	runTick(t, g, Time(2000))

	assert.Equal(t, [][]any{
		{"to", "be"},
		{"or", "not", "to", "be"},
	}, got.batches)
}

func TestGlom(t *testing.T) {
	ctx, err := New(NewLocalEngine(t.TempDir(), WithParallelism(2)), Seconds(1))
	assert.NoError(t, err)
	src := NewQueueSource(ctx)
	sink, got := newCollectSink(Glom(src))
	g := buildPipeline(t, ctx, sink)

	src.Push(1, 2, 3, 4)
	runTick(t, g, Time(1000))

	assert.Equal(t, 1, len(got.batches))
	assert.Equal(t, []any{[]any{1, 2}, []any{3, 4}}, got.batches[0])
}

func TestMapPartitions(t *testing.T) {
	ctx, err := New(NewLocalEngine(t.TempDir(), WithParallelism(2)), Seconds(1))
	assert.NoError(t, err)
	src := NewQueueSource(ctx)
	sink, got := newCollectSink(MapPartitions(src, func(part []any) []any {
		sum := 0
		for _, v := range part {
			sum += v.(int)
		}
		return []any{sum}
	}))
	g := buildPipeline(t, ctx, sink)

	src.Push(1, 2, 3, 4)
	runTick(t, g, Time(1000))

	assert.Equal(t, [][]any{{3, 7}}, got.batches)
}

func TestReduce(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	sink, got := newCollectSink(Reduce(src, func(a, b int) int { return a + b }))
	g := buildPipeline(t, ctx, sink)

	src.Push(1, 2, 3)
	src.Push()
	runTick(t, g, Time(1000))
	runTick(t, g, Time(2000))

	assert.Equal(t, 2, len(got.batches))
	assert.Equal(t, []any{6}, got.batches[0])
	assert.Zero(t, len(got.batches[1]), "reducing an empty batch yields an empty batch")
}

func TestCount(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	sink, got := newCollectSink(Count(src))
	g := buildPipeline(t, ctx, sink)

	src.Push("a", "b", "c")
	runTick(t, g, Time(1000))

	assert.Equal(t, [][]any{{int64(3)}}, got.batches)
}

func TestTransform(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	sink, got := newCollectSink(Transform(src, func(_ Time, b Batch) Batch {
		return b.Filter(func(v any) bool { return v.(int) > 1 })
	}))
	g := buildPipeline(t, ctx, sink)

	src.Push(1, 2, 3)
	runTick(t, g, Time(1000))

	assert.Equal(t, [][]any{{2, 3}}, got.batches)
}

func TestUnion(t *testing.T) {
	t.Run("merges parents per instant", func(t *testing.T) {
		ctx := newTestContext(t)
		a := NewQueueSource(ctx)
		b := NewQueueSource(ctx)
		sink, got := newCollectSink(MustUnion(a, b))
		g := buildPipeline(t, ctx, sink)

		a.Push(1, 2)
		b.Push(3)
		runTick(t, g, Time(1000))

		assert.Equal(t, [][]any{{1, 2, 3}}, got.batches)
	})

	t.Run("absent parent contributes nothing", func(t *testing.T) {
		ctx := newTestContext(t)
		a := NewQueueSource(ctx)
		b := NewQueueSource(ctx)
		sink, got := newCollectSink(MustUnion(a, b))
		g := buildPipeline(t, ctx, sink)

		a.Push(1)
		runTick(t, g, Time(1000))

		assert.Equal(t, [][]any{{1}}, got.batches)
	})

	t.Run("mismatched slide durations rejected", func(t *testing.T) {
		ctx := newTestContext(t)
		a := NewQueueSource(ctx)
		w := MustWindow(a, Seconds(2), Seconds(2))
		_, err := Union(a, w)
		assert.IsError(t, err, ErrInvalidConfiguration)
	})

	t.Run("empty union rejected", func(t *testing.T) {
		_, err := Union()
		assert.IsError(t, err, ErrInvalidConfiguration)
	})
}

func TestForEachSeesEveryTick(t *testing.T) {
	ctx := newTestContext(t)
	src := NewQueueSource(ctx)
	sink, got := newCollectSink(src)
	g := buildPipeline(t, ctx, sink)

	src.Push(1)
	runTick(t, g, Time(1000))
	runTick(t, g, Time(2000)) // empty queue, no job
	src.Push(2)
	runTick(t, g, Time(3000))

	assert.Equal(t, []Time{1000, 3000}, got.times)
	assert.Equal(t, [][]any{{1}, {2}}, got.batches)
}

func TestFuncSource(t *testing.T) {
	ctx := newTestContext(t)
	src := NewFuncSource(ctx, func(t Time) ([]any, bool) {
		if t == Time(2000) {
			return nil, false
		}
		return []any{int64(t)}, true
	})
	sink, got := newCollectSink(src)
	g := buildPipeline(t, ctx, sink)

	runTick(t, g, Time(1000))
	runTick(t, g, Time(2000))
	runTick(t, g, Time(3000))

	assert.Equal(t, [][]any{{int64(1000)}, {int64(3000)}}, got.batches)
}

func TestElements(t *testing.T) {
	e := NewLocalEngine(t.TempDir())
	b := e.NewBatch([]any{1, 2, 3})
	assert.Equal(t, []int{1, 2, 3}, Elements[int](b))
}
