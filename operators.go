package dstreams

import "fmt"

// Per-element operators follow the same pattern as source registration in a
// stream DSL: a generic constructor captures the typed user function in a
// closure over type-erased elements, and the resulting node carries no
// generic parameters. Element type mismatches therefore surface as panics at
// evaluation time, at the type-erasure boundary.

// Elements collects a batch into a typed slice. Convenience for sinks and
// tests.
func Elements[T any](b Batch) []T {
	raw := b.Collect()
	out := make([]T, len(raw))
	for i, v := range raw {
		out[i] = v.(T)
	}
	return out
}

type mappedStream struct {
	*StreamCore
	fn func(any) any
}

// Map derives a stream by applying fn to every element of every parent
// batch.
func Map[In, Out any](parent Stream, fn func(In) Out) Stream {
	s := &mappedStream{fn: func(v any) any { return fn(v.(In)) }}
	s.StreamCore = newCore(s, "mapped", parent.Core().SlideDuration(), []Stream{parent})
	return s
}

func (s *mappedStream) Compute(t Time) (Batch, error) {
	pb, err := s.Core().deps[0].Core().GetOrCompute(t)
	if err != nil || pb == nil {
		return nil, err
	}
	return pb.Map(s.fn), nil
}

type filteredStream struct {
	*StreamCore
	fn func(any) bool
}

// Filter derives a stream keeping only elements fn accepts.
func Filter[T any](parent Stream, fn func(T) bool) Stream {
	s := &filteredStream{fn: func(v any) bool { return fn(v.(T)) }}
	s.StreamCore = newCore(s, "filtered", parent.Core().SlideDuration(), []Stream{parent})
	return s
}

func (s *filteredStream) Compute(t Time) (Batch, error) {
	pb, err := s.Core().deps[0].Core().GetOrCompute(t)
	if err != nil || pb == nil {
		return nil, err
	}
	return pb.Filter(s.fn), nil
}

type flatMappedStream struct {
	*StreamCore
	fn func(any) []any
}

// FlatMap derives a stream by expanding every element into zero or more
// elements.
func FlatMap[In, Out any](parent Stream, fn func(In) []Out) Stream {
	s := &flatMappedStream{fn: func(v any) []any {
		typed := fn(v.(In))
		out := make([]any, len(typed))
		for i, el := range typed {
			out[i] = el
		}
		return out
	}}
	s.StreamCore = newCore(s, "flat_mapped", parent.Core().SlideDuration(), []Stream{parent})
	return s
}

func (s *flatMappedStream) Compute(t Time) (Batch, error) {
	pb, err := s.Core().deps[0].Core().GetOrCompute(t)
	if err != nil || pb == nil {
		return nil, err
	}
	return pb.FlatMap(s.fn), nil
}

type glommedStream struct {
	*StreamCore
}

// Glom derives a stream whose batches coalesce each partition into a single
// slice element.
func Glom(parent Stream) Stream {
	s := &glommedStream{}
	s.StreamCore = newCore(s, "glommed", parent.Core().SlideDuration(), []Stream{parent})
	return s
}

func (s *glommedStream) Compute(t Time) (Batch, error) {
	pb, err := s.Core().deps[0].Core().GetOrCompute(t)
	if err != nil || pb == nil {
		return nil, err
	}
	return pb.Glom(), nil
}

type partitionMappedStream struct {
	*StreamCore
	fn func([]any) []any
}

// MapPartitions derives a stream by transforming whole partitions at a time.
func MapPartitions(parent Stream, fn func([]any) []any) Stream {
	s := &partitionMappedStream{fn: fn}
	s.StreamCore = newCore(s, "partition_mapped", parent.Core().SlideDuration(), []Stream{parent})
	return s
}

func (s *partitionMappedStream) Compute(t Time) (Batch, error) {
	pb, err := s.Core().deps[0].Core().GetOrCompute(t)
	if err != nil || pb == nil {
		return nil, err
	}
	return pb.MapPartitions(s.fn), nil
}

type transformedStream struct {
	*StreamCore
	fn func(Time, Batch) Batch
}

// Transform derives a stream through an arbitrary batch-to-batch function,
// the escape hatch for operations the named operators do not cover.
func Transform(parent Stream, fn func(Time, Batch) Batch) Stream {
	s := &transformedStream{fn: fn}
	s.StreamCore = newCore(s, "transformed", parent.Core().SlideDuration(), []Stream{parent})
	return s
}

func (s *transformedStream) Compute(t Time) (Batch, error) {
	pb, err := s.Core().deps[0].Core().GetOrCompute(t)
	if err != nil || pb == nil {
		return nil, err
	}
	return s.fn(t, pb), nil
}

type reducedStream struct {
	*StreamCore
	fn func(any, any) any
}

// Reduce derives a stream whose batches hold the single fn-fold of each
// parent batch (empty when the parent batch is empty).
func Reduce[T any](parent Stream, fn func(T, T) T) Stream {
	s := &reducedStream{fn: func(a, b any) any { return fn(a.(T), b.(T)) }}
	s.StreamCore = newCore(s, "reduced", parent.Core().SlideDuration(), []Stream{parent})
	return s
}

func (s *reducedStream) Compute(t Time) (Batch, error) {
	pb, err := s.Core().deps[0].Core().GetOrCompute(t)
	if err != nil || pb == nil {
		return nil, err
	}
	engine := s.Core().ctx.engine
	v, ok := pb.Reduce(s.fn)
	if !ok {
		return engine.NewBatch(nil), nil
	}
	return engine.NewBatch([]any{v}), nil
}

type countStream struct {
	*StreamCore
}

// Count derives a stream whose batches hold the single element count of each
// parent batch.
func Count(parent Stream) Stream {
	s := &countStream{}
	s.StreamCore = newCore(s, "counted", parent.Core().SlideDuration(), []Stream{parent})
	return s
}

func (s *countStream) Compute(t Time) (Batch, error) {
	pb, err := s.Core().deps[0].Core().GetOrCompute(t)
	if err != nil || pb == nil {
		return nil, err
	}
	return s.Core().ctx.engine.NewBatch([]any{pb.Count()}), nil
}

type unionStream struct {
	*StreamCore
}

// Union derives a stream whose batch at each instant is the union of the
// parent batches present at that instant. All parents must share one slide
// duration.
func Union(streams ...Stream) (Stream, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: union of no streams", ErrInvalidConfiguration)
	}
	slide := streams[0].Core().SlideDuration()
	for _, p := range streams[1:] {
		if p.Core().SlideDuration() != slide {
			return nil, fmt.Errorf("%w: union parents have different slide durations (%s vs %s)",
				ErrInvalidConfiguration, slide, p.Core().SlideDuration())
		}
	}
	s := &unionStream{}
	s.StreamCore = newCore(s, "union", slide, streams)
	return s, nil
}

// MustUnion is like Union but panics on error.
func MustUnion(streams ...Stream) Stream {
	s, err := Union(streams...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *unionStream) Compute(t Time) (Batch, error) {
	var batches []Batch
	for _, dep := range s.Core().deps {
		pb, err := dep.Core().GetOrCompute(t)
		if err != nil {
			return nil, err
		}
		if pb != nil {
			batches = append(batches, pb)
		}
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return s.Core().ctx.engine.Union(batches...), nil
}

type forEachStream struct {
	*StreamCore
	fn func(Time, Batch) error
}

// ForEach creates a sink that applies fn to each produced batch. The sink is
// a stream like any other; register it as an output to have the clock drive
// it.
func ForEach(parent Stream, fn func(Time, Batch) error) Stream {
	s := &forEachStream{fn: fn}
	s.StreamCore = newCore(s, "sink", parent.Core().SlideDuration(), []Stream{parent})
	return s
}

func (s *forEachStream) Compute(t Time) (Batch, error) {
	return s.Core().deps[0].Core().GetOrCompute(t)
}

// GenerateJob wraps the sink's side effect instead of the default no-op
// materializing action.
func (s *forEachStream) GenerateJob(t Time) (*Job, error) {
	b, err := s.Core().GetOrCompute(t)
	if err != nil || b == nil {
		return nil, err
	}
	engine := s.Core().ctx.engine
	return NewJob(t, func() error {
		return engine.Run(b, func(b Batch) error { return s.fn(t, b) })
	}), nil
}
