package dstreams

import "fmt"

type reducedWindowedStream struct {
	*StreamCore
	windowDur Duration
	reduceFn  func(any, any) any
	invFn     func(any, any) any
}

// ReduceByWindow derives a sliding aggregate maintained incrementally: each
// window's value comes from the previous window's value, reducing in the
// batches that entered the window and inverse-reducing out the batches that
// fell off its trailing edge. reduceFn must be associative and invReduceFn
// its exact algebraic inverse over the element domain (sum/difference
// qualify, min/max do not).
//
// The derived stream always checkpoints: its value depends on the memoized
// previous window, so without a durable cut the recovery lineage grows
// without bound.
func ReduceByWindow[T any](parent Stream, reduceFn, invReduceFn func(T, T) T, windowDur, slideDur Duration) (Stream, error) {
	pSlide := parent.Core().SlideDuration()
	if windowDur <= 0 || !windowDur.IsMultipleOf(pSlide) {
		return nil, fmt.Errorf("%w: window duration %s must be a positive multiple of parent slide duration %s",
			ErrInvalidConfiguration, windowDur, pSlide)
	}
	if slideDur <= 0 || !slideDur.IsMultipleOf(pSlide) {
		return nil, fmt.Errorf("%w: window slide duration %s must be a positive multiple of parent slide duration %s",
			ErrInvalidConfiguration, slideDur, pSlide)
	}

	// Reducing each parent batch down to one element first keeps the edge
	// arithmetic cheap: window maintenance then only ever combines single
	// per-batch values.
	reduced := Reduce(parent, reduceFn)

	s := &reducedWindowedStream{
		windowDur: windowDur,
		reduceFn:  func(a, b any) any { return reduceFn(a.(T), b.(T)) },
		invFn:     func(a, b any) any { return invReduceFn(a.(T), b.(T)) },
	}
	s.StreamCore = newCore(s, "reduced_windowed", slideDur, []Stream{reduced})
	s.StreamCore.mustCheckpoint = true
	return s, nil
}

// MustReduceByWindow is like ReduceByWindow but panics on error.
func MustReduceByWindow[T any](parent Stream, reduceFn, invReduceFn func(T, T) T, windowDur, slideDur Duration) Stream {
	s, err := ReduceByWindow(parent, reduceFn, invReduceFn, windowDur, slideDur)
	if err != nil {
		panic(err)
	}
	return s
}

// ParentRememberDuration keeps the full window span of per-batch values
// available on the reduced parent.
func (s *reducedWindowedStream) ParentRememberDuration() Duration {
	return s.Core().RememberDuration() + s.windowDur
}

func (s *reducedWindowedStream) Compute(t Time) (Batch, error) {
	core := s.Core()
	reduced := core.deps[0].Core()
	pSlide := reduced.SlideDuration()
	slide := core.SlideDuration()

	curr := Interval{Begin: t.Add(pSlide - s.windowDur), End: t}
	prev := Interval{Begin: curr.Begin.Add(-slide), End: curr.End.Add(-slide)}

	// The previous window's value is pulled through the memoized path, so
	// converging requests and recovery both reuse it instead of recursing
	// further back.
	prevBatch, err := core.GetOrCompute(prev.End)
	if err != nil {
		return nil, err
	}

	var (
		acc  any
		have bool
	)
	if prevBatch != nil {
		if v, ok := prevBatch.Reduce(s.reduceFn); ok {
			acc, have = v, true
			// Inverse-reduce the batches that slid out of the window.
			oldBatches, err := reduced.Slice(prev.Begin, curr.Begin.Add(-pSlide))
			if err != nil {
				return nil, err
			}
			for _, ob := range oldBatches {
				if ov, ok := ob.Reduce(s.reduceFn); ok {
					acc = s.invFn(acc, ov)
				}
			}
		}
	}

	// Reduce in the batches that entered the window. When no previous
	// window exists this covers every in-window instant after the zero
	// time, so the first window is a direct computation.
	newBatches, err := reduced.Slice(prev.End.Add(pSlide), curr.End)
	if err != nil {
		return nil, err
	}
	for _, nb := range newBatches {
		nv, ok := nb.Reduce(s.reduceFn)
		if !ok {
			continue
		}
		if !have {
			acc, have = nv, true
			continue
		}
		acc = s.reduceFn(acc, nv)
	}

	engine := core.ctx.engine
	if !have {
		return engine.NewBatch(nil), nil
	}
	return engine.NewBatch([]any{acc}), nil
}
