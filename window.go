package dstreams

import "fmt"

type windowedStream struct {
	*StreamCore
	windowDur Duration
}

// Window derives a sliding-window stream: its batch at instant t is the
// union of the parent's batches over [t - windowDur + parentSlide, t]. Both
// durations must be positive multiples of the parent's slide duration; the
// derived stream produces at slideDur, not at the parent's cadence.
func Window(parent Stream, windowDur, slideDur Duration) (Stream, error) {
	pSlide := parent.Core().SlideDuration()
	if windowDur <= 0 || !windowDur.IsMultipleOf(pSlide) {
		return nil, fmt.Errorf("%w: window duration %s must be a positive multiple of parent slide duration %s",
			ErrInvalidConfiguration, windowDur, pSlide)
	}
	if slideDur <= 0 || !slideDur.IsMultipleOf(pSlide) {
		return nil, fmt.Errorf("%w: window slide duration %s must be a positive multiple of parent slide duration %s",
			ErrInvalidConfiguration, slideDur, pSlide)
	}
	s := &windowedStream{windowDur: windowDur}
	s.StreamCore = newCore(s, "windowed", slideDur, []Stream{parent})
	return s, nil
}

// MustWindow is like Window but panics on error.
func MustWindow(parent Stream, windowDur, slideDur Duration) Stream {
	s, err := Window(parent, windowDur, slideDur)
	if err != nil {
		panic(err)
	}
	return s
}

// WindowInterval returns the parent-batch span the window covers at t.
func (s *windowedStream) WindowInterval(t Time) Interval {
	pSlide := s.Core().deps[0].Core().SlideDuration()
	return Interval{Begin: t.Add(pSlide - s.windowDur), End: t}
}

// ParentRememberDuration requests retention from the parent covering the full
// window span on top of this stream's own remember duration.
func (s *windowedStream) ParentRememberDuration() Duration {
	return s.Core().RememberDuration() + s.windowDur
}

func (s *windowedStream) Compute(t Time) (Batch, error) {
	iv := s.WindowInterval(t)
	batches, err := s.Core().deps[0].Core().Slice(iv.Begin, iv.End)
	if err != nil {
		return nil, err
	}
	// A window over an empty span is an empty batch, not an absence: the
	// window instant itself did occur.
	return s.Core().ctx.engine.Union(batches...), nil
}
