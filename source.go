package dstreams

import "sync"

// QueueSource is an in-memory source stream fed by Push. Each valid instant
// consumes one queued slice of elements, in push order. Intended for tests
// and local runs; it produces at the context's batch cadence like any other
// source.
type QueueSource struct {
	*StreamCore

	mu    sync.Mutex
	queue [][]any
}

// NewQueueSource creates a queue-backed source on ctx.
func NewQueueSource(ctx *Context) *QueueSource {
	s := &QueueSource{}
	s.StreamCore = newCore(s, "queue_source", ctx.batchDuration, nil)
	// Sources are created on a context directly, before graph registration.
	_ = s.StreamCore.setContext(ctx)
	return s
}

// Push enqueues one batch worth of elements. Safe to call from any
// goroutine.
func (s *QueueSource) Push(elems ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, elems)
}

func (s *QueueSource) Compute(t Time) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		// No data for this instant - an absence, not an error.
		return nil, nil
	}
	elems := s.queue[0]
	s.queue = s.queue[1:]
	return s.Core().ctx.engine.NewBatch(elems), nil
}

// FuncSource is a source stream that asks a user function for each instant's
// elements. The function returns ok=false for instants with no data.
type FuncSource struct {
	*StreamCore
	fn func(t Time) (elems []any, ok bool)
}

// NewFuncSource creates a function-backed source on ctx.
func NewFuncSource(ctx *Context, fn func(t Time) ([]any, bool)) *FuncSource {
	s := &FuncSource{fn: fn}
	s.StreamCore = newCore(s, "func_source", ctx.batchDuration, nil)
	_ = s.StreamCore.setContext(ctx)
	return s
}

func (s *FuncSource) Compute(t Time) (Batch, error) {
	elems, ok := s.fn(t)
	if !ok {
		return nil, nil
	}
	return s.Core().ctx.engine.NewBatch(elems), nil
}
