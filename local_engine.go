package dstreams

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// LocalEngine is an in-process reference implementation of Engine. Batches
// are partitioned slices held in memory; durable checkpoints are gob files
// under the engine's checkpoint directory.
//
// Element values cross a gob boundary as interface values, so concrete
// element types must be registered with RegisterElementType before a batch
// written by another process can be recovered. Within one process the write
// path registers types as it encounters them.
type LocalEngine struct {
	dir         string
	parallelism int
	seq         atomic.Int64

	regMu      sync.Mutex
	registered map[string]struct{}
}

// LocalEngineOption configures a LocalEngine.
type LocalEngineOption func(*LocalEngine)

// WithParallelism sets the number of partitions new batches are split into.
var WithParallelism = func(n int) LocalEngineOption {
	return func(e *LocalEngine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// NewLocalEngine creates a local engine. checkpointDir may be empty if no
// stream in the graph checkpoints.
func NewLocalEngine(checkpointDir string, opts ...LocalEngineOption) *LocalEngine {
	e := &LocalEngine{
		dir:         checkpointDir,
		parallelism: 4,
		registered:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterElementType registers a concrete element type for gob transport.
// Needed before Recover can read checkpoints written by another process.
func (e *LocalEngine) RegisterElementType(v any) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	name := fmt.Sprintf("%T", v)
	if _, ok := e.registered[name]; ok {
		return
	}
	gob.Register(v)
	e.registered[name] = struct{}{}
}

func (e *LocalEngine) NewBatch(elems []any) Batch {
	// Contiguous split keeps Collect in input order, which downstream
	// consumers rely on for deterministic output.
	parts := make([][]any, 0, e.parallelism)
	per := (len(elems) + e.parallelism - 1) / e.parallelism
	for start := 0; start < len(elems); start += per {
		end := start + per
		if end > len(elems) {
			end = len(elems)
		}
		parts = append(parts, elems[start:end])
	}
	return &memBatch{engine: e, parts: parts, done: true}
}

func (e *LocalEngine) Empty() Batch {
	return &memBatch{engine: e, parts: nil, done: true}
}

func (e *LocalEngine) Union(batches ...Batch) Batch {
	deps := make([]*memBatch, len(batches))
	for i, b := range batches {
		deps[i] = b.(*memBatch)
	}
	return &memBatch{engine: e, parents: deps, produce: func() [][]any {
		var parts [][]any
		for _, d := range deps {
			parts = append(parts, d.materialize()...)
		}
		return parts
	}}
}

func (e *LocalEngine) Persist(b Batch, level StorageLevel) {
	// The local engine keeps everything in memory anyway; persisting just
	// forces materialization so repeated consumers share the result.
	if level != StorageNone {
		b.(*memBatch).materialize()
	}
}

func (e *LocalEngine) MarkForCheckpoint(b Batch) {
	mb := b.(*memBatch)
	mb.mu.Lock()
	mb.marked = true
	mb.mu.Unlock()
}

func (e *LocalEngine) CheckpointRef(b Batch) (string, bool) {
	mb := b.(*memBatch)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.ref, mb.ref != ""
}

func (e *LocalEngine) Run(b Batch, action func(Batch) error) error {
	mb := b.(*memBatch)
	mb.materialize()

	if err := action(b); err != nil {
		return err
	}

	// After a successful run, write out every marked batch in the lineage.
	// Marked ancestors (e.g. a persisted source batch feeding a derived
	// one) are never themselves the job target, so the write has to cascade.
	return e.doCheckpoint(mb, map[*memBatch]struct{}{})
}

func (e *LocalEngine) doCheckpoint(mb *memBatch, seen map[*memBatch]struct{}) error {
	if _, ok := seen[mb]; ok {
		return nil
	}
	seen[mb] = struct{}{}

	for _, p := range mb.parents {
		if err := e.doCheckpoint(p, seen); err != nil {
			return err
		}
	}

	mb.mu.Lock()
	needWrite := mb.marked && mb.ref == ""
	mb.mu.Unlock()
	if !needWrite {
		return nil
	}

	ref, err := e.writeCheckpoint(mb)
	if err != nil {
		return fmt.Errorf("checkpoint batch: %w", err)
	}
	mb.mu.Lock()
	mb.ref = ref
	mb.mu.Unlock()
	return nil
}

func (e *LocalEngine) writeCheckpoint(mb *memBatch) (string, error) {
	if e.dir == "" {
		return "", fmt.Errorf("no checkpoint directory configured")
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint directory: %w", err)
	}

	parts := mb.materialize()
	for _, part := range parts {
		for _, el := range part {
			e.RegisterElementType(el)
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(parts); err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}

	path := filepath.Join(e.dir, fmt.Sprintf("batch-%d.gob", e.seq.Add(1)))
	if err := atomicWriteFile(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

func (e *LocalEngine) Recover(ref string) (Batch, error) {
	f, err := os.Open(ref)
	if err != nil {
		return nil, fmt.Errorf("open batch checkpoint: %w", err)
	}
	defer f.Close()

	var parts [][]any
	if err := gob.NewDecoder(f).Decode(&parts); err != nil {
		return nil, fmt.Errorf("decode batch checkpoint %s: %w", ref, err)
	}
	b := &memBatch{engine: e, parts: parts, done: true, ref: ref}
	return b, nil
}

// memBatch is a lazily-materialized partitioned slice. Transformations build
// derived batches that pull from their parent on first materialization.
type memBatch struct {
	engine  *LocalEngine
	parents []*memBatch
	produce func() [][]any

	mu     sync.Mutex
	parts  [][]any
	done   bool
	marked bool
	ref    string
}

func (b *memBatch) materialize() [][]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.done {
		b.parts = b.produce()
		b.done = true
		b.produce = nil
	}
	return b.parts
}

func (b *memBatch) derive(fn func(part []any) []any) Batch {
	return &memBatch{engine: b.engine, parents: []*memBatch{b}, produce: func() [][]any {
		src := b.materialize()
		out := make([][]any, len(src))
		for i, part := range src {
			out[i] = fn(part)
		}
		return out
	}}
}

func (b *memBatch) Map(fn func(any) any) Batch {
	return b.derive(func(part []any) []any {
		out := make([]any, len(part))
		for i, el := range part {
			out[i] = fn(el)
		}
		return out
	})
}

func (b *memBatch) Filter(fn func(any) bool) Batch {
	return b.derive(func(part []any) []any {
		var out []any
		for _, el := range part {
			if fn(el) {
				out = append(out, el)
			}
		}
		return out
	})
}

func (b *memBatch) FlatMap(fn func(any) []any) Batch {
	return b.derive(func(part []any) []any {
		var out []any
		for _, el := range part {
			out = append(out, fn(el)...)
		}
		return out
	})
}

func (b *memBatch) Glom() Batch {
	return b.derive(func(part []any) []any {
		cp := make([]any, len(part))
		copy(cp, part)
		return []any{cp}
	})
}

func (b *memBatch) MapPartitions(fn func([]any) []any) Batch {
	return b.derive(fn)
}

func (b *memBatch) Reduce(fn func(a, c any) any) (any, bool) {
	var acc any
	have := false
	for _, part := range b.materialize() {
		for _, el := range part {
			if !have {
				acc = el
				have = true
				continue
			}
			acc = fn(acc, el)
		}
	}
	return acc, have
}

func (b *memBatch) Collect() []any {
	var out []any
	for _, part := range b.materialize() {
		out = append(out, part...)
	}
	return out
}

func (b *memBatch) Count() int64 {
	var n int64
	for _, part := range b.materialize() {
		n += int64(len(part))
	}
	return n
}
