package dstreams

// StorageLevel describes how the batch engine should cache a produced batch.
// The core only passes it through; the engine decides what each level means.
type StorageLevel int

const (
	StorageNone StorageLevel = iota
	StorageMemory
	StorageMemorySerialized
	StorageMemoryAndDisk
	StorageDisk
)

func (l StorageLevel) String() string {
	switch l {
	case StorageNone:
		return "none"
	case StorageMemory:
		return "memory"
	case StorageMemorySerialized:
		return "memory_serialized"
	case StorageMemoryAndDisk:
		return "memory_and_disk"
	case StorageDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Batch is the opaque unit produced by one node at one instant. It is owned
// by the batch engine; streams hold references in their per-instant cache but
// never manage its internal representation.
//
// The transformation methods are lazy projections - they describe derived
// batches, the engine materializes them when a job runs.
type Batch interface {
	Map(fn func(any) any) Batch
	Filter(fn func(any) bool) Batch
	FlatMap(fn func(any) []any) Batch
	// Glom coalesces every partition into a single slice element.
	Glom() Batch
	MapPartitions(fn func([]any) []any) Batch

	// Reduce folds all elements with fn. The second return is false when the
	// batch is empty.
	Reduce(fn func(a, b any) any) (any, bool)
	Collect() []any
	Count() int64
}

// Engine is the per-batch parallel execution engine the core delegates heavy
// work to. The core never inspects batch contents; it only asks the engine to
// build, combine, persist, checkpoint and run them.
type Engine interface {
	NewBatch(elems []any) Batch
	Empty() Batch
	Union(batches ...Batch) Batch

	// Persist instructs the engine to cache the batch at the given level.
	Persist(b Batch, level StorageLevel)

	// MarkForCheckpoint flags the batch for a durable write the next time it
	// is run. After the run, CheckpointRef reports the durable reference.
	MarkForCheckpoint(b Batch)
	CheckpointRef(b Batch) (string, bool)

	// Recover rebuilds a batch from a durable reference produced by an
	// earlier checkpoint write.
	Recover(ref string) (Batch, error)

	// Run materializes the batch by applying action to it.
	Run(b Batch, action func(Batch) error) error
}

// Job is a unit of deferred work produced for one instant. It carries no
// graph state beyond the closure, so running it cannot mutate the DAG.
type Job struct {
	Time Time
	fn   func() error
}

func NewJob(t Time, fn func() error) *Job {
	return &Job{Time: t, fn: fn}
}

func (j *Job) Run() error {
	return j.fn()
}
