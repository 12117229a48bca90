package dstreams

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"golang.org/x/exp/maps"
)

// snapshotVersion is the graph snapshot format version. Bump on any change to
// the serialized shape.
const snapshotVersion = 1

// checkpointRecord is a stream's node-local record of durable checkpoint
// references, keyed by instant, plus any kind-specific recovery state (see
// CheckpointExtender).
type checkpointRecord struct {
	files map[Time]string
	extra []byte
}

func newCheckpointRecord() *checkpointRecord {
	return &checkpointRecord{files: map[Time]string{}}
}

func (r *checkpointRecord) put(t Time, ref string) {
	r.files[t] = ref
}

// prune drops references at or before the horizon. Superseded checkpoints
// are no longer needed for recovery once a newer one exists inside the
// remember window.
func (r *checkpointRecord) prune(horizon Time) {
	for t := range r.files {
		if !t.After(horizon) {
			delete(r.files, t)
		}
	}
}

// Times returns the recorded instants in ascending order.
func (r *checkpointRecord) times() []Time {
	ts := maps.Keys(r.files)
	slices.Sort(ts)
	return ts
}

// checkpointSnapshot is the serialized shape of a checkpointRecord.
type checkpointSnapshot struct {
	Files map[Time]string
	Extra []byte
}

func (r *checkpointRecord) snapshot() checkpointSnapshot {
	files := make(map[Time]string, len(r.files))
	maps.Copy(files, r.files)
	return checkpointSnapshot{Files: files, Extra: r.extra}
}

func (r *checkpointRecord) apply(s checkpointSnapshot) {
	for t, ref := range s.Files {
		r.files[t] = ref
	}
	if s.Extra != nil {
		r.extra = s.Extra
	}
}

// graphSnapshot is the durable image of a graph: the zero time, the static
// node configuration, and every node's checkpoint record. The DAG itself is
// rebuilt from user code on restart; the snapshot is matched to it by stream
// ID.
type graphSnapshot struct {
	Version       int
	ZeroTime      Time
	BatchDuration Duration
	Streams       []streamConfig
}

// snapshotPath is the graph snapshot location inside a checkpoint directory.
func snapshotPath(dir string) string {
	return filepath.Join(dir, "graph.snapshot")
}

// writeSnapshot persists the snapshot atomically: write to a temp file, fsync,
// rename, then fsync the directory so the rename survives a crash.
func writeSnapshot(dir string, snap graphSnapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode graph snapshot: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	return atomicWriteFile(snapshotPath(dir), buf.Bytes())
}

// readSnapshot loads a graph snapshot. Returns os.ErrNotExist if none was
// ever written, which callers treat as a cold start.
func readSnapshot(dir string) (graphSnapshot, error) {
	var snap graphSnapshot
	f, err := os.Open(snapshotPath(dir))
	if err != nil {
		return snap, err
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode graph snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return snap, fmt.Errorf("unknown graph snapshot version %d (expected %d)", snap.Version, snapshotVersion)
	}
	return snap, nil
}

// atomicWriteFile writes data to path through a temp file, fsyncing the file
// and its directory before and after the rename.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}

	// Without the directory fsync the rename itself may be lost on crash.
	if runtime.GOOS != "windows" {
		dir, err := os.Open(filepath.Dir(path))
		if err != nil {
			return fmt.Errorf("open directory for fsync: %w", err)
		}
		defer dir.Close()
		if err := dir.Sync(); err != nil {
			return fmt.Errorf("fsync directory: %w", err)
		}
	}
	return nil
}
