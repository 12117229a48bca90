package dstreams

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// dirLock holds an exclusive flock on a checkpoint directory, so two contexts
// never interleave snapshot and batch writes in one location. Advisory: it
// keeps out cooperating instances, not arbitrary writers.
type dirLock struct {
	path string
	file *os.File
}

func newDirLock(dir string) *dirLock {
	return &dirLock{path: filepath.Join(dir, ".lock")}
}

func (l *dirLock) acquire() error {
	if l.file != nil {
		return fmt.Errorf("%w: checkpoint directory lock already held", ErrAlreadyInitialized)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("lock checkpoint directory %s (is another instance running?): %w",
			filepath.Dir(l.path), err)
	}
	l.file = f
	return nil
}

func (l *dirLock) release() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release checkpoint directory lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	// Cleanup only; the lock itself is already gone.
	os.Remove(l.path)
	return nil
}
