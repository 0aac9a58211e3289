//go:build unix

package events

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrJournalLocked is wrapped when another process holds the journal.
var ErrJournalLocked = errors.New("journal is locked by another process")

// writerLock is an exclusive flock on <journal>.lock holding the owner pid.
type writerLock struct {
	path string
	file *os.File
}

func acquireWriterLock(path string) (*writerLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrJournalLocked, path, err)
	}

	fail := func(step string, err error) (*writerLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write pid to", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	return &writerLock{path: path, file: f}, nil
}

func (l *writerLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	os.Remove(l.path)
	l.file = nil
	return nil
}
