//go:build !unix

package events

import "errors"

var ErrJournalLocked = errors.New("journal is locked by another process")

// writerLock is a no-op where flock is unavailable.
type writerLock struct{}

func acquireWriterLock(string) (*writerLock, error) { return &writerLock{}, nil }

func (*writerLock) release() error { return nil }
