package model

import (
	"sync"
	"sync/atomic"
	"time"
)

// IntervalSpec marks a request as a self-renewing periodic request.
type IntervalSpec struct {
	Key                string
	Every              time.Duration
	OnlyWhenStepActive bool
	StepID             string
}

type TaskRequest struct {
	TaskID         TaskID
	Fingerprint    Fingerprint
	HasFingerprint bool
	Interval       *IntervalSpec
}

// WithFingerprint returns a copy of r carrying fp.
func (r TaskRequest) WithFingerprint(fp Fingerprint) TaskRequest {
	r.Fingerprint = fp
	r.HasFingerprint = true
	return r
}

// CancelToken is a cooperative cancellation flag shared between the
// orchestrator and the worker executing an invocation.
type CancelToken struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the flag. It is safe to call more than once and from any
// goroutine.
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
	t.once.Do(func() { close(t.done) })
}

func (t *CancelToken) IsCancelled() bool {
	return t.cancelled.Load()
}

// Done is closed once Cancel has been called.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

type TaskInvocation struct {
	Spec           TaskSpec
	RunID          uint64
	Fingerprint    Fingerprint
	HasFingerprint bool
	Token          *CancelToken
}

type TaskCompletion struct {
	TaskID      TaskID
	RunID       uint64
	Assign      TaskAssign
	Concurrency ConcurrencyPolicy
	Value       Value
	StatusCode  *int
	Stdout      string
	Stderr      string
	Error       string
	Cancelled   bool
	Duration    time.Duration
}

// Failed reports whether the run produced an error.
func (c TaskCompletion) Failed() bool {
	return c.Error != ""
}
