// Package runstate tracks per-task run bookkeeping: run identities, the set
// of in-flight runs and the data the rerun policy is evaluated against.
package runstate

import (
	"time"

	"github.com/msageha/formtask/internal/model"
)

// State is the bookkeeping for one task. It is owned by the orchestrator and
// never shared across goroutines.
type State struct {
	nextRunID          uint64
	running            map[uint64]struct{}
	lastStartedRunID   uint64
	hasLastStarted     bool
	lastFingerprint    model.Fingerprint
	hasLastFingerprint bool
	lastStartedAt      time.Time
	lastFinishedAt     time.Time
}

func NewState() *State {
	return &State{
		nextRunID: 1,
		running:   make(map[uint64]struct{}),
	}
}

// NextRunID returns a fresh run id. Ids start at 1 and strictly increase.
func (s *State) NextRunID() uint64 {
	id := s.nextRunID
	s.nextRunID++
	return id
}

func (s *State) OnStarted(runID uint64, now time.Time, fp model.Fingerprint, hasFP bool) {
	s.running[runID] = struct{}{}
	s.lastStartedRunID = runID
	s.hasLastStarted = true
	s.lastFingerprint = fp
	s.hasLastFingerprint = hasFP
	s.lastStartedAt = now
}

func (s *State) OnFinished(runID uint64, now time.Time) {
	delete(s.running, runID)
	s.lastFinishedAt = now
}

func (s *State) IsRunning() bool {
	return len(s.running) > 0
}

func (s *State) RunningCount() int {
	return len(s.running)
}

// LastStartedRunID returns the most recently started run id, finished or
// not. ok is false before the first start.
func (s *State) LastStartedRunID() (id uint64, ok bool) {
	return s.lastStartedRunID, s.hasLastStarted
}

func (s *State) LastStartedAt() time.Time  { return s.lastStartedAt }
func (s *State) LastFinishedAt() time.Time { return s.lastFinishedAt }

// ShouldStart evaluates policy against the recorded history without
// mutating it.
func (s *State) ShouldStart(policy model.RerunPolicy, now time.Time, fp model.Fingerprint, hasFP bool) bool {
	switch policy.Mode {
	case model.RerunAlways, "":
		return true
	case model.RerunSkipUnchanged:
		if !hasFP || !s.hasLastFingerprint {
			return true
		}
		return fp != s.lastFingerprint
	case model.RerunThrottle:
		if !s.hasLastStarted {
			return true
		}
		return now.Sub(s.lastStartedAt) >= policy.MinInterval
	default:
		return true
	}
}

// Tracker maps task ids to their State, creating entries on first use.
type Tracker struct {
	states map[model.TaskID]*State
}

func NewTracker() *Tracker {
	return &Tracker{states: make(map[model.TaskID]*State)}
}

func (t *Tracker) Get(id model.TaskID) *State {
	st, ok := t.states[id]
	if !ok {
		st = NewState()
		t.states[id] = st
	}
	return st
}

// Lookup returns the state for id without creating it.
func (t *Tracker) Lookup(id model.TaskID) (*State, bool) {
	st, ok := t.states[id]
	return st, ok
}
