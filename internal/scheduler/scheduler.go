// Package scheduler provides a keyed timer queue for deferred app events.
//
// The scheduler owns no goroutines and no clock: callers pass the current
// instant into every operation and drain due events from their own loop.
package scheduler

import (
	"sort"
	"time"
)

// Command is one of EmitNow, EmitAfter, Debounce or Cancel.
type Command[E any] interface {
	apply(s *Scheduler[E], now time.Time)
}

// EmitNow fires event on the next drain. Unkeyed entries are always distinct.
type EmitNow[E any] struct {
	Event E
}

// EmitAfter fires event after delay. A pending entry under Key is replaced.
type EmitAfter[E any] struct {
	Key   string
	Delay time.Duration
	Event E
}

// Debounce has the same replace-on-key mechanics as EmitAfter; the name
// marks the caller's intent of resetting an idle timer.
type Debounce[E any] struct {
	Key   string
	Delay time.Duration
	Event E
}

// Cancel removes the pending entry under Key, if any.
type Cancel[E any] struct {
	Key string
}

func (c EmitNow[E]) apply(s *Scheduler[E], now time.Time) {
	s.push("", now, c.Event)
}

func (c EmitAfter[E]) apply(s *Scheduler[E], now time.Time) {
	s.push(c.Key, now.Add(c.Delay), c.Event)
}

func (c Debounce[E]) apply(s *Scheduler[E], now time.Time) {
	s.push(c.Key, now.Add(c.Delay), c.Event)
}

func (c Cancel[E]) apply(s *Scheduler[E], _ time.Time) {
	s.remove(c.Key)
}

type entry[E any] struct {
	key      string
	deadline time.Time
	seq      uint64
	event    E
}

// Scheduler is a keyed delay map. It is not safe for concurrent use; the
// event loop owns it.
type Scheduler[E any] struct {
	entries []entry[E]
	seq     uint64
}

func New[E any]() *Scheduler[E] {
	return &Scheduler[E]{}
}

// Schedule applies cmd at instant now.
func (s *Scheduler[E]) Schedule(cmd Command[E], now time.Time) {
	cmd.apply(s, now)
}

// PollTimeout returns how long the caller may block before the earliest
// pending deadline, capped at limit.
func (s *Scheduler[E]) PollTimeout(now time.Time, limit time.Duration) time.Duration {
	if len(s.entries) == 0 {
		return limit
	}
	earliest := s.entries[0].deadline
	for _, e := range s.entries[1:] {
		if e.deadline.Before(earliest) {
			earliest = e.deadline
		}
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		return 0
	}
	if wait < limit {
		return wait
	}
	return limit
}

// DrainReady removes and returns every event whose deadline is at or before
// now, ordered by deadline and then by insertion.
func (s *Scheduler[E]) DrainReady(now time.Time) []E {
	var ready []entry[E]
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !e.deadline.After(now) {
			ready = append(ready, e)
		} else {
			kept = append(kept, e)
		}
	}
	clear(s.entries[len(kept):])
	s.entries = kept

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].deadline.Equal(ready[j].deadline) {
			return ready[i].seq < ready[j].seq
		}
		return ready[i].deadline.Before(ready[j].deadline)
	})

	events := make([]E, len(ready))
	for i, e := range ready {
		events[i] = e.event
	}
	return events
}

// Len returns the number of pending entries.
func (s *Scheduler[E]) Len() int {
	return len(s.entries)
}

// Pending reports whether an entry is pending under key.
func (s *Scheduler[E]) Pending(key string) bool {
	if key == "" {
		return false
	}
	for _, e := range s.entries {
		if e.key == key {
			return true
		}
	}
	return false
}

func (s *Scheduler[E]) push(key string, deadline time.Time, event E) {
	s.seq++
	if key != "" {
		s.remove(key)
	}
	s.entries = append(s.entries, entry[E]{key: key, deadline: deadline, seq: s.seq, event: event})
}

func (s *Scheduler[E]) remove(key string) {
	if key == "" {
		return
	}
	for i, e := range s.entries {
		if e.key == key {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}
