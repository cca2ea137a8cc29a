package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a test Clock whose time only moves when Advance is called.
// AfterFunc callbacks run synchronously, in deadline order, from inside
// Advance — so a test can assert state immediately after Advance returns
// with no sleeping or polling required.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualEntry
}

type manualEntry struct {
	seq       uint64
	deadline  time.Time
	fn        func()
	fired     bool
	cancelled bool
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	m.seq++
	e := &manualEntry{seq: m.seq, deadline: m.now.Add(d), fn: fn}
	m.pending = append(m.pending, e)
	m.mu.Unlock()

	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e.fired {
			return false
		}
		e.cancelled = true
		return true
	}
}

// Advance moves the clock forward by d and synchronously runs, in
// deadline order (ties broken by scheduling order), every callback whose
// deadline is now at or before the new time and that hasn't been
// cancelled. A callback that itself schedules a new one (the manager
// chaining STAGING → RACING → ...) sees it picked up by a later Advance
// call, never by this one, since the due set is snapshotted up front.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	var due []*manualEntry
	var rest []*manualEntry
	for _, e := range m.pending {
		if !e.cancelled && !e.deadline.After(now) {
			due = append(due, e)
		} else if !e.fired {
			rest = append(rest, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	m.pending = rest
	m.mu.Unlock()

	for _, e := range due {
		m.mu.Lock()
		run := !e.cancelled
		e.fired = true
		m.mu.Unlock()
		if run {
			e.fn()
		}
	}
}
