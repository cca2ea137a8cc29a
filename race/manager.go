// Package race implements the Race Sequence Manager: the single-race
// wall-clock state machine that drives a scheduled race through
// staging, racing, optional overtime, and stopped, publishing an event
// at every transition.
package race

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/racewire/racecontrol/apperr"
	"github.com/racewire/racecontrol/clock"
	"github.com/racewire/racecontrol/event"
)

// Status is one state of the race sequence.
type Status string

const (
	Ready     Status = "READY"
	Scheduled Status = "SCHEDULED"
	Staging   Status = "STAGING"
	Racing    Status = "RACING"
	Overtime  Status = "OVERTIME"
	Stopped   Status = "STOPPED"
)

// Schedule describes the durations of one race's phases. All durations
// must be non-negative; Unlimited means the racing phase never
// auto-terminates (only an explicit StopRace ends it).
type Schedule struct {
	StageTime    time.Duration
	RaceTime     time.Duration
	OvertimeTime time.Duration
	Unlimited    bool
}

// Transition is the payload published with every race-sequence event.
type Transition struct {
	PreviousStatus     Status
	NewStatus          Status
	ScheduleReference  *Schedule
	MonotonicTimestamp time.Time
}

// Manager is the race sequence state machine. Zero value is not usable;
// construct with NewManager. All exported methods are safe for
// concurrent use.
type Manager struct {
	mu            sync.Mutex
	status        Status
	schedule      *Schedule
	assignedStart time.Time
	handle        clock.Token
	hasHandle     bool

	clock    *clock.Service
	bus      *event.Bus
	registry *event.Registry
	log      *zap.Logger
}

// NewManager constructs a Manager in the READY state.
func NewManager(c *clock.Service, bus *event.Bus, registry *event.Registry, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		status:   Ready,
		clock:    c,
		bus:      bus,
		registry: registry,
		log:      log,
	}
}

// Status returns the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns the current status, a copy of the active schedule (nil
// in READY; a race that reached STOPPED keeps the schedule it ran), and
// whether a transition is currently pending.
func (m *Manager) State() (Status, *Schedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sched *Schedule
	if m.schedule != nil {
		cp := *m.schedule
		sched = &cp
	}
	return m.status, sched, m.hasHandle
}

// ScheduleRace arranges for the race to begin staging at assignedStart.
// Requires the manager to be READY and assignedStart to be in the
// future; otherwise it fails with apperr.ErrInvalidState or
// apperr.ErrInvalidArgument respectively.
func (m *Manager) ScheduleRace(schedule Schedule, assignedStart time.Time) error {
	if schedule.StageTime < 0 || schedule.RaceTime < 0 || schedule.OvertimeTime < 0 {
		return fmt.Errorf("%w: schedule durations must be non-negative", apperr.ErrInvalidArgument)
	}

	m.mu.Lock()
	if m.status != Ready {
		m.mu.Unlock()
		return fmt.Errorf("%w: race sequence manager is %s, not READY", apperr.ErrInvalidState, m.status)
	}
	if !assignedStart.After(m.clock.Now()) {
		m.mu.Unlock()
		return fmt.Errorf("%w: assigned start %s is not after now", apperr.ErrInvalidArgument, assignedStart)
	}

	sched := schedule
	m.status = Scheduled
	m.schedule = &sched
	m.assignedStart = assignedStart
	m.handle = m.clock.ScheduleAt(assignedStart, m.onStage)
	m.hasHandle = true
	m.mu.Unlock()

	m.log.Info("race scheduled",
		zap.Time("assigned_start", assignedStart),
		zap.Duration("stage_time", schedule.StageTime),
		zap.Duration("race_time", schedule.RaceTime),
		zap.Duration("overtime_time", schedule.OvertimeTime),
		zap.Bool("unlimited", schedule.Unlimited))
	return nil
}

// StopRace cancels any pending transition. In READY or STOPPED it is a
// no-op; in SCHEDULED/STAGING it silently returns to READY; in
// RACING/OVERTIME it transitions to STOPPED and emits RACE_STOP.
// Idempotent: repeated calls are always safe, and the program handle is
// guaranteed none once StopRace returns.
func (m *Manager) StopRace() {
	m.mu.Lock()
	switch m.status {
	case Ready, Stopped:
		m.mu.Unlock()
		return
	case Scheduled, Staging:
		m.cancelHandleLocked()
		m.status = Ready
		m.schedule = nil
		m.mu.Unlock()
		m.log.Info("race stopped before start, returning to READY")
		return
	default: // Racing, Overtime
		m.cancelHandleLocked()
		prev := m.status
		sched := m.schedule
		m.status = Stopped
		m.mu.Unlock()

		m.publish(event.RaceStop, prev, Stopped, sched)
	}
}

// cancelHandleLocked cancels any pending timer. Caller must hold m.mu.
func (m *Manager) cancelHandleLocked() {
	if m.hasHandle {
		m.handle.Cancel()
		m.hasHandle = false
	}
}

func (m *Manager) publish(id event.ID, prev, next Status, sched *Schedule) {
	d, ok := m.registry.Descriptor(id)
	if !ok {
		m.log.Error("publish of unregistered event id", zap.String("event", string(id)))
		return
	}
	var schedCopy *Schedule
	if sched != nil {
		cp := *sched
		schedCopy = &cp
	}
	payload := Transition{
		PreviousStatus:     prev,
		NewStatus:          next,
		ScheduleReference:  schedCopy,
		MonotonicTimestamp: m.clock.Now(),
	}
	m.bus.Publish(context.Background(), d, payload)
}

// onStage runs when the SCHEDULED → STAGING timer fires.
func (m *Manager) onStage() {
	m.mu.Lock()
	if m.status != Scheduled {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = Staging
	sched := m.schedule
	m.hasHandle = false
	m.mu.Unlock()

	m.publish(event.RaceStage, prev, Staging, sched)

	m.mu.Lock()
	if m.status != Staging {
		m.mu.Unlock()
		return
	}
	m.handle = m.clock.ScheduleAt(m.clock.Now().Add(sched.StageTime), m.onRace)
	m.hasHandle = true
	m.mu.Unlock()
}

// onRace runs when the STAGING → RACING timer fires.
func (m *Manager) onRace() {
	m.mu.Lock()
	if m.status != Staging {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = Racing
	sched := m.schedule
	m.hasHandle = false
	m.mu.Unlock()

	m.publish(event.RaceStart, prev, Racing, sched)

	m.mu.Lock()
	if m.status != Racing {
		m.mu.Unlock()
		return
	}
	m.handle = m.clock.ScheduleAt(m.clock.Now().Add(sched.RaceTime), m.onRaceFinish)
	m.hasHandle = true
	m.mu.Unlock()
}

// onRaceFinish runs when the race_time_sec timer fires. Its effect
// depends on the schedule: unlimited races stay RACING, bounded races
// with overtime move to OVERTIME, and bounded races without overtime
// jump straight to STOPPED, emitting both RACE_FINISH and RACE_STOP.
func (m *Manager) onRaceFinish() {
	m.mu.Lock()
	if m.status != Racing {
		m.mu.Unlock()
		return
	}
	sched := m.schedule

	if sched.Unlimited {
		m.hasHandle = false
		m.mu.Unlock()
		m.publish(event.RaceFinish, Racing, Racing, sched)
		return
	}

	if sched.OvertimeTime > 0 {
		m.status = Overtime
		m.hasHandle = false
		m.mu.Unlock()

		m.publish(event.RaceFinish, Racing, Overtime, sched)

		m.mu.Lock()
		if m.status != Overtime {
			m.mu.Unlock()
			return
		}
		m.handle = m.clock.ScheduleAt(m.clock.Now().Add(sched.OvertimeTime), m.onOvertimeStop)
		m.hasHandle = true
		m.mu.Unlock()
		return
	}

	m.status = Stopped
	m.hasHandle = false
	m.mu.Unlock()

	m.publish(event.RaceFinish, Racing, Stopped, sched)
	m.publish(event.RaceStop, Racing, Stopped, sched)
}

// onOvertimeStop runs when the overtime_sec timer fires.
func (m *Manager) onOvertimeStop() {
	m.mu.Lock()
	if m.status != Overtime {
		m.mu.Unlock()
		return
	}
	sched := m.schedule
	m.status = Stopped
	m.hasHandle = false
	m.mu.Unlock()

	m.publish(event.RaceStop, Overtime, Stopped, sched)
}
