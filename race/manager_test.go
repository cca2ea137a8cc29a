package race_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/racewire/racecontrol/clock"
	"github.com/racewire/racecontrol/event"
	"github.com/racewire/racecontrol/race"
	"github.com/racewire/racecontrol/store"
)

// recorder collects every Transition published on the bus, in dispatch
// order, using INSTANT-priority synchronous-start semantics plus a short
// settle so the fire-and-forget goroutine has time to append before the
// test reads it back.
type recorder struct {
	mu    sync.Mutex
	items []race.Transition
}

func (r *recorder) handler(_ context.Context, _ event.Descriptor, payload any) error {
	t, ok := payload.(race.Transition)
	if !ok {
		return nil
	}
	r.mu.Lock()
	r.items = append(r.items, t)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []race.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]race.Transition, len(r.items))
	copy(out, r.items)
	return out
}

func newHarness(t *testing.T) (*race.Manager, *clock.Manual, *recorder) {
	t.Helper()
	log := zaptest.NewLogger(t)
	registry := event.NewRegistry()
	bus := event.NewBus(log, nil)
	t.Cleanup(bus.Close)

	rec := &recorder{}
	authorized := map[store.Permission]struct{}{event.PermRaceEvents: {}}
	h := bus.Subscribe(rec.handler, authorized)
	t.Cleanup(func() { bus.Unsubscribe(h) })

	manual := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := clock.NewService(manual)
	mgr := race.NewManager(svc, bus, registry, log)
	return mgr, manual, rec
}

// settle gives fire-and-forget dispatcher goroutines a chance to run
// before the test inspects the recorder. INSTANT dispatch only
// guarantees the handler goroutine has *begun*, not finished, by the
// time Publish returns.
func settle() { time.Sleep(10 * time.Millisecond) }

func TestScheduleRaceRejectsPastStart(t *testing.T) {
	mgr, manual, _ := newHarness(t)
	err := mgr.ScheduleRace(race.Schedule{RaceTime: time.Second}, manual.Now().Add(-time.Second))
	require.Error(t, err)
}

func TestScheduleRaceRejectsNegativeDurations(t *testing.T) {
	mgr, manual, _ := newHarness(t)
	err := mgr.ScheduleRace(race.Schedule{RaceTime: -time.Second}, manual.Now().Add(time.Minute))
	require.Error(t, err)
}

func TestScheduleRaceRejectsWhileNotReady(t *testing.T) {
	mgr, manual, _ := newHarness(t)
	sched := race.Schedule{StageTime: time.Second, RaceTime: time.Second}
	require.NoError(t, mgr.ScheduleRace(sched, manual.Now().Add(time.Minute)))
	err := mgr.ScheduleRace(sched, manual.Now().Add(2*time.Minute))
	require.Error(t, err)
}

// TestFullBoundedLifecycle exercises S1-style bounded race with overtime:
// READY -> SCHEDULED -> STAGING -> RACING -> OVERTIME -> STOPPED, and
// asserts the transition-event sequence and payload shape at each step.
func TestFullBoundedLifecycle(t *testing.T) {
	mgr, manual, rec := newHarness(t)

	sched := race.Schedule{
		StageTime:    5 * time.Second,
		RaceTime:     120 * time.Second,
		OvertimeTime: 10 * time.Second,
	}
	start := manual.Now().Add(time.Minute)
	require.NoError(t, mgr.ScheduleRace(sched, start))
	assert.Equal(t, race.Scheduled, mgr.Status())

	manual.Advance(time.Minute)
	settle()
	assert.Equal(t, race.Staging, mgr.Status())

	manual.Advance(5 * time.Second)
	settle()
	assert.Equal(t, race.Racing, mgr.Status())

	manual.Advance(120 * time.Second)
	settle()
	assert.Equal(t, race.Overtime, mgr.Status())

	manual.Advance(10 * time.Second)
	settle()
	assert.Equal(t, race.Stopped, mgr.Status())

	items := rec.snapshot()
	require.Len(t, items, 4)
	assert.Equal(t, race.Scheduled, items[0].PreviousStatus)
	assert.Equal(t, race.Staging, items[0].NewStatus)
	assert.Equal(t, race.Staging, items[1].PreviousStatus)
	assert.Equal(t, race.Racing, items[1].NewStatus)
	assert.Equal(t, race.Racing, items[2].PreviousStatus)
	assert.Equal(t, race.Overtime, items[2].NewStatus)
	assert.Equal(t, race.Overtime, items[3].PreviousStatus)
	assert.Equal(t, race.Stopped, items[3].NewStatus)
}

// TestNoOvertimeEmitsFinishAndStop covers a bounded race with zero
// overtime: RACE_FINISH and RACE_STOP both fire for the single
// RACING -> STOPPED transition.
func TestNoOvertimeEmitsFinishAndStop(t *testing.T) {
	mgr, manual, rec := newHarness(t)

	sched := race.Schedule{StageTime: time.Second, RaceTime: time.Second}
	require.NoError(t, mgr.ScheduleRace(sched, manual.Now().Add(time.Minute)))

	manual.Advance(time.Minute)
	settle()
	manual.Advance(time.Second)
	settle()
	manual.Advance(time.Second)
	settle()

	assert.Equal(t, race.Stopped, mgr.Status())
	items := rec.snapshot()
	require.Len(t, items, 4)
	assert.Equal(t, race.Racing, items[2].PreviousStatus)
	assert.Equal(t, race.Stopped, items[2].NewStatus)
	assert.Equal(t, race.Racing, items[3].PreviousStatus)
	assert.Equal(t, race.Stopped, items[3].NewStatus)
}

// TestUnlimitedRaceStaysRacingUntilExplicitStop covers the unlimited-race
// edge case: after RACE_FINISH fires, status remains RACING with no
// pending timer, until StopRace is called explicitly.
func TestUnlimitedRaceStaysRacingUntilExplicitStop(t *testing.T) {
	mgr, manual, rec := newHarness(t)

	sched := race.Schedule{StageTime: time.Second, RaceTime: time.Second, Unlimited: true}
	require.NoError(t, mgr.ScheduleRace(sched, manual.Now().Add(time.Minute)))

	manual.Advance(time.Minute)
	settle()
	manual.Advance(time.Second)
	settle()
	manual.Advance(time.Second)
	settle()

	status, _, hasPending := mgr.State()
	assert.Equal(t, race.Racing, status)
	assert.False(t, hasPending)

	mgr.StopRace()
	assert.Equal(t, race.Stopped, mgr.Status())

	items := rec.snapshot()
	require.Len(t, items, 4)
	// The RACE_FINISH transition for an unlimited race is a RACING -> RACING
	// no-op; only the final explicit StopRace moves to STOPPED.
	assert.Equal(t, race.Racing, items[2].PreviousStatus)
	assert.Equal(t, race.Racing, items[2].NewStatus)
	assert.Equal(t, race.Racing, items[3].PreviousStatus)
	assert.Equal(t, race.Stopped, items[3].NewStatus)
}

// TestStopDuringStagingReturnsToReadySilently covers stopping before the
// race ever starts: no RACE_STOP is emitted, the manager returns to READY.
func TestStopDuringStagingReturnsToReadySilently(t *testing.T) {
	mgr, manual, rec := newHarness(t)

	sched := race.Schedule{StageTime: 5 * time.Second, RaceTime: time.Minute}
	require.NoError(t, mgr.ScheduleRace(sched, manual.Now().Add(time.Minute)))

	manual.Advance(time.Minute)
	settle()
	require.Equal(t, race.Staging, mgr.Status())

	mgr.StopRace()
	assert.Equal(t, race.Ready, mgr.Status())
	assert.Len(t, rec.snapshot(), 1) // only the earlier STAGE transition, no STOP
}

func TestStopRaceIsIdempotent(t *testing.T) {
	mgr, _, _ := newHarness(t)
	mgr.StopRace()
	mgr.StopRace()
	assert.Equal(t, race.Ready, mgr.Status())
}
