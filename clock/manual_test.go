package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racewire/racecontrol/clock"
)

func TestManualAdvanceFiresDueCallbacks(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)

	fired := false
	m.AfterFunc(time.Second, func() { fired = true })

	m.Advance(500 * time.Millisecond)
	assert.False(t, fired, "callback fired before its deadline")

	m.Advance(500 * time.Millisecond)
	assert.True(t, fired, "callback did not fire at its deadline")
}

func TestManualAdvanceOrdersByDeadlineThenScheduleOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)

	var order []string
	m.AfterFunc(2*time.Second, func() { order = append(order, "b-scheduled-first-fires-second") })
	m.AfterFunc(1*time.Second, func() { order = append(order, "a-scheduled-second-fires-first") })
	m.AfterFunc(2*time.Second, func() { order = append(order, "c-scheduled-third-ties-with-b") })

	m.Advance(2 * time.Second)

	require.Len(t, order, 3)
	assert.Equal(t, "a-scheduled-second-fires-first", order[0])
	assert.Equal(t, "b-scheduled-first-fires-second", order[1])
	assert.Equal(t, "c-scheduled-third-ties-with-b", order[2])
}

func TestManualCancelPreventsCallback(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)

	fired := false
	cancel := m.AfterFunc(time.Second, func() { fired = true })

	ok := cancel()
	assert.True(t, ok, "cancel before deadline should report true")

	m.Advance(time.Second)
	assert.False(t, fired)
}

func TestManualCancelAfterFiringReportsFalse(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)

	cancel := m.AfterFunc(time.Second, func() {})
	m.Advance(time.Second)

	assert.False(t, cancel())
}

func TestServiceScheduleAtClampsPastInstantsToZero(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	svc := clock.NewService(m)

	fired := false
	svc.ScheduleAt(start.Add(-time.Hour), func() { fired = true })

	m.Advance(0)
	assert.True(t, fired)
}
