package clock_test

import (
	"testing"
	"time"

	"pkt.systems/activityd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDeliversOnce(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestRealSleepSleepsAtLeastDuration(t *testing.T) {
	t.Parallel()

	start := time.Now()
	clock.Real{}.Sleep(5 * time.Millisecond)
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("sleep duration too short: %v", elapsed)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	early := m.After(time.Second)
	late := m.After(5 * time.Second)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending timers, got %d", got)
	}
	m.Advance(2 * time.Second)
	select {
	case fired := <-early:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending timer, got %d", got)
	}
}

func TestManualBlockUntilWaitsForTimer(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.After(time.Minute)
	}()
	if !m.BlockUntil(1, 2*time.Second) {
		t.Fatal("BlockUntil did not observe the scheduled timer")
	}
	if m.BlockUntil(2, 20*time.Millisecond) {
		t.Fatal("BlockUntil reported a timer that was never scheduled")
	}
}
