package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	d := clock.Since(time.Now().Add(-time.Second))

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_After(t *testing.T) {
	select {
	case <-RealClock{}.After(10 * time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After did not fire")
	}
}

func TestMockClock_NowAndSet(t *testing.T) {
	fixedTime := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)

	if got := clock.Now(); !got.Equal(fixedTime) {
		t.Errorf("got %v, want %v", got, fixedTime)
	}

	newTime := fixedTime.Add(48 * time.Hour)
	clock.Set(newTime)
	if got := clock.Since(fixedTime); got != 48*time.Hour {
		t.Errorf("Since = %v, want 48h", got)
	}
}

func TestMockClock_After(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := clock.After(5 * time.Second)

	clock.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	if clock.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", clock.Pending())
	}

	clock.Advance(time.Second)
	select {
	case got := <-ch:
		if want := clock.Now(); !got.Equal(want) {
			t.Errorf("fired with %v, want %v", got, want)
		}
	default:
		t.Fatal("did not fire at deadline")
	}

	select {
	case <-clock.After(0):
	default:
		t.Error("After(0) should fire immediately")
	}
}
