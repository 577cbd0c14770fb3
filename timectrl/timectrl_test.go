package timectrl

import (
	"context"
	"testing"
	"time"
)

var start = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestTimeControllerSetTime(t *testing.T) {
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerStepNotifiesListeners(t *testing.T) {
	tc := NewTimeController(start, 10*time.Millisecond, Accelerated)

	var seen []time.Time
	tc.AddListener(func(now time.Time) { seen = append(seen, now) })

	tc.Step()
	tc.Step()

	if len(seen) != 2 || !seen[1].Equal(start.Add(20*time.Millisecond)) {
		t.Fatalf("listener saw %v", seen)
	}
	if tc.Steps() != 2 || tc.Elapsed() != 20*time.Millisecond {
		t.Fatalf("steps = %d, elapsed = %s", tc.Steps(), tc.Elapsed())
	}
}

func TestTimeControllerStartRunsForDuration(t *testing.T) {
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	<-tc.Start(context.Background(), 15*time.Millisecond)

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestTimeControllerStartStopsOnCancel(t *testing.T) {
	tc := NewTimeController(start, time.Hour, RealTime)

	ctx, cancel := context.WithCancel(context.Background())
	done := tc.Start(ctx, 0)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Start ignored cancellation")
	}
	if tc.Steps() != 0 {
		t.Fatalf("took %d steps before the first wall tick", tc.Steps())
	}
}

func TestManualClockNeverGoesBackwards(t *testing.T) {
	c := NewManualClock(start)
	c.Advance(time.Second)
	c.AdvanceTo(start)

	if got := c.Now(); !got.Equal(start.Add(time.Second)) {
		t.Fatalf("Now() = %v after AdvanceTo into the past", got)
	}
	if Accelerated.String() != "accelerated" || RealTime.String() != "realtime" {
		t.Fatalf("mode names = %q, %q", Accelerated, RealTime)
	}
}
