package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockClockAdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	ch := c.After(5 * time.Second)
	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("waiter did not fire at deadline")
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
	if c.Since(start) != 5*time.Second {
		t.Errorf("Since = %v", c.Since(start))
	}
}

func TestSleepHonoursContext(t *testing.T) {
	c := NewMockClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, c, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled ctx = %v, want context.Canceled", err)
	}
	if err := Sleep(context.Background(), c, 0); err != nil {
		t.Errorf("zero sleep = %v", err)
	}
}

func TestSleepReturnsAfterAdvance(t *testing.T) {
	c := NewMockClock(time.Now())
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), c, time.Minute) }()

	for c.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	c.Advance(time.Minute)
	if err := <-done; err != nil {
		t.Errorf("Sleep = %v", err)
	}
}

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	before := c.Now()
	<-c.After(time.Millisecond)
	if c.Since(before) < time.Millisecond {
		t.Error("RealClock.After returned early")
	}
}
