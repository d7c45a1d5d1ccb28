package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeAdvanceWakesSleepers(t *testing.T) {
	fc := NewFakeMs(0)
	done := make(chan error, 1)

	go func() {
		done <- fc.Sleep(context.Background(), 10*time.Second)
	}()

	if !fc.BlockUntilSleepers(1, time.Second) {
		t.Fatal("sleeper never parked")
	}

	fc.Advance(9 * time.Second)
	select {
	case <-done:
		t.Fatal("sleeper woke before deadline")
	case <-time.After(20 * time.Millisecond):
	}

	fc.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sleep returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleeper not woken at deadline")
	}

	if got := fc.NowMs(); got != 10000 {
		t.Errorf("NowMs = %d, want 10000", got)
	}
}

func TestFakeSleepCancellation(t *testing.T) {
	fc := NewFakeMs(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- fc.Sleep(ctx, time.Hour)
	}()

	if !fc.BlockUntilSleepers(1, time.Second) {
		t.Fatal("sleeper never parked")
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Sleep error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled sleeper did not return")
	}

	if n := fc.SleeperCount(); n != 0 {
		t.Errorf("SleeperCount = %d after cancellation, want 0", n)
	}
}

func TestFakeNeverMovesBackwards(t *testing.T) {
	fc := NewFakeMs(5000)
	fc.SetMs(1000)
	if got := fc.NowMs(); got != 5000 {
		t.Errorf("NowMs = %d after backwards SetMs, want 5000", got)
	}
	fc.SetMs(8000)
	if got := fc.NowMs(); got != 8000 {
		t.Errorf("NowMs = %d, want 8000", got)
	}
}

func TestFakeZeroSleepReturnsImmediately(t *testing.T) {
	fc := NewFakeMs(0)
	if err := fc.Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep returned error: %v", err)
	}
}

func TestSystemClockMonotonicMs(t *testing.T) {
	sc := NewSystem()
	a := sc.NowMs()
	b := sc.NowMs()
	if b < a {
		t.Errorf("NowMs went backwards: %d then %d", a, b)
	}
	if err := sc.Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep returned error: %v", err)
	}
}
