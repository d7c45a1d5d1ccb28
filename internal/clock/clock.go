package clock

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts wall time so scheduling and rate-limit math can run
// against a controllable source in tests.
type Clock interface {
	Now() time.Time
	NowMs() int64
	// Sleep blocks for d or until ctx is cancelled. It returns ctx.Err()
	// on cancellation and nil when the full duration elapsed.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the production clock.
type System struct{}

func NewSystem() *System { return &System{} }

func (s *System) Now() time.Time { return time.Now().UTC() }

func (s *System) NowMs() int64 { return time.Now().UnixMilli() }

func (s *System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fake is a manually advanced clock. Goroutines blocked in Sleep are
// woken when Advance or SetMs moves the clock past their deadline.
type Fake struct {
	mu       sync.Mutex
	now      time.Time
	sleepers []*sleeper
}

type sleeper struct {
	deadline time.Time
	wake     chan struct{}
}

func NewFake(start time.Time) *Fake { return &Fake{now: start.UTC()} }

// NewFakeMs starts the clock at an absolute epoch-millisecond instant.
func NewFakeMs(ms int64) *Fake { return NewFake(time.UnixMilli(ms)) }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NowMs() int64 { return f.Now().UnixMilli() }

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	f.mu.Lock()
	s := &sleeper{deadline: f.now.Add(d), wake: make(chan struct{})}
	f.sleepers = append(f.sleepers, s)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		f.drop(s)
		return ctx.Err()
	case <-s.wake:
		return nil
	}
}

// Advance moves the clock forward and wakes every sleeper whose
// deadline has been reached.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.wakeLocked()
	f.mu.Unlock()
}

func (f *Fake) AdvanceMs(ms int64) { f.Advance(time.Duration(ms) * time.Millisecond) }

// SetMs jumps the clock to an absolute epoch-millisecond instant. The
// clock never moves backwards.
func (f *Fake) SetMs(ms int64) {
	f.mu.Lock()
	t := time.UnixMilli(ms).UTC()
	if t.After(f.now) {
		f.now = t
	}
	f.wakeLocked()
	f.mu.Unlock()
}

// SleeperCount reports how many goroutines are blocked in Sleep. Tests
// use it to synchronize before advancing the clock.
func (f *Fake) SleeperCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sleepers)
}

// BlockUntilSleepers polls until at least n goroutines are parked in
// Sleep or the timeout elapses (real time). Returns false on timeout.
func (f *Fake) BlockUntilSleepers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.SleeperCount() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return f.SleeperCount() >= n
}

func (f *Fake) wakeLocked() {
	kept := f.sleepers[:0]
	for _, s := range f.sleepers {
		if s.deadline.After(f.now) {
			kept = append(kept, s)
		} else {
			close(s.wake)
		}
	}
	f.sleepers = kept
}

func (f *Fake) drop(target *sleeper) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sleepers {
		if s == target {
			f.sleepers = append(f.sleepers[:i], f.sleepers[i+1:]...)
			return
		}
	}
}
