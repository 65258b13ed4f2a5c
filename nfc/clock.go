package nfc

import (
	"time"

	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
)

// Clock abstracts the settle sleeps and debounce timestamps so tests run
// without real delays.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the time package.
type RealClock struct{}

// NewRealClock returns the wall clock.
func NewRealClock() Clock {
	return RealClock{}
}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Sleep(d time.Duration)                  { time.Sleep(d) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock only moves when told to. Sleep advances it immediately and is
// recorded, so tests can assert the settle and retry delays.
type FakeClock struct {
	mu     syncutil.Mutex
	now    time.Time
	sleeps []time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	c        chan time.Time
	fired    bool
}

// NewFakeClock returns a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *FakeClock) Sleep(d time.Duration) {
	fc.mu.Lock()
	fc.sleeps = append(fc.sleeps, d)
	fc.mu.Unlock()
	fc.Advance(d)
}

func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	ft := &fakeTimer{deadline: fc.now.Add(d), c: make(chan time.Time, 1)}
	if d <= 0 {
		ft.fired = true
		ft.c <- fc.now
	}
	fc.timers = append(fc.timers, ft)
	return ft.c
}

// Advance moves time forward and fires timers that are due.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)

	for _, t := range fc.timers {
		if !t.fired && !fc.now.Before(t.deadline) {
			t.fired = true
			t.c <- fc.now
		}
	}
}

// Sleeps returns every duration passed to Sleep so far.
func (fc *FakeClock) Sleeps() []time.Duration {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]time.Duration, len(fc.sleeps))
	copy(out, fc.sleeps)
	return out
}
