// ============================================================================
// Falcon-Sched Clock - Time Abstraction
// ============================================================================
//
// Package: internal/clock
// File: clock.go
// Purpose: Abstracts time so the engine can be driven deterministically in
// tests. Production code uses Real; tests use Fake and advance it manually.
//
// ============================================================================

package clock

import (
	"sync"
	"time"
)

// Clock provides the time operations the engine depends on.
// Every component takes a Clock instead of calling time.Now directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NowMs returns the current time as a Unix millisecond timestamp,
	// the representation persisted in records.
	NowMs() int64
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real is the production clock backed by the time package.
type Real struct{}

// NewReal creates a Real clock.
func NewReal() *Real { return &Real{} }

func (*Real) Now() time.Time                         { return time.Now() }
func (*Real) NowMs() int64                           { return time.Now().UnixMilli() }
func (*Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced clock for tests.
//
// 併發安全：使用互斥鎖保護，可在多個 goroutine 間共用
type Fake struct {
	mu  sync.Mutex
	now time.Time

	// waiters created by After, fired when the clock passes their deadline
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NowMs() int64 {
	return f.Now().UnixMilli()
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := f.now.Add(d)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires any waiters whose
// deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	var remaining []fakeWaiter
	var fired []fakeWaiter
	for _, w := range f.waiters {
		if !w.deadline.After(now) {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range fired {
		w.ch <- now
	}
}

// Set jumps the clock to the given time. Only moves forward.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	cur := f.now
	f.mu.Unlock()
	if t.After(cur) {
		f.Advance(t.Sub(cur))
	}
}
