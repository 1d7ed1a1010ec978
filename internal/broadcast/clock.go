package broadcast

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source of a job. Sleep must return early with the
// context error when ctx is done.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// InstantClock is a virtual clock: Sleep returns immediately and advances
// Now by d. It backs dry runs and tests.
type InstantClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   time.Duration
	onSleep func(now time.Time, d time.Duration)
}

func NewInstantClock(start time.Time) *InstantClock {
	if start.IsZero() {
		start = time.Now()
	}
	return &InstantClock{now: start}
}

// OnSleep installs a hook called after every virtual sleep.
func (c *InstantClock) OnSleep(fn func(now time.Time, d time.Duration)) {
	c.mu.Lock()
	c.onSleep = fn
	c.mu.Unlock()
}

func (c *InstantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Slept returns the total virtual time spent sleeping.
func (c *InstantClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

func (c *InstantClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}
	now, hook := c.now, c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(now, d)
	}
	return ctx.Err()
}
