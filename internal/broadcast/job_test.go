package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTargets(n int) []Target {
	out := make([]Target, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Target{
			ID:      fmt.Sprintf("t%d", i),
			Name:    fmt.Sprintf("Peserta %d", i),
			Address: fmt.Sprintf("%d", 1000+i),
			Message: "hello",
		})
	}
	return out
}

type fakeDeliverer struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]string
	before func(t Target)
}

func (d *fakeDeliverer) Deliver(_ context.Context, t Target) Result {
	if d.before != nil {
		d.before(t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, t.ID)
	if msg, ok := d.fail[t.ID]; ok {
		return Result{Error: msg}
	}
	return Delivered()
}

func (d *fakeDeliverer) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Observe(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *recorder) Count(kind EventKind) int {
	n := 0
	for _, s := range r.All() {
		if s.Event == kind {
			n++
		}
	}
	return n
}

type jobFixture struct {
	job   *Job
	clock *InstantClock
	del   *fakeDeliverer
	rec   *recorder
}

func newFixture(t *testing.T, n int, p Pacing) *jobFixture {
	t.Helper()
	f := &jobFixture{
		clock: NewInstantClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)),
		del:   &fakeDeliverer{fail: map[string]string{}},
		rec:   &recorder{},
	}
	rc := NewRateController(p, NewSeededRand(11))
	f.job = NewJob("job-1", "test", makeTargets(n), f.del, rc, WithClock(f.clock), WithObserver(f.rec))
	return f
}

func requireInvariants(t *testing.T, snaps []Snapshot) {
	t.Helper()
	prev := 0
	for i, s := range snaps {
		require.GreaterOrEqual(t, s.Cursor, 0, "snapshot %d", i)
		require.LessOrEqual(t, s.Cursor, s.Total, "snapshot %d", i)
		require.Equal(t, s.Cursor, s.Success+s.Failed, "snapshot %d: %+v", i, s)
		require.GreaterOrEqual(t, s.Cursor, prev, "cursor went backwards at snapshot %d", i)
		prev = s.Cursor
	}
}

func TestEmptyJobCompletesWithoutDelivery(t *testing.T) {
	f := newFixture(t, 0, DefaultPacing())

	require.NoError(t, f.job.Start(context.Background()))

	s := f.job.Snapshot()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Zero(t, s.Success)
	assert.Zero(t, s.Failed)
	assert.Empty(t, f.del.Calls())
	assert.Zero(t, f.clock.Slept())
}

func TestSingleTargetSkipsDelayAndRest(t *testing.T) {
	p := DefaultPacing()
	p.BatchSize = 1
	f := newFixture(t, 1, p)

	require.NoError(t, f.job.Start(context.Background()))

	s := f.job.Snapshot()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 1, s.Success)
	assert.Equal(t, []string{"t1"}, f.del.Calls())
	assert.Zero(t, s.Rests)
	for _, snap := range f.rec.All() {
		assert.NotEqual(t, WaitDelay, snap.Wait)
		assert.NotEqual(t, WaitRest, snap.Wait)
	}
	// only the initial jitter was waited
	assert.LessOrEqual(t, f.clock.Slept(), 4*time.Second)
}

func TestBatchRestsForFortyFiveTargets(t *testing.T) {
	f := newFixture(t, 45, DefaultPacing())

	require.NoError(t, f.job.Start(context.Background()))

	s := f.job.Snapshot()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 45, s.Success)
	assert.Zero(t, s.Failed)
	assert.Equal(t, 2, s.Rests)
	assert.Len(t, f.del.Calls(), 45)

	var restAt []int
	for _, snap := range f.rec.All() {
		if snap.Event == EventResting {
			restAt = append(restAt, snap.Cursor)
			assert.Equal(t, StatusResting, snap.Status)
			assert.Equal(t, 300, snap.Countdown)
		}
	}
	assert.Equal(t, []int{20, 40}, restAt)
	requireInvariants(t, f.rec.All())
}

func TestInvariantsWithFailures(t *testing.T) {
	f := newFixture(t, 12, DefaultPacing())
	for i := 3; i <= 12; i += 3 {
		f.del.fail[fmt.Sprintf("t%d", i)] = "number not on whatsapp"
	}

	require.NoError(t, f.job.Start(context.Background()))

	s := f.job.Snapshot()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 8, s.Success)
	assert.Equal(t, 4, s.Failed)
	requireInvariants(t, f.rec.All())

	info := f.job.Info()
	require.Len(t, info.Failures, 4)
	assert.Equal(t, "t3", info.Failures[0].TargetID)
	assert.Equal(t, "number not on whatsapp", info.Failures[0].Error)

	var failedLines int
	for _, snap := range f.rec.All() {
		if snap.Event == EventFailed {
			failedLines++
			assert.Contains(t, snap.Log, "number not on whatsapp")
		}
	}
	assert.Equal(t, 4, failedLines)
}

func TestCancelDuringDelayPausesThenResumeFinishes(t *testing.T) {
	f := newFixture(t, 10, DefaultPacing())
	f.clock.OnSleep(func(time.Time, time.Duration) {
		s := f.job.Snapshot()
		if s.Cursor == 5 && s.Wait == WaitDelay {
			f.job.RequestCancel()
		}
	})

	require.NoError(t, f.job.Start(context.Background()))

	paused := f.job.Snapshot()
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, 5, paused.Cursor)
	assert.Equal(t, 5, paused.Success)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4", "t5"}, f.del.Calls())
	assert.False(t, f.job.CancelRequested(), "cancel flag is consumed by the pause")

	f.clock.OnSleep(nil)
	require.NoError(t, f.job.Resume(context.Background()))

	done := f.job.Snapshot()
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 10, done.Success)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9", "t10"}, f.del.Calls())
	requireInvariants(t, f.rec.All())
}

func TestPauseKeepsCountersOfLastProcessedTarget(t *testing.T) {
	f := newFixture(t, 8, DefaultPacing())
	f.del.fail["t2"] = "blocked"
	f.clock.OnSleep(func(time.Time, time.Duration) {
		if f.job.Snapshot().Cursor == 3 {
			f.job.RequestCancel()
		}
	})

	require.NoError(t, f.job.Start(context.Background()))

	var last Snapshot
	for _, s := range f.rec.All() {
		if s.Event == EventDelivered || s.Event == EventFailed {
			last = s
		}
	}
	paused := f.job.Snapshot()
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, last.Cursor, paused.Cursor)
	assert.Equal(t, last.Success, paused.Success)
	assert.Equal(t, last.Failed, paused.Failed)
}

func TestCancelObservedWithinOneTick(t *testing.T) {
	f := newFixture(t, 3, DefaultPacing())
	var (
		mu       sync.Mutex
		cancelAt time.Duration
	)
	f.clock.OnSleep(func(time.Time, time.Duration) {
		s := f.job.Snapshot()
		// cancel in the middle of the first inter-message delay
		if s.Cursor == 1 && s.Wait == WaitDelay && s.Countdown <= 30 && !f.job.CancelRequested() {
			mu.Lock()
			if cancelAt == 0 {
				cancelAt = f.clock.Slept()
				f.job.RequestCancel()
			}
			mu.Unlock()
		}
	})

	require.NoError(t, f.job.Start(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotZero(t, cancelAt)
	assert.LessOrEqual(t, f.clock.Slept()-cancelAt, time.Second)
	assert.Equal(t, StatusPaused, f.job.Snapshot().Status)
	assert.Equal(t, 1, f.job.Snapshot().Cursor)
}

func TestCancelDuringLastSendStillCompletes(t *testing.T) {
	f := newFixture(t, 3, DefaultPacing())
	f.del.before = func(t Target) {
		if t.ID == "t3" {
			f.job.RequestCancel()
		}
	}

	require.NoError(t, f.job.Start(context.Background()))

	s := f.job.Snapshot()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 3, s.Cursor)
	assert.Len(t, f.del.Calls(), 3)
}

func TestCancelDuringSendLetsSendFinish(t *testing.T) {
	f := newFixture(t, 5, DefaultPacing())
	f.del.before = func(t Target) {
		if t.ID == "t2" {
			f.job.RequestCancel()
		}
	}

	require.NoError(t, f.job.Start(context.Background()))

	s := f.job.Snapshot()
	assert.Equal(t, StatusPaused, s.Status)
	assert.Equal(t, 2, s.Cursor)
	assert.Equal(t, []string{"t1", "t2"}, f.del.Calls())
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	f := newFixture(t, 2, DefaultPacing())
	entered := make(chan struct{})
	release := make(chan struct{})
	f.del.before = func(t Target) {
		if t.ID == "t1" {
			close(entered)
			<-release
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- f.job.Start(context.Background()) }()
	<-entered

	before := f.job.Snapshot()
	err := f.job.Start(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	err = f.job.Resume(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, before, f.job.Snapshot())

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, StatusCompleted, f.job.Snapshot().Status)
}

func TestResumeCompletedIsRejected(t *testing.T) {
	f := newFixture(t, 1, DefaultPacing())
	require.NoError(t, f.job.Start(context.Background()))

	err := f.job.Resume(context.Background())
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusCompleted, te.From)
	assert.Equal(t, "resume", te.Op)
	assert.Len(t, f.del.Calls(), 1)
}

func TestContextCancelPausesJob(t *testing.T) {
	f := newFixture(t, 4, DefaultPacing())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.clock.OnSleep(func(time.Time, time.Duration) {
		if f.job.Snapshot().Cursor == 2 {
			cancel()
		}
	})

	require.NoError(t, f.job.Start(ctx))

	s := f.job.Snapshot()
	assert.Equal(t, StatusPaused, s.Status)
	assert.Equal(t, 2, s.Cursor)

	f.clock.OnSleep(nil)
	require.NoError(t, f.job.Resume(context.Background()))
	assert.Equal(t, StatusCompleted, f.job.Snapshot().Status)
	assert.Len(t, f.del.Calls(), 4)
}

func TestCancelWhileIdlePausesAtFirstCheckpoint(t *testing.T) {
	f := newFixture(t, 2, DefaultPacing())
	f.job.RequestCancel()

	require.NoError(t, f.job.Start(context.Background()))
	s := f.job.Snapshot()
	assert.Equal(t, StatusPaused, s.Status)
	assert.Equal(t, 0, s.Cursor)
	assert.Empty(t, f.del.Calls())

	require.NoError(t, f.job.Resume(context.Background()))
	assert.Equal(t, StatusCompleted, f.job.Snapshot().Status)
	assert.Equal(t, []string{"t1", "t2"}, f.del.Calls())
}

func TestStaleCancelWhilePausedDroppedOnResume(t *testing.T) {
	f := newFixture(t, 3, DefaultPacing())
	f.del.before = func(tg Target) {
		if tg.ID == "t2" {
			f.job.RequestCancel()
		}
	}
	require.NoError(t, f.job.Start(context.Background()))
	require.Equal(t, StatusPaused, f.job.Snapshot().Status)
	require.Equal(t, 2, f.job.Snapshot().Cursor)

	f.del.before = nil
	f.job.RequestCancel()
	require.NoError(t, f.job.Resume(context.Background()))
	s := f.job.Snapshot()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 3, s.Cursor)
}

func TestWaitingEventClearedAfterWait(t *testing.T) {
	f := newFixture(t, 2, DefaultPacing())
	var seen []Snapshot
	f.del.before = func(Target) { seen = append(seen, f.job.Snapshot()) }

	require.NoError(t, f.job.Start(context.Background()))
	require.Len(t, seen, 2)
	for _, s := range seen {
		assert.NotEqual(t, EventWaiting, s.Event)
		assert.Equal(t, WaitNone, s.Wait)
		assert.Zero(t, s.Countdown)
	}
	assert.Equal(t, EventStarted, seen[0].Event)
	assert.Equal(t, EventDelivered, seen[1].Event)
}

func TestDelivererPanicCountsAsFailure(t *testing.T) {
	rc := NewRateController(DefaultPacing(), NewSeededRand(1))
	clock := NewInstantClock(time.Time{})
	d := DelivererFunc(func(_ context.Context, t Target) Result {
		if t.ID == "t1" {
			panic("boom")
		}
		return Delivered()
	})
	j := NewJob("j", "panic", makeTargets(2), d, rc, WithClock(clock))

	require.NoError(t, j.Start(context.Background()))

	s := j.Snapshot()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Success)
	require.Len(t, j.Info().Failures, 1)
	assert.True(t, strings.HasPrefix(j.Info().Failures[0].Error, "panic"))
}

func TestCountdownTicksDuringWait(t *testing.T) {
	p := DefaultPacing()
	p.DelayMin, p.DelayMax = 5*time.Second, 5*time.Second
	p.JitterMin, p.JitterMax = 2*time.Second, 2*time.Second
	f := newFixture(t, 2, p)

	require.NoError(t, f.job.Start(context.Background()))

	var countdowns []int
	for _, s := range f.rec.All() {
		if s.Event == EventWaiting && s.Wait == WaitDelay {
			countdowns = append(countdowns, s.Countdown)
		}
	}
	assert.Equal(t, []int{5, 4, 3, 2, 1}, countdowns)
	// 2 jitters + one delay
	assert.Equal(t, 9*time.Second, f.clock.Slept())
}

func TestSnapshotsAreCopies(t *testing.T) {
	f := newFixture(t, 3, DefaultPacing())
	f.del.fail["t1"] = "x"
	require.NoError(t, f.job.Start(context.Background()))

	info := f.job.Info()
	info.Failures[0].Error = "mutated"
	info.Recent[0] = "mutated"
	again := f.job.Info()
	assert.Equal(t, "x", again.Failures[0].Error)
	assert.NotEqual(t, "mutated", again.Recent[0])
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{Op: "start", From: StatusRunning, Reason: "a run is already active"}
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "start from running")
}
