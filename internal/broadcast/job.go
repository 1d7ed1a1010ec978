package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

const (
	maxFailures  = 200
	maxRecentLog = 50
)

// Failure records one failed delivery.
type Failure struct {
	Index    int    `json:"index"`
	TargetID string `json:"target_id"`
	Name     string `json:"name"`
	Error    string `json:"error"`
}

// JobInfo is a detailed, copy-only view of a job.
type JobInfo struct {
	Snapshot
	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
	Running         bool      `json:"running"`
	CancelRequested bool      `json:"cancel_requested"`
	Failures        []Failure `json:"failures,omitempty"`
	Recent          []string  `json:"recent,omitempty"`
}

type JobOption func(*Job)

func WithClock(c Clock) JobOption {
	return func(j *Job) {
		if c != nil {
			j.clock = c
		}
	}
}

func WithObserver(o Observer) JobOption {
	return func(j *Job) {
		if o != nil {
			j.observer = o
		}
	}
}

func WithLogger(log logx.Logger) JobOption {
	return func(j *Job) { j.log = log }
}

// Job is one broadcast: a fixed target list plus the cursor, counters and
// status of its delivery loop.
//
// The loop owns all mutable state while it runs. Outside callers read it
// through Snapshot/Info and steer it through Start, Resume and RequestCancel.
type Job struct {
	id      string
	name    string
	targets []Target

	deliverer Deliverer
	rate      *RateController
	clock     Clock
	observer  Observer
	log       logx.Logger

	cancel atomic.Bool

	mu         sync.Mutex
	status     Status
	running    bool
	cursor     int
	success    int
	failed     int
	rests      int
	wait       WaitKind
	remaining  time.Duration
	lastEvent  EventKind
	lastLog    string
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	updatedAt  time.Time
	failures   []Failure
	recent     []string
}

// NewJob builds an Idle job. targets is copied and never reordered.
func NewJob(id, name string, targets []Target, d Deliverer, rc *RateController, opts ...JobOption) *Job {
	if rc == nil {
		rc = NewRateController(DefaultPacing(), nil)
	}
	j := &Job{
		id:        id,
		name:      name,
		targets:   append([]Target(nil), targets...),
		deliverer: d,
		rate:      rc,
		clock:     RealClock(),
		observer:  nopObserver{},
		log:       logx.Nop(),
		status:    StatusIdle,
		lastEvent: EventCreated,
	}
	for _, o := range opts {
		o(j)
	}
	now := j.clock.Now()
	j.createdAt, j.updatedAt = now, now
	return j
}

func (j *Job) ID() string   { return j.id }
func (j *Job) Name() string { return j.name }
func (j *Job) Total() int   { return len(j.targets) }

// Snapshot returns the current state without changing anything.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobInfo{
		Snapshot:        j.snapshotLocked(),
		CreatedAt:       j.createdAt,
		StartedAt:       j.startedAt,
		FinishedAt:      j.finishedAt,
		UpdatedAt:       j.updatedAt,
		Running:         j.running,
		CancelRequested: j.cancel.Load(),
		Failures:        append([]Failure(nil), j.failures...),
		Recent:          append([]string(nil), j.recent...),
	}
}

// RequestCancel asks the running loop to pause at its next checkpoint. It
// has no other effect and may be called from any state.
func (j *Job) RequestCancel() { j.cancel.Store(true) }

func (j *Job) CancelRequested() bool { return j.cancel.Load() }

// Start runs the delivery loop from the current cursor and returns once the
// job is Completed or Paused. It is legal from Idle and Paused.
func (j *Job) Start(ctx context.Context) error {
	if err := j.claim("start"); err != nil {
		return err
	}
	j.run(ctx)
	return nil
}

// Resume continues a Paused job from its cursor. On an Idle job it is the
// same as Start.
func (j *Job) Resume(ctx context.Context) error {
	if err := j.claim("resume"); err != nil {
		return err
	}
	j.run(ctx)
	return nil
}

// claim reserves the job for one loop invocation. A cancel request made while
// Paused targeted the run that already stopped and is dropped; one made while
// Idle is kept and pauses the job at its first checkpoint.
func (j *Job) claim(op string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.running:
		return &TransitionError{Op: op, From: j.status, Reason: "a run is already active"}
	case j.status == StatusCompleted:
		return &TransitionError{Op: op, From: j.status, Reason: "job is completed"}
	case j.status != StatusIdle && j.status != StatusPaused:
		return &TransitionError{Op: op, From: j.status}
	}
	if j.status == StatusPaused {
		j.cancel.Store(false)
	}
	j.running = true
	j.status = StatusRunning
	if j.startedAt.IsZero() {
		j.startedAt = j.clock.Now()
	}
	return nil
}

func (j *Job) run(ctx context.Context) {
	defer j.release()

	total := len(j.targets)
	cur := j.Snapshot().Cursor
	if cur == 0 {
		j.emit(EventStarted, fmt.Sprintf("started: %d targets", total))
	} else {
		j.emit(EventStarted, fmt.Sprintf("resumed at %d/%d", cur, total))
	}

	for {
		cur = j.Snapshot().Cursor
		if cur >= total {
			break
		}
		if j.stopRequested(ctx) {
			j.pause()
			return
		}
		j.setStatus(StatusRunning)

		t := j.targets[cur]
		if !j.sleep(ctx, WaitJitter, j.rate.Jitter()) {
			j.pause()
			return
		}

		j.record(cur, t, j.deliver(ctx, t))

		sent := cur + 1
		if sent >= total {
			// nothing left to pause in front of
			break
		}
		if j.stopRequested(ctx) {
			j.pause()
			return
		}
		if j.rate.IsBatchBoundary(sent) {
			rest := j.rate.RestDuration()
			j.beginRest(sent, rest)
			if !j.sleep(ctx, WaitRest, rest) {
				j.pause()
				return
			}
			continue
		}
		if !j.sleep(ctx, WaitDelay, j.rate.NextDelay()) {
			j.pause()
			return
		}
	}
	j.complete()
}

func (j *Job) stopRequested(ctx context.Context) bool {
	return j.cancel.Load() || ctx.Err() != nil
}

// sleep waits d in ticks, publishing a countdown each tick. It returns false
// when a cancel (or ctx) interrupted the wait.
func (j *Job) sleep(ctx context.Context, kind WaitKind, d time.Duration) bool {
	tick := j.rate.Tick()
	for remaining := d; remaining > 0; {
		if j.stopRequested(ctx) {
			return false
		}
		j.countdown(kind, remaining)
		step := min(tick, remaining)
		if err := j.clock.Sleep(ctx, step); err != nil {
			return false
		}
		remaining -= step
	}
	j.mu.Lock()
	j.wait, j.remaining = WaitNone, 0
	j.mu.Unlock()
	return !j.stopRequested(ctx)
}

// deliver calls the Deliverer once. The call is detached from ctx so that
// shutdown never interrupts a send that already started.
func (j *Job) deliver(ctx context.Context, t Target) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("deliverer panicked", logx.String("job", j.id), logx.String("target", t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = Result{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	if j.deliverer == nil {
		return Result{Error: "no deliverer configured"}
	}
	return j.deliverer.Deliver(context.WithoutCancel(ctx), t)
}

func (j *Job) record(idx int, t Target, res Result) {
	j.mu.Lock()
	j.cursor = idx + 1
	var (
		kind EventKind
		line string
	)
	if res.OK {
		j.success++
		kind = EventDelivered
		line = fmt.Sprintf("[%d/%d] sent to %s", j.cursor, len(j.targets), targetLabel(t))
	} else {
		j.failed++
		kind = EventFailed
		line = fmt.Sprintf("[%d/%d] failed %s: %s", j.cursor, len(j.targets), targetLabel(t), res.Error)
		if len(j.failures) < maxFailures {
			j.failures = append(j.failures, Failure{Index: idx, TargetID: t.ID, Name: t.Name, Error: res.Error})
		}
	}
	snap := j.noteLocked(kind, line)
	j.mu.Unlock()
	j.observer.Observe(snap)
}

func (j *Job) beginRest(sent int, rest time.Duration) {
	j.mu.Lock()
	j.status = StatusResting
	j.rests++
	j.wait, j.remaining = WaitRest, rest
	snap := j.noteLocked(EventResting, fmt.Sprintf("resting %s after %d messages", rest.Round(time.Second), sent))
	j.mu.Unlock()
	j.observer.Observe(snap)
}

func (j *Job) countdown(kind WaitKind, remaining time.Duration) {
	j.mu.Lock()
	j.wait, j.remaining = kind, remaining
	j.updatedAt = j.clock.Now()
	snap := j.snapshotLocked()
	snap.Event = EventWaiting
	snap.Log = ""
	j.mu.Unlock()
	j.observer.Observe(snap)
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) pause() {
	j.mu.Lock()
	j.status = StatusPaused
	j.wait, j.remaining = WaitNone, 0
	j.cancel.Store(false)
	snap := j.noteLocked(EventPaused, fmt.Sprintf("paused at %d/%d", j.cursor, len(j.targets)))
	j.mu.Unlock()
	j.observer.Observe(snap)
}

func (j *Job) complete() {
	j.mu.Lock()
	j.status = StatusCompleted
	j.wait, j.remaining = WaitNone, 0
	j.cancel.Store(false)
	j.finishedAt = j.clock.Now()
	snap := j.noteLocked(EventCompleted, fmt.Sprintf("completed: %d sent, %d failed", j.success, j.failed))
	j.mu.Unlock()
	j.observer.Observe(snap)
}

func (j *Job) release() {
	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

func (j *Job) emit(kind EventKind, line string) {
	j.mu.Lock()
	snap := j.noteLocked(kind, line)
	j.mu.Unlock()
	j.observer.Observe(snap)
}

// noteLocked appends a log line and returns the snapshot carrying it.
func (j *Job) noteLocked(kind EventKind, line string) Snapshot {
	j.updatedAt = j.clock.Now()
	j.lastEvent = kind
	j.lastLog = line
	if line != "" {
		if len(j.recent) >= maxRecentLog {
			copy(j.recent, j.recent[1:])
			j.recent = j.recent[:len(j.recent)-1]
		}
		j.recent = append(j.recent, line)
	}
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	return Snapshot{
		JobID:     j.id,
		Name:      j.name,
		Status:    j.status,
		Event:     j.lastEvent,
		Cursor:    j.cursor,
		Total:     len(j.targets),
		Success:   j.success,
		Failed:    j.failed,
		Rests:     j.rests,
		Wait:      j.wait,
		Countdown: ceilSeconds(j.remaining),
		Log:       j.lastLog,
		At:        j.updatedAt,
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func targetLabel(t Target) string {
	switch {
	case t.Name != "" && t.ID != "":
		return t.Name + " (" + t.ID + ")"
	case t.Name != "":
		return t.Name
	case t.ID != "":
		return t.ID
	default:
		return t.Address
	}
}
