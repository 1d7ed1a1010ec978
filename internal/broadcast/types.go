package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusResting   Status = "resting"
	StatusCompleted Status = "completed"
)

// Active reports whether a run loop is driving the job in this status.
func (s Status) Active() bool { return s == StatusRunning || s == StatusResting }

// Target is one recipient. Address is channel specific (for Telegram:
// "<chat_id>" or "<chat_id>:<thread_id>"); Message is the rendered text.
type Target struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Result is the outcome of a single delivery.
type Result struct {
	OK    bool
	Error string
}

func Delivered() Result { return Result{OK: true} }

func Failed(err error) Result {
	if err == nil {
		return Result{Error: "unknown error"}
	}
	return Result{Error: err.Error()}
}

// Deliverer transmits one message to one target. It must not retry; the job
// calls it at most once per target per run.
type Deliverer interface {
	Deliver(ctx context.Context, t Target) Result
}

type DelivererFunc func(ctx context.Context, t Target) Result

func (f DelivererFunc) Deliver(ctx context.Context, t Target) Result { return f(ctx, t) }

// JobContext tells a TargetProvider which recipients to load.
type JobContext struct {
	Name    string
	Source  string
	Message string
	Params  map[string]string
}

// TargetProvider loads the ordered target list for a job. It is invoked once
// before the job exists and never re-queried mid-run.
type TargetProvider interface {
	LoadTargets(ctx context.Context, jc JobContext) ([]Target, error)
}

type TargetProviderFunc func(ctx context.Context, jc JobContext) ([]Target, error)

func (f TargetProviderFunc) LoadTargets(ctx context.Context, jc JobContext) ([]Target, error) {
	return f(ctx, jc)
}

// EventKind describes what changed in a Snapshot.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventStarted   EventKind = "started"
	EventWaiting   EventKind = "waiting"
	EventResting   EventKind = "resting"
	EventDelivered EventKind = "delivered"
	EventFailed    EventKind = "failed"
	EventPaused    EventKind = "paused"
	EventCompleted EventKind = "completed"
)

// WaitKind names the wait a countdown belongs to.
type WaitKind string

const (
	WaitNone   WaitKind = ""
	WaitJitter WaitKind = "jitter"
	WaitDelay  WaitKind = "delay"
	WaitRest   WaitKind = "rest"
)

// Snapshot is an immutable view of a job at one point of its loop.
// Cursor == Success+Failed always holds.
type Snapshot struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Event     EventKind `json:"event"`
	Cursor    int       `json:"cursor"`
	Total     int       `json:"total"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	Rests     int       `json:"rests"`
	Wait      WaitKind  `json:"wait,omitempty"`
	Countdown int       `json:"countdown"` // seconds left in the active wait
	Log       string    `json:"log,omitempty"`
	At        time.Time `json:"at"`
}

// Remaining returns how many targets have not been attempted yet.
func (s Snapshot) Remaining() int { return s.Total - s.Cursor }

// Observer receives snapshots. Implementations must return quickly: they are
// invoked from the job loop, up to about once per tick while waiting.
type Observer interface {
	Observe(s Snapshot)
}

type ObserverFunc func(s Snapshot)

func (f ObserverFunc) Observe(s Snapshot) { f(s) }

type nopObserver struct{}

func (nopObserver) Observe(Snapshot) {}

var (
	// ErrInvalidTransition is returned when an operation is not legal in the
	// job's current status. The job is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")
	ErrJobNotFound       = errors.New("broadcast job not found")
	ErrNotRunning        = errors.New("broadcast service not running")
)

// TransitionError carries the status a rejected operation was attempted from.
type TransitionError struct {
	Op     string
	From   Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s from %s: %s", ErrInvalidTransition, e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("%s: %s from %s", ErrInvalidTransition, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// LoadError reports a TargetProvider failure. No job is created.
type LoadError struct {
	Job    string
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("load targets for %q from %q: %v", e.Job, e.Source, e.Err)
	}
	return fmt.Sprintf("load targets for %q: %v", e.Job, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
