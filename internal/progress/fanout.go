package progress

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/runtime/supervisor"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

const defaultBuffer = 64

type sink struct {
	name    string
	obs     broadcast.Observer
	ch      chan broadcast.Snapshot
	dropped atomic.Uint64
}

// Fanout hands every snapshot to a set of observers, each drained by its own
// goroutine behind a bounded buffer, so a slow observer (network, disk) never
// stalls a job loop.
//
// When a buffer is full, countdown ticks are dropped first; any other
// snapshot evicts the oldest queued one instead.
type Fanout struct {
	log    logx.Logger
	buffer int

	mu     sync.RWMutex
	sinks  []*sink
	closed bool
	sup    *supervisor.Supervisor
}

var _ broadcast.Observer = (*Fanout)(nil)

func NewFanout(buffer int, log logx.Logger) *Fanout {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fanout{log: log, buffer: buffer}
}

// Add registers an observer. It must be called before Start.
func (f *Fanout) Add(name string, obs broadcast.Observer) {
	if obs == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, &sink{name: name, obs: obs, ch: make(chan broadcast.Snapshot, f.buffer)})
	f.mu.Unlock()
}

func (f *Fanout) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		out = append(out, s.name)
	}
	return out
}

func (f *Fanout) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sup != nil || f.closed {
		return
	}
	f.sup = supervisor.New(ctx, supervisor.WithLogger(f.log))
	for _, s := range f.sinks {
		s := s
		f.sup.Go0("progress."+s.name, func(context.Context) {
			// drain until Stop closes the channel so terminal snapshots are
			// not lost on shutdown
			for snap := range s.ch {
				f.deliver(s, snap)
			}
		})
	}
}

func (f *Fanout) deliver(s *sink, snap broadcast.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("progress observer panicked", logx.String("observer", s.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	s.obs.Observe(snap)
}

func (f *Fanout) Observe(snap broadcast.Snapshot) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, s := range f.sinks {
		select {
		case s.ch <- snap:
			continue
		default:
		}
		if snap.Event == broadcast.EventWaiting {
			s.dropped.Add(1)
			continue
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- snap:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped returns the number of snapshots each observer missed.
func (f *Fanout) Dropped() map[string]uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]uint64, len(f.sinks))
	for _, s := range f.sinks {
		out[s.name] = s.dropped.Load()
	}
	return out
}

// Stop closes the buffers and waits (bounded by ctx) for the observers to
// drain what is queued.
func (f *Fanout) Stop(ctx context.Context) error {
	start := time.Now()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, s := range f.sinks {
		close(s.ch)
	}
	sup := f.sup
	f.mu.Unlock()

	if sup == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil {
		return fmt.Errorf("progress fanout stop: %w", err)
	}
	for name, n := range f.Dropped() {
		if n > 0 {
			f.log.Warn("progress snapshots dropped", logx.String("observer", name), logx.Uint64("count", n))
		}
	}
	f.log.Debug("progress fanout stopped", logx.Duration("took", time.Since(start)))
	return nil
}
