package broadcast

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/add146/pendaftaran-sub000/internal/runtime/supervisor"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

type Config struct {
	Pacing Pacing
	// StatusMax and StatusTTL bound how many finished jobs are retained.
	StatusMax int
	StatusTTL time.Duration
}

// JobSpec describes a job to create. Provider overrides the service default.
type JobSpec struct {
	Name     string
	Source   string
	Message  string
	Params   map[string]string
	Provider TargetProvider
}

type entry struct {
	job  *Job
	done chan struct{} // closed when the active run returns; nil when idle
}

type ServiceOption func(*Service)

func WithServiceClock(c Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithServiceObserver(o Observer) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithRandSource(r RandSource) ServiceOption {
	return func(s *Service) { s.rnd = r }
}

func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Service keeps the broadcast jobs of the process and runs each job's loop
// on its supervisor, so HTTP, Telegram and the scheduler can share them.
type Service struct {
	mu sync.Mutex

	cfg       Config
	provider  TargetProvider
	deliverer Deliverer
	rate      *RateController
	rnd       RandSource
	clock     Clock
	observer  Observer
	log       logx.Logger
	newID     func() string

	sup  *supervisor.Supervisor
	jobs map[string]*entry
}

func NewService(cfg Config, provider TargetProvider, deliverer Deliverer, log logx.Logger, opts ...ServiceOption) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg,
		provider:  provider,
		deliverer: deliverer,
		clock:     RealClock(),
		observer:  nopObserver{},
		log:       log,
		newID:     func() string { return "bc-" + uuid.NewString() },
		jobs:      map[string]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	s.rate = NewRateController(cfg.Pacing, s.rnd)
	return s
}

// Apply swaps the pacing for every job, including running ones, and the
// retention bounds.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.rate.SetPacing(cfg.Pacing)
	s.log.Info("pacing updated", logx.Duration("delay_min", s.rate.Pacing().DelayMin), logx.Duration("delay_max", s.rate.Pacing().DelayMax), logx.Int("batch_size", s.rate.Pacing().BatchSize))
}

func (s *Service) Pacing() Pacing { return s.rate.Pacing() }

// Start opens the service for job runs. Jobs run under ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	p := s.rate.Pacing()
	s.log.Info("service started",
		logx.Duration("delay_min", p.DelayMin), logx.Duration("delay_max", p.DelayMax),
		logx.Int("batch_size", p.BatchSize), logx.Duration("rest", p.Rest))
}

// Stop pauses every running job at its next checkpoint and waits for the
// loops to return (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	for _, e := range s.jobs {
		if e.done != nil {
			e.job.RequestCancel()
		}
	}
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("stop wait ended early", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// NewJob loads the targets once and registers an Idle job. A provider
// failure returns a *LoadError and registers nothing.
func (s *Service) NewJob(ctx context.Context, spec JobSpec) (JobInfo, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = "broadcast"
	}
	provider := spec.Provider
	if provider == nil {
		provider = s.provider
	}
	if provider == nil {
		return JobInfo{}, &LoadError{Job: name, Source: spec.Source, Err: errors.New("no target provider configured")}
	}

	targets, err := provider.LoadTargets(ctx, JobContext{Name: name, Source: spec.Source, Message: spec.Message, Params: spec.Params})
	if err != nil {
		s.log.Warn("target load failed", logx.String("name", name), logx.String("source", spec.Source), logx.Err(err))
		return JobInfo{}, &LoadError{Job: name, Source: spec.Source, Err: err}
	}
	if spec.Message != "" {
		for i := range targets {
			if targets[i].Message == "" {
				targets[i].Message = spec.Message
			}
		}
	}

	id := s.newID()
	j := NewJob(id, name, targets, s.deliverer, s.rate,
		WithClock(s.clock),
		WithObserver(s.observer),
		WithLogger(s.log.With(logx.String("job", id))),
	)
	s.mu.Lock()
	s.jobs[id] = &entry{job: j}
	s.mu.Unlock()
	s.pruneJobs(s.clock.Now())

	s.log.Info("broadcast job created", logx.String("job", id), logx.String("name", name), logx.Int("total", len(targets)))
	s.observer.Observe(j.Snapshot())
	return j.Info(), nil
}

// StartJob starts or resumes a job in the background. Transition errors are
// returned synchronously; the job is unchanged when one is returned.
func (s *Service) StartJob(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	sup := s.sup
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, ErrJobNotFound
	}
	if sup == nil {
		s.mu.Unlock()
		return Snapshot{}, ErrNotRunning
	}
	op := "start"
	if e.job.Snapshot().Status == StatusPaused {
		op = "resume"
	}
	if err := e.job.claim(op); err != nil {
		s.mu.Unlock()
		return e.job.Snapshot(), err
	}
	done := make(chan struct{})
	e.done = done
	s.mu.Unlock()

	j := e.job
	sup.Go("broadcast.job."+id, func(c context.Context) error {
		defer func() {
			s.mu.Lock()
			if e.done == done {
				e.done = nil
			}
			s.mu.Unlock()
			close(done)
		}()
		start := time.Now()
		j.run(c)
		snap := j.Snapshot()
		fields := []logx.Field{
			logx.String("job", id), logx.String("name", j.Name()),
			logx.String("status", string(snap.Status)),
			logx.Int("cursor", snap.Cursor), logx.Int("total", snap.Total),
			logx.Int("failed", snap.Failed), logx.Duration("dur", time.Since(start)),
		}
		switch {
		case snap.Status == StatusCompleted && snap.Failed > 0:
			s.log.Warn("broadcast job finished with failures", fields...)
		case snap.Status == StatusCompleted:
			s.log.Info("broadcast job finished", fields...)
		default:
			s.log.Info("broadcast job paused", fields...)
		}
		return nil
	})
	msg := "broadcast job started"
	if op == "resume" {
		msg = "broadcast job resumed"
	}
	s.log.Info(msg, logx.String("job", id), logx.String("name", j.Name()), logx.Int("cursor", j.Snapshot().Cursor))
	return j.Snapshot(), nil
}

// CancelJob asks a job to pause at its next checkpoint.
func (s *Service) CancelJob(id string) (Snapshot, error) {
	j, ok := s.Job(id)
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	j.RequestCancel()
	s.log.Info("broadcast cancel requested", logx.String("job", id))
	return j.Snapshot(), nil
}

// Wait blocks until the job's active run returns. It returns immediately
// when no run is active.
func (s *Service) Wait(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	var done chan struct{}
	if ok {
		done = e.done
	}
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return e.job.Snapshot(), ctx.Err()
		}
	}
	return e.job.Snapshot(), nil
}

func (s *Service) Job(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return e.job, true
}

func (s *Service) Status(id string) (JobInfo, bool) {
	j, ok := s.Job(id)
	if !ok {
		return JobInfo{}, false
	}
	return j.Info(), true
}

// FindByName returns the most recently created job with the given name.
func (s *Service) FindByName(name string) (JobInfo, bool) {
	var (
		best  JobInfo
		found bool
	)
	for _, info := range s.List() {
		if info.Name != name {
			continue
		}
		if !found || info.CreatedAt.After(best.CreatedAt) {
			best, found = info, true
		}
	}
	return best, found
}

// List returns every retained job, newest first.
func (s *Service) List() []JobInfo {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Info())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].JobID < out[b].JobID
	})
	return out
}

// ActiveCount returns how many jobs have a run in progress.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.jobs {
		if e.done != nil {
			n++
		}
	}
	return n
}
