package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/storage"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Schedule runs a named job on a cron spec.
type Schedule struct {
	Spec string
	Job  broadcast.JobSpec
	// OncePer suppresses further runs for this long after a successful
	// trigger. The window is kept in the mark store so it survives restarts.
	OncePer time.Duration
}

// Jobs is the part of broadcast.Service the scheduler drives.
type Jobs interface {
	NewJob(ctx context.Context, spec broadcast.JobSpec) (broadcast.JobInfo, error)
	StartJob(ctx context.Context, id string) (broadcast.Snapshot, error)
	FindByName(name string) (broadcast.JobInfo, bool)
}

// Marks is the part of storage.Store used for OncePer windows.
type Marks interface {
	PutMark(ctx context.Context, key string, until time.Time) error
	GetMark(ctx context.Context, key string) (time.Time, bool, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Outcome of one trigger.
type Outcome string

const (
	OutcomeStarted    Outcome = "started"
	OutcomeResumed    Outcome = "resumed"
	OutcomeSkipActive Outcome = "skipped_active"
	OutcomeSkipMark   Outcome = "skipped_once_per"
	OutcomeFailed     Outcome = "failed"
)

type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type scheduleDef struct {
	name    string
	spec    string
	sched   Schedule
	entryID cron.EntryID
}

// Service is a trigger-only scheduler: on each tick it creates or resumes
// the named broadcast job. Job runs happen on the broadcast service.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	jobs  Jobs
	marks Marks // optional
	now   func() time.Time

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef
}

func New(cfg Config, jobs Jobs, marks Marks, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		jobs:  jobs,
		marks: marks,
		now:   time.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply replaces the config and the schedule set. Invalid specs are logged
// and skipped; the first error is returned.
func (s *Service) Apply(cfg Config, schedules map[string]Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	var firstErr error
	defs := make([]scheduleDef, 0, len(schedules))
	for name, sc := range schedules {
		spec, err := NormalizeSpec(sc.Spec)
		if err == nil {
			_, err = s.parser.Parse(spec)
		}
		if err != nil {
			s.log.Error("invalid schedule", logx.String("name", name), logx.String("spec", sc.Spec), logx.Err(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("schedule %q: %w", name, err)
			}
			continue
		}
		if sc.Job.Name == "" {
			sc.Job.Name = name
		}
		defs = append(defs, scheduleDef{name: name, spec: spec, sched: sc})
	}
	s.defs = defs

	if s.c != nil {
		if !cfg.Enabled {
			s.stopLocked()
		} else if tzChanged {
			s.stopLocked()
			s.startLocked()
		} else {
			for _, e := range s.c.Entries() {
				s.c.Remove(e.ID)
			}
			s.registerLocked()
		}
	}
	return firstErr
}

// Start starts cron triggering when enabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.registerLocked()
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) registerLocked() {
	for i := range s.defs {
		d := &s.defs[i]
		name, sc := d.name, d.sched
		id, err := s.c.AddFunc(d.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			s.Trigger(ctx, name, sc)
		})
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", d.spec), logx.Err(err))
			continue
		}
		d.entryID = id
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", d.spec), logx.String("next", s.previewNextLocked(d.spec, 3)))
	}
}

// Stop stops cron triggering. In-flight triggers finish (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) stopLocked() {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
}

// Snapshot lists registered schedules with their next and previous runs.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

// Trigger runs one tick for the named schedule: resume the latest job with
// that name when it is idle or paused, skip it when it is still running,
// otherwise create a fresh job and start it.
func (s *Service) Trigger(ctx context.Context, name string, sc Schedule) Outcome {
	log := s.log.With(logx.String("schedule", name), logx.String("job_name", sc.Job.Name))
	markKey := "sched:" + name

	if sc.OncePer > 0 && s.marks != nil {
		until, ok, err := s.marks.GetMark(ctx, markKey)
		if err != nil {
			log.Warn("mark read failed", logx.Err(err))
		} else if ok && s.now().Before(until) {
			log.Debug("schedule suppressed by once_per window", logx.Time("until", until))
			return OutcomeSkipMark
		}
	}

	outcome, id, err := s.startOrResume(ctx, sc.Job)
	if err != nil {
		log.Warn("scheduled broadcast failed", logx.Err(err))
		var le *broadcast.LoadError
		if s.marks != nil && errors.As(err, &le) {
			s.audit(ctx, storage.AuditEntry{Action: storage.ActionLoadFailed, JobName: sc.Job.Name, Error: le.Err.Error()})
		}
		return OutcomeFailed
	}
	if outcome == OutcomeSkipActive {
		log.Info("scheduled broadcast skipped; job still running", logx.String("job", id))
		return outcome
	}
	log.Info("scheduled broadcast "+string(outcome), logx.String("job", id))

	if sc.OncePer > 0 && s.marks != nil {
		if err := s.marks.PutMark(ctx, markKey, s.now().Add(sc.OncePer)); err != nil {
			log.Warn("mark write failed", logx.Err(err))
		}
	}
	return outcome
}

func (s *Service) startOrResume(ctx context.Context, spec broadcast.JobSpec) (Outcome, string, error) {
	if info, ok := s.jobs.FindByName(spec.Name); ok {
		switch info.Status {
		case broadcast.StatusRunning, broadcast.StatusResting:
			return OutcomeSkipActive, info.JobID, nil
		case broadcast.StatusIdle, broadcast.StatusPaused:
			if _, err := s.jobs.StartJob(ctx, info.JobID); err != nil {
				if errors.Is(err, broadcast.ErrInvalidTransition) {
					// lost a race with another operator start
					return OutcomeSkipActive, info.JobID, nil
				}
				return OutcomeFailed, info.JobID, err
			}
			if info.Status == broadcast.StatusPaused {
				return OutcomeResumed, info.JobID, nil
			}
			return OutcomeStarted, info.JobID, nil
		}
	}
	info, err := s.jobs.NewJob(ctx, spec)
	if err != nil {
		return OutcomeFailed, "", err
	}
	if _, err := s.jobs.StartJob(ctx, info.JobID); err != nil {
		return OutcomeFailed, info.JobID, err
	}
	return OutcomeStarted, info.JobID, nil
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	e.At = s.now()
	e.Actor = "scheduler"
	if err := s.marks.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextLocked returns the next n run times for spec. Call with s.mu held.
func (s *Service) previewNextLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := s.now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}

// cronLogger adapts logx to cron.Logger for the Recover and
// SkipIfStillRunning wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
