package progress

import (
	"context"
	"sync"
	"time"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/storage"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// AuditObserver appends job lifecycle changes (created, started, resumed,
// paused, completed) to the audit store. Per-target events are not audited.
type AuditObserver struct {
	store storage.Store
	log   logx.Logger

	mu      sync.Mutex
	started map[string]time.Time
}

func NewAuditObserver(store storage.Store, log logx.Logger) *AuditObserver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AuditObserver{store: store, log: log, started: map[string]time.Time{}}
}

func (o *AuditObserver) Observe(s broadcast.Snapshot) {
	e := storage.AuditEntry{
		At:      s.At,
		JobID:   s.JobID,
		JobName: s.Name,
		Cursor:  s.Cursor,
		Total:   s.Total,
		OK:      s.Success,
		Fail:    s.Failed,
	}
	switch s.Event {
	case broadcast.EventCreated:
		e.Action = storage.ActionCreated
	case broadcast.EventStarted:
		e.Action = storage.ActionStarted
		if s.Cursor > 0 {
			e.Action = storage.ActionResumed
		}
		o.mu.Lock()
		o.started[s.JobID] = s.At
		o.mu.Unlock()
	case broadcast.EventPaused, broadcast.EventCompleted:
		e.Action = storage.ActionPaused
		if s.Event == broadcast.EventCompleted {
			e.Action = storage.ActionCompleted
		}
		o.mu.Lock()
		if at, ok := o.started[s.JobID]; ok {
			e.TookMS = s.At.Sub(at).Milliseconds()
			delete(o.started, s.JobID)
		}
		o.mu.Unlock()
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.store.AppendAudit(ctx, e); err != nil {
		o.log.Warn("audit append failed", logx.String("job", s.JobID), logx.String("action", e.Action), logx.Err(err))
	}
}
