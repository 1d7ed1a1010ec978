package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// Store is the persistence API used by the broadcast runtime.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first. An empty jobID
	// matches every job.
	RecentAudit(ctx context.Context, jobID string, limit int) ([]AuditEntry, error)
	PutMark(ctx context.Context, key string, until time.Time) error
	GetMark(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
