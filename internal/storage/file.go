package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// fileStore keeps everything in plain files next to cfg.Path:
//
//   - <prefix>.audit.jsonl    one JSON object per finished delivery or job
//   - <prefix>.once_per.json  open once_per windows of scheduled jobs
//
// Schedules fire a few times a day at most, so the window file is rewritten
// whole on every change.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File

	windowsPath string
	windows     map[string]time.Time // schedule key -> end of its once_per window
	closed      bool
}

// windowFile is the on-disk layout of <prefix>.once_per.json.
type windowFile struct {
	Saved   time.Time            `json:"saved"`
	Windows map[string]time.Time `json:"windows"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	windowsPath := prefix + ".once_per.json"
	windows, err := readWindows(windowsPath, time.Now())
	if err != nil {
		// a damaged window file only means a schedule may fire once more
		log.Warn("once_per windows unreadable; starting empty", logx.String("path", windowsPath), logx.Err(err))
		windows = map[string]time.Time{}
	}

	return &fileStore{
		log:         log,
		auditPath:   auditPath,
		auditFile:   af,
		windowsPath: windowsPath,
		windows:     windows,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentAudit(ctx context.Context, jobID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	closed := s.auditFile == nil
	s.mu.Unlock()
	if closed {
		return nil, errors.New("audit file closed")
	}

	f, err := os.Open(s.auditPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// ring of the last limit matches
	ring := make([]AuditEntry, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if jobID != "" && e.JobID != jobID {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, e)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}

// PutMark opens a once_per window for a schedule key until the given time.
func (s *fileStore) PutMark(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store closed")
	}
	prev, had := s.windows[key]
	s.windows[key] = until
	if err := s.saveWindowsLocked(); err != nil {
		if had {
			s.windows[key] = prev
		} else {
			delete(s.windows, key)
		}
		return err
	}
	return nil
}

// GetMark returns the end of the key's window. A window that already ended
// may still be returned; the scheduler compares it against its own clock.
func (s *fileStore) GetMark(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.windows[key]
	return until, ok, nil
}

func (s *fileStore) saveWindowsLocked() error {
	now := time.Now()
	for k, until := range s.windows {
		if until.Before(now) {
			delete(s.windows, k)
		}
	}
	b, err := json.MarshalIndent(windowFile{Saved: now, Windows: s.windows}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.windowsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.windowsPath)
}

// readWindows loads the window file, dropping windows that ended before now.
// A missing file is an empty set.
func readWindows(path string, now time.Time) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	var wf windowFile
	if err := json.Unmarshal(b, &wf); err != nil {
		return nil, err
	}
	for k, until := range wf.Windows {
		if k != "" && !until.Before(now) {
			out[k] = until
		}
	}
	return out, nil
}
