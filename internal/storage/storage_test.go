package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

func openTest(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broadcast.db")
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path should fail")
	}
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTest(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

			entries := []AuditEntry{
				{At: base, Actor: "http", Action: ActionCreated, JobID: "a", JobName: "wave", Total: 3},
				{At: base.Add(time.Second), Actor: "http", Action: ActionStarted, JobID: "a", Total: 3},
				{At: base.Add(2 * time.Second), Actor: "scheduler", Action: ActionCreated, JobID: "b", Total: 1},
				{At: base.Add(3 * time.Second), Action: ActionCompleted, JobID: "a", Cursor: 3, Total: 3, OK: 2, Fail: 1, TookMS: 1500},
			}
			for _, e := range entries {
				if err := st.AppendAudit(ctx, e); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := st.RecentAudit(ctx, "a", 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("got %d entries, want 2", len(got))
			}
			if got[0].Action != ActionCompleted || got[1].Action != ActionStarted {
				t.Fatalf("want newest first, got %s, %s", got[0].Action, got[1].Action)
			}
			if got[0].OK != 2 || got[0].Fail != 1 || got[0].TookMS != 1500 {
				t.Fatalf("counters not kept: %+v", got[0])
			}
			if !got[0].At.Equal(base.Add(3 * time.Second)) {
				t.Fatalf("at=%v", got[0].At)
			}

			all, err := st.RecentAudit(ctx, "", 10)
			if err != nil || len(all) != 4 {
				t.Fatalf("all: n=%d err=%v", len(all), err)
			}

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutMark(ctx, "sched:daily", until); err != nil {
				t.Fatalf("put mark: %v", err)
			}
			v, ok, err := st.GetMark(ctx, "sched:daily")
			if err != nil || !ok || !v.Equal(until) {
				t.Fatalf("get mark: v=%v ok=%v err=%v", v, ok, err)
			}
			if _, ok, _ := st.GetMark(ctx, "sched:missing"); ok {
				t.Fatalf("missing mark reported present")
			}
		})
	}
}

func TestFileStoreMarksSurviveReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutMark(ctx, "keep", until); err != nil {
		t.Fatal(err)
	}
	if err := st.PutMark(ctx, "expired", time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if v, ok, _ := st.GetMark(ctx, "keep"); !ok || !v.Equal(until) {
		t.Fatalf("keep mark lost: %v %v", v, ok)
	}
	if _, ok, _ := st.GetMark(ctx, "expired"); ok {
		t.Fatalf("expired mark should be pruned on open")
	}
}

func TestFileStoreOncePerWindowFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	windows := filepath.Join(dir, "state.once_per.json")
	if err := os.WriteFile(windows, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("damaged window file must not block open: %v", err)
	}
	if _, ok, _ := st.GetMark(ctx, "sched:daily"); ok {
		t.Fatalf("damaged window file should read as empty")
	}
	if err := st.PutMark(ctx, "sched:daily", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(windows)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"sched:daily"`) {
		t.Fatalf("window file missing key: %s", b)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.PutMark(ctx, "sched:daily", time.Now().Add(time.Hour)); err == nil {
		t.Fatalf("PutMark after Close should fail")
	}
}
