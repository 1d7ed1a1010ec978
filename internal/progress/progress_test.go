package progress

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/eventbus"
	"github.com/add146/pendaftaran-sub000/internal/storage"
	kit "github.com/add146/pendaftaran-sub000/internal/transport"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

func snap(event broadcast.EventKind, status broadcast.Status, cursor, total int) broadcast.Snapshot {
	return broadcast.Snapshot{
		JobID: "job-1", Name: "wave", Event: event, Status: status,
		Cursor: cursor, Total: total, Success: cursor, At: time.Date(2026, 1, 1, 0, 0, cursor, 0, time.UTC),
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	s := snap(broadcast.EventWaiting, broadcast.StatusRunning, 5, 20)
	s.Failed, s.Success = 1, 4
	s.Wait, s.Countdown = broadcast.WaitDelay, 125
	s.Log = "[5/20] failed Ani (a): blocked"

	got := Format(s)
	assert.Contains(t, got, "Broadcast wave [RUNNING]")
	assert.Contains(t, got, "[#####...............] 5/20 (25%)")
	assert.Contains(t, got, "ok 4 · failed 1 · rests 0")
	assert.Contains(t, got, "next send in 2m05s")
	assert.Contains(t, got, "blocked")

	s.Wait, s.Countdown = broadcast.WaitRest, 40
	assert.Contains(t, Format(s), "resting, next batch in 40s")

	empty := snap(broadcast.EventCompleted, broadcast.StatusCompleted, 0, 0)
	assert.Contains(t, Format(empty), "0/0 (100%)")
}

type collect struct {
	mu    sync.Mutex
	snaps []broadcast.Snapshot
	block chan struct{}
}

func (c *collect) Observe(s broadcast.Snapshot) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func (c *collect) events() []broadcast.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broadcast.EventKind, 0, len(c.snaps))
	for _, s := range c.snaps {
		out = append(out, s.Event)
	}
	return out
}

func TestFanoutDeliversToAllInOrder(t *testing.T) {
	t.Parallel()
	a, b := &collect{}, &collect{}
	f := NewFanout(16, logx.Nop())
	f.Add("a", a)
	f.Add("b", b)
	f.Add("panics", broadcast.ObserverFunc(func(broadcast.Snapshot) { panic("boom") }))
	f.Start(context.Background())

	f.Observe(snap(broadcast.EventStarted, broadcast.StatusRunning, 0, 2))
	f.Observe(snap(broadcast.EventDelivered, broadcast.StatusRunning, 1, 2))
	f.Observe(snap(broadcast.EventCompleted, broadcast.StatusCompleted, 2, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))

	want := []broadcast.EventKind{broadcast.EventStarted, broadcast.EventDelivered, broadcast.EventCompleted}
	assert.Equal(t, want, a.events())
	assert.Equal(t, want, b.events())

	// after Stop snapshots are ignored
	f.Observe(snap(broadcast.EventStarted, broadcast.StatusRunning, 0, 2))
	assert.Len(t, a.events(), 3)
}

func TestFanoutNeverBlocksAndKeepsTerminalSnapshots(t *testing.T) {
	t.Parallel()
	slow := &collect{block: make(chan struct{})}
	f := NewFanout(2, logx.Nop())
	f.Add("slow", slow)
	f.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			f.Observe(snap(broadcast.EventWaiting, broadcast.StatusRunning, 1, 2))
		}
		f.Observe(snap(broadcast.EventCompleted, broadcast.StatusCompleted, 2, 2))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Observe blocked on a slow observer")
	}

	close(slow.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))

	events := slow.events()
	require.NotEmpty(t, events)
	assert.Equal(t, broadcast.EventCompleted, events[len(events)-1])
	assert.Positive(t, f.Dropped()["slow"])
}

type fakeSender struct {
	mu    sync.Mutex
	sends []string
	edits []string
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 100 + len(f.sends)}, nil
}

func (f *fakeSender) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func TestTelegramStatusThrottlesButFlushesStateChanges(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	ts := NewTelegramStatus(TelegramStatusConfig{Chat: kit.ChatTarget{ChatID: 1}, Interval: time.Hour}, s, logx.Nop())

	ts.Observe(snap(broadcast.EventCreated, broadcast.StatusIdle, 0, 3))
	ts.Observe(snap(broadcast.EventStarted, broadcast.StatusRunning, 0, 3))
	for i := 1; i <= 2; i++ {
		ts.Observe(snap(broadcast.EventDelivered, broadcast.StatusRunning, i, 3))
	}
	ts.Observe(snap(broadcast.EventCompleted, broadcast.StatusCompleted, 3, 3))

	require.Len(t, s.sends, 1, "created is skipped; started opens the status message")
	// the first delivery uses the limiter token; the second is throttled
	require.Len(t, s.edits, 2)
	assert.Contains(t, s.edits[1], "COMPLETED")
	assert.Zero(t, ts.Tracked())
}

type fakeRedis struct {
	mu   sync.Mutex
	pubs map[string][]string
	sets map[string]string
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs[channel] = append(f.pubs[channel], string(message.([]byte)))
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[key] = string(value.([]byte))
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func TestRedisPublisher(t *testing.T) {
	t.Parallel()
	fr := &fakeRedis{pubs: map[string][]string{}, sets: map[string]string{}}
	p := NewRedisPublisher(RedisConfig{Prefix: "pendaftaran:"}, fr, logx.Nop())

	p.Observe(snap(broadcast.EventDelivered, broadcast.StatusRunning, 1, 2))
	p.Observe(snap(broadcast.EventWaiting, broadcast.StatusRunning, 1, 2))

	require.Len(t, fr.pubs["pendaftaran:job-1"], 2)
	var got broadcast.Snapshot
	require.NoError(t, json.Unmarshal([]byte(fr.sets["pendaftaran:last:job-1"]), &got))
	assert.Equal(t, broadcast.EventDelivered, got.Event, "countdown ticks do not overwrite the last snapshot")
	assert.Equal(t, 1, got.Cursor)
}

func TestBusObserver(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TypeProgress)
	defer unsub()

	NewBusObserver(bus).Observe(snap(broadcast.EventPaused, broadcast.StatusPaused, 1, 2))

	e := <-ch
	s, ok := e.Data.(broadcast.Snapshot)
	require.True(t, ok)
	assert.Equal(t, broadcast.StatusPaused, s.Status)
}

func TestAuditObserverRecordsLifecycle(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	o := NewAuditObserver(st, logx.Nop())
	o.Observe(snap(broadcast.EventCreated, broadcast.StatusIdle, 0, 4))
	o.Observe(snap(broadcast.EventStarted, broadcast.StatusRunning, 0, 4))
	o.Observe(snap(broadcast.EventDelivered, broadcast.StatusRunning, 1, 4))
	o.Observe(snap(broadcast.EventPaused, broadcast.StatusPaused, 2, 4))
	o.Observe(snap(broadcast.EventStarted, broadcast.StatusRunning, 2, 4))
	o.Observe(snap(broadcast.EventCompleted, broadcast.StatusCompleted, 4, 4))

	got, err := st.RecentAudit(context.Background(), "job-1", 10)
	require.NoError(t, err)
	actions := make([]string, 0, len(got))
	for _, e := range got {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{storage.ActionCompleted, storage.ActionResumed, storage.ActionPaused, storage.ActionStarted, storage.ActionCreated}, actions)
	assert.Equal(t, int64(2000), got[0].TookMS)
	assert.Equal(t, int64(2000), got[2].TookMS)
}
