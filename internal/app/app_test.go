package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/config"
	"github.com/add146/pendaftaran-sub000/internal/storage"
)

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	rc, err := resolve(&config.Config{})
	require.NoError(t, err)

	assert.Equal(t, broadcast.DefaultPacing(), rc.broadcast.Pacing)
	assert.Equal(t, 100, rc.broadcast.StatusMax)
	assert.Equal(t, 24*time.Hour, rc.broadcast.StatusTTL)
	assert.Equal(t, 10*time.Second, rc.poll)
	assert.Equal(t, 30*time.Second, rc.delivery.Timeout)
	assert.False(t, rc.storageOn)
	assert.Nil(t, rc.sql)
	assert.Nil(t, rc.status)
	assert.Nil(t, rc.redis)
	assert.Empty(t, rc.schedules)
}

func TestResolveMapsSections(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Broadcast: config.BroadcastConfig{DelayMin: "30s", DelayMax: "10s", BatchSize: -1, Tick: "250ms"},
		Storage:   &config.StorageConfig{Driver: "SQLite", Path: "b.db"},
		Progress: config.ProgressConfig{
			Telegram: config.ProgressTelegram{Enabled: true, ChatID: -100, ThreadID: 3},
			Redis:    &config.ProgressRedis{Enabled: true, Addr: "localhost:6379", TTL: "1h"},
		},
		Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "Asia/Jakarta"},
		Jobs: map[string]config.JobConfig{
			"welcome":  {Source: "p.csv", Message: "Halo", Schedule: "0 9 * * *", OncePer: "20h"},
			"adhoc":    {Source: "p.csv"},
			"reminder": {Source: "sql:pending", Schedule: "02:00", Params: map[string]string{"event": "x"}},
		},
	}
	rc, err := resolve(cfg)
	require.NoError(t, err)

	// inverted range is repaired, negative batch kept
	assert.Equal(t, 30*time.Second, rc.broadcast.Pacing.DelayMax)
	assert.Equal(t, -1, rc.broadcast.Pacing.BatchSize)
	assert.Equal(t, 250*time.Millisecond, rc.broadcast.Pacing.Tick)

	assert.True(t, rc.storageOn)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "b.db", BusyTimeout: time.Second}, rc.storage)

	require.NotNil(t, rc.status)
	assert.Equal(t, int64(-100), rc.status.Chat.ChatID)
	require.NotNil(t, rc.redis)
	assert.Equal(t, time.Hour, rc.redis.TTL)

	require.Len(t, rc.schedules, 2)
	assert.Equal(t, 20*time.Hour, rc.schedules["welcome"].OncePer)
	assert.Equal(t, "welcome", rc.schedules["welcome"].Job.Name)
	assert.Equal(t, map[string]string{"event": "x"}, rc.schedules["reminder"].Job.Params)
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]*config.Config{
		"timezone": {Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}},
		"schedule": {Jobs: map[string]config.JobConfig{"a": {Source: "x.csv", Schedule: "whenever"}}},
		"storage":  {Storage: &config.StorageConfig{Driver: "sqlite"}},
		"duration": {HTTP: config.HTTPConfig{ReadTimeout: "fast"}},
	}
	for name, cfg := range cases {
		_, err := resolve(cfg)
		assert.Error(t, err, name)
	}
}

const appConfig = `{
  "logging": {"level": "warn", "console": true},
  "broadcast": {"jitter_min": "1ms", "jitter_max": "1ms", "delay_min": "1ms", "delay_max": "2ms", "batch_size": -1, "tick": "1ms"},
  "targets": {"base_dir": %q},
  "storage": {"driver": "file", "path": %q},
  "jobs": {"welcome": {"source": "people.csv", "message": "Halo {name}"}}
}`

func TestAppRunsNamedJobWithoutTelegram(t *testing.T) {
	t.Setenv(config.EnvTelegramToken, "")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "people.csv"), []byte("id,name,address\n1,Ana,1001\n2,Budi,1002\n"), 0o600))
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(appConfig, dir, filepath.Join(dir, "state"))), 0o600))

	a, err := NewApp(cfgPath)
	require.NoError(t, err)
	require.Nil(t, a.adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	spec, ok := a.namedJob("welcome")
	require.True(t, ok)
	info, err := a.Service().NewJob(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Total)
	_, err = a.Service().StartJob(ctx, info.JobID)
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	defer wcancel()
	snap, err := a.Service().Wait(wctx, info.JobID)
	require.NoError(t, err)
	assert.Equal(t, broadcast.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.Success)

	// the audit observer runs behind the fan-out
	require.Eventually(t, func() bool {
		entries, err := a.store.RecentAudit(ctx, info.JobID, 10)
		return err == nil && len(entries) > 0 && entries[0].Action == storage.ActionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	require.NoError(t, a.Stop(sctx, StopAppStop))
}
