package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 10s
logging:
  level: debug
  console: true
broadcast:
  delay_min: 30s
  delay_max: 90s
  batch_size: 10
jobs:
  welcome:
    source: participants.csv
    message: "Halo {name}"
    schedule: "0 9 * * *"
    once_per: 20h
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, 10, cfg.Broadcast.BatchSize)
	require.Contains(t, cfg.Jobs, "welcome")
	assert.Equal(t, "Halo {name}", cfg.Jobs["welcome"].Message)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := NewConfigManager(writeFile(t, "c.json", `{"telegram":{"tokn":"x"}}`)).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokn")

	_, err = NewConfigManager(writeFile(t, "c.json", `{} {}`)).Parse()
	require.Error(t, err)

	_, err = NewConfigManager(writeFile(t, "c.yml", "jobs: [oops")).Parse()
	require.Error(t, err)
}

func TestEnvTokenOverride(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte(EnvTelegramToken+"=from-env\n"), 0o600))
	t.Setenv(EnvTelegramToken, "")
	require.NoError(t, os.Unsetenv(EnvTelegramToken))

	require.NoError(t, LoadDotEnv(env, filepath.Join(dir, "missing.env")))
	cfg, err := NewConfigManager(writeFile(t, "config.yaml", sampleYAML)).Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Broadcast: BroadcastConfig{DelayMin: "soon"},
		Storage:   &StorageConfig{Driver: "mongo"},
		Targets:   TargetsConfig{SQL: &SQLTargetsConfig{Driver: "mysql"}},
		Progress:  ProgressConfig{Telegram: ProgressTelegram{Enabled: true}},
		Jobs: map[string]JobConfig{
			"a": {OncePer: "1h"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"broadcast.delay_min",
		"unknown storage.driver: mongo",
		"targets.sql.driver",
		"targets.sql.dsn is required",
		"progress.telegram.chat_id",
		"jobs.a.source is required",
		"jobs.a.once_per needs a schedule",
	} {
		assert.Contains(t, err.Error(), want)
	}

	assert.NoError(t, (&Config{}).Validate())
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{HTTP: HTTPConfig{Enabled: true, Token: "a"}}
	newCfg := &Config{
		HTTP:    HTTPConfig{Enabled: true, Token: "b"},
		Jobs:    map[string]JobConfig{"welcome": {Source: "x.csv"}},
		Logging: LoggingConfig{Level: "debug"},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	// a rotated token alone is not an http change
	assert.Equal(t, []string{"jobs", "logging"}, changed)

	newCfg.HTTP.Token = ""
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	assert.Contains(t, changed, "http")
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return cfg.Validate() })

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register
	time.Sleep(200 * time.Millisecond)

	// invalid: rejected, never published
	require.NoError(t, os.WriteFile(path, []byte(`{"broadcast":{"rest":"later"}}`), 0o600))
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg)
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("config not published")
	}
}

func TestParseExpandsEnvRefs(t *testing.T) {
	t.Setenv("BC_TEST_DSN", "postgres://u:p@db/app")
	t.Setenv(EnvTelegramToken, "")
	body := `{
  "targets": {"sql": {"driver": "postgres", "dsn": "${BC_TEST_DSN}"}},
  "jobs": {"promo": {"source": "sql:promo", "message": "Diskon $5 untuk ${BC_TEST_UNSET}kamu"}}
}`
	cfg, err := NewConfigManager(writeFile(t, "c.json", body)).Parse()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/app", cfg.Targets.SQL.DSN)
	assert.Equal(t, "Diskon $5 untuk kamu", cfg.Jobs["promo"].Message)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := map[string]time.Duration{
		"90s":  90 * time.Second,
		"7d":   7 * 24 * time.Hour,
		" 1d ": 24 * time.Hour,
		"1h5m": time.Hour + 5*time.Minute,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDuration("xd")
	assert.Error(t, err)
	_, err = ParseDurationField("broadcast.rest", "-1s")
	assert.Error(t, err)

	d, err := ParseDurationOrDefault("broadcast.status_ttl", "", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)
}
