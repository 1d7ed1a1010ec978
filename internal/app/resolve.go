package app

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/config"
	"github.com/add146/pendaftaran-sub000/internal/delivery"
	"github.com/add146/pendaftaran-sub000/internal/httpapi"
	"github.com/add146/pendaftaran-sub000/internal/progress"
	"github.com/add146/pendaftaran-sub000/internal/scheduler"
	"github.com/add146/pendaftaran-sub000/internal/storage"
	"github.com/add146/pendaftaran-sub000/internal/targets"
	kit "github.com/add146/pendaftaran-sub000/internal/transport"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// resolved is the typed runtime form of a config file.
type resolved struct {
	logging   logx.Config
	poll      time.Duration
	broadcast broadcast.Config
	delivery  delivery.Config
	sql       *targets.SQLConfig
	storage   storage.Config
	storageOn bool
	http      httpapi.ServerConfig
	status    *progress.TelegramStatusConfig
	redis     *progress.RedisConfig
	scheduler scheduler.Config
	schedules map[string]scheduler.Schedule
}

// resolve maps cfg onto component configs. It is also the hot-reload
// validator, so everything that can fail on a live component is checked here.
func resolve(cfg *config.Config) (resolved, error) {
	var r resolved
	if err := cfg.Validate(); err != nil {
		return r, err
	}

	r.logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	var err error
	if r.poll, err = config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return r, err
	}
	if r.broadcast, err = mapBroadcastConfig(cfg.Broadcast); err != nil {
		return r, err
	}
	if r.delivery, err = mapDeliveryConfig(cfg.Delivery); err != nil {
		return r, err
	}
	if s := cfg.Targets.SQL; s != nil {
		timeout, err := config.ParseDurationField("targets.sql.timeout", s.Timeout)
		if err != nil {
			return r, err
		}
		r.sql = &targets.SQLConfig{Driver: s.Driver, DSN: s.DSN, Queries: s.Queries, Timeout: timeout}
	}
	if r.storage, r.storageOn, err = mapStorageConfig(cfg); err != nil {
		return r, err
	}
	if r.http, err = mapHTTPConfig(cfg.HTTP); err != nil {
		return r, err
	}
	if r.status, r.redis, err = mapProgressConfig(cfg.Progress); err != nil {
		return r, err
	}

	r.scheduler = scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return r, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if r.schedules, err = mapSchedules(cfg.Jobs); err != nil {
		return r, err
	}
	return r, nil
}

func mapBroadcastConfig(b config.BroadcastConfig) (broadcast.Config, error) {
	var (
		p   broadcast.Pacing
		err error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"broadcast.jitter_min", b.JitterMin, &p.JitterMin},
		{"broadcast.jitter_max", b.JitterMax, &p.JitterMax},
		{"broadcast.delay_min", b.DelayMin, &p.DelayMin},
		{"broadcast.delay_max", b.DelayMax, &p.DelayMax},
		{"broadcast.rest", b.Rest, &p.Rest},
		{"broadcast.tick", b.Tick, &p.Tick},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return broadcast.Config{}, err
		}
	}
	p.BatchSize = b.BatchSize

	ttl, err := config.ParseDurationOrDefault("broadcast.status_ttl", b.StatusTTL, 24*time.Hour)
	if err != nil {
		return broadcast.Config{}, err
	}
	keep := b.StatusMax
	if keep <= 0 {
		keep = 100
	}
	return broadcast.Config{Pacing: p.Normalize(), StatusMax: keep, StatusTTL: ttl}, nil
}

func mapDeliveryConfig(d config.DeliveryConfig) (delivery.Config, error) {
	timeout, err := config.ParseDurationOrDefault("delivery.timeout", d.Timeout, 30*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		RatePerSec:     d.RatePerSec,
		Burst:          d.Burst,
		ParseMode:      d.ParseMode,
		DisablePreview: d.DisablePreview,
		Timeout:        timeout,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(h config.HTTPConfig) (httpapi.ServerConfig, error) {
	out := httpapi.ServerConfig{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapProgressConfig(p config.ProgressConfig) (*progress.TelegramStatusConfig, *progress.RedisConfig, error) {
	var (
		status *progress.TelegramStatusConfig
		rc     *progress.RedisConfig
	)
	if p.Telegram.Enabled {
		interval, err := config.ParseDurationField("progress.telegram.interval", p.Telegram.Interval)
		if err != nil {
			return nil, nil, err
		}
		status = &progress.TelegramStatusConfig{
			Chat:     kit.ChatTarget{ChatID: p.Telegram.ChatID, ThreadID: p.Telegram.ThreadID},
			Interval: interval,
		}
	}
	if r := p.Redis; r != nil && r.Enabled {
		ttl, err := config.ParseDurationField("progress.redis.ttl", r.TTL)
		if err != nil {
			return nil, nil, err
		}
		rc = &progress.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix, TTL: ttl}
	}
	return status, rc, nil
}

// mapSchedules returns the scheduled subset of the named jobs.
func mapSchedules(jobs map[string]config.JobConfig) (map[string]scheduler.Schedule, error) {
	out := map[string]scheduler.Schedule{}
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		j := jobs[name]
		if strings.TrimSpace(j.Schedule) == "" {
			continue
		}
		if _, err := scheduler.NormalizeSpec(j.Schedule); err != nil {
			return nil, fmt.Errorf("jobs.%s.schedule: %w", name, err)
		}
		once, err := config.ParseDurationField("jobs."+name+".once_per", j.OncePer)
		if err != nil {
			return nil, err
		}
		out[name] = scheduler.Schedule{Spec: j.Schedule, Job: jobSpec(name, j), OncePer: once}
	}
	return out, nil
}

func jobSpec(name string, j config.JobConfig) broadcast.JobSpec {
	var params map[string]string
	if len(j.Params) > 0 {
		params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			params[k] = v
		}
	}
	return broadcast.JobSpec{Name: name, Source: j.Source, Message: j.Message, Params: params}
}

// Check loads the config at path and runs the same validation NewApp does.
func Check(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if _, err := resolve(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// OneShot is what a single `send` run takes from a config file.
type OneShot struct {
	Broadcast broadcast.Config
	Delivery  delivery.Config
	Token     string
	BaseDir   string
}

// LoadOneShot reads the pacing, delivery and token settings from path. A
// missing file yields the defaults plus the token from the environment.
func LoadOneShot(path string) (OneShot, error) {
	if err := config.LoadDotEnv(); err != nil {
		return OneShot{}, err
	}
	cfg := &config.Config{}
	if _, err := os.Stat(path); err == nil {
		if cfg, err = config.NewConfigManager(path).Load(); err != nil {
			return OneShot{}, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return OneShot{}, err
	} else {
		cfg.Telegram.Token = strings.TrimSpace(os.Getenv(config.EnvTelegramToken))
	}

	var (
		out OneShot
		err error
	)
	if out.Broadcast, err = mapBroadcastConfig(cfg.Broadcast); err != nil {
		return OneShot{}, err
	}
	if out.Delivery, err = mapDeliveryConfig(cfg.Delivery); err != nil {
		return OneShot{}, err
	}
	out.Token = cfg.Telegram.Token
	out.BaseDir = cfg.Targets.BaseDir
	return out, nil
}
