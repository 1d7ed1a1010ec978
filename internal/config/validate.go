package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate checks the parts of cfg that do not need a live component:
// duration syntax, known drivers and complete job definitions.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("telegram.poll_timeout", c.Telegram.PollTimeout)

	b := c.Broadcast
	dur("broadcast.jitter_min", b.JitterMin)
	dur("broadcast.jitter_max", b.JitterMax)
	dur("broadcast.delay_min", b.DelayMin)
	dur("broadcast.delay_max", b.DelayMax)
	dur("broadcast.rest", b.Rest)
	dur("broadcast.tick", b.Tick)
	dur("broadcast.status_ttl", b.StatusTTL)
	if b.StatusMax < 0 {
		errs = append(errs, errors.New("broadcast.status_max must be >= 0"))
	}

	dur("delivery.timeout", c.Delivery.Timeout)
	if c.Delivery.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery.rate_per_sec must be >= 0"))
	}

	if s := c.Targets.SQL; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "sqlite", "sqlite3", "postgres", "postgresql", "pq":
		default:
			errs = append(errs, fmt.Errorf("targets.sql.driver: unknown driver %q", s.Driver))
		}
		if strings.TrimSpace(s.DSN) == "" {
			errs = append(errs, errors.New("targets.sql.dsn is required"))
		}
		dur("targets.sql.timeout", s.Timeout)
	}

	dur("progress.telegram.interval", c.Progress.Telegram.Interval)
	if c.Progress.Telegram.Enabled && c.Progress.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("progress.telegram.chat_id is required when enabled"))
	}
	if r := c.Progress.Redis; r != nil && r.Enabled {
		if strings.TrimSpace(r.Addr) == "" {
			errs = append(errs, errors.New("progress.redis.addr is required when enabled"))
		}
		dur("progress.redis.ttl", r.TTL)
	}

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		j := c.Jobs[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("jobs: empty job name"))
			continue
		}
		if strings.TrimSpace(j.Source) == "" {
			errs = append(errs, fmt.Errorf("jobs.%s.source is required", name))
		}
		dur("jobs."+name+".once_per", j.OncePer)
		if strings.TrimSpace(j.OncePer) != "" && strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("jobs.%s.once_per needs a schedule", name))
		}
	}

	return errors.Join(errs...)
}
