package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens,
// passwords or DSNs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		b := newCfg.Broadcast
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.jitter", b.JitterMin+"-"+b.JitterMax),
			logx.String("broadcast.delay", b.DelayMin+"-"+b.DelayMax),
			logx.Int("broadcast.batch_size", b.BatchSize),
			logx.String("broadcast.rest", b.Rest),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Float64("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Int("delivery.burst", newCfg.Delivery.Burst),
		)
	}

	if !reflect.DeepEqual(oldCfg.Targets, newCfg.Targets) {
		changed = append(changed, "targets")
		attrs = append(attrs,
			logx.String("targets.base_dir", newCfg.Targets.BaseDir),
			logx.Bool("targets.sql", newCfg.Targets.SQL != nil),
		)
	}

	if !reflect.DeepEqual(oldCfg.Progress, newCfg.Progress) {
		changed = append(changed, "progress")
		attrs = append(attrs,
			logx.Bool("progress.telegram", newCfg.Progress.Telegram.Enabled),
			logx.Bool("progress.redis", newCfg.Progress.Redis != nil && newCfg.Progress.Redis.Enabled),
		)
	}

	// HTTP (never log token)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Token, nh.Token = tokenMark(oh.Token), tokenMark(nh.Token)
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", nh.Token != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs); len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Strings("jobs.changed", jobs),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// tokenMark keeps only whether a secret is set.
func tokenMark(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}

func diffJobs(oldM, newM map[string]JobConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, ook := oldM[name]
		n, nok := newM[name]
		if ook != nok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
