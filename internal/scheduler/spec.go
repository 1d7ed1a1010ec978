package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// NormalizeSpec turns a schedule string into a robfig/cron spec.
//
// Supported forms:
//   - Cron: "0 9 * * 1-5", "30 0 9 * * *", "@daily", "@every 6h"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// "cron:" forces cron parsing; "every:" forces interval parsing.
func NormalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", fmt.Errorf("cron schedule required after 'cron:'")
		}
		return expr, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return "", err
		}
		return "@every " + d.String(), nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return s, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '0 9 * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return "@every " + d.String(), nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
