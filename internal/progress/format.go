package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
)

const barWidth = 20

// Format renders a snapshot as the one-screen text shown to operators.
func Format(s broadcast.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Broadcast %s [%s]\n", s.Name, strings.ToUpper(string(s.Status)))
	fmt.Fprintf(&b, "%s %d/%d (%d%%)\n", Bar(s.Cursor, s.Total, barWidth), s.Cursor, s.Total, percent(s.Cursor, s.Total))
	fmt.Fprintf(&b, "ok %d · failed %d · rests %d", s.Success, s.Failed, s.Rests)
	if line := waitLine(s); line != "" {
		b.WriteString("\n")
		b.WriteString(line)
	}
	if s.Log != "" {
		b.WriteString("\n")
		b.WriteString(s.Log)
	}
	return b.String()
}

func waitLine(s broadcast.Snapshot) string {
	if s.Countdown <= 0 {
		return ""
	}
	left := FormatSeconds(s.Countdown)
	switch s.Wait {
	case broadcast.WaitRest:
		return "resting, next batch in " + left
	case broadcast.WaitDelay:
		return "next send in " + left
	case broadcast.WaitJitter:
		return "sending in " + left
	default:
		return ""
	}
}

// Bar draws a fixed-width progress bar.
func Bar(done, total, width int) string {
	if width <= 0 {
		width = barWidth
	}
	filled := 0
	if total > 0 {
		filled = min(done*width/total, width)
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}

// FormatSeconds renders n seconds as "2m05s" / "45s".
func FormatSeconds(n int) string {
	d := time.Duration(n) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", n)
	}
	m := int(d / time.Minute)
	return fmt.Sprintf("%dm%02ds", m, n-m*60)
}
