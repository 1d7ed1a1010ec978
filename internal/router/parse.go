package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

var ridSeq atomic.Uint64

// newReqID returns a short request id: base36 time, sequence and two
// random chars.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" +
		strconv.FormatUint(n, 36) +
		string(alpha[rand.IntN(len(alpha))]) + string(alpha[rand.IntN(len(alpha))])
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	/bc_new welcome --message "Halo semua"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar rune
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range s {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ && ch == qChar:
			inQ = false
		case inQ:
			buf.WriteRune(ch)
		case ch == '"' || ch == '\'':
			inQ, qChar = true, ch
		case unicode.IsSpace(ch):
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits raw args into positionals and flags.
//
// Supported: --k=v, --k v, --flag (bool).
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) <= 2 {
			pos = append(pos, a)
			continue
		}
		key := strings.TrimPrefix(a, "--")
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

// commandWord extracts the command name from "/name@bot" or "/name".
func commandWord(tok string) (string, bool) {
	if !strings.HasPrefix(tok, "/") {
		return "", false
	}
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	w = strings.ToLower(w)
	return w, w != ""
}

// sanitizeCommand converts a name into a Telegram-safe bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
