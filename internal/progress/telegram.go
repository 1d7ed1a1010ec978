package progress

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	kit "github.com/add146/pendaftaran-sub000/internal/transport"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

type TelegramStatusConfig struct {
	Chat kit.ChatTarget
	// Interval is the minimum spacing between edits of one status message.
	// Telegram throttles frequent edits of the same message.
	Interval time.Duration
	Timeout  time.Duration
}

type statusMsg struct {
	ref      kit.MessageRef
	lastText string
	limiter  *rate.Limiter
}

// TelegramStatus keeps one status message per job in the operator chat and
// edits it as the job progresses. Edits are throttled per job; state changes
// other than countdown ticks and deliveries are always written.
type TelegramStatus struct {
	cfg    TelegramStatusConfig
	sender kit.Sender
	log    logx.Logger

	mu   sync.Mutex
	msgs map[string]*statusMsg
}

var _ broadcast.Observer = (*TelegramStatus)(nil)

func NewTelegramStatus(cfg TelegramStatusConfig, sender kit.Sender, log logx.Logger) *TelegramStatus {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramStatus{cfg: cfg, sender: sender, log: log, msgs: map[string]*statusMsg{}}
}

func (t *TelegramStatus) Observe(s broadcast.Snapshot) {
	if s.Event == broadcast.EventCreated {
		return
	}
	text := Format(s)
	force := s.Event != broadcast.EventWaiting && s.Event != broadcast.EventDelivered && s.Event != broadcast.EventFailed

	t.mu.Lock()
	m := t.msgs[s.JobID]
	if m == nil {
		m = &statusMsg{limiter: rate.NewLimiter(rate.Every(t.cfg.Interval), 1)}
		t.msgs[s.JobID] = m
	}
	if text == m.lastText || (!force && !m.limiter.Allow()) {
		t.mu.Unlock()
		return
	}
	m.lastText = text
	ref := m.ref
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()

	if ref.MessageID == 0 {
		newRef, err := t.sender.SendText(ctx, t.cfg.Chat, text, nil)
		if err != nil {
			t.log.Warn("status message send failed", logx.String("job", s.JobID), logx.Err(err))
			return
		}
		t.mu.Lock()
		m.ref = newRef
		t.mu.Unlock()
	} else if err := t.sender.EditText(ctx, ref, text, nil); err != nil {
		t.log.Debug("status message edit failed", logx.String("job", s.JobID), logx.Err(err))
	}

	if s.Status == broadcast.StatusCompleted {
		t.mu.Lock()
		delete(t.msgs, s.JobID)
		t.mu.Unlock()
	}
}

// Tracked reports how many jobs currently own a status message.
func (t *TelegramStatus) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}
