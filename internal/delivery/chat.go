package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	kit "github.com/add146/pendaftaran-sub000/internal/transport"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

type Config struct {
	// RatePerSec is a hard ceiling under the job pacing, shared by every job.
	// Zero or negative disables the limiter.
	RatePerSec     float64
	Burst          int
	ParseMode      string
	DisablePreview bool
	// Timeout bounds one send, limiter wait included.
	Timeout time.Duration
}

var ErrEmptyMessage = errors.New("empty message")

// ChatDeliverer sends a target's message through a transport Sender. It
// makes exactly one attempt per call; failures are returned as a Result.
type ChatDeliverer struct {
	sender kit.Sender
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

var _ broadcast.Deliverer = (*ChatDeliverer)(nil)

func NewChat(cfg Config, sender kit.Sender, log logx.Logger) *ChatDeliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &ChatDeliverer{sender: sender, log: log}
	d.Apply(cfg)
	return d
}

func (d *ChatDeliverer) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = lim
	d.mu.Unlock()
}

func (d *ChatDeliverer) Deliver(ctx context.Context, t broadcast.Target) broadcast.Result {
	// Snapshot mutable dependencies to avoid races with Apply.
	d.mu.Lock()
	cfg, lim := d.cfg, d.limiter
	d.mu.Unlock()

	to, err := kit.ParseChatTarget(t.Address)
	if err != nil {
		return broadcast.Failed(err)
	}
	if strings.TrimSpace(t.Message) == "" {
		return broadcast.Failed(ErrEmptyMessage)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return broadcast.Failed(err)
		}
	}
	if _, err := d.sender.SendText(ctx, to, t.Message, &kit.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: cfg.DisablePreview}); err != nil {
		d.log.Warn("broadcast send failed", logx.String("target", t.ID), logx.Int64("chat_id", to.ChatID), logx.Int("thread_id", to.ThreadID), logx.Err(err))
		return broadcast.Failed(err)
	}
	d.log.Debug("broadcast send ok", logx.String("target", t.ID), logx.Int64("chat_id", to.ChatID))
	return broadcast.Delivered()
}
