package progress

import (
	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// LogObserver writes the job log lines through logx. Countdown ticks are
// logged at trace level only.
type LogObserver struct {
	log logx.Logger
}

func NewLogObserver(log logx.Logger) *LogObserver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogObserver{log: log}
}

func (o *LogObserver) Observe(s broadcast.Snapshot) {
	fields := []logx.Field{
		logx.String("job", s.JobID),
		logx.String("name", s.Name),
		logx.String("status", string(s.Status)),
		logx.Int("cursor", s.Cursor),
		logx.Int("total", s.Total),
	}
	msg := s.Log
	if msg == "" {
		msg = "broadcast " + string(s.Event)
	}
	switch s.Event {
	case broadcast.EventWaiting:
		o.log.Trace("broadcast waiting", append(fields, logx.String("wait", string(s.Wait)), logx.Int("countdown", s.Countdown))...)
	case broadcast.EventFailed:
		o.log.Warn(msg, fields...)
	case broadcast.EventDelivered:
		o.log.Debug(msg, fields...)
	default:
		o.log.Info(msg, append(fields, logx.Int("success", s.Success), logx.Int("failed", s.Failed))...)
	}
}
