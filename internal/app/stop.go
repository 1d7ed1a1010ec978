package app

import (
	"context"
	"fmt"
	"time"

	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// stepper runs shutdown steps with an upper bound each, so one component
// can't stall the whole stop.
type stepper struct {
	log logx.Logger
}

func (s stepper) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	s.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		s.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			s.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			s.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; log when it does not
		s.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				s.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				s.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
