package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWReplyError sends a handler error back to the chat so the operator sees
// it without reading logs.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil {
				_ = req.Reply(context.WithoutCancel(ctx), "error: "+err.Error())
			}
			return err
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			if err != nil {
				req.Logger.Warn("command failed", logx.Duration("dur", d), logx.Err(err))
				return err
			}
			// Keep INFO useful: short successful requests go to DEBUG.
			if d >= 750*time.Millisecond {
				req.Logger.Info("command ok", logx.Duration("dur", d))
			} else {
				req.Logger.Debug("command ok", logx.Duration("dur", d))
			}
			return nil
		}
	}
}
