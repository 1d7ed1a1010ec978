package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/progress"
	"github.com/add146/pendaftaran-sub000/internal/storage"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// Jobs is the part of broadcast.Service the commands drive.
type Jobs interface {
	NewJob(ctx context.Context, spec broadcast.JobSpec) (broadcast.JobInfo, error)
	StartJob(ctx context.Context, id string) (broadcast.Snapshot, error)
	CancelJob(id string) (broadcast.Snapshot, error)
	Status(id string) (broadcast.JobInfo, bool)
	List() []broadcast.JobInfo
}

type BroadcastDeps struct {
	Jobs Jobs
	// Named resolves a configured job by name.
	Named func(name string) (broadcast.JobSpec, bool)
	Audit storage.Store // optional
}

// BroadcastCommands returns the owner-only operator commands.
func BroadcastCommands(d BroadcastDeps) []Command {
	h := &bcHandlers{d: d}
	return []Command{
		{
			Name:        "bc_list",
			Description: "list broadcast jobs",
			Access:      AccessOwnerOnly,
			Handle:      h.list,
		},
		{
			Name:        "bc_new",
			Description: "create a job from a configured name",
			Usage:       "<name> [--source=path] [--message=text] [--start]",
			Access:      AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      h.create,
		},
		{
			Name:        "bc_start",
			Aliases:     []string{"bc_resume"},
			Description: "start or resume a job",
			Usage:       "<id>",
			Access:      AccessOwnerOnly,
			Handle:      h.start,
		},
		{
			Name:        "bc_pause",
			Aliases:     []string{"bc_cancel"},
			Description: "pause a running job at the next checkpoint",
			Usage:       "<id>",
			Access:      AccessOwnerOnly,
			Handle:      h.pause,
		},
		{
			Name:        "bc_status",
			Description: "show job progress",
			Usage:       "<id>",
			Access:      AccessOwnerOnly,
			Handle:      h.status,
		},
	}
}

type bcHandlers struct {
	d BroadcastDeps
}

var errUsage = errors.New("missing job id")

func (h *bcHandlers) list(ctx context.Context, req *Request) error {
	jobs := h.d.Jobs.List()
	if len(jobs) == 0 {
		return req.Reply(ctx, "no broadcast jobs")
	}
	var b strings.Builder
	for i, j := range jobs {
		if i >= 20 {
			fmt.Fprintf(&b, "... and %d more\n", len(jobs)-i)
			break
		}
		fmt.Fprintf(&b, "%s  %s  [%s] %d/%d ok %d failed %d\n",
			j.JobID, j.Name, strings.ToUpper(string(j.Status)), j.Cursor, j.Total, j.Success, j.Failed)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *bcHandlers) create(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return errors.New("usage: /bc_new <name> [--source=path] [--message=text] [--start]")
	}
	name := req.Args[0]
	spec, ok := broadcast.JobSpec{}, false
	if h.d.Named != nil {
		spec, ok = h.d.Named(name)
	}
	if src := req.Flags["source"]; src != "" {
		spec.Source = src
		ok = true
	}
	if !ok {
		return fmt.Errorf("unknown job %q (configure it or pass --source)", name)
	}
	spec.Name = name
	if msg := req.Flags["message"]; msg != "" {
		spec.Message = msg
	}

	info, err := h.d.Jobs.NewJob(ctx, spec)
	if err != nil {
		var le *broadcast.LoadError
		if errors.As(err, &le) {
			h.audit(ctx, req, storage.AuditEntry{Action: storage.ActionLoadFailed, JobName: name, Error: le.Err.Error()})
		}
		return err
	}
	text := fmt.Sprintf("created %s (%s): %d targets", info.JobID, info.Name, info.Total)
	if req.Bools["start"] {
		if _, err := h.d.Jobs.StartJob(context.WithoutCancel(ctx), info.JobID); err != nil {
			return err
		}
		text += ", started"
	} else {
		text += fmt.Sprintf("\nstart with /bc_start %s", info.JobID)
	}
	return req.Reply(ctx, text)
}

func (h *bcHandlers) start(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return errUsage
	}
	id := req.Args[0]
	before, ok := h.d.Jobs.Status(id)
	if !ok {
		return broadcast.ErrJobNotFound
	}
	if _, err := h.d.Jobs.StartJob(context.WithoutCancel(ctx), id); err != nil {
		return err
	}
	verb := "started"
	if before.Status == broadcast.StatusPaused {
		verb = "resumed"
	}
	return req.Reply(ctx, fmt.Sprintf("%s %s at %d/%d", verb, id, before.Cursor, before.Total))
}

func (h *bcHandlers) pause(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return errUsage
	}
	snap, err := h.d.Jobs.CancelJob(req.Args[0])
	if err != nil {
		return err
	}
	h.audit(ctx, req, storage.AuditEntry{
		Action:  storage.ActionCancelRequested,
		JobID:   snap.JobID,
		JobName: snap.Name,
		Cursor:  snap.Cursor,
		Total:   snap.Total,
		OK:      snap.Success,
		Fail:    snap.Failed,
	})
	return req.Reply(ctx, fmt.Sprintf("pause requested for %s at %d/%d", snap.JobID, snap.Cursor, snap.Total))
}

func (h *bcHandlers) status(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return errUsage
	}
	info, ok := h.d.Jobs.Status(req.Args[0])
	if !ok {
		return broadcast.ErrJobNotFound
	}
	text := progress.Format(info.Snapshot)
	if n := len(info.Failures); n > 0 {
		last := info.Failures[n-1]
		text += fmt.Sprintf("\nlast failure: #%d %s: %s", last.Index+1, last.Name, last.Error)
	}
	return req.Reply(ctx, text)
}

func (h *bcHandlers) audit(ctx context.Context, req *Request, e storage.AuditEntry) {
	if h.d.Audit == nil {
		return
	}
	e.At = time.Now()
	e.Actor = req.Actor()
	if err := h.d.Audit.AppendAudit(ctx, e); err != nil {
		req.Logger.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
