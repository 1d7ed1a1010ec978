package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/eventbus"
	"github.com/add146/pendaftaran-sub000/internal/storage"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// Jobs is the part of broadcast.Service the API drives.
type Jobs interface {
	NewJob(ctx context.Context, spec broadcast.JobSpec) (broadcast.JobInfo, error)
	StartJob(ctx context.Context, id string) (broadcast.Snapshot, error)
	CancelJob(id string) (broadcast.Snapshot, error)
	Status(id string) (broadcast.JobInfo, bool)
	List() []broadcast.JobInfo
	ActiveCount() int
}

// NamedJobs resolves a configured job by name.
type NamedJobs func(name string) (broadcast.JobSpec, bool)

type Deps struct {
	Jobs    Jobs
	Named   NamedJobs
	Bus     eventbus.Bus  // optional; enables /jobs/{id}/events
	Audit   storage.Store // optional; enables /jobs/{id}/audit
	Metrics http.Handler  // optional; served at /metrics
	Token   string        // optional bearer token for /jobs
	Log     logx.Logger
}

type API struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *API {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{d: d, log: log}
}

type createJobRequest struct {
	// Job names a configured job; Source is used when Job is empty.
	Job     string            `json:"job"`
	Name    string            `json:"name"`
	Source  string            `json:"source"`
	Message string            `json:"message"`
	Params  map[string]string `json:"params"`
	Start   bool              `json:"start"`
}

func (c *createJobRequest) Bind(*http.Request) error {
	c.Job = strings.TrimSpace(c.Job)
	c.Source = strings.TrimSpace(c.Source)
	if c.Job == "" && c.Source == "" {
		return errors.New("job or source is required")
	}
	return nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Active int    `json:"active"`
	Time   string `json:"time"`
}

type createJobResponse struct {
	broadcast.JobInfo
	Started bool `json:"started"`
}

// Routes builds the chi router. The operator endpoints sit behind the
// bearer token when one is configured.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	if a.d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.d.Metrics)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Use(a.auth)
		r.Get("/", a.listJobs)
		r.Post("/", a.createJob)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getJob)
			r.Post("/start", a.startJob)
			r.Post("/cancel", a.cancelJob)
			r.Get("/events", a.events)
			r.Get("/audit", a.audit)
		})
	})
	return r
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(a.d.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		a.fail(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, healthResponse{Status: "ok", Active: a.d.Jobs.ActiveCount(), Time: time.Now().UTC().Format(time.RFC3339)})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := a.d.Jobs.List()
	// Lists stay small; drop per-job history to keep the payload flat.
	for i := range jobs {
		jobs[i].Failures = nil
		jobs[i].Recent = nil
	}
	render.JSON(w, r, jobs)
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := render.Bind(r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}

	spec := broadcast.JobSpec{Name: req.Name, Source: req.Source, Message: req.Message, Params: req.Params}
	if req.Job != "" {
		named, ok := a.lookup(req.Job)
		if !ok {
			a.fail(w, r, http.StatusNotFound, fmt.Errorf("unknown job %q", req.Job))
			return
		}
		spec = mergeSpec(named, spec)
	}

	info, err := a.d.Jobs.NewJob(r.Context(), spec)
	if err != nil {
		var le *broadcast.LoadError
		if errors.As(err, &le) {
			a.record(r.Context(), storage.AuditEntry{Action: storage.ActionLoadFailed, JobName: le.Job, Error: le.Err.Error()})
		}
		a.failErr(w, r, err)
		return
	}
	resp := createJobResponse{JobInfo: info}
	if req.Start {
		snap, err := a.d.Jobs.StartJob(context.WithoutCancel(r.Context()), info.JobID)
		if err != nil {
			a.failErr(w, r, err)
			return
		}
		resp.Snapshot = snap
		resp.Started = true
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

func (a *API) lookup(name string) (broadcast.JobSpec, bool) {
	if a.d.Named == nil {
		return broadcast.JobSpec{}, false
	}
	return a.d.Named(name)
}

// mergeSpec applies non-empty request overrides to a configured job.
func mergeSpec(base, over broadcast.JobSpec) broadcast.JobSpec {
	if over.Name != "" {
		base.Name = over.Name
	}
	if over.Source != "" {
		base.Source = over.Source
	}
	if over.Message != "" {
		base.Message = over.Message
	}
	if len(over.Params) > 0 {
		params := make(map[string]string, len(base.Params)+len(over.Params))
		for k, v := range base.Params {
			params[k] = v
		}
		for k, v := range over.Params {
			params[k] = v
		}
		base.Params = params
	}
	return base
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	info, ok := a.d.Jobs.Status(chi.URLParam(r, "id"))
	if !ok {
		a.failErr(w, r, broadcast.ErrJobNotFound)
		return
	}
	render.JSON(w, r, info)
}

func (a *API) startJob(w http.ResponseWriter, r *http.Request) {
	// The run outlives the request.
	snap, err := a.d.Jobs.StartJob(context.WithoutCancel(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, snap)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := a.d.Jobs.CancelJob(id)
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	a.record(r.Context(), storage.AuditEntry{
		Action:  storage.ActionCancelRequested,
		JobID:   id,
		JobName: snap.Name,
		Cursor:  snap.Cursor,
		Total:   snap.Total,
		OK:      snap.Success,
		Fail:    snap.Failed,
	})
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, snap)
}

func (a *API) record(ctx context.Context, e storage.AuditEntry) {
	if a.d.Audit == nil {
		return
	}
	e.At = time.Now()
	e.Actor = "http"
	if err := a.d.Audit.AppendAudit(ctx, e); err != nil {
		a.log.Warn("audit append failed", logx.String("action", e.Action), logx.String("job", e.JobID), logx.Err(err))
	}
}

func (a *API) audit(w http.ResponseWriter, r *http.Request) {
	if a.d.Audit == nil {
		a.fail(w, r, http.StatusNotImplemented, errors.New("audit storage disabled"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			a.fail(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, 500)
	}
	entries, err := a.d.Audit.RecentAudit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	render.JSON(w, r, entries)
}

// events streams the job's snapshots as server-sent events until the job
// completes or the client goes away. The current snapshot is sent first.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	if a.d.Bus == nil {
		a.fail(w, r, http.StatusNotImplemented, errors.New("event stream disabled"))
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		a.fail(w, r, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	// Subscribe before reading the snapshot so no transition is missed.
	ch, unsub := a.d.Bus.Subscribe(64, eventbus.TypeProgress)
	defer unsub()

	id := chi.URLParam(r, "id")
	info, ok := a.d.Jobs.Status(id)
	if !ok {
		a.failErr(w, r, broadcast.ErrJobNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", info.Snapshot); err != nil {
		return
	}
	fl.Flush()
	if info.Status == broadcast.StatusCompleted {
		return
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			fl.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			s, ok := e.Data.(broadcast.Snapshot)
			if !ok || s.JobID != id {
				continue
			}
			if err := writeEvent(w, string(s.Event), s); err != nil {
				return
			}
			fl.Flush()
			if s.Status == broadcast.StatusCompleted {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}

func (a *API) failErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		le *broadcast.LoadError
		te *broadcast.TransitionError
	)
	switch {
	case errors.Is(err, broadcast.ErrJobNotFound):
		a.fail(w, r, http.StatusNotFound, err)
	case errors.As(err, &te):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, errorResponse{Error: err.Error(), Status: string(te.From)})
	case errors.Is(err, broadcast.ErrInvalidTransition):
		a.fail(w, r, http.StatusConflict, err)
	case errors.As(err, &le):
		a.fail(w, r, http.StatusUnprocessableEntity, err)
	case errors.Is(err, broadcast.ErrNotRunning):
		a.fail(w, r, http.StatusServiceUnavailable, err)
	default:
		a.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		a.fail(w, r, http.StatusInternalServerError, err)
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}
