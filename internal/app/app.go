package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/config"
	"github.com/add146/pendaftaran-sub000/internal/delivery"
	"github.com/add146/pendaftaran-sub000/internal/eventbus"
	"github.com/add146/pendaftaran-sub000/internal/httpapi"
	"github.com/add146/pendaftaran-sub000/internal/metrics"
	"github.com/add146/pendaftaran-sub000/internal/progress"
	"github.com/add146/pendaftaran-sub000/internal/router"
	"github.com/add146/pendaftaran-sub000/internal/runtime/supervisor"
	"github.com/add146/pendaftaran-sub000/internal/scheduler"
	"github.com/add146/pendaftaran-sub000/internal/storage"
	"github.com/add146/pendaftaran-sub000/internal/targets"
	kit "github.com/add146/pendaftaran-sub000/internal/transport"
	"github.com/add146/pendaftaran-sub000/internal/transport/telegram"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
	"github.com/add146/pendaftaran-sub000/pkg/systemd"
)

// App is the long-running broadcast daemon: the job service plus every
// surface that drives it (Telegram commands, HTTP API, scheduler).
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store // nil when storage is disabled

	adapter *telegram.Adapter // nil without a bot token
	sqlProv *targets.SQLProvider
	redis   *redis.Client
	chat    *delivery.ChatDeliverer

	fanout  *progress.Fanout
	metrics *metrics.Collector
	reg     *prometheus.Registry

	svc   *broadcast.Service
	http  *httpapi.Server
	cmdm  *router.Manager
	sched *scheduler.Service

	updates chan kit.Update
	applied resolved
	lastCfg *config.Config // owned by the reload loop
}

func NewApp(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, root := logx.New(rc.logging)
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		reg:     prometheus.NewRegistry(),
		updates: make(chan kit.Update, 256),
		applied: rc,
		lastCfg: cfg,
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	if rc.storageOn {
		if a.store, err = storage.Open(rc.storage, comp("storage")); err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", rc.storage.Driver))
	}

	// targets: files always, SQL when configured
	provider := targets.NewRouter().Register("file", targets.FileProvider{BaseDir: cfg.Targets.BaseDir})
	if rc.sql != nil {
		if a.sqlProv, err = targets.OpenSQL(*rc.sql); err != nil {
			return nil, err
		}
		provider.Register("sql", a.sqlProv)
	}
	log.Debug("target providers", logx.Strings("schemes", provider.Schemes()))

	// transport + deliverer
	var sender kit.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		if a.adapter, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: rc.poll}, comp("telegram")); err != nil {
			return nil, err
		}
		sender = a.adapter
	}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(a.reg, comp("metrics"))

	var deliverer broadcast.Deliverer
	if sender != nil {
		a.chat = delivery.NewChat(rc.delivery, sender, comp("delivery"))
		deliverer = a.chat
	} else {
		log.Warn("telegram.token is empty; deliveries are printed, not sent")
		deliverer = delivery.NewDryRun(os.Stdout)
	}
	deliverer = a.metrics.Instrument(deliverer)

	// progress fan-out
	a.fanout = progress.NewFanout(cfg.Progress.Buffer, comp("progress"))
	a.fanout.Add("log", progress.NewLogObserver(comp("broadcast.progress")))
	a.fanout.Add("bus", progress.NewBusObserver(a.bus))
	a.fanout.Add("metrics", a.metrics)
	if a.store != nil {
		a.fanout.Add("audit", progress.NewAuditObserver(a.store, comp("audit")))
	}
	if rc.status != nil {
		if sender == nil {
			log.Warn("progress.telegram is enabled but there is no bot token; skipped")
		} else {
			a.fanout.Add("telegram", progress.NewTelegramStatus(*rc.status, sender, comp("progress.telegram")))
		}
	}
	if rc.redis != nil {
		a.redis = progress.NewRedisClient(*rc.redis)
		a.fanout.Add("redis", progress.NewRedisPublisher(*rc.redis, a.redis, comp("progress.redis")))
	}
	a.metrics.RegisterFunc(a.reg, "broadcast_eventbus_dropped_total", "Events dropped by slow in-process subscribers.",
		func() float64 { return float64(a.bus.Dropped()) })
	a.metrics.RegisterFunc(a.reg, "broadcast_progress_dropped_total", "Snapshots dropped by slow progress observers.",
		func() float64 {
			var n uint64
			for _, v := range a.fanout.Dropped() {
				n += v
			}
			return float64(n)
		})

	a.svc = broadcast.NewService(rc.broadcast, provider, deliverer, comp("broadcast"),
		broadcast.WithServiceObserver(a.fanout))

	metricsHandler := promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg})
	a.http = httpapi.NewServer(rc.http, func(token string) http.Handler {
		return httpapi.New(httpapi.Deps{
			Jobs:    a.svc,
			Named:   a.namedJob,
			Bus:     a.bus,
			Audit:   a.store,
			Metrics: metricsHandler,
			Token:   token,
			Log:     comp("http"),
		}).Routes()
	}, comp("http"))

	if a.adapter != nil {
		a.cmdm = router.NewManager(comp("commands"), a.adapter, cfg.Telegram.OwnerUserIDs)
		a.cmdm.SetCommands(router.BroadcastCommands(router.BroadcastDeps{
			Jobs:  a.svc,
			Named: a.namedJob,
			Audit: a.store,
		}))
	}

	a.sched = scheduler.New(rc.scheduler, a.svc, a.store, comp("scheduler"))
	if err := a.sched.Apply(rc.scheduler, rc.schedules); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// namedJob resolves a configured job against the live config.
func (a *App) namedJob(name string) (broadcast.JobSpec, bool) {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return broadcast.JobSpec{}, false
	}
	j, ok := cfg.Jobs[name]
	if !ok {
		return broadcast.JobSpec{}, false
	}
	return jobSpec(name, j), true
}

func (a *App) Service() *broadcast.Service { return a.svc }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})

	a.fanout.Start(runCtx)
	a.svc.Start(runCtx)

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		a.cmdm.UpdateMenu(runCtx)
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
	}

	a.http.Start(runCtx)
	a.sched.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: apply only the latest
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", systemd.Watchdog)

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}
	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("http", a.applied.http.Enabled),
		logx.Bool("scheduler", a.applied.scheduler.Enabled),
		logx.Strings("observers", a.fanout.Names()),
	)
	return nil
}

// applyConfig applies a validated config to the live components. Sections
// that own connections or files only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	rc, err := resolve(newCfg)
	if err != nil {
		// the validator already ran; this only happens on a racing edit
		a.log.Warn("config rejected", logx.Err(err))
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs := config.SummarizeConfigChange(a.lastCfg, newCfg)
	tokenChanged := a.lastCfg.Telegram.Token != newCfg.Telegram.Token
	a.lastCfg = newCfg
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "telegram":
			if a.cmdm != nil {
				a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
			}
			if tokenChanged {
				a.log.Warn("telegram token changed; restart required for changes to take effect")
			}
		case "storage", "targets", "progress":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(rc.logging)
	a.svc.Apply(rc.broadcast)
	if a.chat != nil {
		a.chat.Apply(rc.delivery)
	}
	a.http.Reconfigure(ctx, rc.http)

	wasEnabled := a.sched.Enabled()
	if err := a.sched.Apply(rc.scheduler, rc.schedules); err != nil {
		a.log.Warn("scheduler config partly applied", logx.Err(err))
	}
	if !wasEnabled && rc.scheduler.Enabled {
		a.sched.Start(ctx)
	}

	a.applied = rc
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// cancel the run context so background loops start unwinding immediately
	a.sup.Cancel()

	s := stepper{log: a.log}
	// triggers first, then the jobs they start
	s.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	s.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// running jobs pause at their next checkpoint and keep their cursor
	s.step(ctx, "broadcast", 5*time.Second, func(c context.Context) error { a.svc.Stop(c); return nil })
	s.step(ctx, "progress", 2*time.Second, a.fanout.Stop)
	if a.adapter != nil {
		s.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	}
	s.step(ctx, "resources", 2*time.Second, func(context.Context) error { return a.closeResources() })
	// finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	s.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	if a.sqlProv != nil {
		errs = append(errs, a.sqlProv.Close())
		a.sqlProv = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
