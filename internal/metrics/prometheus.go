package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

// Outcome label values of broadcast_deliveries_total.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector exports broadcast metrics. It observes job snapshots and wraps
// the Deliverer to time sends. Registration errors are logged, never
// returned.
type Collector struct {
	log logx.Logger

	deliveriesTotal  *prometheus.CounterVec
	jobsTotal        *prometheus.CounterVec
	jobsActive       prometheus.Gauge
	restsTotal       prometheus.Counter
	deliveryDuration prometheus.Histogram

	mu     sync.Mutex
	active map[string]struct{}
}

var _ broadcast.Observer = (*Collector)(nil)

func NewCollector(reg prometheus.Registerer, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{log: log, active: map[string]struct{}{}}

	c.deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_deliveries_total",
		Help: "Total number of delivery attempts by outcome.",
	}, []string{"outcome"})
	c.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_jobs_total",
		Help: "Total number of job runs that ended, by final status (paused or completed).",
	}, []string{"status"})
	c.jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_jobs_active",
		Help: "Number of jobs with a delivery loop running.",
	})
	c.restsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_rests_total",
		Help: "Total number of batch rests taken.",
	})
	c.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_delivery_duration_seconds",
		Help:    "Latency of a single delivery call in seconds (excludes pacing waits).",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	c.register(reg, c.deliveriesTotal, "broadcast_deliveries_total")
	c.register(reg, c.jobsTotal, "broadcast_jobs_total")
	c.register(reg, c.jobsActive, "broadcast_jobs_active")
	c.register(reg, c.restsTotal, "broadcast_rests_total")
	c.register(reg, c.deliveryDuration, "broadcast_delivery_duration_seconds")
	return c
}

func (c *Collector) register(reg prometheus.Registerer, col prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(col); err != nil {
		c.log.Warn("metrics: failed to register", logx.String("metric", name), logx.Err(err))
	}
}

// RegisterFunc exports a value read at scrape time, e.g. the event bus drop
// count.
func (c *Collector) RegisterFunc(reg prometheus.Registerer, name, help string, fn func() float64) {
	c.register(reg, prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, fn), name)
}

func (c *Collector) Observe(s broadcast.Snapshot) {
	switch s.Event {
	case broadcast.EventDelivered:
		c.deliveriesTotal.WithLabelValues(OutcomeSuccess).Inc()
	case broadcast.EventFailed:
		c.deliveriesTotal.WithLabelValues(OutcomeFailure).Inc()
	case broadcast.EventResting:
		c.restsTotal.Inc()
	case broadcast.EventStarted:
		c.setActive(s.JobID, true)
	case broadcast.EventPaused, broadcast.EventCompleted:
		c.jobsTotal.WithLabelValues(string(s.Status)).Inc()
		c.setActive(s.JobID, false)
	}
}

func (c *Collector) setActive(id string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.active[id] = struct{}{}
	} else {
		delete(c.active, id)
	}
	c.jobsActive.Set(float64(len(c.active)))
}

// Instrument wraps d so each call is timed.
func (c *Collector) Instrument(d broadcast.Deliverer) broadcast.Deliverer {
	return broadcast.DelivererFunc(func(ctx context.Context, t broadcast.Target) broadcast.Result {
		start := time.Now()
		res := d.Deliver(ctx, t)
		c.deliveryDuration.Observe(time.Since(start).Seconds())
		return res
	})
}
