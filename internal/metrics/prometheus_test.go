package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	logx "github.com/add146/pendaftaran-sub000/pkg/logx"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg, logx.Nop()), reg
}

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func counterVecValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mf := family(t, reg, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mf := family(t, reg, name)
	if mf == nil || len(mf.GetMetric()) == 0 {
		return 0
	}
	return mf.GetMetric()[0].GetGauge().GetValue()
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mf := family(t, reg, name)
	if mf == nil || len(mf.GetMetric()) == 0 {
		return 0
	}
	return mf.GetMetric()[0].GetCounter().GetValue()
}

func TestCollectorCountsSnapshots(t *testing.T) {
	t.Parallel()
	c, reg := newTestCollector(t)

	c.Observe(broadcast.Snapshot{JobID: "a", Event: broadcast.EventStarted, Status: broadcast.StatusRunning})
	c.Observe(broadcast.Snapshot{JobID: "b", Event: broadcast.EventStarted, Status: broadcast.StatusRunning})
	assert.Equal(t, 2.0, gaugeValue(t, reg, "broadcast_jobs_active"))

	c.Observe(broadcast.Snapshot{JobID: "a", Event: broadcast.EventDelivered})
	c.Observe(broadcast.Snapshot{JobID: "a", Event: broadcast.EventDelivered})
	c.Observe(broadcast.Snapshot{JobID: "a", Event: broadcast.EventFailed})
	c.Observe(broadcast.Snapshot{JobID: "a", Event: broadcast.EventResting, Status: broadcast.StatusResting})
	c.Observe(broadcast.Snapshot{JobID: "a", Event: broadcast.EventWaiting})
	c.Observe(broadcast.Snapshot{JobID: "a", Event: broadcast.EventCompleted, Status: broadcast.StatusCompleted})
	c.Observe(broadcast.Snapshot{JobID: "b", Event: broadcast.EventPaused, Status: broadcast.StatusPaused})

	assert.Equal(t, 2.0, counterVecValue(t, reg, "broadcast_deliveries_total", "outcome", OutcomeSuccess))
	assert.Equal(t, 1.0, counterVecValue(t, reg, "broadcast_deliveries_total", "outcome", OutcomeFailure))
	assert.Equal(t, 1.0, counterValue(t, reg, "broadcast_rests_total"))
	assert.Equal(t, 1.0, counterVecValue(t, reg, "broadcast_jobs_total", "status", "completed"))
	assert.Equal(t, 1.0, counterVecValue(t, reg, "broadcast_jobs_total", "status", "paused"))
	assert.Equal(t, 0.0, gaugeValue(t, reg, "broadcast_jobs_active"))
}

func TestInstrumentTimesDeliveries(t *testing.T) {
	t.Parallel()
	c, reg := newTestCollector(t)
	d := c.Instrument(broadcast.DelivererFunc(func(context.Context, broadcast.Target) broadcast.Result {
		return broadcast.Delivered()
	}))

	for i := 0; i < 3; i++ {
		require.True(t, d.Deliver(context.Background(), broadcast.Target{}).OK)
	}

	mf := family(t, reg, "broadcast_delivery_duration_seconds")
	require.NotNil(t, mf)
	assert.Equal(t, uint64(3), mf.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestDuplicateRegistrationIsTolerated(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg, logx.Nop())
	c := NewCollector(reg, logx.Nop())
	// the second collector works, it is just not exported
	c.Observe(broadcast.Snapshot{Event: broadcast.EventDelivered})

	var n float64 = 7
	c.RegisterFunc(reg, "broadcast_bus_dropped_total", "dropped", func() float64 { return n })
	assert.Equal(t, 7.0, counterValue(t, reg, "broadcast_bus_dropped_total"))
}
