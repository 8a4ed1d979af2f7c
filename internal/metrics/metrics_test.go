package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedulerRegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewScheduler(reg)

	m.Scheduled.Inc()
	m.Deliveries.WithLabelValues(OutcomeDelivered).Inc()
	m.Deliveries.WithLabelValues(OutcomeRetrying).Add(2)
	m.QueueDepth.Set(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Scheduled))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Deliveries.WithLabelValues(OutcomeRetrying)))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "remindr_scheduler_scheduled_total")
	assert.Contains(t, names, "remindr_scheduler_deliveries_total")
	assert.Contains(t, names, "remindr_scheduler_queue_depth")
}

func TestNewSchedulerWithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		NewScheduler(nil)
		NewScheduler(nil)
	})
}
