package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.RecordRouted("gemini")
	c.RecordRouted("gemini")
	c.RecordDelayed("gemini")
	c.RecordRequeued("openai")
	c.RecordDeadLettered()
	c.RecordRateDenied("dispatcher", "gemini")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsRouted.WithLabelValues("gemini")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsDelayed.WithLabelValues("gemini")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsRequeued.WithLabelValues("openai")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsDeadLettered))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.rateDenied.WithLabelValues("dispatcher", "gemini")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.RecordRouted("gemini")
		c.RecordDelayed("gemini")
		c.RecordRequeued("gemini")
		c.RecordDeadLettered()
		c.RecordRateDenied("worker", "gemini")
		c.InFlightAdd(1)
	})
}

func TestCollector_InFlight(t *testing.T) {
	c := NewCollector()
	c.InFlightAdd(1)
	c.InFlightAdd(1)
	c.InFlightAdd(-1)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsInFlight))
}
