package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Cycles.Inc()
	m.TasksDispatched.WithLabelValues("data_collection", "success").Inc()
	m.AgentPerformance.WithLabelValues("dc-1").Set(0.8)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksDispatched.WithLabelValues("data_collection", "success")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_NilRegistryIsolated(t *testing.T) {
	// Two instances must not panic on duplicate registration
	a := New(nil)
	b := New(nil)
	a.Cycles.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Cycles))
}
