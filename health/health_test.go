package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()
	m.Update("discord", Healthy("discord", "connected"))

	s, ok := m.Get("discord")
	require.True(t, ok)
	assert.True(t, s.Healthy)
	assert.Equal(t, StateHealthy, s.State)
	assert.False(t, s.Timestamp.IsZero())

	_, ok = m.Get("telegram")
	assert.False(t, ok)
}

func TestMonitor_Aggregate(t *testing.T) {
	m := NewMonitor()
	assert.True(t, m.Aggregate("discoat").Healthy)

	m.Update("discord", Healthy("discord", ""))
	m.Update("telegram", Healthy("telegram", ""))
	assert.Equal(t, StateHealthy, m.Aggregate("discoat").State)

	m.Update("telegram", Degraded("telegram", "reconnecting"))
	agg := m.Aggregate("discoat")
	assert.True(t, agg.Healthy)
	assert.Equal(t, StateDegraded, agg.State)

	m.Update("signal", Unhealthy("signal", "daemon unreachable"))
	agg = m.Aggregate("discoat")
	assert.False(t, agg.Healthy)
	assert.Contains(t, agg.Message, "signal")
}

func TestMonitor_Remove(t *testing.T) {
	m := NewMonitor()
	m.Update("stoat", Unhealthy("stoat", "down"))
	m.Remove("stoat")
	assert.True(t, m.Aggregate("discoat").Healthy)
	assert.Empty(t, m.All())
}
