package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlrover/dlrover-master/pkg/types"
)

func drainOne(t *testing.T, hub *Hub) Message {
	t.Helper()
	select {
	case m := <-hub.broadcast:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
		return Message{}
	}
}

func TestReportUsedResourcePublishesConvertedMemory(t *testing.T) {
	hub := NewHub(nil)
	c := NewCollector(hub, nil)

	c.ReportUsedResource(types.NodeTypeWorker, 1, 2.0, 4*1024*1024)

	msg := drainOne(t, hub)
	assert.Equal(t, EventUsedResource, msg.Type)
	data := msg.Data.(map[string]any)
	assert.EqualValues(t, 4, data["memory_mb"])
}

func TestReportModelMetricStampsReportedAt(t *testing.T) {
	hub := NewHub(nil)
	c := NewCollector(hub, nil)

	before := time.Now()
	c.ReportModelMetric(ModelMetric{TensorStats: map[string]float64{"a": 1}})
	msg := drainOne(t, hub)

	m := msg.Data.(ModelMetric)
	assert.True(t, !m.ReportedAt.Before(before))
}

func TestCollectorWithNilHubDoesNotPanic(t *testing.T) {
	c := NewCollector(nil, nil)
	assert.NotPanics(t, func() {
		c.ReportUsedResource(types.NodeTypeWorker, 1, 1, 1)
		c.CollectRuntimeStats(types.RuntimeStats{})
	})
}

func TestCollectRuntimeStatsPublishesSample(t *testing.T) {
	hub := NewHub(nil)
	c := NewCollector(hub, nil)
	c.CollectRuntimeStats(types.RuntimeStats{GlobalStep: 42})

	msg := drainOne(t, hub)
	require.Equal(t, EventRuntimeStats, msg.Type)
	stats := msg.Data.(types.RuntimeStats)
	assert.EqualValues(t, 42, stats.GlobalStep)
}
