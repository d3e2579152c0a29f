// Package metrics implements the MetricCollector / JobMetricCollector
// collaborator: it folds per-node resource reports and runtime stats and
// streams them to a websocket hub for live dashboards.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dlrover/dlrover-master/pkg/types"
)

// ModelMetric is a one-shot report of tensor/op statistics.
type ModelMetric struct {
	TensorStats map[string]float64 `json:"tensor_stats"`
	OpStats     map[string]float64 `json:"op_stats"`
	ReportedAt  time.Time          `json:"reported_at"`
}

// Collector accumulates resource usage per node and runtime stats for the
// job as a whole, pushing every update onto a Hub for live consumers.
type Collector struct {
	mu sync.Mutex

	logger *slog.Logger
	hub    *Hub

	usage   map[types.NodeType]map[int64]types.NodeResource
	latest  ModelMetric
	dataset struct {
		name        string
		shardSize   int
		numEpochs   int
		storageType types.StorageType
	}
}

// NewCollector constructs a Collector broadcasting to hub (which may be
// nil, meaning no live subscribers).
func NewCollector(hub *Hub, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		hub:    hub,
		logger: logger,
		usage:  make(map[types.NodeType]map[int64]types.NodeResource),
	}
}

// ReportUsedResource records a node's self-reported cpu/memory usage.
// Memory is expected in bytes and converted to MiB, matching the
// servicer's report_used_resource contract.
func (c *Collector) ReportUsedResource(nodeType types.NodeType, nodeID int64, cpu float64, memoryBytes int64) {
	c.mu.Lock()
	if c.usage[nodeType] == nil {
		c.usage[nodeType] = make(map[int64]types.NodeResource)
	}
	c.usage[nodeType][nodeID] = types.NodeResource{CPU: cpu, Memory: memoryBytes / (1024 * 1024)}
	c.mu.Unlock()

	c.publish(EventUsedResource, map[string]any{
		"node_type": nodeType,
		"node_id":   nodeID,
		"cpu":       cpu,
		"memory_mb": memoryBytes / (1024 * 1024),
	})
}

// ReportModelMetric records a one-shot tensor/op statistics report.
func (c *Collector) ReportModelMetric(m ModelMetric) {
	m.ReportedAt = time.Now()
	c.mu.Lock()
	c.latest = m
	c.mu.Unlock()
	c.publish(EventModelMetric, m)
}

// ReportDatasetShardParams records the dataset geometry a rank-0 worker
// declared, feeding the job metric collector's dataset summary.
func (c *Collector) ReportDatasetShardParams(name string, shardSize, numEpochs int, storageType types.StorageType) {
	c.mu.Lock()
	c.dataset.name = name
	c.dataset.shardSize = shardSize
	c.dataset.numEpochs = numEpochs
	c.dataset.storageType = storageType
	c.mu.Unlock()
}

// CollectRuntimeStats publishes a RuntimeStats sample, called by
// MasterServicer after report_task_result/report_global_step.
func (c *Collector) CollectRuntimeStats(stats types.RuntimeStats) {
	stats.Timestamp = time.Now()
	c.publish(EventRuntimeStats, stats)
}

func (c *Collector) publish(eventType string, data any) {
	if c.hub == nil {
		return
	}
	c.hub.Broadcast(Message{Type: eventType, Timestamp: time.Now(), Data: data})
}
