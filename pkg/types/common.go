package types

import "time"

// NodeStatus is the lifecycle state NodeManager tracks for a node.
type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "pending"
	NodeStatusRunning  NodeStatus = "running"
	NodeStatusFailed   NodeStatus = "failed"
	NodeStatusFinished NodeStatus = "finished"
	NodeStatusReleased NodeStatus = "released"
)

// NodeMeta is the node table entry created by JobResource.InitNodeMeta and
// kept up to date by NodeManager as nodes start, report resources and die.
type NodeMeta struct {
	ID           int64
	Type         NodeType
	ServiceAddr  string
	Resource     NodeResource
	Status       NodeStatus
	RelaunchLeft int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RuntimeStats is the periodic sample MasterServicer sends to
// MetricCollector on report_global_step and on a PREDICTION
// report_task_result.
type RuntimeStats struct {
	GlobalStep      int64     `json:"global_step"`
	CompletedStep   int64     `json:"completed_step"`
	StepTime        float64   `json:"step_time_seconds"`
	SampleCount     int       `json:"sample_count"`
	RunningWorkers  int       `json:"running_workers"`
	Timestamp       time.Time `json:"timestamp"`
}

// HealthStatus is an aggregate health reply shape. The /healthz handler
// does not use it; it replies with status, timestamp and version.
type HealthStatus struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}