// Package types holds the domain types shared across the master
// coordination core: shards, tasks, node resources and the resource-plan
// vocabulary used by the optimizer stage machine.
package types

import "time"

// NodeType identifies the role a node plays in a training job.
type NodeType string

const (
	NodeTypeWorker    NodeType = "worker"
	NodeTypePS        NodeType = "ps"
	NodeTypeChief     NodeType = "chief"
	NodeTypeEvaluator NodeType = "evaluator"
)

// TaskType is the kind of work a Task represents.
type TaskType int

const (
	TaskNone TaskType = iota
	TaskTraining
	TaskEvaluation
	TaskPrediction
	TaskWait
)

func (t TaskType) String() string {
	switch t {
	case TaskTraining:
		return "TRAINING"
	case TaskEvaluation:
		return "EVALUATION"
	case TaskPrediction:
		return "PREDICTION"
	case TaskWait:
		return "WAIT"
	default:
		return "NONE"
	}
}

// StorageType is the on-disk layout of a dataset, which determines whether
// a shard carries explicit record indices or just a start/end range.
type StorageType int

const (
	StorageText StorageType = iota
	StorageTable
)

// Shard is an immutable contiguous subrange of a dataset.
type Shard struct {
	Name string
	// Start and End describe the half-open range [Start, End).
	Start int
	End   int
	// RecordIndices is populated only for StorageTable datasets.
	RecordIndices []int
}

// Task assigns a Shard (or a WAIT sentinel, which has a zero Shard) to a
// single worker. TaskID is dense and monotonic per dataset.
type Task struct {
	TaskID int
	Type   TaskType
	Shard  Shard
}

// DoingTask is a Task that is currently assigned to a node.
type DoingTask struct {
	Task      Task
	NodeType  NodeType
	NodeID    int64
	StartTime time.Time
}

// NodeResource is the resource footprint of a single node.
type NodeResource struct {
	CPU     float64
	Memory  int64 // MiB
	GPUType string
	GPUNum  int
}

// Clone returns a copy of the resource (NodeResource has no reference
// fields; the method exists so call sites read like the Python original's
// copy.deepcopy, and so a future field addition stays safe).
func (r NodeResource) Clone() NodeResource {
	return r
}

// NodeGroupResource is the declared resource shape for every node in a
// node-type group: how many, how big, and at what scheduling priority.
type NodeGroupResource struct {
	Count        int
	NodeResource NodeResource
	Priority     string
}

// Clone returns a deep copy of the group resource.
func (g NodeGroupResource) Clone() NodeGroupResource {
	g.NodeResource = g.NodeResource.Clone()
	return g
}

// Update overwrites count/cpu/memory with the given values when they are
// non-zero, mirroring JobResource.update_node_group_resource's "num or
// resource.count" pattern.
func (g *NodeGroupResource) Update(count int, cpu float64, memory int64) {
	if count != 0 {
		g.Count = count
	}
	if cpu != 0 {
		g.NodeResource.CPU = cpu
	}
	if memory != 0 {
		g.NodeResource.Memory = memory
	}
}

// ResourcePlan is a recommendation from a ResourceOptimizer: target group
// resources plus, optionally, per-node overrides. It is treated as
// immutable once returned to a caller — callers receive a defensive copy.
type ResourcePlan struct {
	NodeGroupResources map[NodeType]NodeGroupResource
	NodeResources      map[string]NodeResource
}

// NewResourcePlan returns an empty, ready-to-populate plan.
func NewResourcePlan() *ResourcePlan {
	return &ResourcePlan{
		NodeGroupResources: make(map[NodeType]NodeGroupResource),
		NodeResources:      make(map[string]NodeResource),
	}
}

// Empty reports whether the plan carries no recommendation at all.
func (p *ResourcePlan) Empty() bool {
	if p == nil {
		return true
	}
	return len(p.NodeGroupResources) == 0 && len(p.NodeResources) == 0
}

// Clone returns a defensive deep copy of the plan.
func (p *ResourcePlan) Clone() *ResourcePlan {
	if p == nil {
		return nil
	}
	out := NewResourcePlan()
	for k, v := range p.NodeGroupResources {
		out.NodeGroupResources[k] = v.Clone()
	}
	for k, v := range p.NodeResources {
		out.NodeResources[k] = v.Clone()
	}
	return out
}

// AdjustPlanByContext clamps proposed counts/resources against global
// policy: the PS group count is capped at MaxPSNum.
func (p *ResourcePlan) AdjustPlanByContext() {
	if p == nil {
		return
	}
	if ps, ok := p.NodeGroupResources[NodeTypePS]; ok && ps.Count > MaxPSNum {
		ps.Count = MaxPSNum
		p.NodeGroupResources[NodeTypePS] = ps
	}
}

// JobOptStage is a coarse phase of a job's lifecycle, governing which kind
// of plan JobResourceOptimizer requests next.
type JobOptStage int

const (
	StageCreate JobOptStage = iota
	StageWorkerInitial
	StagePSInitial
	StageRunning
)

func (s JobOptStage) String() string {
	switch s {
	case StageWorkerInitial:
		return "WORKER_INITIAL"
	case StagePSInitial:
		return "PS_INITIAL"
	case StageRunning:
		return "RUNNING"
	default:
		return "CREATE"
	}
}

// OptimizeWorkerPhase further qualifies a worker-resource request made
// while the job stage is WORKER_INITIAL or RUNNING.
type OptimizeWorkerPhase string

const (
	WorkerPhaseInitial OptimizeWorkerPhase = "initial"
	WorkerPhaseSample  OptimizeWorkerPhase = "sample"
	WorkerPhaseStable  OptimizeWorkerPhase = "stable"
)

// Resource policy constants, mirrored from dlrover's NodeResourceLimit.
const (
	MinValidCPU             = 0.1
	MinValidMemory          = 256 // MiB
	MaxPSNum                = 60
	MaxMemory               = 100 * 1024 // MiB
	IncrementalMemoryFactor = 1.5
)