package resource

import (
	"sync"

	"github.com/dlrover/dlrover-master/pkg/types"
)

// JobResource is a passive container for a job's declared node-group
// resources: how many workers/PS/chiefs/evaluators, and how big each is.
// It has no behavior of its own beyond bookkeeping — JobResourceOptimizer
// is what drives changes to it.
type JobResource struct {
	mu     sync.Mutex
	Groups map[types.NodeType]types.NodeGroupResource
}

// NewJobResource constructs an empty JobResource.
func NewJobResource() *JobResource {
	return &JobResource{Groups: make(map[types.NodeType]types.NodeGroupResource)}
}

// AddNodeGroupResource registers a node-type group's resource shape. A
// second call for the same type overwrites the first.
func (j *JobResource) AddNodeGroupResource(t types.NodeType, g types.NodeGroupResource) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Groups[t] = g
}

// UpdateNodeGroupResource overwrites count/cpu/memory for an existing
// group using the "value or keep existing" semantics of the Python
// original: a zero argument leaves the corresponding field untouched.
func (j *JobResource) UpdateNodeGroupResource(t types.NodeType, count int, cpu float64, memory int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	g := j.Groups[t]
	g.Update(count, cpu, memory)
	j.Groups[t] = g
}

// Get returns a defensive copy of a group's resource, and whether it was
// registered at all.
func (j *JobResource) Get(t types.NodeType) (types.NodeGroupResource, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	g, ok := j.Groups[t]
	return g.Clone(), ok
}

func (j *JobResource) count(t types.NodeType) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Groups[t].Count
}

// WorkerNum returns the declared worker count.
func (j *JobResource) WorkerNum() int { return j.count(types.NodeTypeWorker) }

// PSNum returns the declared PS count.
func (j *JobResource) PSNum() int { return j.count(types.NodeTypePS) }

// EvaluatorNum returns the declared evaluator count.
func (j *JobResource) EvaluatorNum() int { return j.count(types.NodeTypeEvaluator) }

// ChiefNum returns the declared chief count.
func (j *JobResource) ChiefNum() int { return j.count(types.NodeTypeChief) }

// InitNodeMeta materializes a node table from the declared group
// resources: relaunchBudget is copied onto every node's RelaunchLeft,
// and addr assigns each node's service address.
func (j *JobResource) InitNodeMeta(relaunchBudget int, addr func(t types.NodeType, id int64) string) map[types.NodeType]map[int64]*types.NodeMeta {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[types.NodeType]map[int64]*types.NodeMeta)
	for t, g := range j.Groups {
		nodes := make(map[int64]*types.NodeMeta, g.Count)
		for i := 0; i < g.Count; i++ {
			id := int64(i)
			nodes[id] = &types.NodeMeta{
				ID:           id,
				Type:         t,
				Resource:     g.NodeResource.Clone(),
				Status:       types.NodeStatusPending,
				RelaunchLeft: relaunchBudget,
				ServiceAddr:  addr(t, id),
			}
		}
		out[t] = nodes
	}
	return out
}
