package resource

import (
	"context"
	"sync"

	"github.com/dlrover/dlrover-master/pkg/types"
)

// JobResourceOptimizer drives the job-stage machine, asking an Optimizer
// for plans and reconciling them against user-pinned overrides before
// they ever reach JobResource or NodeManager.
type JobResourceOptimizer struct {
	mu sync.Mutex

	optimizer Optimizer

	stage types.JobOptStage

	workerResource types.NodeResource
	psResource     types.NodeResource

	// original snapshots of user-declared values; immutable after
	// construction, used by the override filter.
	originalWorker types.NodeGroupResource
	originalPS     types.NodeGroupResource

	optimizeWorkerSampled bool
	optimizedPSMem        bool

	easydlWorkerEnabled bool
	easydlPSEnabled     bool
}

// NewJobResourceOptimizer constructs the stage machine around an
// Optimizer and the job's user-declared worker/PS groups.
func NewJobResourceOptimizer(optimizer Optimizer, originalWorker, originalPS types.NodeGroupResource, easydlWorkerEnabled, easydlPSEnabled bool) *JobResourceOptimizer {
	return &JobResourceOptimizer{
		optimizer:           optimizer,
		stage:               types.StageCreate,
		originalWorker:      originalWorker.Clone(),
		originalPS:          originalPS.Clone(),
		workerResource:      originalWorker.NodeResource.Clone(),
		psResource:          originalPS.NodeResource.Clone(),
		easydlWorkerEnabled: easydlWorkerEnabled,
		easydlPSEnabled:     easydlPSEnabled,
	}
}

// Stage returns the current job stage.
func (o *JobResourceOptimizer) Stage() types.JobOptStage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage
}

// filterWorker applies the user-override invariant to a proposed worker
// group: pinned count/cpu/memory values always win over the optimizer's
// recommendation.
func (o *JobResourceOptimizer) filterWorker(g types.NodeGroupResource) types.NodeGroupResource {
	if o.originalWorker.Count > 0 {
		g.Count = o.originalWorker.Count
	}
	if o.originalWorker.NodeResource.Memory >= types.MinValidMemory {
		g.NodeResource.Memory = o.originalWorker.NodeResource.Memory
	}
	if o.originalWorker.NodeResource.CPU >= types.MinValidCPU {
		g.NodeResource.CPU = o.originalWorker.NodeResource.CPU
	}
	return g
}

// filterPS applies the same override invariant to a proposed PS group,
// additionally clamping its count to MaxPSNum.
func (o *JobResourceOptimizer) filterPS(g types.NodeGroupResource) types.NodeGroupResource {
	if o.originalPS.Count > 0 {
		g.Count = o.originalPS.Count
	}
	if o.originalPS.NodeResource.Memory >= types.MinValidMemory {
		g.NodeResource.Memory = o.originalPS.NodeResource.Memory
	}
	if o.originalPS.NodeResource.CPU >= types.MinValidCPU {
		g.NodeResource.CPU = o.originalPS.NodeResource.CPU
	}
	if g.Count > types.MaxPSNum {
		g.Count = types.MaxPSNum
	}
	return g
}

// InitJobResource runs the CREATE-stage plan request and writes the
// result back into job, applying the override filter, then advances the
// stage to WORKER_INITIAL. Evaluator resource below the minimum valid
// cpu/memory inherits the worker's values.
func (o *JobResourceOptimizer) InitJobResource(ctx context.Context, job *JobResource) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.optimizer.GenerateOptPlan(ctx, PlanRequest{Stage: types.StageCreate})
	if err != nil {
		return err
	}
	if !plan.Empty() {
		if g, ok := plan.NodeGroupResources[types.NodeTypeWorker]; ok && o.easydlWorkerEnabled {
			g = o.filterWorker(g)
			o.workerResource = g.NodeResource.Clone()
			job.AddNodeGroupResource(types.NodeTypeWorker, g)
		}
		if g, ok := plan.NodeGroupResources[types.NodeTypePS]; ok && o.easydlPSEnabled {
			g = o.filterPS(g)
			o.psResource = g.NodeResource.Clone()
			job.AddNodeGroupResource(types.NodeTypePS, g)
		}
	}

	if ev, ok := job.Get(types.NodeTypeEvaluator); ok {
		changed := false
		if ev.NodeResource.CPU < types.MinValidCPU {
			ev.NodeResource.CPU = o.workerResource.CPU
			changed = true
		}
		if ev.NodeResource.Memory < types.MinValidMemory {
			ev.NodeResource.Memory = o.workerResource.Memory
			changed = true
		}
		if changed {
			job.AddNodeGroupResource(types.NodeTypeEvaluator, ev)
		}
	}

	o.stage = types.StageWorkerInitial
	return nil
}

// GetJobResourcePlan cycles the stage machine forward and returns the
// next recommended plan, or nil when the optimizer has nothing to
// propose.
func (o *JobResourceOptimizer) GetJobResourcePlan(ctx context.Context) (*types.ResourcePlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var plan *types.ResourcePlan
	var err error

	switch o.stage {
	case types.StageWorkerInitial:
		plan, err = o.optimizer.GenerateOptPlan(ctx, PlanRequest{Stage: types.StageWorkerInitial, Phase: types.WorkerPhaseInitial})
		o.stage = types.StagePSInitial
	case types.StagePSInitial:
		plan, err = o.optimizer.GenerateOptPlan(ctx, PlanRequest{Stage: types.StagePSInitial})
		o.stage = types.StageRunning
	case types.StageRunning:
		// PS plan takes priority while RUNNING; only fall back to a
		// worker-resource request when the optimizer has no PS change
		// to propose.
		plan, err = o.optimizer.GenerateOptPlan(ctx, PlanRequest{Stage: types.StageRunning})
		if err == nil && plan.Empty() {
			phase := types.WorkerPhaseStable
			if !o.optimizeWorkerSampled {
				phase = types.WorkerPhaseSample
				o.optimizeWorkerSampled = true
			}
			plan, err = o.optimizer.GenerateOptPlan(ctx, PlanRequest{Stage: types.StageRunning, Phase: phase})
		}
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if plan.Empty() {
		return nil, nil
	}
	plan = plan.Clone()

	if g, ok := plan.NodeGroupResources[types.NodeTypeWorker]; ok {
		plan.NodeGroupResources[types.NodeTypeWorker] = o.filterWorker(g)
	}
	if g, ok := plan.NodeGroupResources[types.NodeTypePS]; ok {
		plan.NodeGroupResources[types.NodeTypePS] = o.filterPS(g)
	}
	plan.AdjustPlanByContext()
	return plan, nil
}

// AdjustOOMWorkerResource raises the live worker memory target after an
// OOM, and returns the memory value a specific node should relaunch with.
// Memory is never decreased: the result is the max of the optimizer's
// recovered value, the node's current memory scaled by
// IncrementalMemoryFactor, and the user-pinned original.
func (o *JobResourceOptimizer) AdjustOOMWorkerResource(ctx context.Context, nodeCurrentMemory int64) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stage == types.StageWorkerInitial && o.easydlWorkerEnabled {
		plan, err := o.optimizer.GenerateOOMRecoveryPlan(ctx, nil, types.StageCreate)
		if err != nil {
			return 0, err
		}
		if g, ok := plan.NodeGroupResources[types.NodeTypeWorker]; ok && g.NodeResource.Memory > o.workerResource.Memory {
			o.workerResource.Memory = g.NodeResource.Memory
		}
	}

	scaled := int64(float64(nodeCurrentMemory) * types.IncrementalMemoryFactor)
	result := o.workerResource.Memory
	if scaled > result {
		result = scaled
	}
	if o.originalWorker.NodeResource.Memory > result {
		result = o.originalWorker.NodeResource.Memory
	}
	return result, nil
}

// AdjustOOMPSResource handles an OOM'd PS node. It always asks the
// optimizer for a recovery plan first; when training has not yet
// started and the plan's PS group still declares a positive count under
// MaxMemory, it returns a full re-plan instead of an in-place bump —
// the two branches are mutually exclusive, matching the Python original.
// Otherwise the plan's recovered PS memory (if any) is folded into the
// live psResource before the in-place bump, so a recovery recommendation
// is never silently dropped.
func (o *JobResourceOptimizer) AdjustOOMPSResource(ctx context.Context, nodeName string, nodeCurrentMemory int64, trainingStarted bool) (*types.ResourcePlan, int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.optimizer.GenerateOOMRecoveryPlan(ctx, []string{nodeName}, types.StagePSInitial)
	if err != nil {
		return nil, 0, err
	}
	if !plan.Empty() {
		if g, ok := plan.NodeGroupResources[types.NodeTypePS]; ok {
			if !trainingStarted && g.Count > 0 && g.NodeResource.Memory < types.MaxMemory {
				plan = plan.Clone()
				plan.NodeGroupResources[types.NodeTypePS] = o.filterPS(g)
				plan.AdjustPlanByContext()
				o.optimizedPSMem = true
				return plan, 0, nil
			}
			if g.NodeResource.Memory > o.psResource.Memory {
				o.psResource.Memory = g.NodeResource.Memory
			}
		}
	}

	scaled := int64(float64(nodeCurrentMemory) * types.IncrementalMemoryFactor)
	result := o.psResource.Memory
	if scaled > result {
		result = scaled
	}
	if o.originalPS.NodeResource.Memory > result {
		result = o.originalPS.NodeResource.Memory
	}
	return types.NewResourcePlan(), result, nil
}
