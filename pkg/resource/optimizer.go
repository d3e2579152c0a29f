// Package resource implements the job resource optimizer stage machine:
// proposing {count, cpu, memory} plans for worker/PS groups across a
// job's lifecycle and reconciling them with user-pinned overrides.
package resource

import (
	"context"
	"sync"

	"github.com/dlrover/dlrover-master/pkg/types"
)

// PlanRequest carries the context a plan request is made in: which stage
// the job is in, and (for RUNNING-stage worker requests) which sampling
// phase the request represents.
type PlanRequest struct {
	Stage types.JobOptStage
	Phase types.OptimizeWorkerPhase
}

// Optimizer is the pluggable plan-generation strategy, implemented by
// Local (returns empty plans) and Brain (delegates to an external
// recommender). Both must return an empty plan rather
// than an error when they have no recommendation.
type Optimizer interface {
	GenerateOptPlan(ctx context.Context, req PlanRequest) (*types.ResourcePlan, error)
	GenerateOOMRecoveryPlan(ctx context.Context, nodeNames []string, stage types.JobOptStage) (*types.ResourcePlan, error)
	UpdateJobUUID(uuid string)
}

// LocalOptimizer is the in-process Optimizer, with no external
// dependency. It collects no step-rate samples and every plan it returns
// is empty.
type LocalOptimizer struct {
	mu      sync.Mutex
	jobUUID string
}

// NewLocalOptimizer constructs a LocalOptimizer.
func NewLocalOptimizer() *LocalOptimizer {
	return &LocalOptimizer{}
}

// UpdateJobUUID implements Optimizer.
func (o *LocalOptimizer) UpdateJobUUID(uuid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobUUID = uuid
}

// GenerateOptPlan implements Optimizer. The local strategy has no
// recommender to consult, so requests at every stage return an empty
// plan and the caller keeps JobResource's declared values.
func (o *LocalOptimizer) GenerateOptPlan(ctx context.Context, req PlanRequest) (*types.ResourcePlan, error) {
	return types.NewResourcePlan(), nil
}

// GenerateOOMRecoveryPlan implements Optimizer. With no recommender
// attached, the caller's own incremental-memory-factor growth is the
// sole OOM response.
func (o *LocalOptimizer) GenerateOOMRecoveryPlan(ctx context.Context, nodeNames []string, stage types.JobOptStage) (*types.ResourcePlan, error) {
	return types.NewResourcePlan(), nil
}

// BrainClient is the minimal surface an external recommender service
// must expose for BrainOptimizer to consult it.
type BrainClient interface {
	Recommend(ctx context.Context, jobUUID string, req PlanRequest) (*types.ResourcePlan, error)
	RecommendOOM(ctx context.Context, jobUUID string, nodeNames []string, stage types.JobOptStage) (*types.ResourcePlan, error)
}

// BrainOptimizer delegates plan generation to an external recommender.
// Any error talking to the recommender degrades to an empty plan rather
// than propagating, per the "optimizer unavailable" error-handling rule.
type BrainOptimizer struct {
	mu      sync.Mutex
	jobUUID string
	client  BrainClient
}

// NewBrainOptimizer constructs a BrainOptimizer around a recommender
// client.
func NewBrainOptimizer(client BrainClient) *BrainOptimizer {
	return &BrainOptimizer{client: client}
}

// UpdateJobUUID implements Optimizer.
func (o *BrainOptimizer) UpdateJobUUID(uuid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobUUID = uuid
}

// GenerateOptPlan implements Optimizer.
func (o *BrainOptimizer) GenerateOptPlan(ctx context.Context, req PlanRequest) (*types.ResourcePlan, error) {
	o.mu.Lock()
	uuid := o.jobUUID
	o.mu.Unlock()
	plan, err := o.client.Recommend(ctx, uuid, req)
	if err != nil || plan == nil {
		return types.NewResourcePlan(), nil
	}
	return plan, nil
}

// GenerateOOMRecoveryPlan implements Optimizer.
func (o *BrainOptimizer) GenerateOOMRecoveryPlan(ctx context.Context, nodeNames []string, stage types.JobOptStage) (*types.ResourcePlan, error) {
	o.mu.Lock()
	uuid := o.jobUUID
	o.mu.Unlock()
	plan, err := o.client.RecommendOOM(ctx, uuid, nodeNames, stage)
	if err != nil || plan == nil {
		return types.NewResourcePlan(), nil
	}
	return plan, nil
}
