// Package nodemanager tracks the live node table (one entry per worker,
// PS, chief or evaluator), detects dead nodes by report staleness, and
// triggers autoscale requests through a registered callback — the
// collaborator contract named in spec.md §6, adapted from the teacher's
// FaultDetector/CircuitBreaker shape.
package nodemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dlrover/dlrover-master/pkg/types"
)

// RecoveryHandler is invoked once per node the detector declares dead.
type RecoveryHandler func(nodeType types.NodeType, nodeID int64)

// AutoScaleFunc is invoked when StartAutoScale fires; it is expected to
// consult the resource optimizer and apply whatever plan comes back.
type AutoScaleFunc func()

// Manager owns the node table and a background staleness detector.
type Manager struct {
	mu sync.RWMutex

	nodes map[types.NodeType]map[int64]*types.NodeMeta

	staleAfter time.Duration
	logger     *slog.Logger

	recoveryHandlers []RecoveryHandler
	autoScale        AutoScaleFunc
	autoScaleStarted bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager seeded with an initial node table (as built
// by resource.JobResource.InitNodeMeta). staleAfter of zero disables the
// background detector.
func New(nodes map[types.NodeType]map[int64]*types.NodeMeta, staleAfter time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if nodes == nil {
		nodes = make(map[types.NodeType]map[int64]*types.NodeMeta)
	}
	return &Manager{
		nodes:      nodes,
		staleAfter: staleAfter,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// OnNodeDead registers a callback fired once per node declared dead by
// the staleness detector.
func (m *Manager) OnNodeDead(h RecoveryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryHandlers = append(m.recoveryHandlers, h)
}

// SetAutoScaleFunc registers the callback StartAutoScale invokes.
func (m *Manager) SetAutoScaleFunc(f AutoScaleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoScale = f
}

// StartAutoScale triggers the registered autoscale callback at most once
// per process lifetime.
func (m *Manager) StartAutoScale() {
	m.mu.Lock()
	if m.autoScaleStarted || m.autoScale == nil {
		m.mu.Unlock()
		return
	}
	m.autoScaleStarted = true
	fn := m.autoScale
	m.mu.Unlock()
	fn()
}

// UpdateNodeResourceUsage records a node's self-reported resource usage
// and refreshes its liveness timestamp.
func (m *Manager) UpdateNodeResourceUsage(nodeType types.NodeType, nodeID int64, cpu float64, memoryMiB int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.nodes[nodeType]
	if !ok {
		return
	}
	n, ok := group[nodeID]
	if !ok {
		return
	}
	n.Resource.CPU = cpu
	n.Resource.Memory = memoryMiB
	n.UpdatedAt = time.Now()
	if n.Status == types.NodeStatusPending {
		n.Status = types.NodeStatusRunning
	}
}

// Get returns a copy of a node's metadata.
func (m *Manager) Get(nodeType types.NodeType, nodeID int64) (types.NodeMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, ok := m.nodes[nodeType]
	if !ok {
		return types.NodeMeta{}, false
	}
	n, ok := group[nodeID]
	if !ok {
		return types.NodeMeta{}, false
	}
	return *n, true
}

// GetRunningWorkers returns every worker node currently RUNNING.
func (m *Manager) GetRunningWorkers() []types.NodeMeta {
	return m.filterNodes(types.NodeTypeWorker, types.NodeStatusRunning)
}

// GetRunningNodes returns every node of any type currently RUNNING.
func (m *Manager) GetRunningNodes() []types.NodeMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.NodeMeta
	for _, group := range m.nodes {
		for _, n := range group {
			if n.Status == types.NodeStatusRunning {
				out = append(out, *n)
			}
		}
	}
	return out
}

// GetAllRunningNodes is an alias retained for parity with the spec's
// collaborator contract, which names both `get_running_nodes` and
// `get_all_running_nodes` as distinct methods on NodeManager even though
// they observe the same table.
func (m *Manager) GetAllRunningNodes() []types.NodeMeta {
	return m.GetRunningNodes()
}

func (m *Manager) filterNodes(t types.NodeType, status types.NodeStatus) []types.NodeMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.NodeMeta
	for _, n := range m.nodes[t] {
		if n.Status == status {
			out = append(out, *n)
		}
	}
	return out
}

// GetNextClusterPS returns the PS nodes eligible to join the next PS
// cluster version, i.e. every currently-running PS node.
func (m *Manager) GetNextClusterPS() []types.NodeMeta {
	return m.filterNodes(types.NodeTypePS, types.NodeStatusRunning)
}

// ReadyForNewPSCluster reports whether at least one PS node is running.
func (m *Manager) ReadyForNewPSCluster() bool {
	return len(m.GetNextClusterPS()) > 0
}

// PostPSReady marks every PS node's pending status as running; called
// once the PS cluster has reported its relaunch is complete.
func (m *Manager) PostPSReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes[types.NodeTypePS] {
		if n.Status == types.NodeStatusPending {
			n.Status = types.NodeStatusRunning
		}
	}
}

// MarkFailed flags a node as failed, decrementing its relaunch budget.
// Returns false when the relaunch budget is exhausted.
func (m *Manager) MarkFailed(nodeType types.NodeType, nodeID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.nodes[nodeType]
	if !ok {
		return false
	}
	n, ok := group[nodeID]
	if !ok {
		return false
	}
	n.Status = types.NodeStatusFailed
	if n.RelaunchLeft <= 0 {
		return false
	}
	n.RelaunchLeft--
	return true
}

// Start launches the background staleness detector, if staleAfter is
// positive.
func (m *Manager) Start() {
	if m.staleAfter <= 0 {
		return
	}
	m.wg.Add(1)
	go m.detectLoop()
}

// Stop terminates the background detector and waits for it to exit.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Manager) detectLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.staleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.detectDeadNodes()
		}
	}
}

func (m *Manager) detectDeadNodes() {
	type dead struct {
		t  types.NodeType
		id int64
	}
	var victims []dead

	m.mu.Lock()
	now := time.Now()
	for t, group := range m.nodes {
		for id, n := range group {
			if n.Status != types.NodeStatusRunning {
				continue
			}
			if n.UpdatedAt.IsZero() || now.Sub(n.UpdatedAt) <= m.staleAfter {
				continue
			}
			n.Status = types.NodeStatusFailed
			victims = append(victims, dead{t, id})
		}
	}
	handlers := append([]RecoveryHandler(nil), m.recoveryHandlers...)
	m.mu.Unlock()

	for _, v := range victims {
		m.logger.Warn("node declared dead on report staleness", "node_type", v.t, "node_id", v.id)
		for _, h := range handlers {
			h(v.t, v.id)
		}
	}
}
