// Package taskmanager owns every dataset's shard-task lifecycle: dispatch,
// success/failure reporting, dead-worker recovery and the background
// straggler sweeper.
package taskmanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dlrover/dlrover-master/pkg/dataset"
	"github.com/dlrover/dlrover-master/pkg/shard"
	"github.com/dlrover/dlrover-master/pkg/types"
)

// PerfMonitor is the narrow slice of the perf-monitor collaborator that
// TaskManager drives directly. Defined here (rather than imported from
// pkg/perfmonitor) so taskmanager has no dependency on that package's
// concrete type.
type PerfMonitor interface {
	AddRunningWorker(nodeType types.NodeType, nodeID int64)
	ResetRunningPerfMonitor()
	SetWorkerStartEvalTime(nodeID int64)
	UpdateWorkerEvalTime(nodeID int64)
}

// TimeoutCallback is invoked once per timed-out EVALUATION task, with the
// id of the worker that held it.
type TimeoutCallback func(nodeID int64)

// Manager is the top-level shard/task coordinator. It owns every
// dataset's Manager, a map of worker start times, and (optionally) a
// background timeout sweeper.
type Manager struct {
	mu sync.Mutex

	taskProcessTimeout time.Duration
	perfMonitor        PerfMonitor
	logger             *slog.Logger

	order    []string // dataset names, insertion order
	datasets map[string]*dataset.Manager

	workerStartTaskTime map[int64]time.Time

	parallelEvalCount   int
	parallelEvalStarted bool

	timeoutCallbacks []TimeoutCallback

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a TaskManager. taskProcessTimeout of zero disables the
// background sweeper.
func New(taskProcessTimeout time.Duration, perfMonitor PerfMonitor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		taskProcessTimeout:  taskProcessTimeout,
		perfMonitor:         perfMonitor,
		logger:              logger,
		datasets:            make(map[string]*dataset.Manager),
		workerStartTaskTime: make(map[int64]time.Time),
		stopCh:              make(chan struct{}),
	}
}

// OnTaskTimeout registers a callback fired when the sweeper reassigns a
// timed-out EVALUATION task.
func (m *Manager) OnTaskTimeout(cb TimeoutCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeoutCallbacks = append(m.timeoutCallbacks, cb)
}

// NewDataset registers a dataset. Idempotent on name; dataset sizes of
// zero or less are rejected with a logged no-op.
func (m *Manager) NewDataset(name string, batchSize int, taskType types.TaskType, splitterCfg shard.Config) {
	if splitterCfg.DatasetSize <= 0 {
		m.logger.Error("rejecting dataset with non-positive size", "dataset", name, "size", splitterCfg.DatasetSize)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.datasets[name]; exists {
		return
	}
	splitterCfg.DatasetName = name
	dm := dataset.NewManager(name, batchSize, taskType, shard.New(splitterCfg))
	m.datasets[name] = dm
	m.order = append(m.order, name)
}

// IsDatasetInitialized reports whether a dataset with the given name has
// been registered.
func (m *Manager) IsDatasetInitialized(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.datasets[name]
	return ok
}

// GetDatasetTask returns the next task for a dataset on behalf of a node.
// ok=false means there is genuinely nothing to hand back right now
// (unknown dataset or the dataset has no schedulable work and no WAIT is
// warranted).
func (m *Manager) GetDatasetTask(nodeType types.NodeType, nodeID int64, datasetName string) (types.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dm, ok := m.datasets[datasetName]
	if !ok {
		return types.Task{}, false
	}

	t, ok := dm.NextTask()
	if !ok {
		if dm.Completed() {
			return types.Task{}, false
		}
		return types.Task{Type: types.TaskWait}, true
	}

	now := time.Now()
	dm.Assign(t, nodeType, nodeID, now)
	m.workerStartTaskTime[nodeID] = now

	if m.perfMonitor != nil {
		if t.Type == types.TaskEvaluation && nodeType == types.NodeTypeWorker {
			// All workers stop training to evaluate the model at
			// parallel validation.
			m.perfMonitor.ResetRunningPerfMonitor()
			m.perfMonitor.SetWorkerStartEvalTime(nodeID)
			if !m.parallelEvalStarted {
				m.parallelEvalCount++
				m.parallelEvalStarted = true
			}
		}
		if t.Type == types.TaskTraining {
			m.perfMonitor.AddRunningWorker(nodeType, nodeID)
			m.perfMonitor.UpdateWorkerEvalTime(nodeID)
			m.parallelEvalStarted = false
		}
	}
	return t, true
}

// ReportDatasetTask resolves a previously dispatched task. It returns
// ok=false if the dataset is unknown or the task id is not in flight
// (never dispatched or already done); the caller answers an unknown
// dataset with a protocol-violation error and the other case as a no-op.
func (m *Manager) ReportDatasetTask(datasetName string, taskID int, success bool) (types.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dm, ok := m.datasets[datasetName]
	if !ok {
		return types.Task{}, false
	}
	now := time.Now()
	t, found := dm.Report(taskID, success, now)
	if !found {
		return types.Task{}, false
	}
	return t, true
}

// RecoverTasks reassigns every in-flight task held by the given node back
// to todo, across all datasets. Used when a node is declared dead.
func (m *Manager) RecoverTasks(nodeType types.NodeType, nodeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		dm := m.datasets[name]
		for taskID, dt := range dm.Doing() {
			if dt.NodeType == nodeType && dt.NodeID == nodeID {
				dm.Requeue(taskID)
			}
		}
	}
}

// TaskHanged reports whether every registered dataset has stalled: each
// has reported at least one task and none has reported one within
// taskProcessTimeout.
func (m *Manager) TaskHanged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.datasets) == 0 || m.taskProcessTimeout <= 0 {
		return false
	}
	now := time.Now()
	for _, name := range m.order {
		dm := m.datasets[name]
		end := dm.LatestTaskEndTime()
		if end.IsZero() || now.Sub(end) <= m.taskProcessTimeout {
			return false
		}
	}
	return true
}

// Finished reports whether at least one dataset is registered and every
// registered dataset has completed.
func (m *Manager) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.datasets) == 0 {
		return false
	}
	for _, name := range m.order {
		if !m.datasets[name].Completed() {
			return false
		}
	}
	return true
}

// TrainingStarted reports whether any dataset has completed at least one
// TRAINING task.
func (m *Manager) TrainingStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		if m.datasets[name].CompletedStep() > 0 {
			return true
		}
	}
	return false
}

// TotalCompletedSteps sums completed TRAINING-task counts across every
// registered dataset, used by MasterServicer to populate runtime stats.
func (m *Manager) TotalCompletedSteps() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, name := range m.order {
		total += m.datasets[name].CompletedStep()
	}
	return total
}

// GetDatasetEpoch returns a dataset's current epoch, 0 if unknown.
func (m *Manager) GetDatasetEpoch(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dm, ok := m.datasets[name]
	if !ok {
		m.logger.Error("get_dataset_epoch on unknown dataset", "dataset", name)
		return 0
	}
	return dm.Epoch()
}

// ParallelEvalCount returns how many parallel-evaluation rounds have
// started across this manager's lifetime.
func (m *Manager) ParallelEvalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parallelEvalCount
}

// GetDatasetCheckpoint serializes a dataset's queue state.
func (m *Manager) GetDatasetCheckpoint(name string) (dataset.Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dm, ok := m.datasets[name]
	if !ok {
		return dataset.Checkpoint{}, false
	}
	return dm.Snapshot(), true
}

// RestoreDatasetFromCheckpoint restores a dataset's queue state. Returns
// false (logged) if the dataset named in the checkpoint isn't registered.
func (m *Manager) RestoreDatasetFromCheckpoint(cp dataset.Checkpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dm, ok := m.datasets[cp.DatasetName]
	if !ok {
		m.logger.Error("restore checkpoint for unknown dataset", "dataset", cp.DatasetName)
		return false
	}
	dm.Restore(cp)
	return true
}

// Start launches the background timeout sweeper, if taskProcessTimeout is
// positive. Safe to call once.
func (m *Manager) Start() {
	if m.taskProcessTimeout <= 0 {
		return
	}
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop terminates the background sweeper and waits for it to exit.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAndReassignTimeoutTasks()
		}
	}
}

func (m *Manager) checkAndReassignTimeoutTasks() {
	m.mu.Lock()
	type hit struct {
		nodeID int64
		name   string
		taskID int
	}
	var hits []hit
	now := time.Now()
	for _, name := range m.order {
		dm := m.datasets[name]
		for taskID, dt := range dm.Doing() {
			if dt.Task.Type != types.TaskEvaluation {
				continue
			}
			start, ok := m.workerStartTaskTime[dt.NodeID]
			if !ok || now.Sub(start) <= m.taskProcessTimeout {
				continue
			}
			dm.Requeue(taskID)
			hits = append(hits, hit{nodeID: dt.NodeID, name: name, taskID: taskID})
			// one timed-out task per dataset per sweep.
			break
		}
	}
	callbacks := append([]TimeoutCallback(nil), m.timeoutCallbacks...)
	m.mu.Unlock()

	for _, h := range hits {
		m.logger.Warn("evaluation task timed out", "dataset", h.name, "task_id", h.taskID, "node_id", h.nodeID)
		for _, cb := range callbacks {
			cb(h.nodeID)
		}
	}
}

// ResetWorkerStartTaskTime clears the recorded start time for a worker,
// called by MasterServicer.GetTask under its own lock on every call.
func (m *Manager) ResetWorkerStartTaskTime(nodeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workerStartTaskTime, nodeID)
}
