// Package perfmonitor implements the PerfMonitor collaborator: step-rate
// sampling, the running-worker set, and evaluation timing, all read by
// MasterServicer's autoscale triggers.
package perfmonitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlrover/dlrover-master/pkg/types"
)

type runningWorker struct {
	nodeType types.NodeType
	nodeID   int64
}

// Monitor tracks global-step samples and the set of currently running
// workers. Counters are atomic so `SampleCount`/`CompletedGlobalStep` can
// be read from the RPC-handler hot path without taking the struct mutex.
type Monitor struct {
	mu sync.Mutex

	sampleCount          atomic.Int64
	completedGlobalStep  atomic.Int64

	running map[runningWorker]bool

	lastStep   int64
	lastStepAt time.Time

	evalStartTimes map[int64]time.Time
}

// New constructs an empty Monitor.
func New() *Monitor {
	return &Monitor{
		running:        make(map[runningWorker]bool),
		evalStartTimes: make(map[int64]time.Time),
	}
}

// CollectGlobalStep records a (step, timestamp) sample, bumping the
// sample count and the completed-step high-water mark.
func (m *Monitor) CollectGlobalStep(step int64, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step > m.lastStep {
		m.lastStep = step
		m.lastStepAt = ts
		m.completedGlobalStep.Store(step)
	}
	m.sampleCount.Add(1)
}

// SampleCount returns how many global-step samples have been collected.
func (m *Monitor) SampleCount() int { return int(m.sampleCount.Load()) }

// CompletedGlobalStep returns the highest global step observed so far.
func (m *Monitor) CompletedGlobalStep() int64 { return m.completedGlobalStep.Load() }

// AddRunningWorker marks a worker as currently executing a task.
func (m *Monitor) AddRunningWorker(nodeType types.NodeType, nodeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[runningWorker{nodeType, nodeID}] = true
}

// RemoveRunningWorker clears a worker from the running set, called when a
// node is declared dead.
func (m *Monitor) RemoveRunningWorker(nodeType types.NodeType, nodeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, runningWorker{nodeType, nodeID})
}

// RunningWorkerCount reports how many workers are currently marked
// running, reported in the runtime stats sample.
func (m *Monitor) RunningWorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// ResetRunningPerfMonitor clears the running-worker set, called when an
// evaluation round begins so step-rate sampling starts fresh.
func (m *Monitor) ResetRunningPerfMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = make(map[runningWorker]bool)
}

// SetWorkerStartEvalTime records when a worker began an evaluation task.
func (m *Monitor) SetWorkerStartEvalTime(nodeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evalStartTimes[nodeID] = time.Now()
}

// UpdateWorkerEvalTime clears a worker's recorded evaluation start time,
// called when the worker is dispatched a TRAINING task.
func (m *Monitor) UpdateWorkerEvalTime(nodeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.evalStartTimes, nodeID)
}
