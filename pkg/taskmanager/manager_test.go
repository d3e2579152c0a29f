package taskmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlrover/dlrover-master/pkg/shard"
	"github.com/dlrover/dlrover-master/pkg/types"
)

type fakePerfMonitor struct {
	mu              sync.Mutex
	running         map[int64]bool
	evalTimeUpdated map[int64]int
	evalStartSet    map[int64]int
	resetCalls      int
}

func newFakePerfMonitor() *fakePerfMonitor {
	return &fakePerfMonitor{
		running:         make(map[int64]bool),
		evalTimeUpdated: make(map[int64]int),
		evalStartSet:    make(map[int64]int),
	}
}
func (f *fakePerfMonitor) AddRunningWorker(_ types.NodeType, nodeID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[nodeID] = true
}
func (f *fakePerfMonitor) ResetRunningPerfMonitor() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
}
func (f *fakePerfMonitor) SetWorkerStartEvalTime(nodeID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalStartSet[nodeID]++
}
func (f *fakePerfMonitor) UpdateWorkerEvalTime(nodeID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalTimeUpdated[nodeID]++
}

func TestNewDatasetRejectsNonPositiveSize(t *testing.T) {
	m := New(0, nil, nil)
	m.NewDataset("ds", 1, types.TaskTraining, shard.Config{DatasetSize: 0, ShardSize: 1, NumEpochs: 1})
	assert.False(t, m.IsDatasetInitialized("ds"))
}

func TestNewDatasetIsIdempotentOnName(t *testing.T) {
	m := New(0, nil, nil)
	m.NewDataset("ds", 1, types.TaskTraining, shard.Config{DatasetSize: 10, ShardSize: 2, NumEpochs: 1})
	m.NewDataset("ds", 99, types.TaskEvaluation, shard.Config{DatasetSize: 999, ShardSize: 1, NumEpochs: 1})
	// second call is a no-op: the dataset epoch/shape from the first call stands.
	assert.Equal(t, 0, m.GetDatasetEpoch("ds"))
}

func TestGetDatasetTaskOnUnknownDatasetIsNotOK(t *testing.T) {
	m := New(0, nil, nil)
	_, ok := m.GetDatasetTask(types.NodeTypeWorker, 1, "missing")
	assert.False(t, ok)
}

func TestGetDatasetTaskReturnsWaitWhenNothingSchedulable(t *testing.T) {
	m := New(0, nil, nil)
	m.NewDataset("ds", 1, types.TaskTraining, shard.Config{DatasetSize: 1, ShardSize: 1, NumEpochs: 1})

	first, ok := m.GetDatasetTask(types.NodeTypeWorker, 1, "ds")
	require.True(t, ok)
	require.Equal(t, types.TaskTraining, first.Type)

	second, ok := m.GetDatasetTask(types.NodeTypeWorker, 2, "ds")
	require.True(t, ok)
	assert.Equal(t, types.TaskWait, second.Type)
}

func TestReportDatasetTaskUnknownDatasetIsNotOK(t *testing.T) {
	m := New(0, nil, nil)
	_, ok := m.ReportDatasetTask("missing", 0, true)
	assert.False(t, ok)
}

func TestRecoverTasksRequeuesOnlyDeadNodesWork(t *testing.T) {
	pm := newFakePerfMonitor()
	m := New(0, pm, nil)
	m.NewDataset("ds", 1, types.TaskTraining, shard.Config{DatasetSize: 4, ShardSize: 1, NumEpochs: 1})

	t1, _ := m.GetDatasetTask(types.NodeTypeWorker, 1, "ds")
	t2, _ := m.GetDatasetTask(types.NodeTypeWorker, 2, "ds")
	require.NotEqual(t, t1.TaskID, t2.TaskID)

	m.RecoverTasks(types.NodeTypeWorker, 1)

	// node 1's task comes back before any newly generated one; node 2's
	// assignment is untouched.
	next, ok := m.GetDatasetTask(types.NodeTypeWorker, 3, "ds")
	require.True(t, ok)
	assert.Equal(t, t1.TaskID, next.TaskID)
}

func TestTrainingStartedRequiresACompletedTrainingTask(t *testing.T) {
	m := New(0, nil, nil)
	m.NewDataset("ds", 1, types.TaskTraining, shard.Config{DatasetSize: 1, ShardSize: 1, NumEpochs: 1})
	assert.False(t, m.TrainingStarted())

	task, _ := m.GetDatasetTask(types.NodeTypeWorker, 1, "ds")
	m.ReportDatasetTask("ds", task.TaskID, true)
	assert.True(t, m.TrainingStarted())
}

func TestTotalCompletedStepsSumsAcrossDatasets(t *testing.T) {
	m := New(0, nil, nil)
	m.NewDataset("a", 1, types.TaskTraining, shard.Config{DatasetSize: 2, ShardSize: 1, NumEpochs: 1})
	m.NewDataset("b", 1, types.TaskTraining, shard.Config{DatasetSize: 2, ShardSize: 1, NumEpochs: 1})

	for _, name := range []string{"a", "b"} {
		task, ok := m.GetDatasetTask(types.NodeTypeWorker, 1, name)
		require.True(t, ok)
		_, ok = m.ReportDatasetTask(name, task.TaskID, true)
		require.True(t, ok)
	}
	assert.EqualValues(t, 2, m.TotalCompletedSteps())
}

func TestCheckpointRoundTripRestoresDatasetState(t *testing.T) {
	m := New(0, nil, nil)
	m.NewDataset("ds", 1, types.TaskTraining, shard.Config{DatasetSize: 4, ShardSize: 1, NumEpochs: 1})
	task, _ := m.GetDatasetTask(types.NodeTypeWorker, 1, "ds")
	m.ReportDatasetTask("ds", task.TaskID, true)

	cp, ok := m.GetDatasetCheckpoint("ds")
	require.True(t, ok)

	fresh := New(0, nil, nil)
	fresh.NewDataset("ds", 1, types.TaskTraining, shard.Config{DatasetSize: 4, ShardSize: 1, NumEpochs: 1})
	restored := fresh.RestoreDatasetFromCheckpoint(cp)
	assert.True(t, restored)
	assert.EqualValues(t, 1, fresh.TotalCompletedSteps())
}

func TestGetDatasetTaskPerfMonitorGatingByTaskType(t *testing.T) {
	pm := newFakePerfMonitor()
	m := New(0, pm, nil)
	m.NewDataset("ds", 1, types.TaskEvaluation, shard.Config{DatasetSize: 2, ShardSize: 1, NumEpochs: 1})

	evalTask, ok := m.GetDatasetTask(types.NodeTypeWorker, 1, "ds")
	require.True(t, ok)
	require.Equal(t, types.TaskEvaluation, evalTask.Type)

	// Evaluation dispatch resets/sets eval bookkeeping and bumps
	// ParallelEvalCount exactly once at entry, but must NOT add the
	// worker to the running set or touch its eval time.
	assert.Equal(t, 1, pm.resetCalls)
	assert.Equal(t, 1, pm.evalStartSet[1])
	assert.False(t, pm.running[1])
	assert.Zero(t, pm.evalTimeUpdated[1])
	assert.Equal(t, 1, m.ParallelEvalCount())

	// A second evaluation task dispatched before any training task must
	// not bump the count again (guarded by "not already started").
	evalTask2, ok := m.GetDatasetTask(types.NodeTypeWorker, 2, "ds")
	require.True(t, ok)
	require.Equal(t, types.TaskEvaluation, evalTask2.Type)
	assert.Equal(t, 1, m.ParallelEvalCount())

	m2 := New(0, pm, nil)
	m2.NewDataset("ds2", 1, types.TaskTraining, shard.Config{DatasetSize: 1, ShardSize: 1, NumEpochs: 1})
	trainTask, ok := m2.GetDatasetTask(types.NodeTypeWorker, 3, "ds2")
	require.True(t, ok)
	require.Equal(t, types.TaskTraining, trainTask.Type)

	assert.True(t, pm.running[3], "training dispatch must add the worker to the running set")
	assert.Equal(t, 1, pm.evalTimeUpdated[3], "training dispatch must update the worker's eval time")
}

func TestCheckAndReassignTimeoutTasksFiresRegisteredCallback(t *testing.T) {
	m := New(20*time.Millisecond, newFakePerfMonitor(), nil)
	m.NewDataset("ds", 1, types.TaskEvaluation, shard.Config{DatasetSize: 1, ShardSize: 1, NumEpochs: 1})

	var timedOutNode int64 = -1
	m.OnTaskTimeout(func(nodeID int64) { timedOutNode = nodeID })

	task, ok := m.GetDatasetTask(types.NodeTypeWorker, 7, "ds")
	require.True(t, ok)
	require.Equal(t, types.TaskEvaluation, task.Type)

	time.Sleep(30 * time.Millisecond) // exceed the 20ms taskProcessTimeout
	m.checkAndReassignTimeoutTasks()

	assert.EqualValues(t, 7, timedOutNode)
}
