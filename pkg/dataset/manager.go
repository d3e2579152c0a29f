// Package dataset implements the per-dataset todo/doing/done task queues
// that TaskManager drives.
package dataset

import (
	"container/list"
	"time"

	"github.com/dlrover/dlrover-master/pkg/shard"
	"github.com/dlrover/dlrover-master/pkg/types"
)

// Manager owns one dataset's shard/task lifecycle: a FIFO of unassigned
// tasks, a map of in-flight tasks, and a set of completed ones.
type Manager struct {
	Name        string
	BatchSize   int
	TaskType    types.TaskType
	splitter    *shard.Splitter

	todo    *list.List // of types.Task
	doing   map[int]types.DoingTask
	done    map[int]bool
	nextID  int

	completedStep      int64
	latestTaskEndTime  time.Time
}

// NewManager constructs a Manager around a Splitter.
func NewManager(name string, batchSize int, taskType types.TaskType, splitter *shard.Splitter) *Manager {
	return &Manager{
		Name:      name,
		BatchSize: batchSize,
		TaskType:  taskType,
		splitter:  splitter,
		todo:      list.New(),
		doing:     make(map[int]types.DoingTask),
		done:      make(map[int]bool),
	}
}

// maybeGenerate pulls one more task from the splitter into todo, if the
// splitter still has shards to give.
func (m *Manager) maybeGenerate() {
	sh, ok := m.splitter.Next()
	if !ok {
		return
	}
	t := types.Task{TaskID: m.nextID, Type: m.TaskType, Shard: sh}
	m.nextID++
	m.todo.PushBack(t)
}

// NextTask pops the head of todo, generating one more task from the
// splitter first if todo is currently empty. Returns ok=false when there
// is nothing left to dispatch right now.
func (m *Manager) NextTask() (types.Task, bool) {
	if m.todo.Len() == 0 {
		m.maybeGenerate()
	}
	front := m.todo.Front()
	if front == nil {
		return types.Task{}, false
	}
	m.todo.Remove(front)
	return front.Value.(types.Task), true
}

// Assign records a task as dispatched to a node.
func (m *Manager) Assign(t types.Task, nodeType types.NodeType, nodeID int64, now time.Time) {
	m.doing[t.TaskID] = types.DoingTask{Task: t, NodeType: nodeType, NodeID: nodeID, StartTime: now}
}

// Doing returns a snapshot copy of the in-flight tasks, safe to range over
// without holding the owning TaskManager's lock for the whole sweep.
func (m *Manager) Doing() map[int]types.DoingTask {
	out := make(map[int]types.DoingTask, len(m.doing))
	for k, v := range m.doing {
		out[k] = v
	}
	return out
}

// Report resolves a previously dispatched task. success=false requeues it
// at the head of todo; success=true moves it to done and, for TRAINING
// tasks, bumps completedStep. ok=false means the task wasn't found doing
// (already reported, or never dispatched).
func (m *Manager) Report(taskID int, success bool, now time.Time) (types.Task, bool) {
	dt, found := m.doing[taskID]
	if !found {
		return types.Task{}, false
	}
	delete(m.doing, taskID)
	if !success {
		m.todo.PushFront(dt.Task)
		return dt.Task, true
	}
	m.done[taskID] = true
	if dt.Task.Type == types.TaskTraining {
		m.completedStep++
	}
	m.latestTaskEndTime = now
	return dt.Task, true
}

// Requeue puts a doing task back at the head of todo (used by the
// timeout sweeper and by RecoverNode).
func (m *Manager) Requeue(taskID int) (types.Task, bool) {
	dt, found := m.doing[taskID]
	if !found {
		return types.Task{}, false
	}
	delete(m.doing, taskID)
	m.todo.PushFront(dt.Task)
	return dt.Task, true
}

// CompletedStep returns the monotonically increasing count of
// successfully reported TRAINING tasks.
func (m *Manager) CompletedStep() int64 { return m.completedStep }

// Epoch returns the splitter's current epoch.
func (m *Manager) Epoch() int { return m.splitter.Epoch() }

// LatestTaskEndTime returns the last time a task was successfully
// reported, zero if none yet.
func (m *Manager) LatestTaskEndTime() time.Time { return m.latestTaskEndTime }

// Completed reports whether the splitter is exhausted and no tasks remain
// pending or in flight.
func (m *Manager) Completed() bool {
	return m.splitter.Exhausted() && m.todo.Len() == 0 && len(m.doing) == 0
}

// Checkpoint is the serializable snapshot of a Manager's queue state.
type Checkpoint struct {
	DatasetName   string            `json:"dataset_name"`
	Todo          []types.Task      `json:"todo"`
	Doing         []types.DoingTask `json:"doing"`
	Done          []int             `json:"done"`
	NextID        int               `json:"next_id"`
	CompletedStep int64             `json:"completed_step"`
	SplitterState shard.State       `json:"splitter_state"`
}

// Snapshot serializes the manager's current state.
func (m *Manager) Snapshot() Checkpoint {
	todo := make([]types.Task, 0, m.todo.Len())
	for e := m.todo.Front(); e != nil; e = e.Next() {
		todo = append(todo, e.Value.(types.Task))
	}
	doing := make([]types.DoingTask, 0, len(m.doing))
	for _, dt := range m.doing {
		doing = append(doing, dt)
	}
	done := make([]int, 0, len(m.done))
	for id := range m.done {
		done = append(done, id)
	}
	return Checkpoint{
		DatasetName:   m.Name,
		Todo:          todo,
		Doing:         doing,
		Done:          done,
		NextID:        m.nextID,
		CompletedStep: m.completedStep,
		SplitterState: m.splitter.Snapshot(),
	}
}

// Restore replaces the manager's queue state with a previously captured
// checkpoint, including doing tasks, so the restored manager is
// externally indistinguishable from the one it was snapshotted from.
func (m *Manager) Restore(cp Checkpoint) {
	m.todo = list.New()
	for _, t := range cp.Todo {
		m.todo.PushBack(t)
	}
	m.doing = make(map[int]types.DoingTask, len(cp.Doing))
	for _, dt := range cp.Doing {
		m.doing[dt.Task.TaskID] = dt
	}
	m.done = make(map[int]bool, len(cp.Done))
	for _, id := range cp.Done {
		m.done[id] = true
	}
	m.nextID = cp.NextID
	m.completedStep = cp.CompletedStep
	m.splitter.Restore(cp.SplitterState)
}
