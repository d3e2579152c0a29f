package nodemanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlrover/dlrover-master/pkg/types"
)

func oneWorkerTable() map[types.NodeType]map[int64]*types.NodeMeta {
	return map[types.NodeType]map[int64]*types.NodeMeta{
		types.NodeTypeWorker: {
			0: {ID: 0, Type: types.NodeTypeWorker, Status: types.NodeStatusPending, RelaunchLeft: 2},
		},
	}
}

func TestUpdateNodeResourceUsagePromotesPendingToRunning(t *testing.T) {
	m := New(oneWorkerTable(), 0, nil)
	m.UpdateNodeResourceUsage(types.NodeTypeWorker, 0, 1.5, 2048)

	n, ok := m.Get(types.NodeTypeWorker, 0)
	require.True(t, ok)
	assert.Equal(t, types.NodeStatusRunning, n.Status)
	assert.Equal(t, 1.5, n.Resource.CPU)
}

func TestGetRunningWorkersFiltersByTypeAndStatus(t *testing.T) {
	nodes := oneWorkerTable()
	nodes[types.NodeTypePS] = map[int64]*types.NodeMeta{
		0: {ID: 0, Type: types.NodeTypePS, Status: types.NodeStatusRunning},
	}
	m := New(nodes, 0, nil)
	m.UpdateNodeResourceUsage(types.NodeTypeWorker, 0, 1, 1)

	workers := m.GetRunningWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, types.NodeTypeWorker, workers[0].Type)
}

func TestMarkFailedDecrementsRelaunchBudgetAndFailsAtZero(t *testing.T) {
	m := New(oneWorkerTable(), 0, nil)
	ok := m.MarkFailed(types.NodeTypeWorker, 0)
	assert.True(t, ok)
	ok = m.MarkFailed(types.NodeTypeWorker, 0)
	assert.True(t, ok)
	ok = m.MarkFailed(types.NodeTypeWorker, 0)
	assert.False(t, ok, "relaunch budget exhausted")
}

func TestPostPSReadyOnlyPromotesPendingPS(t *testing.T) {
	nodes := map[types.NodeType]map[int64]*types.NodeMeta{
		types.NodeTypePS: {
			0: {ID: 0, Type: types.NodeTypePS, Status: types.NodeStatusPending},
			1: {ID: 1, Type: types.NodeTypePS, Status: types.NodeStatusFailed},
		},
	}
	m := New(nodes, 0, nil)
	m.PostPSReady()
	n0, _ := m.Get(types.NodeTypePS, 0)
	n1, _ := m.Get(types.NodeTypePS, 1)
	assert.Equal(t, types.NodeStatusRunning, n0.Status)
	assert.Equal(t, types.NodeStatusFailed, n1.Status, "an already-failed node is not resurrected by PostPSReady")
}

func TestStartAutoScaleFiresCallbackAtMostOnce(t *testing.T) {
	m := New(oneWorkerTable(), 0, nil)
	var calls int32
	var mu sync.Mutex
	m.SetAutoScaleFunc(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	m.StartAutoScale()
	m.StartAutoScale()
	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, calls)
}

func TestDetectLoopDeclaresStaleRunningNodesDeadAndInvokesHandler(t *testing.T) {
	nodes := oneWorkerTable()
	nodes[types.NodeTypeWorker][0].Status = types.NodeStatusRunning
	nodes[types.NodeTypeWorker][0].UpdatedAt = time.Now().Add(-time.Hour)

	m := New(nodes, 20*time.Millisecond, nil)
	var dead int64 = -1
	var mu sync.Mutex
	m.OnNodeDead(func(_ types.NodeType, nodeID int64) {
		mu.Lock()
		dead = nodeID
		mu.Unlock()
	})

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dead == 0
	}, 2*time.Second, 10*time.Millisecond)

	n, _ := m.Get(types.NodeTypeWorker, 0)
	assert.Equal(t, types.NodeStatusFailed, n.Status)
}
