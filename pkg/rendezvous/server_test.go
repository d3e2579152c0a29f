package rendezvous

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetWorkerHostRankIsDeterministicByNodeID(t *testing.T) {
	s := New(DialectDDP, 29500)
	s.AddProcess("worker", 5)
	s.AddProcess("worker", 1)
	s.AddProcess("worker", 3)

	r1 := s.GetWorkerHostRank("worker", 1)
	r3 := s.GetWorkerHostRank("worker", 3)
	r5 := s.GetWorkerHostRank("worker", 5)

	assert.Equal(t, 0, r1.Rank)
	assert.Equal(t, 1, r3.Rank)
	assert.Equal(t, 2, r5.Rank)
	assert.Equal(t, 3, r1.LocalSize)
}

func TestGetWorkerHostRankUnknownProcessIsNegativeOne(t *testing.T) {
	s := New(DialectHorovod, 29500)
	r := s.GetWorkerHostRank("worker", 42)
	assert.Equal(t, -1, r.Rank)
}

func TestRemoveProcessDropsItFromSizeAndRank(t *testing.T) {
	s := New(DialectDDP, 29500)
	s.AddProcess("worker", 1)
	s.AddProcess("worker", 2)
	require.Equal(t, 2, s.GetSize())

	s.RemoveProcess("worker", 1)
	assert.Equal(t, 1, s.GetSize())
	assert.Equal(t, -1, s.GetWorkerHostRank("worker", 1).Rank)
}

func TestBarrierSyncRequiresEveryRegisteredProcess(t *testing.T) {
	s := New(DialectDDP, 29500)
	s.AddProcess("worker", 1)
	s.AddProcess("worker", 2)

	assert.False(t, s.BarrierSync("worker", 1))
	assert.True(t, s.BarrierSync("worker", 2))
}

func TestResetSyncClearsBarrierStateButKeepsProcesses(t *testing.T) {
	s := New(DialectDDP, 29500)
	s.AddProcess("worker", 1)
	s.BarrierSync("worker", 1)
	before := s.GetRendezvousID()

	s.ResetSync()

	assert.Equal(t, before+1, s.GetRendezvousID())
	assert.Equal(t, 1, s.GetSize(), "ResetSync starts a fresh round but keeps registered processes")
	assert.True(t, s.BarrierSync("worker", 1), "barrier state was cleared, so a single process reaches it alone")
}
