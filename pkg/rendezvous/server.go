// Package rendezvous implements the RendezvousServer collaborator:
// worker membership and rank assignment ahead of a collective training
// round, adapted from the teacher's consensus.Engine shape.
package rendezvous

import (
	"sort"
	"sync"
)

// Dialect selects which collective-communication convention a rank
// response follows.
type Dialect string

const (
	DialectHorovod Dialect = "horovod"
	DialectDDP     Dialect = "DDP"
)

type process struct {
	nodeType string
	nodeID   int64
}

// Server tracks the set of processes that have joined the current
// rendezvous round and assigns ranks once queried.
type Server struct {
	mu sync.Mutex

	dialect         Dialect
	rendezvousID    int64
	port            int
	processes       map[process]bool
	barrierReached  map[process]bool
	prestopReported map[process]bool
}

// New constructs a Server for the given dialect and listening port.
func New(dialect Dialect, port int) *Server {
	return &Server{
		dialect:         dialect,
		port:            port,
		processes:       make(map[process]bool),
		barrierReached:  make(map[process]bool),
		prestopReported: make(map[process]bool),
	}
}

// AddProcess registers a worker as part of the current rendezvous round.
func (s *Server) AddProcess(nodeType string, nodeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[process{nodeType, nodeID}] = true
}

// RemoveProcess removes a worker from the current round, e.g. on death.
func (s *Server) RemoveProcess(nodeType string, nodeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processes, process{nodeType, nodeID})
}

// GetSize returns the number of processes currently in the round.
func (s *Server) GetSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

// GetRendezvousID returns the current round's identifier.
func (s *Server) GetRendezvousID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendezvousID
}

// GetRendezvousPort returns the listening port workers should dial.
func (s *Server) GetRendezvousPort() int {
	return s.port
}

// RankInfo is the response to a rank lookup. Dialect is the server's
// configured dialect; the same fields are filled whatever the dialect.
type RankInfo struct {
	Dialect   Dialect
	Rank      int
	LocalRank int
	LocalSize int
}

// GetWorkerHostRank computes a worker's rank by sorting all registered
// processes of its node type by id — deterministic across calls within a
// round, which is all collective libraries require.
func (s *Server) GetWorkerHostRank(nodeType string, nodeID int64) RankInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers []int64
	for p := range s.processes {
		if p.nodeType == nodeType {
			peers = append(peers, p.nodeID)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	rank := -1
	for i, id := range peers {
		if id == nodeID {
			rank = i
			break
		}
	}
	return RankInfo{
		Dialect:   s.dialect,
		Rank:      rank,
		LocalRank: 0,
		LocalSize: len(peers),
	}
}

// ResetSync starts a fresh rendezvous round, incrementing the round id
// and clearing barrier/prestop state. Registered processes are kept.
func (s *Server) ResetSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rendezvousID++
	s.barrierReached = make(map[process]bool)
	s.prestopReported = make(map[process]bool)
}

// BarrierSync marks a process as having reached the barrier and reports
// whether every currently registered process has reached it.
func (s *Server) BarrierSync(nodeType string, nodeID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barrierReached[process{nodeType, nodeID}] = true
	for p := range s.processes {
		if !s.barrierReached[p] {
			return false
		}
	}
	return true
}

// ReportPrestop records that a process is about to stop, used by
// graceful-shutdown coordination.
func (s *Server) ReportPrestop(nodeType string, nodeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prestopReported[process{nodeType, nodeID}] = true
}
