// Package elasticps implements the ElasticPsService collaborator:
// versioned cluster-state getters/setters workers and PS nodes use to
// agree on which PS cluster version is currently live.
package elasticps

import (
	"sync"

	"github.com/dlrover/dlrover-master/pkg/types"
)

// Service tracks the cluster version seen by workers and by PS nodes
// separately, plus whether PS nodes are cleared to relaunch.
type Service struct {
	mu sync.Mutex

	workerVersion int64
	psVersion     int64
	readyRelaunch bool
}

// New constructs an empty Service.
func New() *Service {
	return &Service{}
}

// GetClusterVersion returns the version last recorded for the given
// task type.
func (s *Service) GetClusterVersion(taskType types.NodeType) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if taskType == types.NodeTypePS {
		return s.psVersion
	}
	return s.workerVersion
}

// UpdateClusterVersion records a new version for the given task type.
func (s *Service) UpdateClusterVersion(taskType types.NodeType, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if taskType == types.NodeTypePS {
		s.psVersion = version
		return
	}
	s.workerVersion = version
}

// ReadyForPSRelaunch reports whether PS nodes have been cleared to
// relaunch onto a new cluster version.
func (s *Service) ReadyForPSRelaunch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyRelaunch
}

// SetReadyForPSRelaunch flips the relaunch-clearance flag.
func (s *Service) SetReadyForPSRelaunch(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyRelaunch = ready
}
