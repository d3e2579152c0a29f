// Package shard turns a dataset's size into a reproducible sequence of
// shard descriptors, one epoch at a time.
package shard

import (
	"math/rand"

	"github.com/dlrover/dlrover-master/pkg/types"
)

// Config describes how a dataset should be partitioned into shards.
type Config struct {
	DatasetName string
	DatasetSize int
	ShardSize   int
	NumEpochs   int
	Shuffle     bool
	StorageType types.StorageType
	// Seed makes shuffled epoch order reproducible across restarts; zero
	// falls back to a fixed seed rather than a time-based one, so reruns
	// of the same job produce the same shard order.
	Seed int64
}

// Splitter is a pure, stateful generator of shard descriptors. It is not
// safe for concurrent use; DatasetManager serializes access to it.
type Splitter struct {
	cfg       Config
	rng       *rand.Rand
	epoch     int
	epochDone bool
	cursor    int
	order     []int // shard index order for the current epoch
}

// New constructs a Splitter for the given configuration.
func New(cfg Config) *Splitter {
	if cfg.ShardSize <= 0 {
		cfg.ShardSize = 1
	}
	if cfg.NumEpochs <= 0 {
		cfg.NumEpochs = 1
	}
	s := &Splitter{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	s.startEpoch()
	return s
}

func (s *Splitter) numShards() int {
	if s.cfg.DatasetSize <= 0 {
		return 0
	}
	n := s.cfg.DatasetSize / s.cfg.ShardSize
	if s.cfg.DatasetSize%s.cfg.ShardSize != 0 {
		n++
	}
	return n
}

func (s *Splitter) startEpoch() {
	n := s.numShards()
	s.order = make([]int, n)
	for i := range s.order {
		s.order[i] = i
	}
	if s.cfg.Shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
	s.cursor = 0
	s.epochDone = false
}

// Epoch returns the current (zero-based) epoch index.
func (s *Splitter) Epoch() int { return s.epoch }

// Exhausted reports whether every epoch has been fully emitted.
func (s *Splitter) Exhausted() bool {
	return s.epoch >= s.cfg.NumEpochs
}

// Next returns the next shard in the current epoch, advancing to the next
// epoch automatically when the current one is exhausted. Returns
// ok=false once Exhausted() becomes true.
func (s *Splitter) Next() (types.Shard, bool) {
	if s.Exhausted() {
		return types.Shard{}, false
	}
	if s.cursor >= len(s.order) {
		s.epoch++
		if s.Exhausted() {
			return types.Shard{}, false
		}
		s.startEpoch()
	}
	idx := s.order[s.cursor]
	s.cursor++

	start := idx * s.cfg.ShardSize
	end := start + s.cfg.ShardSize
	if end > s.cfg.DatasetSize {
		end = s.cfg.DatasetSize
	}
	sh := types.Shard{
		Name:  s.cfg.DatasetName,
		Start: start,
		End:   end,
	}
	if s.cfg.StorageType == types.StorageTable {
		indices := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			indices = append(indices, i)
		}
		sh.RecordIndices = indices
	}
	return sh, true
}

// State is the serializable form of a Splitter, used by shard
// checkpoints.
type State struct {
	Epoch  int   `json:"epoch"`
	Cursor int   `json:"cursor"`
	Order  []int `json:"order"`
}

// Snapshot captures the splitter's resumable state.
func (s *Splitter) Snapshot() State {
	order := make([]int, len(s.order))
	copy(order, s.order)
	return State{Epoch: s.epoch, Cursor: s.cursor, Order: order}
}

// Restore resets the splitter to a previously captured state.
func (s *Splitter) Restore(st State) {
	s.epoch = st.Epoch
	s.cursor = st.Cursor
	s.order = make([]int, len(st.Order))
	copy(s.order, st.Order)
}
