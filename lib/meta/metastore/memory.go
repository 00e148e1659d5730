package metastore

import (
	"sort"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore keeps everything in concurrent maps. It backs the "memory"
// engine mode and the replica tests; nothing survives a restart.
type MemoryStore struct {
	applied *xsync.MapOf[uint64, uint64]
	ranges  *xsync.MapOf[uint64, *meta.Range]
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		applied: xsync.NewMapOf[uint64, uint64](),
		ranges:  xsync.NewMapOf[uint64, *meta.Range](),
	}
}

func (s *MemoryStore) LoadAppliedIndex(rangeID uint64) (uint64, error) {
	idx, _ := s.applied.Load(rangeID)
	return idx, nil
}

func (s *MemoryStore) SaveAppliedIndex(rangeID uint64, index uint64) error {
	s.applied.Store(rangeID, index)
	return nil
}

func (s *MemoryStore) DeleteAppliedIndex(rangeID uint64) error {
	s.applied.Delete(rangeID)
	return nil
}

func (s *MemoryStore) SaveRange(rng *meta.Range) error {
	s.ranges.Store(rng.ID, rng.Clone())
	return nil
}

func (s *MemoryStore) LoadRange(rangeID uint64) (*meta.Range, error) {
	rng, ok := s.ranges.Load(rangeID)
	if !ok {
		return nil, ErrNotFound
	}
	return rng.Clone(), nil
}

func (s *MemoryStore) DeleteRange(rangeID uint64) error {
	s.ranges.Delete(rangeID)
	s.applied.Delete(rangeID)
	return nil
}

func (s *MemoryStore) Ranges() ([]*meta.Range, error) {
	var out []*meta.Range
	s.ranges.Range(func(_ uint64, rng *meta.Range) bool {
		out = append(out, rng.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
