package metastore

import (
	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("metastore")

// ErrNotFound is returned by LoadRange for unknown range ids
var ErrNotFound = errors.New("metastore: not found")

// Store persists the per range bookkeeping of a node: the applied index of
// every replica and its range metadata. Both are keyed by range id.
//
// LoadAppliedIndex returns 0 for a range that never saved an index.
type Store interface {
	LoadAppliedIndex(rangeID uint64) (uint64, error)
	SaveAppliedIndex(rangeID uint64, index uint64) error
	DeleteAppliedIndex(rangeID uint64) error

	SaveRange(rng *meta.Range) error
	LoadRange(rangeID uint64) (*meta.Range, error)
	DeleteRange(rangeID uint64) error
	// Ranges returns all persisted ranges, ordered by id
	Ranges() ([]*meta.Range, error)

	Close() error
}
