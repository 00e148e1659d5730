package replica

import (
	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/cockroachdb/errors"
)

// Snapshot is a point in time view of a replica. The receiver of a snapshot
// applies Context with ApplySnapshotStart, streams Iter in chunks to
// ApplySnapshotData and finishes with ApplySnapshotFinish(AppliedIndex).
// The caller must close Iter.
type Snapshot struct {
	AppliedIndex uint64
	// Context is the marshaled range metadata
	Context []byte
	Iter    storage.Iterator
}

// GetSnapshot must be called from the apply context, so that the index and
// the iterator describe the same state.
func (r *Replica) GetSnapshot() (*Snapshot, error) {
	if !r.valid.Load() {
		return nil, rangeerr.Invalid(r.id)
	}
	it, err := r.store.NewIterator(nil, nil)
	if err != nil {
		return nil, rangeerr.IOError("snapshot iterator", err)
	}
	return &Snapshot{
		AppliedIndex: r.applied.Load(),
		Context:      r.Meta().Marshal(),
		Iter:         it,
	}, nil
}

// ApplySnapshotStart drops all local data and adopts the range metadata of
// the snapshot
func (r *Replica) ApplySnapshotStart(context []byte) error {
	if !r.valid.Load() {
		return rangeerr.Invalid(r.id)
	}
	if err := r.store.Truncate(); err != nil {
		return rangeerr.IOError("truncate", err)
	}
	m, err := meta.Unmarshal(context)
	if err != nil {
		return rangeerr.Corruption("snapshot range meta", err)
	}
	if m.ID != r.id {
		return rangeerr.Corruption("snapshot range meta", errors.Newf("snapshot belongs to range %d", m.ID))
	}
	if err := r.metas.SaveRange(m); err != nil {
		return rangeerr.IOError("save range", err)
	}
	r.meta.Store(m)
	Logger.Infof("range[%d] applying snapshot, epoch %s", r.id, m.Epoch)
	return nil
}

// ApplySnapshotData loads one chunk of the snapshot stream
func (r *Replica) ApplySnapshotData(chunk []storage.KV) error {
	if !r.valid.Load() {
		return rangeerr.Invalid(r.id)
	}
	if err := r.store.ApplySnapshot(chunk); err != nil {
		return rangeerr.IOError("apply snapshot chunk", err)
	}
	return nil
}

// ApplySnapshotFinish persists the index the snapshot was taken at
func (r *Replica) ApplySnapshotFinish(index uint64) error {
	if !r.valid.Load() {
		return rangeerr.Invalid(r.id)
	}
	if err := r.saveAppliedIndex(index); err != nil {
		return err
	}
	Logger.Infof("range[%d] snapshot applied at index %d", r.id, index)
	return nil
}
