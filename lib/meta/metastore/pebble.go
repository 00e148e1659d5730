package metastore

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Key prefixes, each followed by the 8 byte big endian range id
const (
	prefixApplied = "/applied/"
	prefixRange   = "/range/"
)

func appliedKey(rangeID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixApplied), rangeID)
}

func rangeKey(rangeID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixRange), rangeID)
}

// prefixUpperBound returns the smallest key greater than every key with the given prefix
func prefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

// pebbleLogger routes pebble's log output through the package logger
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	Logger.Debugf("[pebble] "+format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	Logger.Panicf("[pebble] "+format, args...)
}

// PebbleStore is a Store on a dedicated pebble instance
type PebbleStore struct {
	db     *pebble.DB
	closed atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// OpenPebble opens (or creates) the store in dir. A non nil fs replaces the
// default filesystem, tests pass vfs.NewMem().
func OpenPebble(dir string, fs vfs.FS) (*PebbleStore, error) {
	opts := &pebble.Options{Logger: pebbleLogger{}}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open metastore at %s", dir)
	}
	return &PebbleStore{db: db}, nil
}

// getValueCopy reads a key and returns a copy of the value
func (s *PebbleStore) getValueCopy(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

func (s *PebbleStore) LoadAppliedIndex(rangeID uint64) (uint64, error) {
	val, err := s.getValueCopy(appliedKey(rangeID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "load applied index of range %d", rangeID)
	}
	if len(val) != 8 {
		return 0, errors.Newf("applied index of range %d has %d bytes", rangeID, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (s *PebbleStore) SaveAppliedIndex(rangeID uint64, index uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	if err := s.db.Set(appliedKey(rangeID), buf[:], pebble.Sync); err != nil {
		return errors.Wrapf(err, "save applied index of range %d", rangeID)
	}
	return nil
}

func (s *PebbleStore) DeleteAppliedIndex(rangeID uint64) error {
	if err := s.db.Delete(appliedKey(rangeID), pebble.Sync); err != nil {
		return errors.Wrapf(err, "delete applied index of range %d", rangeID)
	}
	return nil
}

func (s *PebbleStore) SaveRange(rng *meta.Range) error {
	if err := s.db.Set(rangeKey(rng.ID), rng.Marshal(), pebble.Sync); err != nil {
		return errors.Wrapf(err, "save range %d", rng.ID)
	}
	return nil
}

func (s *PebbleStore) LoadRange(rangeID uint64) (*meta.Range, error) {
	val, err := s.getValueCopy(rangeKey(rangeID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load range %d", rangeID)
	}
	rng, err := meta.Unmarshal(val)
	if err != nil {
		return nil, errors.Wrapf(err, "decode range %d", rangeID)
	}
	return rng, nil
}

// DeleteRange removes the range metadata together with its applied index
func (s *PebbleStore) DeleteRange(rangeID uint64) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Delete(rangeKey(rangeID), nil); err != nil {
		return errors.WithStack(err)
	}
	if err := b.Delete(appliedKey(rangeID), nil); err != nil {
		return errors.WithStack(err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "delete range %d", rangeID)
	}
	return nil
}

func (s *PebbleStore) Ranges() ([]*meta.Range, error) {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixRange),
		UpperBound: prefixUpperBound(prefixRange),
	})
	defer iter.Close()

	var out []*meta.Range
	for iter.First(); iter.Valid(); iter.Next() {
		rng, err := meta.Unmarshal(iter.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "decode range at key %x", iter.Key())
		}
		out = append(out, rng)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "scan ranges")
	}
	return out, nil
}

// Close closes the pebble instance (idempotent - safe to call multiple times)
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
