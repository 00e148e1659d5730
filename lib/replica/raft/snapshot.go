package raft

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/ValentinKolb/dRange/lib/replica"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/cockroachdb/errors"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// snapshotChunkSize is the number of pairs handed to ApplySnapshotData at once
const snapshotChunkSize = 1024

// maxSnapshotField caps a single length prefix of the stream
const maxSnapshotField = 256 << 20

var errSnapshotFormat = errors.New("raft: malformed snapshot stream")

// --------------------------------------------------------------------------
// Stream Format
// --------------------------------------------------------------------------
//
//   [applied index 8][context len 4][context]
//   ([count 4] count * ([key len 4][key][value len 4][value]))*
//   [0 4]
//
// All integers are big endian. A chunk count of 0 ends the stream.

// writeSnapshot streams snap to w. It returns sm.ErrSnapshotStopped if done
// is closed in between.
func writeSnapshot(snap *replica.Snapshot, w io.Writer, done <-chan struct{}) error {
	bw := bufio.NewWriter(w)

	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], snap.AppliedIndex)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(snap.Context)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := bw.Write(snap.Context); err != nil {
		return err
	}

	chunk := make([]storage.KV, 0, snapshotChunkSize)
	flush := func() error {
		if err := writeChunk(bw, chunk); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	it := snap.Iter
	for ; it.Valid(); it.Next() {
		chunk = append(chunk, storage.KV{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
		if len(chunk) < snapshotChunkSize {
			continue
		}
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}
		if err := flush(); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "snapshot iterator")
	}
	if len(chunk) > 0 {
		if err := flush(); err != nil {
			return err
		}
	}
	// end marker
	if err := writeChunk(bw, nil); err != nil {
		return err
	}
	return bw.Flush()
}

func writeChunk(w *bufio.Writer, chunk []storage.KV) error {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(chunk)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	for _, kv := range chunk {
		if err := writeField(w, kv.Key); err != nil {
			return err
		}
		if err := writeField(w, kv.Value); err != nil {
			return err
		}
	}
	return nil
}

func writeField(w *bufio.Writer, b []byte) error {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readSnapshot replays a stream written by writeSnapshot into target
func readSnapshot(target replica.StateMachine, r io.Reader, done <-chan struct{}) error {
	br := bufio.NewReader(r)

	var hdr [12]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return errors.Wrap(err, "snapshot header")
	}
	index := binary.BigEndian.Uint64(hdr[0:8])
	context, err := readBytes(br, binary.BigEndian.Uint32(hdr[8:12]))
	if err != nil {
		return err
	}
	if err := target.ApplySnapshotStart(context); err != nil {
		return err
	}

	for {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}

		var n [4]byte
		if _, err := io.ReadFull(br, n[:]); err != nil {
			return errors.Wrap(err, "snapshot chunk")
		}
		count := binary.BigEndian.Uint32(n[:])
		if count == 0 {
			break
		}
		if count > snapshotChunkSize {
			return errors.Wrapf(errSnapshotFormat, "chunk of %d pairs", count)
		}
		chunk := make([]storage.KV, count)
		for i := range chunk {
			if chunk[i].Key, err = readField(br); err != nil {
				return err
			}
			if chunk[i].Value, err = readField(br); err != nil {
				return err
			}
		}
		if err := target.ApplySnapshotData(chunk); err != nil {
			return err
		}
	}

	return target.ApplySnapshotFinish(index)
}

func readField(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, errors.Wrap(err, "snapshot field")
	}
	return readBytes(r, binary.BigEndian.Uint32(n[:]))
}

func readBytes(r io.Reader, n uint32) ([]byte, error) {
	if n > maxSnapshotField {
		return nil, errors.Wrapf(errSnapshotFormat, "field of %d bytes", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "snapshot field")
	}
	return b, nil
}
