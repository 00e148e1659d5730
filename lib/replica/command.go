package replica

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/cockroachdb/errors"
)

// Kind is the type of a raft command
type Kind uint8

const (
	KindInvalid       Kind = iota
	KindLock                // Acquire a lock.
	KindLockUpdate          // Refresh value and deadline of an owned lock.
	KindUnlock              // Release an owned lock.
	KindUnlockForce         // Release a lock regardless of its owner.
	KindRawPut              // Write a single raw key.
	KindRawDelete           // Delete a single raw key.
	KindInsert              // Insert rows, optionally rejecting duplicates.
	KindDelete              // Delete rows.
	KindKvSet               // Write a key.
	KindKvBatchSet          // Write several keys atomically.
	KindKvDelete            // Delete a key.
	KindKvBatchDelete       // Delete several keys atomically.
	KindKvRangeDelete       // Delete all keys of a sub range.
	KindWatchPut            // Write a watch key and notify its watchers.
	KindWatchDel            // Delete a watch key (or prefix) and notify its watchers.
	KindAdminSplit          // Split the range in two.
)

func (k Kind) String() string {
	switch k {
	case KindLock:
		return "Lock"
	case KindLockUpdate:
		return "LockUpdate"
	case KindUnlock:
		return "Unlock"
	case KindUnlockForce:
		return "UnlockForce"
	case KindRawPut:
		return "RawPut"
	case KindRawDelete:
		return "RawDelete"
	case KindInsert:
		return "Insert"
	case KindDelete:
		return "Delete"
	case KindKvSet:
		return "KvSet"
	case KindKvBatchSet:
		return "KvBatchSet"
	case KindKvDelete:
		return "KvDelete"
	case KindKvBatchDelete:
		return "KvBatchDelete"
	case KindKvRangeDelete:
		return "KvRangeDelete"
	case KindWatchPut:
		return "WatchPut"
	case KindWatchDel:
		return "WatchDel"
	case KindAdminSplit:
		return "AdminSplit"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// clientVisible reports whether requests of this kind are answered to a client
func (k Kind) clientVisible() bool {
	return k >= KindLock && k <= KindWatchDel
}

// --------------------------------------------------------------------------
// Command
// --------------------------------------------------------------------------

// Command is a single entry of the raft log of a range.
// ID is unique per Proposer while the request is pending; only the
// proposing node answers the request after the command was applied.
type Command struct {
	ID       uint64
	Proposer uint64
	Epoch    meta.Epoch
	Op       Op
}

const commandHeaderSize = 1 + 8 + 8 + 8 + 8 // kind + id + proposer + version + conf version

// Encode serializes the command with the format:
// 1 byte kind,
// 8 bytes each for id, proposer, epoch version and epoch conf version (big endian),
// followed by the op payload. Byte strings in the payload are prefixed with
// their 4 byte length, lists with their 4 byte element count.
func (c *Command) Encode() []byte {
	w := &writer{buf: make([]byte, commandHeaderSize, commandHeaderSize+64)}
	w.buf[0] = byte(c.Op.Kind())
	binary.BigEndian.PutUint64(w.buf[1:9], c.ID)
	binary.BigEndian.PutUint64(w.buf[9:17], c.Proposer)
	binary.BigEndian.PutUint64(w.buf[17:25], c.Epoch.Version)
	binary.BigEndian.PutUint64(w.buf[25:33], c.Epoch.ConfVer)
	c.Op.encode(w)
	return w.buf
}

// DecodeCommand parses the output of Encode. If the header is intact but the
// op is not, the returned command still carries ID and Proposer so the
// pending request can be answered.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) < commandHeaderSize {
		return Command{}, errors.Newf("command too short: %d bytes", len(data))
	}
	cmd := Command{
		ID:       binary.BigEndian.Uint64(data[1:9]),
		Proposer: binary.BigEndian.Uint64(data[9:17]),
		Epoch: meta.Epoch{
			Version: binary.BigEndian.Uint64(data[17:25]),
			ConfVer: binary.BigEndian.Uint64(data[25:33]),
		},
	}

	op := newOp(Kind(data[0]))
	if op == nil {
		return cmd, rangeerr.Unsupported(fmt.Sprintf("command kind %d", data[0]))
	}
	r := &reader{buf: data[commandHeaderSize:]}
	op.decode(r)
	if r.err == nil && len(r.buf) != 0 {
		r.err = errors.Newf("%d trailing bytes", len(r.buf))
	}
	if r.err != nil {
		return cmd, errors.Wrapf(r.err, "decode %s", op.Kind())
	}
	cmd.Op = op
	return cmd, nil
}

// newOp returns an empty op of the given kind, nil for unknown kinds
func newOp(k Kind) Op {
	switch k {
	case KindLock:
		return &Lock{}
	case KindLockUpdate:
		return &LockUpdate{}
	case KindUnlock:
		return &Unlock{}
	case KindUnlockForce:
		return &UnlockForce{}
	case KindRawPut:
		return &RawPut{}
	case KindRawDelete:
		return &RawDelete{}
	case KindInsert:
		return &Insert{}
	case KindDelete:
		return &Delete{}
	case KindKvSet:
		return &KvSet{}
	case KindKvBatchSet:
		return &KvBatchSet{}
	case KindKvDelete:
		return &KvDelete{}
	case KindKvBatchDelete:
		return &KvBatchDelete{}
	case KindKvRangeDelete:
		return &KvRangeDelete{}
	case KindWatchPut:
		return &WatchPut{}
	case KindWatchDel:
		return &WatchDel{}
	case KindAdminSplit:
		return &AdminSplit{}
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Ops
// --------------------------------------------------------------------------

// Op is the payload of a command. The set of ops is closed: every op
// implements its own encoding and its own apply step.
type Op interface {
	Kind() Kind
	// Keys returns the keys the op touches, they must lie inside the range
	Keys() [][]byte

	encode(w *writer)
	decode(r *reader)
	apply(ctx *applyContext) (Result, error)
}

// Lock acquires Key for Owner until Deadline (unix ms). Now is the
// proposer's clock, so every replica decides the same way.
type Lock struct {
	Key      []byte
	Owner    []byte
	Value    []byte
	Deadline int64
	Now      int64
}

type LockUpdate struct {
	Key      []byte
	Owner    []byte
	Value    []byte
	Deadline int64
}

type Unlock struct {
	Key   []byte
	Owner []byte
}

type UnlockForce struct {
	Key []byte
}

type RawPut struct {
	Key   []byte
	Value []byte
}

type RawDelete struct {
	Key []byte
}

type Insert struct {
	Rows           []storage.KV
	CheckDuplicate bool
}

type Delete struct {
	KeyList [][]byte
}

type KvSet struct {
	Key   []byte
	Value []byte
}

type KvBatchSet struct {
	KVs []storage.KV
}

type KvDelete struct {
	Key []byte
}

type KvBatchDelete struct {
	KeyList [][]byte
}

// KvRangeDelete deletes [Start, End), clamped to the range bounds
type KvRangeDelete struct {
	Start []byte
	End   []byte
}

// WatchPut writes an encoded watch key. The stored version is the log index.
type WatchPut struct {
	Key   []byte
	Value []byte
	Ext   []byte
}

// WatchDel deletes an encoded watch key, or every key below it if Prefix is set
type WatchDel struct {
	Key    []byte
	Prefix bool
}

// AdminSplit narrows the range to [start, SplitKey) and hands
// [SplitKey, end) to the new range NewRangeID
type AdminSplit struct {
	SplitKey   []byte
	NewRangeID uint64
	NewPeers   []meta.Peer
}

func (*Lock) Kind() Kind          { return KindLock }
func (*LockUpdate) Kind() Kind    { return KindLockUpdate }
func (*Unlock) Kind() Kind        { return KindUnlock }
func (*UnlockForce) Kind() Kind   { return KindUnlockForce }
func (*RawPut) Kind() Kind        { return KindRawPut }
func (*RawDelete) Kind() Kind     { return KindRawDelete }
func (*Insert) Kind() Kind        { return KindInsert }
func (*Delete) Kind() Kind        { return KindDelete }
func (*KvSet) Kind() Kind         { return KindKvSet }
func (*KvBatchSet) Kind() Kind    { return KindKvBatchSet }
func (*KvDelete) Kind() Kind      { return KindKvDelete }
func (*KvBatchDelete) Kind() Kind { return KindKvBatchDelete }
func (*KvRangeDelete) Kind() Kind { return KindKvRangeDelete }
func (*WatchPut) Kind() Kind      { return KindWatchPut }
func (*WatchDel) Kind() Kind      { return KindWatchDel }
func (*AdminSplit) Kind() Kind    { return KindAdminSplit }

func (o *Lock) Keys() [][]byte        { return [][]byte{o.Key} }
func (o *LockUpdate) Keys() [][]byte  { return [][]byte{o.Key} }
func (o *Unlock) Keys() [][]byte      { return [][]byte{o.Key} }
func (o *UnlockForce) Keys() [][]byte { return [][]byte{o.Key} }
func (o *RawPut) Keys() [][]byte      { return [][]byte{o.Key} }
func (o *RawDelete) Keys() [][]byte   { return [][]byte{o.Key} }
func (o *Insert) Keys() [][]byte      { return kvKeys(o.Rows) }
func (o *Delete) Keys() [][]byte      { return o.KeyList }
func (o *KvSet) Keys() [][]byte       { return [][]byte{o.Key} }
func (o *KvBatchSet) Keys() [][]byte  { return kvKeys(o.KVs) }
func (o *KvDelete) Keys() [][]byte    { return [][]byte{o.Key} }
func (o *KvBatchDelete) Keys() [][]byte {
	return o.KeyList
}
func (o *WatchPut) Keys() [][]byte   { return [][]byte{o.Key} }
func (o *WatchDel) Keys() [][]byte   { return [][]byte{o.Key} }
func (o *AdminSplit) Keys() [][]byte { return [][]byte{o.SplitKey} }

// KvRangeDelete is clamped on apply, its bounds need not lie inside the range
func (o *KvRangeDelete) Keys() [][]byte { return nil }

func kvKeys(kvs []storage.KV) [][]byte {
	out := make([][]byte, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Key
	}
	return out
}

// --------------------------------------------------------------------------
// Payload Encoding
// --------------------------------------------------------------------------

func (o *Lock) encode(w *writer) {
	w.bytes(o.Key)
	w.bytes(o.Owner)
	w.bytes(o.Value)
	w.uint64(uint64(o.Deadline))
	w.uint64(uint64(o.Now))
}

func (o *Lock) decode(r *reader) {
	o.Key, o.Owner, o.Value = r.bytes(), r.bytes(), r.bytes()
	o.Deadline, o.Now = int64(r.uint64()), int64(r.uint64())
}

func (o *LockUpdate) encode(w *writer) {
	w.bytes(o.Key)
	w.bytes(o.Owner)
	w.bytes(o.Value)
	w.uint64(uint64(o.Deadline))
}

func (o *LockUpdate) decode(r *reader) {
	o.Key, o.Owner, o.Value = r.bytes(), r.bytes(), r.bytes()
	o.Deadline = int64(r.uint64())
}

func (o *Unlock) encode(w *writer) {
	w.bytes(o.Key)
	w.bytes(o.Owner)
}

func (o *Unlock) decode(r *reader) {
	o.Key, o.Owner = r.bytes(), r.bytes()
}

func (o *UnlockForce) encode(w *writer) { w.bytes(o.Key) }
func (o *UnlockForce) decode(r *reader) { o.Key = r.bytes() }

func (o *RawPut) encode(w *writer) {
	w.bytes(o.Key)
	w.bytes(o.Value)
}

func (o *RawPut) decode(r *reader) {
	o.Key, o.Value = r.bytes(), r.bytes()
}

func (o *RawDelete) encode(w *writer) { w.bytes(o.Key) }
func (o *RawDelete) decode(r *reader) { o.Key = r.bytes() }

func (o *Insert) encode(w *writer) {
	w.bool(o.CheckDuplicate)
	w.kvs(o.Rows)
}

func (o *Insert) decode(r *reader) {
	o.CheckDuplicate = r.bool()
	o.Rows = r.kvs()
}

func (o *Delete) encode(w *writer) { w.list(o.KeyList) }
func (o *Delete) decode(r *reader) { o.KeyList = r.list() }

func (o *KvSet) encode(w *writer) {
	w.bytes(o.Key)
	w.bytes(o.Value)
}

func (o *KvSet) decode(r *reader) {
	o.Key, o.Value = r.bytes(), r.bytes()
}

func (o *KvBatchSet) encode(w *writer) { w.kvs(o.KVs) }
func (o *KvBatchSet) decode(r *reader) { o.KVs = r.kvs() }

func (o *KvDelete) encode(w *writer) { w.bytes(o.Key) }
func (o *KvDelete) decode(r *reader) { o.Key = r.bytes() }

func (o *KvBatchDelete) encode(w *writer) { w.list(o.KeyList) }
func (o *KvBatchDelete) decode(r *reader) { o.KeyList = r.list() }

func (o *KvRangeDelete) encode(w *writer) {
	w.bytes(o.Start)
	w.bytes(o.End)
}

func (o *KvRangeDelete) decode(r *reader) {
	o.Start, o.End = r.bytes(), r.bytes()
}

func (o *WatchPut) encode(w *writer) {
	w.bytes(o.Key)
	w.bytes(o.Value)
	w.bytes(o.Ext)
}

func (o *WatchPut) decode(r *reader) {
	o.Key, o.Value, o.Ext = r.bytes(), r.bytes(), r.bytes()
}

func (o *WatchDel) encode(w *writer) {
	w.bytes(o.Key)
	w.bool(o.Prefix)
}

func (o *WatchDel) decode(r *reader) {
	o.Key = r.bytes()
	o.Prefix = r.bool()
}

func (o *AdminSplit) encode(w *writer) {
	w.bytes(o.SplitKey)
	w.uint64(o.NewRangeID)
	w.uint32(uint32(len(o.NewPeers)))
	for _, p := range o.NewPeers {
		w.uint64(p.ID)
		w.uint64(p.NodeID)
		w.buf = append(w.buf, byte(p.Role))
	}
}

func (o *AdminSplit) decode(r *reader) {
	o.SplitKey = r.bytes()
	o.NewRangeID = r.uint64()
	n := r.count(17)
	for i := 0; i < n && r.err == nil; i++ {
		o.NewPeers = append(o.NewPeers, meta.Peer{ID: r.uint64(), NodeID: r.uint64(), Role: meta.PeerRole(r.byte())})
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type writer struct {
	buf []byte
}

func (w *writer) uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) bytes(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) list(l [][]byte) {
	w.uint32(uint32(len(l)))
	for _, b := range l {
		w.bytes(b)
	}
}

func (w *writer) kvs(kvs []storage.KV) {
	w.uint32(uint32(len(kvs)))
	for _, kv := range kvs {
		w.bytes(kv.Key)
		w.bytes(kv.Value)
	}
}

// reader remembers the first error, later reads return zero values
type reader struct {
	buf []byte
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf) < n {
		r.err = errors.Newf("need %d bytes, have %d", n, len(r.buf))
		return false
	}
	return true
}

func (r *reader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v
}

func (r *reader) uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *reader) byte() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *reader) bool() bool {
	return r.byte() != 0
}

func (r *reader) bytes() []byte {
	n := int(r.uint32())
	if !r.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out
}

// count reads a 4 byte element count and checks it against the remaining
// bytes, given the minimum encoded size of one element
func (r *reader) count(minElemSize int) int {
	n := int(r.uint32())
	if r.err == nil && n*minElemSize > len(r.buf) {
		r.err = errors.Newf("%d elements cannot fit in %d bytes", n, len(r.buf))
		return 0
	}
	return n
}

func (r *reader) list() [][]byte {
	n := r.count(4)
	var out [][]byte
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.bytes())
	}
	return out
}

func (r *reader) kvs() []storage.KV {
	n := r.count(8)
	var out []storage.KV
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, storage.KV{Key: r.bytes(), Value: r.bytes()})
	}
	return out
}
