package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
// A message starts with 1 byte type and 4 bytes of flags, followed by the
// fields whose flag is set, in the order of the flags. Integers are big
// endian, byte strings carry a 4 byte length, lists a 4 byte element count.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasEpoch    uint32 = 1 << 0
	hasKey      uint32 = 1 << 1
	hasEnd      uint32 = 1 << 2
	hasValue    uint32 = 1 << 3
	hasExt      uint32 = 1 << 4
	hasKeys     uint32 = 1 << 5
	hasValues   uint32 = 1 << 6
	hasDeadline uint32 = 1 << 7
	hasVersion  uint32 = 1 << 8
	hasSession  uint32 = 1 << 9
	hasLimit    uint32 = 1 << 10
	hasFlag     uint32 = 1 << 11
	hasOk       uint32 = 1 << 12
	hasCode     uint32 = 1 << 13
	hasErr      uint32 = 1 << 14
	hasLeader   uint32 = 1 << 15
	hasMeta     uint32 = 1 << 16
	hasSibling  uint32 = 1 << 17
)

const headerSize = 1 + 4

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	w := binaryWriter{buf: make([]byte, headerSize, b.sizeBytes(msg))}
	w.buf[0] = byte(msg.MsgType)

	var flags uint32
	if msg.Epoch.Version != 0 || msg.Epoch.ConfVer != 0 {
		flags |= hasEpoch
		w.uint64(msg.Epoch.Version)
		w.uint64(msg.Epoch.ConfVer)
	}
	if msg.Key != nil {
		flags |= hasKey
		w.bytes(msg.Key)
	}
	if msg.End != nil {
		flags |= hasEnd
		w.bytes(msg.End)
	}
	if msg.Value != nil {
		flags |= hasValue
		w.bytes(msg.Value)
	}
	if msg.Ext != nil {
		flags |= hasExt
		w.bytes(msg.Ext)
	}
	if msg.Keys != nil {
		flags |= hasKeys
		w.list(msg.Keys)
	}
	if msg.Values != nil {
		flags |= hasValues
		w.list(msg.Values)
	}
	if msg.Deadline != 0 {
		flags |= hasDeadline
		w.uint64(uint64(msg.Deadline))
	}
	if msg.Version != 0 {
		flags |= hasVersion
		w.uint64(uint64(msg.Version))
	}
	if msg.Session != 0 {
		flags |= hasSession
		w.uint64(msg.Session)
	}
	if msg.Limit != 0 {
		flags |= hasLimit
		w.uint64(msg.Limit)
	}
	if msg.Flag {
		flags |= hasFlag
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Code != rangeerr.CodeOK {
		flags |= hasCode
		w.buf = append(w.buf, byte(msg.Code))
	}
	if msg.Err != "" {
		flags |= hasErr
		w.bytes([]byte(msg.Err))
	}
	if msg.Leader != 0 {
		flags |= hasLeader
		w.uint64(msg.Leader)
	}
	if msg.Meta != nil {
		flags |= hasMeta
		w.bytes(msg.Meta)
	}
	if msg.Sibling != nil {
		flags |= hasSibling
		w.bytes(msg.Sibling)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint32(w.buf[1:headerSize], flags)
	return w.buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}
	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint32(data[1:headerSize])
	r := binaryReader{buf: data[headerSize:]}

	if flags&hasEpoch != 0 {
		msg.Epoch.Version = r.uint64("epoch version")
		msg.Epoch.ConfVer = r.uint64("epoch conf version")
	}
	if flags&hasKey != 0 {
		msg.Key = r.bytes("key")
	}
	if flags&hasEnd != 0 {
		msg.End = r.bytes("end")
	}
	if flags&hasValue != 0 {
		msg.Value = r.bytes("value")
	}
	if flags&hasExt != 0 {
		msg.Ext = r.bytes("ext")
	}
	if flags&hasKeys != 0 {
		msg.Keys = r.list("keys")
	}
	if flags&hasValues != 0 {
		msg.Values = r.list("values")
	}
	if flags&hasDeadline != 0 {
		msg.Deadline = int64(r.uint64("deadline"))
	}
	if flags&hasVersion != 0 {
		msg.Version = int64(r.uint64("version"))
	}
	if flags&hasSession != 0 {
		msg.Session = r.uint64("session")
	}
	if flags&hasLimit != 0 {
		msg.Limit = r.uint64("limit")
	}
	msg.Flag = flags&hasFlag != 0
	msg.Ok = flags&hasOk != 0
	if flags&hasCode != 0 {
		msg.Code = rangeerr.Code(r.byte("code"))
	}
	if flags&hasErr != 0 {
		msg.Err = string(r.bytes("error"))
	}
	if flags&hasLeader != 0 {
		msg.Leader = r.uint64("leader")
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.bytes("meta")
	}
	if flags&hasSibling != 0 {
		msg.Sibling = r.bytes("sibling")
	}

	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("%d trailing bytes after message", len(r.buf))
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize + 16 + 5*8 + 1 // epoch, integer fields, code
	size += 4*6 + len(msg.Key) + len(msg.End) + len(msg.Value) + len(msg.Ext) + len(msg.Meta) + len(msg.Sibling)
	size += 4 + len(msg.Err)
	for _, l := range [][][]byte{msg.Keys, msg.Values} {
		size += 4
		for _, e := range l {
			size += 4 + len(e)
		}
	}
	return size
}

type binaryWriter struct {
	buf []byte
}

func (w *binaryWriter) uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *binaryWriter) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *binaryWriter) list(l [][]byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(l)))
	for _, e := range l {
		w.bytes(e)
	}
}

// binaryReader records the first error, later reads return zero values
type binaryReader struct {
	buf []byte
	err error
}

func (r *binaryReader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = fmt.Errorf("data too short for %s", field)
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *binaryReader) byte(field string) byte {
	b := r.take(1, field)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binaryReader) uint64(field string) uint64 {
	b := r.take(8, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *binaryReader) uint32(field string) uint32 {
	b := r.take(4, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// bytes returns a copy, an empty field is an empty (not nil) slice
func (r *binaryReader) bytes(field string) []byte {
	n := r.uint32(field + " length")
	b := r.take(int(n), field)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *binaryReader) list(field string) [][]byte {
	n := r.uint32(field + " count")
	if r.err != nil {
		return nil
	}
	// every element needs at least its length
	if int(n) > len(r.buf)/4 {
		r.err = fmt.Errorf("data too short for %d %s", n, field)
		return nil
	}
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		out = append(out, r.bytes(field))
	}
	return out
}
