package codec

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// field tags of an encoded watch value
const (
	tagVersion   = 2
	tagValue     = 3
	tagExtension = 4
)

// value types stored in the low nibble of a field header
const (
	typeInt   = 3
	typeBytes = 6
)

// EncodeValue encodes the tagged fields {version, value, extension}.
// Every field starts with the uvarint header (tag<<4 | type), the version
// follows as zigzag varint, value and extension as uvarint length + data.
func EncodeValue(version int64, value, ext []byte) []byte {
	buf := make([]byte, 0, 3*binary.MaxVarintLen64+len(value)+len(ext))
	buf = binary.AppendUvarint(buf, tagVersion<<4|typeInt)
	buf = binary.AppendVarint(buf, version)
	buf = appendBytesField(buf, tagValue, value)
	buf = appendBytesField(buf, tagExtension, ext)
	return buf
}

// DecodeValue is the inverse of EncodeValue. It never reads past buf.
func DecodeValue(buf []byte) (version int64, value, ext []byte, err error) {
	rest, err := readHeader(buf, tagVersion, typeInt)
	if err != nil {
		return 0, nil, nil, err
	}
	version, n := binary.Varint(rest)
	if n <= 0 {
		return 0, nil, nil, errors.New("malformed version varint")
	}
	rest = rest[n:]

	if rest, value, err = readBytesField(rest, tagValue); err != nil {
		return 0, nil, nil, err
	}
	if rest, ext, err = readBytesField(rest, tagExtension); err != nil {
		return 0, nil, nil, err
	}
	if len(rest) != 0 {
		return 0, nil, nil, errors.Newf("%d trailing bytes after watch value", len(rest))
	}
	return version, value, ext, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func appendBytesField(buf []byte, tag uint64, data []byte) []byte {
	buf = binary.AppendUvarint(buf, tag<<4|typeBytes)
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func readHeader(buf []byte, tag, typ uint64) ([]byte, error) {
	h, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, errors.Newf("malformed header of field %d", tag)
	}
	if h>>4 != tag || h&0x0f != typ {
		return nil, errors.Newf("expected field %d of type %d, found field %d of type %d", tag, typ, h>>4, h&0x0f)
	}
	return buf[n:], nil
}

func readBytesField(buf []byte, tag uint64) ([]byte, []byte, error) {
	rest, err := readHeader(buf, tag, typeBytes)
	if err != nil {
		return nil, nil, err
	}
	l, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, nil, errors.Newf("malformed length of field %d", tag)
	}
	rest = rest[n:]
	if l > uint64(len(rest)) {
		return nil, nil, errors.Newf("field %d has length %d but only %d bytes remain", tag, l, len(rest))
	}
	out := make([]byte, l)
	copy(out, rest[:l])
	return rest[l:], out, nil
}
