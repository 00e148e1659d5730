package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// KeyFormatTag is the first byte of every encoded watch key
const KeyFormatTag byte = 1

const (
	bytesMarker byte = 0x12
	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff

	keyHeaderSize = 1 + 8 // format tag + table id
)

// ErrNoSuccessor is returned by NextComparableByteString for strings made of 0xff bytes only
var ErrNoSuccessor = errors.New("no comparable successor")

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

// EncodeKey encodes the table id and the key components so that the
// byte order of encoded keys equals the order of their component lists.
// A key is a prefix of another key iff its components are a prefix of the
// other's components.
//
// Layout: [tag:1][table id:8 big endian]([0x12][escaped component][0x00 0x01])+
func EncodeKey(tableID uint64, components [][]byte) ([]byte, error) {
	if len(components) == 0 {
		return nil, errors.New("watch key needs at least one component")
	}
	size := keyHeaderSize
	for _, c := range components {
		size += len(c) + 3
	}

	buf := make([]byte, keyHeaderSize, size)
	buf[0] = KeyFormatTag
	binary.BigEndian.PutUint64(buf[1:], tableID)
	for _, c := range components {
		buf = encodeBytesAscending(buf, c)
	}
	return buf, nil
}

// DecodeKey is the inverse of EncodeKey
func DecodeKey(buf []byte) (uint64, [][]byte, error) {
	if len(buf) <= keyHeaderSize {
		return 0, nil, errors.Newf("watch key too short: %d bytes", len(buf))
	}
	if buf[0] != KeyFormatTag {
		return 0, nil, errors.Newf("unknown watch key format %#x", buf[0])
	}
	tableID := binary.BigEndian.Uint64(buf[1:keyHeaderSize])

	var components [][]byte
	rest := buf[keyHeaderSize:]
	for len(rest) > 0 {
		var c []byte
		var err error
		if rest, c, err = decodeBytesAscending(rest); err != nil {
			return 0, nil, err
		}
		components = append(components, c)
	}
	return tableID, components, nil
}

// PrefixKeys returns the encodings of every proper component prefix of
// components, shortest first. Prefix watchers are registered under these keys.
func PrefixKeys(tableID uint64, components [][]byte) ([][]byte, error) {
	var out [][]byte
	for n := 1; n < len(components); n++ {
		k, err := EncodeKey(tableID, components[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// NextComparableByteString returns the smallest byte string of the same
// length that sorts after s: the last byte below 0xff is incremented and all
// bytes after it are zeroed. Used as exclusive upper bound of prefix scans.
func NextComparableByteString(s []byte) ([]byte, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] < 0xff {
			next := make([]byte, len(s))
			copy(next, s[:i])
			next[i] = s[i] + 1
			return next, nil
		}
	}
	return nil, ErrNoSuccessor
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// encodeBytesAscending appends data escaped so that encoded order equals byte order
func encodeBytesAscending(b []byte, data []byte) []byte {
	b = append(b, bytesMarker)
	for {
		i := bytes.IndexByte(data, escape)
		if i == -1 {
			break
		}
		b = append(b, data[:i]...)
		b = append(b, escape, escaped00)
		data = data[i+1:]
	}
	b = append(b, data...)
	return append(b, escape, escapedTerm)
}

// decodeBytesAscending decodes one component and returns the remaining buffer.
// The decoded bytes never alias b.
func decodeBytesAscending(b []byte) ([]byte, []byte, error) {
	if len(b) == 0 || b[0] != bytesMarker {
		return nil, nil, errors.Newf("did not find marker %#x in buffer %#x", bytesMarker, b)
	}
	b = b[1:]

	r := []byte{}
	for {
		i := bytes.IndexByte(b, escape)
		if i == -1 {
			return nil, nil, errors.Newf("did not find terminator %#x in buffer %#x", escape, b)
		}
		if i+1 >= len(b) {
			return nil, nil, errors.Newf("malformed escape in buffer %#x", b)
		}

		v := b[i+1]
		switch v {
		case escapedTerm:
			r = append(r, b[:i]...)
			return b[i+2:], r, nil
		case escaped00:
			r = append(r, b[:i]...)
			r = append(r, 0x00)
		default:
			return nil, nil, errors.Newf("unknown escape sequence: %#x %#x", escape, v)
		}
		b = b[i+2:]
	}
}
