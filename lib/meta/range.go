package meta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Peers
// --------------------------------------------------------------------------

// PeerRole is the raft role of a peer inside a range
type PeerRole uint8

const (
	RoleNormal  PeerRole = iota // Voting member of the raft group.
	RoleLearner                 // Non-voting member that only receives the log.
)

func (r PeerRole) String() string {
	switch r {
	case RoleNormal:
		return "Normal"
	case RoleLearner:
		return "Learner"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// Peer is one replica of a range. NodeID identifies the hosting node and is
// also used as the raft member id.
type Peer struct {
	ID     uint64   `json:"id"`
	NodeID uint64   `json:"node_id"`
	Role   PeerRole `json:"role"`
}

// --------------------------------------------------------------------------
// Epoch
// --------------------------------------------------------------------------

// Epoch identifies a generation of a range. Version bumps on a key range
// change (split), ConfVer bumps on a replica set change.
type Epoch struct {
	Version uint64 `json:"version"`
	ConfVer uint64 `json:"conf_ver"`
}

func (e Epoch) String() string {
	return fmt.Sprintf("v%d/c%d", e.Version, e.ConfVer)
}

// --------------------------------------------------------------------------
// Range
// --------------------------------------------------------------------------

// Range is the metadata of a single shard: its bounds [StartKey, EndKey),
// its epoch and its peers. A nil or empty EndKey means unbounded.
type Range struct {
	ID       uint64 `json:"id"`
	TableID  uint64 `json:"table_id"`
	StartKey []byte `json:"start_key"`
	EndKey   []byte `json:"end_key"`
	Epoch    Epoch  `json:"epoch"`
	Peers    []Peer `json:"peers"`
}

// Clone returns a deep copy, used for the copy-on-write updates of a replica
func (r *Range) Clone() *Range {
	if r == nil {
		return nil
	}
	c := &Range{
		ID:      r.ID,
		TableID: r.TableID,
		Epoch:   r.Epoch,
	}
	if r.StartKey != nil {
		c.StartKey = append([]byte{}, r.StartKey...)
	}
	if r.EndKey != nil {
		c.EndKey = append([]byte{}, r.EndKey...)
	}
	if r.Peers != nil {
		c.Peers = append([]Peer{}, r.Peers...)
	}
	return c
}

// FindPeerByNodeID returns the peer hosted on the given node
func (r *Range) FindPeerByNodeID(nodeID uint64) (Peer, bool) {
	for _, p := range r.Peers {
		if p.NodeID == nodeID {
			return p, true
		}
	}
	return Peer{}, false
}

// ContainsKey checks the half open interval [StartKey, EndKey)
func (r *Range) ContainsKey(key []byte) bool {
	if bytes.Compare(key, r.StartKey) < 0 {
		return false
	}
	return len(r.EndKey) == 0 || bytes.Compare(key, r.EndKey) < 0
}

func (r *Range) String() string {
	var peers []string
	for _, p := range r.Peers {
		peers = append(peers, fmt.Sprintf("%d@%d(%s)", p.ID, p.NodeID, p.Role))
	}
	return fmt.Sprintf("range %d [table=%d start=%x end=%x epoch=%s peers=%s]",
		r.ID, r.TableID, r.StartKey, r.EndKey, r.Epoch, strings.Join(peers, ","))
}

// --------------------------------------------------------------------------
// Serialization
// --------------------------------------------------------------------------

const (
	formatVersion   = 1
	fixedHeaderSize = 1 + 8 + 8 + 8 + 8 // format + ID + TableID + Version + ConfVer
	peerSize        = 8 + 8 + 1
)

// SizeBytes returns the exact number of bytes Marshal produces
func (r *Range) SizeBytes() int {
	return fixedHeaderSize + 4 + len(r.StartKey) + 4 + len(r.EndKey) + 4 + len(r.Peers)*peerSize
}

// Marshal serializes the range with the format:
// 1 byte format version,
// 8 bytes each for id, table id, epoch version and conf version (big endian),
// 4 bytes start key length + start key,
// 4 bytes end key length + end key,
// 4 bytes peer count + 17 bytes per peer (id, node id, role)
func (r *Range) Marshal() []byte {
	buf := make([]byte, r.SizeBytes())
	buf[0] = formatVersion
	binary.BigEndian.PutUint64(buf[1:9], r.ID)
	binary.BigEndian.PutUint64(buf[9:17], r.TableID)
	binary.BigEndian.PutUint64(buf[17:25], r.Epoch.Version)
	binary.BigEndian.PutUint64(buf[25:33], r.Epoch.ConfVer)

	off := fixedHeaderSize
	off = putBytes(buf, off, r.StartKey)
	off = putBytes(buf, off, r.EndKey)

	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Peers)))
	off += 4
	for _, p := range r.Peers {
		binary.BigEndian.PutUint64(buf[off:], p.ID)
		binary.BigEndian.PutUint64(buf[off+8:], p.NodeID)
		buf[off+16] = byte(p.Role)
		off += peerSize
	}
	return buf
}

// Unmarshal parses the output of Marshal
func Unmarshal(data []byte) (*Range, error) {
	if len(data) < fixedHeaderSize {
		return nil, fmt.Errorf("range metadata too short: %d bytes", len(data))
	}
	if data[0] != formatVersion {
		return nil, fmt.Errorf("unknown range metadata format %d", data[0])
	}

	r := &Range{
		ID:      binary.BigEndian.Uint64(data[1:9]),
		TableID: binary.BigEndian.Uint64(data[9:17]),
		Epoch: Epoch{
			Version: binary.BigEndian.Uint64(data[17:25]),
			ConfVer: binary.BigEndian.Uint64(data[25:33]),
		},
	}

	var err error
	off := fixedHeaderSize
	if r.StartKey, off, err = getBytes(data, off); err != nil {
		return nil, fmt.Errorf("start key: %w", err)
	}
	if r.EndKey, off, err = getBytes(data, off); err != nil {
		return nil, fmt.Errorf("end key: %w", err)
	}

	if len(data) < off+4 {
		return nil, fmt.Errorf("range metadata truncated before peer count")
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if len(data) != off+n*peerSize {
		return nil, fmt.Errorf("range metadata has %d bytes, want %d for %d peers", len(data), off+n*peerSize, n)
	}
	if n > 0 {
		r.Peers = make([]Peer, n)
	}
	for i := 0; i < n; i++ {
		r.Peers[i] = Peer{
			ID:     binary.BigEndian.Uint64(data[off:]),
			NodeID: binary.BigEndian.Uint64(data[off+8:]),
			Role:   PeerRole(data[off+16]),
		}
		off += peerSize
	}
	return r, nil
}

func putBytes(buf []byte, off int, b []byte) int {
	binary.BigEndian.PutUint32(buf[off:], uint32(len(b)))
	copy(buf[off+4:], b)
	return off + 4 + len(b)
}

func getBytes(data []byte, off int) ([]byte, int, error) {
	if len(data) < off+4 {
		return nil, off, fmt.Errorf("missing length at offset %d", off)
	}
	l := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if l > len(data)-off {
		return nil, off, fmt.Errorf("length %d exceeds remaining %d bytes", l, len(data)-off)
	}
	if l == 0 {
		return nil, off, nil
	}
	out := make([]byte, l)
	copy(out, data[off:off+l])
	return out, off + l, nil
}
