package common

import (
	"encoding/hex"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/node"
	"github.com/ValentinKolb/dRange/lib/replica"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/config"
	"github.com/lni/dragonboat/v4/raftio"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the server util)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to the Dragonboat Config of one range
func (c *ServerConfig) ToDragonboatConfig(rangeID uint64) config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            rangeID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat. Leader changes
// of every range are reported to listener.
func (c *ServerConfig) ToNodeHostConfig(listener raftio.IRaftEventListener) config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:            filepath.Join(c.DataDir, "raft"),
		NodeHostDir:       filepath.Join(c.DataDir, "raft"),
		RTTMillisecond:    c.RTTMillisecond,
		RaftAddress:       c.ClusterMembers[c.ReplicaID],
		RaftEventListener: listener,
	}
}

// ToNodeConfig creates the configuration of the range host
func (c *ServerConfig) ToNodeConfig() node.Config {
	return node.Config{
		Replica: replica.Config{
			NodeID:            c.ReplicaID,
			LogPath:           filepath.Join(c.DataDir, "raft"),
			HeartbeatInterval: time.Duration(c.HeartbeatIntervalMs) * time.Millisecond,
		},
		DataDir:       c.DataDir,
		Engine:        storage.Implementation(c.Engine),
		SweepInterval: time.Duration(c.SweepIntervalMs) * time.Millisecond,
		WatchCapacity: c.WatchCapacity,
	}
}

// --------------------------------------------------------------------------
// Range specification
// --------------------------------------------------------------------------

// RangeSpec is a range this server hosts from the start
type RangeSpec struct {
	ID       uint64
	TableID  uint64
	StartKey []byte
	EndKey   []byte
}

// ParseRangeSpec parses the format id:table:startHex-endHex. Both bounds may be
// empty, an empty end key leaves the range unbounded.
func ParseRangeSpec(s string) (RangeSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return RangeSpec{}, fmt.Errorf("invalid range %q, expected id:table:startHex-endHex", s)
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || id == 0 {
		return RangeSpec{}, fmt.Errorf("invalid range id %q", parts[0])
	}
	table, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid table id %q", parts[1])
	}
	bounds := strings.SplitN(parts[2], "-", 2)
	if len(bounds) != 2 {
		return RangeSpec{}, fmt.Errorf("invalid bounds %q, expected startHex-endHex", parts[2])
	}
	start, err := hex.DecodeString(bounds[0])
	if err != nil {
		return RangeSpec{}, errors.Wrap(err, "start key")
	}
	end, err := hex.DecodeString(bounds[1])
	if err != nil {
		return RangeSpec{}, errors.Wrap(err, "end key")
	}
	if len(end) > 0 && string(start) >= string(end) {
		return RangeSpec{}, fmt.Errorf("start key %x is not below end key %x", start, end)
	}
	return RangeSpec{ID: id, TableID: table, StartKey: start, EndKey: end}, nil
}

func (s RangeSpec) String() string {
	return fmt.Sprintf("%d:%d:%x-%x", s.ID, s.TableID, s.StartKey, s.EndKey)
}

// ToRange creates the metadata of a fresh range, every cluster member is a voter
func (s RangeSpec) ToRange(members map[uint64]string) *meta.Range {
	rng := &meta.Range{
		ID:       s.ID,
		TableID:  s.TableID,
		StartKey: s.StartKey,
		EndKey:   s.EndKey,
		Epoch:    meta.Epoch{Version: 1, ConfVer: 1},
	}
	for _, nodeID := range sortedMembers(members) {
		rng.Peers = append(rng.Peers, meta.Peer{ID: nodeID, NodeID: nodeID, Role: meta.RoleNormal})
	}
	return rng
}

// ParseClusterMembers parses the format 1=host:port,2=host:port
func ParseClusterMembers(s string) (map[uint64]string, error) {
	members := map[uint64]string{}
	if strings.TrimSpace(s) == "" {
		return members, nil
	}
	for _, member := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(member), "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("invalid cluster member %q, expected id=host:port", member)
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "node-"), 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid cluster member id %q", parts[0])
		}
		members[id] = parts[1]
	}
	return members, nil
}

func sortedMembers(members map[uint64]string) []uint64 {
	keys := make([]uint64, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerTransportConfig holds the socket settings of the server transport
type ServerTransportConfig struct {
	// Endpoint is a tcp address or the path of a unix socket
	Endpoint        string
	WorkersPerConn  int
	TCPNoDelay      bool
	TCPKeepAliveSec int
	// TCPLingerSec is passed to SetLinger, negative keeps the os default
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int
}

// ServerConfig holds all configuration parameters of a drange server.
type ServerConfig struct {
	// Ranges hosted from the start, ranges known to the meta store are reopened as well
	Ranges []RangeSpec

	// Dragonboat parameters
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	ClusterMembers     map[uint64]string
	// InitialLeader is the node that leads fresh ranges, 0 lets raft elect one
	InitialLeader uint64

	// Range host parameters
	Engine              string
	HeartbeatIntervalMs int64
	SweepIntervalMs     int64
	WatchCapacity       int

	// Timeout of proposals and of the client facing api
	TimeoutSecond int64

	Transport       ServerTransportConfig
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// Timeout returns the request timeout, at least one second
func (c *ServerConfig) Timeout() time.Duration {
	if c.TimeoutSecond <= 0 {
		return time.Second
	}
	return time.Duration(c.TimeoutSecond) * time.Second
}

// Validate checks the parts of the configuration the server cannot start without
func (c *ServerConfig) Validate() error {
	if c.ReplicaID == 0 {
		return errors.New("replica id must be set")
	}
	if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
		return fmt.Errorf("replica id %d is not a cluster member", c.ReplicaID)
	}
	if c.InitialLeader != 0 {
		if _, ok := c.ClusterMembers[c.InitialLeader]; !ok {
			return fmt.Errorf("initial leader %d is not a cluster member", c.InitialLeader)
		}
	}
	switch storage.Implementation(c.Engine) {
	case storage.ImplPebble, storage.ImplBTree:
	default:
		return fmt.Errorf("unknown engine %q, must be one of %s, %s", c.Engine, storage.ImplPebble, storage.ImplBTree)
	}
	seen := map[uint64]bool{}
	for _, r := range c.Ranges {
		if seen[r.ID] {
			return fmt.Errorf("range %d configured twice", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Metrics Endpoint", c.MetricsEndpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Ranges
	addSection("Ranges")
	for _, r := range c.Ranges {
		addField(strconv.FormatUint(r.ID, 10), r.String())
	}
	addField("Engine", c.Engine)
	addField("Heartbeat Interval", fmt.Sprintf("%d ms", c.HeartbeatIntervalMs))
	addField("Sweep Interval", fmt.Sprintf("%d ms", c.SweepIntervalMs))
	addField("Watch Capacity", strconv.Itoa(c.WatchCapacity))

	// Node Identity
	addSection("Node Identity")
	addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
	addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))
	addField("Initial Leader", strconv.FormatUint(c.InitialLeader, 10))

	// RAFT parameters
	addSection("RAFT Parameters")
	addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
	addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
	addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
	addField("Check Quorum", fmt.Sprintf("%t", true))
	addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
	addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

	// Storage
	addSection("Storage")
	addField("Data Directory", c.DataDir)

	addSection("Cluster")
	sb.WriteString("  Initial Cluster Members:\n")
	for _, k := range sortedMembers(c.ClusterMembers) {
		sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig holds the connection settings of the client transport
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	TCPNoDelay             bool
	TCPKeepAliveSec        int
	TCPLingerSec           int
	WriteBufferSize        int
	ReadBufferSize         int
}

type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
