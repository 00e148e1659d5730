package replica

import (
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/storage"
)

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

const (
	// DownPeerThreshold is the inactivity after which a peer is reported down
	DownPeerThreshold = 50 * time.Second
	// DefaultStopWritePercent is the filesystem usage above which writes are rejected
	DefaultStopWritePercent = 92
	// DefaultSlowApplyThreshold is the apply duration above which a warning is logged
	DefaultSlowApplyThreshold = 500 * time.Millisecond
	// DefaultHeartbeatInterval is the interval of the leader heartbeat
	DefaultHeartbeatInterval = 10 * time.Second
)

// Config holds the node wide settings every replica of a node shares
type Config struct {
	NodeID  uint64
	LogPath string

	// raft log retention
	LogFileSize     uint64
	MaxLogFiles     int
	AllowLogCorrupt bool

	HeartbeatInterval  time.Duration
	SlowApplyThreshold time.Duration
	StopWritePercent   uint64
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SlowApplyThreshold <= 0 {
		c.SlowApplyThreshold = DefaultSlowApplyThreshold
	}
	if c.StopWritePercent == 0 {
		c.StopWritePercent = DefaultStopWritePercent
	}
	return c
}

// --------------------------------------------------------------------------
// Consensus Collaborator
// --------------------------------------------------------------------------

// GroupPeer is a member of a consensus group
type GroupPeer struct {
	NodeID  uint64
	Learner bool
}

// GroupOptions describes the consensus group of a range
type GroupOptions struct {
	RangeID uint64
	NodeID  uint64
	Peers   []GroupPeer

	// Leader and Term seed a fresh group, zero on a restart
	Leader uint64
	Term   uint64
	// Applied is the persisted applied index
	Applied uint64

	StoragePath     string
	LogFileSize     uint64
	MaxLogFiles     int
	AllowLogCorrupt bool
	// CreateWithHole allows a log without entry 0, for ranges created by a split
	CreateWithHole bool
}

// PeerStatus is the replication state of one peer as seen by the leader
type PeerStatus struct {
	NodeID       uint64
	Match        uint64
	Commit       uint64
	Inactive     time.Duration
	Snapshotting bool
}

// GroupStatus is the state of a consensus group
type GroupStatus struct {
	Leader uint64
	Term   uint64
	Peers  []PeerStatus
}

// Group is the handle of one consensus group
type Group interface {
	// Submit proposes a command, it does not wait for the commit
	Submit(data []byte) error
	// LeaderTerm returns the known leader node (0 if none) and the term
	LeaderTerm() (leader uint64, term uint64)
	Status() GroupStatus
	TransferLeadership(target uint64) error
	// Remove stops the group and keeps its data, Destroy also deletes it
	Remove() error
	Destroy() error
	Stopped() bool
}

// StateMachine is what a consensus group drives. Replica implements it.
type StateMachine interface {
	Apply(data []byte, index uint64) error
	AppliedIndex() uint64
	GetSnapshot() (*Snapshot, error)
	ApplySnapshotStart(context []byte) error
	ApplySnapshotData(chunk []storage.KV) error
	ApplySnapshotFinish(index uint64) error
	OnLeaderChange(leader, term uint64)
}

// GroupFactory creates consensus groups
type GroupFactory interface {
	CreateGroup(opts GroupOptions, sm StateMachine) (Group, error)
}

// --------------------------------------------------------------------------
// Other Collaborators
// --------------------------------------------------------------------------

// MetaStore persists the applied index and the metadata of a range.
// metastore.Store satisfies it.
type MetaStore interface {
	LoadAppliedIndex(rangeID uint64) (uint64, error)
	SaveAppliedIndex(rangeID uint64, index uint64) error
	DeleteAppliedIndex(rangeID uint64) error
	SaveRange(rng *meta.Range) error
}

// PeerReport is the replication state of one peer in a heartbeat
type PeerReport struct {
	Peer         meta.Peer `json:"peer"`
	MatchIndex   uint64    `json:"match_index"`
	CommitIndex  uint64    `json:"commit_index"`
	DownSeconds  uint64    `json:"down_seconds,omitempty"`
	Snapshotting bool      `json:"snapshotting"`
}

// RangeStats is attached to every heartbeat
type RangeStats struct {
	ApproximateSize uint64 `json:"approximate_size"`
	storage.Metrics
}

// HeartbeatReport is what a leader sends to the control plane
type HeartbeatReport struct {
	Range  *meta.Range  `json:"range"`
	Leader meta.Peer    `json:"leader"`
	Term   uint64       `json:"term"`
	Peers  []PeerReport `json:"peers"`
	Stats  RangeStats   `json:"stats"`
	SentAt time.Time    `json:"sent_at"`
}

// HeartbeatSender delivers reports to the control plane, it must not block
type HeartbeatSender interface {
	AsyncHeartbeat(report HeartbeatReport)
}

// StatusProvider reports the filesystem usage of the data directory
type StatusProvider interface {
	FilesystemUsedPercent() uint64
}

// TimerQueue calls Heartbeat of the range at the given time
type TimerQueue interface {
	Push(rangeID uint64, at time.Time)
}

// MetricsSink counts the leaders of a node and the requests that timed out
type MetricsSink interface {
	IncLeaders()
	DecLeaders()
	AddTimeouts(n int)
}

// RangeResolver looks up the metadata of another range of this node
type RangeResolver interface {
	Range(rangeID uint64) (*meta.Range, bool)
}

// SplitHandler receives the data of a split. It is called from the apply
// context, after the left side was computed and before it is persisted.
// src still holds the data of right.
type SplitHandler interface {
	OnSplit(src *Replica, left, right *meta.Range) error
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Option configures the optional collaborators of a Replica
type Option func(*Replica)

func WithHeartbeatSender(s HeartbeatSender) Option {
	return func(r *Replica) { r.heartbeats = s }
}

func WithStatusProvider(p StatusProvider) Option {
	return func(r *Replica) { r.status = p }
}

func WithTimerQueue(q TimerQueue) Option {
	return func(r *Replica) { r.timers = q }
}

func WithMetricsSink(m MetricsSink) Option {
	return func(r *Replica) { r.metrics = m }
}

func WithRangeResolver(rr RangeResolver) Option {
	return func(r *Replica) { r.resolver = rr }
}

func WithSplitHandler(h SplitHandler) Option {
	return func(r *Replica) { r.splitter = h }
}

// no-op collaborators used when an option is not given

type nopHeartbeats struct{}

func (nopHeartbeats) AsyncHeartbeat(HeartbeatReport) {}

type nopStatus struct{}

func (nopStatus) FilesystemUsedPercent() uint64 { return 0 }

type nopTimers struct{}

func (nopTimers) Push(uint64, time.Time) {}

type nopMetrics struct{}

func (nopMetrics) IncLeaders() {}
func (nopMetrics) DecLeaders() {}
func (nopMetrics) AddTimeouts(int) {}
