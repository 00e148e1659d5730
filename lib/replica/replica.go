package replica

import (
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/pending"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/ValentinKolb/dRange/lib/util"
	"github.com/ValentinKolb/dRange/lib/watch"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("replica")

// Replica is the raft state machine of one range on this node.
//
// Metadata, applied index and leader flag are written from the apply
// context only and read everywhere, so they are kept in atomics. The
// metadata is replaced, never modified in place: a *meta.Range returned by
// Meta must be treated as read only.
type Replica struct {
	cfg     Config
	id      uint64
	meta    atomic.Pointer[meta.Range]
	store   storage.Engine
	metas   MetaStore
	groups  GroupFactory
	watches *watch.Registry

	heartbeats HeartbeatSender
	status     StatusProvider
	timers     TimerQueue
	metrics    MetricsSink
	resolver   RangeResolver
	splitter   SplitHandler

	mu    sync.RWMutex
	group Group

	applied      atomic.Uint64
	leader       atomic.Bool
	leaderNode   atomic.Uint64
	valid        atomic.Bool
	splitRangeID atomic.Uint64

	pending *pending.Registry[*request]
	nextID  atomic.Uint64
}

// New creates a replica of rng. The raft group is created by Initialize.
func New(cfg Config, rng *meta.Range, store storage.Engine, metas MetaStore, groups GroupFactory, watches *watch.Registry, opts ...Option) *Replica {
	r := &Replica{
		cfg:        cfg.withDefaults(),
		id:         rng.ID,
		store:      store,
		metas:      metas,
		groups:     groups,
		watches:    watches,
		heartbeats: nopHeartbeats{},
		status:     nopStatus{},
		timers:     nopTimers{},
		metrics:    nopMetrics{},
		pending:    pending.NewRegistry[*request](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.meta.Store(rng.Clone())
	r.valid.Store(true)
	r.nextID.Store(util.GenerateSeed() >> 1)
	return r
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Initialize loads the applied index and starts the raft group.
// A non zero leader seeds a fresh group with term 1. fromSplit marks a range
// created by a split, whose log starts empty at index 1.
func (r *Replica) Initialize(leader uint64, fromSplit bool) error {
	applied, err := r.metas.LoadAppliedIndex(r.id)
	if err != nil {
		return rangeerr.Corruption("load applied index", err)
	}
	if fromSplit && applied == 0 {
		applied = 1
		if err := r.metas.SaveAppliedIndex(r.id, applied); err != nil {
			return rangeerr.Corruption("save applied index", err)
		}
	}
	r.applied.Store(applied)

	m := r.Meta()
	opts := GroupOptions{
		RangeID:         r.id,
		NodeID:          r.cfg.NodeID,
		Applied:         applied,
		StoragePath:     filepath.Join(r.cfg.LogPath, strconv.FormatUint(m.TableID, 10), strconv.FormatUint(r.id, 10)),
		LogFileSize:     r.cfg.LogFileSize,
		MaxLogFiles:     r.cfg.MaxLogFiles,
		AllowLogCorrupt: r.cfg.AllowLogCorrupt,
		CreateWithHole:  fromSplit,
	}
	for _, p := range m.Peers {
		opts.Peers = append(opts.Peers, GroupPeer{NodeID: p.NodeID, Learner: p.Role == meta.RoleLearner})
	}
	if leader != 0 {
		opts.Leader = leader
		opts.Term = 1
		r.leaderNode.Store(leader)
	}

	g, err := r.groups.CreateGroup(opts, r)
	if err != nil {
		Logger.Errorf("range[%d] create raft group failed: %v", r.id, err)
		return rangeerr.Wrap(rangeerr.CodeInvalidArgument, err, "create raft group")
	}
	r.mu.Lock()
	r.group = g
	r.mu.Unlock()

	Logger.Infof("range[%d] initialized at applied index %d (leader hint %d, split %v)", r.id, applied, leader, fromSplit)
	if leader == r.cfg.NodeID {
		r.OnLeaderChange(leader, 1)
	}
	return nil
}

// Shutdown stops the raft group and answers every pending request with a
// timeout. The data stays. Calling it twice is harmless.
func (r *Replica) Shutdown() {
	r.stop(false)
}

// Destroy stops the raft group and removes all data of the replica. Only a
// failed truncation of the storage is returned.
func (r *Replica) Destroy() error {
	r.stop(true)

	if err := r.store.Truncate(); err != nil {
		Logger.Errorf("range[%d] truncate failed: %v", r.id, err)
		return rangeerr.IOError("truncate", err)
	}
	if err := r.metas.DeleteAppliedIndex(r.id); err != nil {
		Logger.Warningf("range[%d] delete applied index failed: %v", r.id, err)
	}
	return nil
}

func (r *Replica) stop(destroy bool) {
	r.valid.Store(false)

	r.mu.Lock()
	g := r.group
	r.group = nil
	r.mu.Unlock()

	if g != nil {
		if destroy {
			if err := g.Destroy(); err != nil {
				Logger.Warningf("range[%d] destroy raft group failed: %v", r.id, err)
			}
		} else if err := g.Remove(); err != nil {
			Logger.Warningf("range[%d] remove raft group failed: %v", r.id, err)
		}
	}
	if r.leader.CompareAndSwap(true, false) {
		r.metrics.DecLeaders()
	}

	r.SweepExpired()
}

// --------------------------------------------------------------------------
// Leadership
// --------------------------------------------------------------------------

// OnLeaderChange is called by the raft group whenever a leader was elected
func (r *Replica) OnLeaderChange(leader, term uint64) {
	if !r.valid.Load() {
		return
	}
	r.leaderNode.Store(leader)

	if leader == r.cfg.NodeID {
		if r.leader.CompareAndSwap(false, true) {
			Logger.Infof("range[%d] became leader at term %d", r.id, term)
			r.store.ResetMetrics()
			r.timers.Push(r.id, time.Now())
			r.metrics.IncLeaders()
		}
		return
	}
	if r.leader.CompareAndSwap(true, false) {
		Logger.Infof("range[%d] lost leadership to node %d at term %d", r.id, leader, term)
		r.metrics.DecLeaders()
	}
}

// TransferLeader asks the raft group to move the leadership to this node
func (r *Replica) TransferLeader() error {
	if !r.valid.Load() {
		return rangeerr.Invalid(r.id)
	}
	g := r.currentGroup()
	if g == nil {
		return rangeerr.Invalid(r.id)
	}
	if err := g.TransferLeadership(r.cfg.NodeID); err != nil {
		return rangeerr.RaftFail(err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Heartbeat
// --------------------------------------------------------------------------

// Heartbeat reports the range to the control plane if this replica leads it
// and schedules the next heartbeat. Expired pending requests are answered
// on every call, whether the replica leads or not. It returns false if no
// report was sent.
func (r *Replica) Heartbeat() bool {
	defer r.SweepExpired()

	if !r.leader.Load() || !r.valid.Load() {
		return false
	}
	g := r.currentGroup()
	if g == nil || g.Stopped() {
		return false
	}
	st := g.Status()
	if st.Leader != r.cfg.NodeID {
		return false
	}

	r.heartbeats.AsyncHeartbeat(r.buildReport(st))
	r.timers.Push(r.id, time.Now().Add(r.cfg.HeartbeatInterval))
	return true
}

func (r *Replica) buildReport(st GroupStatus) HeartbeatReport {
	m := r.Meta()
	report := HeartbeatReport{
		Range:  m.Clone(),
		Term:   st.Term,
		SentAt: time.Now(),
		Stats: RangeStats{
			ApproximateSize: r.store.ApproximateSize(),
			Metrics:         r.store.CollectMetrics(),
		},
	}
	if p, ok := m.FindPeerByNodeID(r.cfg.NodeID); ok {
		report.Leader = p
	}

	for _, ps := range st.Peers {
		peer, ok := m.FindPeerByNodeID(ps.NodeID)
		if !ok {
			continue
		}
		pr := PeerReport{
			Peer:         peer,
			MatchIndex:   ps.Match,
			CommitIndex:  ps.Commit,
			Snapshotting: ps.Snapshotting,
		}
		if ps.Inactive > DownPeerThreshold {
			pr.DownSeconds = uint64(ps.Inactive / time.Second)
		}
		report.Peers = append(report.Peers, pr)
	}
	return report
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (r *Replica) ID() uint64 { return r.id }

func (r *Replica) NodeID() uint64 { return r.cfg.NodeID }

// Meta returns the current metadata, it must not be modified
func (r *Replica) Meta() *meta.Range { return r.meta.Load() }

func (r *Replica) AppliedIndex() uint64 { return r.applied.Load() }

func (r *Replica) IsLeader() bool { return r.leader.Load() }

func (r *Replica) Valid() bool { return r.valid.Load() }

// Store returns the storage engine of the range
func (r *Replica) Store() storage.Engine { return r.store }

// SplitRangeID returns the id of the last range split off this one, 0 if none
func (r *Replica) SplitRangeID() uint64 { return r.splitRangeID.Load() }

// PendingCount returns the number of requests waiting for raft
func (r *Replica) PendingCount() int { return r.pending.Len() }

// Peer returns the peer of this node
func (r *Replica) Peer() (meta.Peer, bool) {
	return r.Meta().FindPeerByNodeID(r.cfg.NodeID)
}

func (r *Replica) currentGroup() Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.group
}
