package raft

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRange/lib/replica"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/config"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/lni/dragonboat/v4/raftio"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("replica/raft")

var (
	retries = 5

	// ErrUnknownMember is returned if a voter of a range has no raft address
	ErrUnknownMember = errors.New("raft: no address for member")
)

// --------------------------------------------------------------------------
// Leader Listener (implements raftio.IRaftEventListener)
// --------------------------------------------------------------------------

// LeaderListener routes dragonboat leader updates to the state machine of
// the range. It must be set as RaftEventListener of the NodeHostConfig
// before the NodeHost is created.
type LeaderListener struct {
	targets *xsync.MapOf[uint64, replica.StateMachine]
}

var _ raftio.IRaftEventListener = (*LeaderListener)(nil)

func NewLeaderListener() *LeaderListener {
	return &LeaderListener{targets: xsync.NewMapOf[uint64, replica.StateMachine]()}
}

func (l *LeaderListener) LeaderUpdated(info raftio.LeaderInfo) {
	target, ok := l.targets.Load(info.ShardID)
	if !ok {
		return
	}
	Logger.Debugf("range[%d] leader update: node %d at term %d", info.ShardID, info.LeaderID, info.Term)
	target.OnLeaderChange(info.LeaderID, info.Term)
}

func (l *LeaderListener) register(rangeID uint64, target replica.StateMachine) {
	l.targets.Store(rangeID, target)
}

func (l *LeaderListener) unregister(rangeID uint64) {
	l.targets.Delete(rangeID)
}

// --------------------------------------------------------------------------
// Group Factory (implements replica.GroupFactory)
// --------------------------------------------------------------------------

// FactoryConfig holds what every group of a node shares
type FactoryConfig struct {
	// Base is the dragonboat config of a group, ShardID, ReplicaID and
	// IsNonVoting are set per group
	Base config.Config
	// Members maps node ids to raft addresses
	Members map[uint64]string
	// ProposalTimeout bounds how long dragonboat keeps a proposal
	ProposalTimeout time.Duration
}

// Factory starts one dragonboat on disk replica per range. Replica ids are
// node ids, so a range has at most one replica per node.
type Factory struct {
	nh       *dragonboat.NodeHost
	listener *LeaderListener
	cfg      FactoryConfig
}

var _ replica.GroupFactory = (*Factory)(nil)

func NewFactory(nh *dragonboat.NodeHost, listener *LeaderListener, cfg FactoryConfig) *Factory {
	if cfg.ProposalTimeout <= 0 {
		cfg.ProposalTimeout = 5 * time.Second
	}
	return &Factory{nh: nh, listener: listener, cfg: cfg}
}

// CreateGroup starts the group of opts.RangeID. The raft log lives in the
// log db of the NodeHost, so StoragePath and the retention settings of opts
// are only logged. Learners join as non voting replicas.
func (f *Factory) CreateGroup(opts replica.GroupOptions, target replica.StateMachine) (replica.Group, error) {
	cfg := f.cfg.Base
	cfg.ShardID = opts.RangeID
	cfg.ReplicaID = opts.NodeID

	members := make(map[uint64]string, len(opts.Peers))
	for _, p := range opts.Peers {
		if p.Learner {
			if p.NodeID == opts.NodeID {
				cfg.IsNonVoting = true
			}
			continue
		}
		addr, ok := f.cfg.Members[p.NodeID]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownMember, "range %d node %d", opts.RangeID, p.NodeID)
		}
		members[p.NodeID] = addr
	}
	join := cfg.IsNonVoting
	if join {
		members = map[uint64]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "range %d config", opts.RangeID)
	}

	f.listener.register(opts.RangeID, target)
	create := func(shardID uint64, _ uint64) sm.IOnDiskStateMachine {
		return newStateMachine(shardID, target)
	}
	if err := f.nh.StartOnDiskReplica(members, join, create, cfg); err != nil {
		f.listener.unregister(opts.RangeID)
		return nil, errors.Wrapf(err, "start range %d", opts.RangeID)
	}
	Logger.Infof("range[%d] raft group started (replica %d, %d voters, join %v, log path hint %s)",
		opts.RangeID, opts.NodeID, len(members), join, opts.StoragePath)

	return &group{
		nh:        f.nh,
		listener:  f.listener,
		shardID:   opts.RangeID,
		replicaID: opts.NodeID,
		timeout:   f.cfg.ProposalTimeout,
		target:    target,
		session:   f.nh.GetNoOPSession(opts.RangeID),
	}, nil
}

// --------------------------------------------------------------------------
// Group (implements replica.Group)
// --------------------------------------------------------------------------

type group struct {
	nh        *dragonboat.NodeHost
	listener  *LeaderListener
	shardID   uint64
	replicaID uint64
	timeout   time.Duration
	target    replica.StateMachine
	session   *client.Session
	stopped   atomic.Bool
}

// Submit hands data to dragonboat and returns. The outcome reaches the
// proposer through Apply or the expiry sweep of the replica.
func (g *group) Submit(data []byte) error {
	for i := 0; i < retries; i++ {
		rs, err := g.nh.Propose(g.session, data, g.timeout)
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			Logger.Infof("range[%d] propose: system busy, retrying (%d/%d)...", g.shardID, i+1, retries)
			time.Sleep(g.timeout / 100)
			continue
		}
		if err != nil {
			return err
		}
		go g.release(rs)
		return nil
	}
	return dragonboat.ErrSystemBusy
}

func (g *group) release(rs *dragonboat.RequestState) {
	defer rs.Release()
	res := <-rs.ResultC()
	if !res.Completed() {
		Logger.Debugf("range[%d] proposal not completed (timeout %v, dropped %v, rejected %v)",
			g.shardID, res.Timeout(), res.Dropped(), res.Rejected())
	}
}

func (g *group) LeaderTerm() (uint64, uint64) {
	leader, term, valid, err := g.nh.GetLeaderID(g.shardID)
	if err != nil || !valid {
		return 0, term
	}
	return leader, term
}

// Status reports leader, term and the members of the group. dragonboat
// keeps the progress of remote peers internal, so only the local peer
// carries Match and Commit (its applied index). Inactive and Snapshotting
// stay unset and down peer detection does not fire on this path.
func (g *group) Status() replica.GroupStatus {
	leader, term := g.LeaderTerm()
	st := replica.GroupStatus{Leader: leader, Term: term}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	m, err := g.nh.SyncGetShardMembership(ctx, g.shardID)
	if err != nil {
		Logger.Warningf("range[%d] get membership: %v", g.shardID, err)
		return st
	}
	st.Peers = memberStatus(m, g.replicaID, g.target.AppliedIndex())
	return st
}

// memberStatus lists voting and non voting members ordered by node id
func memberStatus(m *dragonboat.Membership, self uint64, applied uint64) []replica.PeerStatus {
	peers := make([]replica.PeerStatus, 0, len(m.Nodes)+len(m.NonVotings))
	add := func(id uint64) {
		ps := replica.PeerStatus{NodeID: id}
		if id == self {
			ps.Match, ps.Commit = applied, applied
		}
		peers = append(peers, ps)
	}
	for id := range m.Nodes {
		add(id)
	}
	for id := range m.NonVotings {
		add(id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID < peers[j].NodeID })
	return peers
}

func (g *group) TransferLeadership(target uint64) error {
	return g.nh.RequestLeaderTransfer(g.shardID, target)
}

func (g *group) Remove() error {
	if !g.stopped.CompareAndSwap(false, true) {
		return nil
	}
	g.listener.unregister(g.shardID)
	err := g.nh.StopReplica(g.shardID, g.replicaID)
	if errors.Is(err, dragonboat.ErrShardNotFound) {
		return nil
	}
	return err
}

func (g *group) Destroy() error {
	if err := g.Remove(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	return g.nh.SyncRemoveData(ctx, g.shardID, g.replicaID)
}

func (g *group) Stopped() bool {
	return g.stopped.Load()
}
