package node

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/meta/metastore"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/replica"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/ValentinKolb/dRange/lib/storage/engines/btreekv"
	"github.com/ValentinKolb/dRange/lib/storage/engines/pebblekv"
	"github.com/ValentinKolb/dRange/lib/watch"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("node")

var (
	// ErrRangeExists is returned by CreateRange for a range the node already hosts
	ErrRangeExists = errors.New("node: range already exists")
	// ErrRangeNotFound is returned for a range the node does not host
	ErrRangeNotFound = errors.New("node: range not found")
	// ErrStopped is returned once Stop was called
	ErrStopped = errors.New("node: stopped")
)

// splitCopyBatch is the number of pairs copied per write during a split
const splitCopyBatch = 512

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config holds the process wide settings of a node
type Config struct {
	Replica replica.Config

	// DataDir holds one engine directory per range
	DataDir string
	Engine  storage.Implementation

	SweepInterval time.Duration
	WatchCapacity int
	// DiskRefresh is how long a filesystem usage sample is reused
	DiskRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.Engine == "" {
		c.Engine = storage.ImplPebble
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.DiskRefresh <= 0 {
		c.DiskRefresh = 10 * time.Second
	}
	return c
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node hosts the replicas of one process. It owns the services every
// replica shares: the watch registry, the heartbeat queue, the expiry
// sweeper, metrics, the disk status and the report collector.
type Node struct {
	cfg    Config
	metas  metastore.Store
	groups replica.GroupFactory

	replicas *xsync.MapOf[uint64, *replica.Replica]
	watches  *watch.Registry
	timers   *HeartbeatQueue
	metrics  *Metrics
	disk     replica.StatusProvider
	reports  *ReportCollector

	// serializes create, remove and split of ranges
	mu      sync.Mutex
	stopped bool

	stopc chan struct{}
	wg    sync.WaitGroup
}

// Option customizes a Node
type Option func(*Node)

// WithStatusProvider replaces the statfs based disk status, used by tests
func WithStatusProvider(p replica.StatusProvider) Option {
	return func(n *Node) { n.disk = p }
}

// New creates a node. Start reopens the persisted ranges.
func New(cfg Config, metas metastore.Store, groups replica.GroupFactory, opts ...Option) *Node {
	cfg = cfg.withDefaults()
	n := &Node{
		cfg:      cfg,
		metas:    metas,
		groups:   groups,
		replicas: xsync.NewMapOf[uint64, *replica.Replica](),
		watches:  watch.NewRegistry(cfg.WatchCapacity),
		reports:  NewReportCollector(),
		stopc:    make(chan struct{}),
	}
	n.disk = NewDiskStatus(cfg.DataDir, cfg.DiskRefresh)
	for _, opt := range opts {
		opt(n)
	}
	n.metrics = NewMetrics(n)
	n.timers = NewHeartbeatQueue(n.heartbeat)
	return n
}

// Start reopens every range persisted in the meta store and starts the
// expiry sweeper
func (n *Node) Start() error {
	ranges, err := n.metas.Ranges()
	if err != nil {
		return errors.Wrap(err, "load ranges")
	}
	for _, rng := range ranges {
		if _, err := n.open(rng, 0, false); err != nil {
			return errors.Wrapf(err, "reopen range %d", rng.ID)
		}
	}
	Logger.Infof("node %d started with %d ranges", n.cfg.Replica.NodeID, len(ranges))

	n.wg.Add(1)
	go n.sweepLoop()
	return nil
}

// Stop shuts down every replica and the shared services. Data stays.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	close(n.stopc)
	n.wg.Wait()

	n.replicas.Range(func(id uint64, r *replica.Replica) bool {
		r.Shutdown()
		if err := r.Store().Close(); err != nil {
			Logger.Warningf("range[%d] close engine: %v", id, err)
		}
		n.replicas.Delete(id)
		return true
	})
	n.timers.Close()
	n.watches.Close()
	Logger.Infof("node %d stopped", n.cfg.Replica.NodeID)
}

// --------------------------------------------------------------------------
// Range Management
// --------------------------------------------------------------------------

// CreateRange persists rng and starts its replica. A leader of this node
// makes the replica leader of a fresh group right away.
func (n *Node) CreateRange(rng *meta.Range, leader uint64) (*replica.Replica, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil, ErrStopped
	}
	if _, ok := n.replicas.Load(rng.ID); ok {
		return nil, errors.Wrapf(ErrRangeExists, "range %d", rng.ID)
	}
	if _, ok := rng.FindPeerByNodeID(n.cfg.Replica.NodeID); !ok {
		return nil, rangeerr.Newf(rangeerr.CodeInvalidArgument, "node %d is no peer of range %d", n.cfg.Replica.NodeID, rng.ID)
	}
	if err := n.metas.SaveRange(rng); err != nil {
		return nil, rangeerr.IOError("save range", err)
	}
	r, err := n.open(rng, leader, false)
	if err != nil {
		if derr := n.metas.DeleteRange(rng.ID); derr != nil {
			Logger.Warningf("range[%d] delete meta after failed create: %v", rng.ID, derr)
		}
		return nil, err
	}
	return r, nil
}

// RemoveRange stops the replica of rangeID. With destroy its data, its meta
// and its engine directory are removed too.
func (n *Node) RemoveRange(rangeID uint64, destroy bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	r, ok := n.replicas.LoadAndDelete(rangeID)
	if !ok {
		return errors.Wrapf(ErrRangeNotFound, "range %d", rangeID)
	}
	n.reports.Forget(rangeID)

	if !destroy {
		r.Shutdown()
		return r.Store().Close()
	}

	if err := r.Destroy(); err != nil {
		return err
	}
	if err := r.Store().Close(); err != nil {
		Logger.Warningf("range[%d] close engine: %v", rangeID, err)
	}
	if err := n.metas.DeleteRange(rangeID); err != nil {
		Logger.Warningf("range[%d] delete meta: %v", rangeID, err)
	}
	if n.cfg.Engine == storage.ImplPebble {
		if err := os.RemoveAll(n.engineDir(rangeID)); err != nil {
			Logger.Warningf("range[%d] remove engine dir: %v", rangeID, err)
		}
	}
	Logger.Infof("range[%d] destroyed", rangeID)
	return nil
}

// open creates and initializes the replica of rng and registers it
func (n *Node) open(rng *meta.Range, leader uint64, fromSplit bool) (*replica.Replica, error) {
	engine, err := n.openEngine(rng.ID)
	if err != nil {
		return nil, rangeerr.IOError("open engine", err)
	}
	r := n.newReplica(rng, engine)
	// registered first, so that the first heartbeat of a leader finds it
	n.replicas.Store(rng.ID, r)
	if err := r.Initialize(leader, fromSplit); err != nil {
		n.replicas.Delete(rng.ID)
		if cerr := engine.Close(); cerr != nil {
			Logger.Warningf("range[%d] close engine: %v", rng.ID, cerr)
		}
		return nil, err
	}
	return r, nil
}

func (n *Node) newReplica(rng *meta.Range, engine storage.Engine) *replica.Replica {
	return replica.New(n.cfg.Replica, rng, engine, n.metas, n.groups, n.watches,
		replica.WithHeartbeatSender(n.reports),
		replica.WithStatusProvider(n.disk),
		replica.WithTimerQueue(n.timers),
		replica.WithMetricsSink(n.metrics),
		replica.WithRangeResolver(n),
		replica.WithSplitHandler(n),
	)
}

func (n *Node) openEngine(rangeID uint64) (storage.Engine, error) {
	switch n.cfg.Engine {
	case storage.ImplBTree:
		return btreekv.New(), nil
	case storage.ImplPebble:
		return pebblekv.Open(n.engineDir(rangeID), nil)
	default:
		return nil, errors.Newf("unknown engine %q", n.cfg.Engine)
	}
}

func (n *Node) engineDir(rangeID uint64) string {
	return filepath.Join(n.cfg.DataDir, "ranges", strconv.FormatUint(rangeID, 10))
}

// --------------------------------------------------------------------------
// Split (implements replica.SplitHandler)
// --------------------------------------------------------------------------

// OnSplit runs in the apply context of src. It copies the data of right
// into a new engine and persists right before src trims its data. The new
// replica starts in the background because the raft group of src is busy
// applying the split.
func (n *Node) OnSplit(src *replica.Replica, _, right *meta.Range) error {
	if _, ok := n.replicas.Load(right.ID); ok {
		return errors.Wrapf(ErrRangeExists, "split range %d", right.ID)
	}
	engine, err := n.openEngine(right.ID)
	if err != nil {
		return err
	}
	var end []byte
	if len(right.EndKey) > 0 {
		end = right.EndKey
	}
	if err := copyRange(src.Store(), engine, right.StartKey, end); err != nil {
		_ = engine.Close()
		return err
	}
	if err := n.metas.SaveRange(right); err != nil {
		_ = engine.Close()
		return err
	}

	leader := uint64(0)
	if src.IsLeader() {
		leader = n.cfg.Replica.NodeID
	}
	r := n.newReplica(right, engine)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.replicas.Store(right.ID, r)
		if err := r.Initialize(leader, true); err != nil {
			Logger.Errorf("range[%d] start split range failed: %v", right.ID, err)
			n.replicas.Delete(right.ID)
			_ = engine.Close()
			return
		}
		Logger.Infof("range[%d] split off range %d started", src.ID(), right.ID)
	}()
	return nil
}

func copyRange(from, to storage.Engine, start, end []byte) error {
	it, err := from.NewIterator(start, end)
	if err != nil {
		return err
	}
	defer it.Close()

	batch := make([]storage.Mutation, 0, splitCopyBatch)
	for ; it.Valid(); it.Next() {
		batch = append(batch, storage.Mutation{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
		if len(batch) == splitCopyBatch {
			if err := to.Write(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return to.Write(batch)
	}
	return nil
}

// --------------------------------------------------------------------------
// Lookup
// --------------------------------------------------------------------------

// Replica returns the replica of rangeID
func (n *Node) Replica(rangeID uint64) (*replica.Replica, bool) {
	return n.replicas.Load(rangeID)
}

// Range implements replica.RangeResolver
func (n *Node) Range(rangeID uint64) (*meta.Range, bool) {
	r, ok := n.replicas.Load(rangeID)
	if !ok {
		return nil, false
	}
	return r.Meta(), true
}

// Ranges returns the metadata of every hosted range, ordered by id
func (n *Node) Ranges() []*meta.Range {
	var out []*meta.Range
	n.replicas.Range(func(_ uint64, r *replica.Replica) bool {
		out = append(out, r.Meta())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (n *Node) NodeID() uint64 { return n.cfg.Replica.NodeID }

func (n *Node) Watches() *watch.Registry { return n.watches }

func (n *Node) Metrics() *Metrics { return n.metrics }

func (n *Node) Reports() *ReportCollector { return n.reports }

// --------------------------------------------------------------------------
// Background
// --------------------------------------------------------------------------

func (n *Node) heartbeat(rangeID uint64) {
	if r, ok := n.replicas.Load(rangeID); ok {
		r.Heartbeat()
	}
}

// sweepLoop answers expired requests of every replica, leader or not
func (n *Node) sweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopc:
			return
		case <-ticker.C:
			n.SweepExpired()
		}
	}
}

// SweepExpired runs the expiry sweep of every replica and returns the
// number of answered requests
func (n *Node) SweepExpired() int {
	total := 0
	n.replicas.Range(func(_ uint64, r *replica.Replica) bool {
		total += r.SweepExpired()
		return true
	})
	return total
}
