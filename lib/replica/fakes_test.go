package replica

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/meta/metastore"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/ValentinKolb/dRange/lib/storage/engines/btreekv"
	"github.com/ValentinKolb/dRange/lib/watch"
	"github.com/ValentinKolb/dRange/lib/watch/codec"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type fakeGroup struct {
	mu         sync.Mutex
	leader     uint64
	term       uint64
	submitted  [][]byte
	submitErr  error
	status     GroupStatus
	removed    bool
	destroyed  bool
	stopped    bool
	transferTo uint64
}

func (g *fakeGroup) Submit(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return g.submitErr
	}
	g.submitted = append(g.submitted, data)
	return nil
}

func (g *fakeGroup) LeaderTerm() (uint64, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader, g.term
}

func (g *fakeGroup) Status() GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *fakeGroup) TransferLeadership(target uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transferTo = target
	return nil
}

func (g *fakeGroup) Remove() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = true
	g.stopped = true
	return nil
}

func (g *fakeGroup) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed = true
	g.stopped = true
	return errors.New("destroy failed")
}

func (g *fakeGroup) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// takeSubmitted returns and clears the submitted commands
func (g *fakeGroup) takeSubmitted() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.submitted
	g.submitted = nil
	return out
}

type fakeFactory struct {
	opts  GroupOptions
	group *fakeGroup
	err   error
}

func (f *fakeFactory) CreateGroup(opts GroupOptions, _ StateMachine) (Group, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opts = opts
	f.group = &fakeGroup{leader: opts.Leader, term: opts.Term}
	return f.group, nil
}

type fakeMetas struct {
	*metastore.MemoryStore
	failSave      atomic.Bool
	failSaveRange atomic.Bool
	failLoad      bool
}

func (f *fakeMetas) SaveRange(rng *meta.Range) error {
	if f.failSaveRange.Load() {
		return errors.New("disk gone")
	}
	return f.MemoryStore.SaveRange(rng)
}

func (f *fakeMetas) LoadAppliedIndex(rangeID uint64) (uint64, error) {
	if f.failLoad {
		return 0, errors.New("load failed")
	}
	return f.MemoryStore.LoadAppliedIndex(rangeID)
}

func (f *fakeMetas) SaveAppliedIndex(rangeID uint64, index uint64) error {
	if f.failSave.Load() {
		return errors.New("disk gone")
	}
	return f.MemoryStore.SaveAppliedIndex(rangeID, index)
}

// stalledEngine holds back the result of one armed Get until release is
// closed. The value is read before stalling, so it may be stale by then.
type stalledEngine struct {
	*btreekv.Engine
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newStalledEngine(e *btreekv.Engine) *stalledEngine {
	return &stalledEngine{Engine: e, entered: make(chan struct{}), release: make(chan struct{})}
}

func (e *stalledEngine) Get(key []byte) ([]byte, error) {
	value, err := e.Engine.Get(key)
	if e.armed.CompareAndSwap(true, false) {
		close(e.entered)
		<-e.release
	}
	return value, err
}

type fakeStatus struct {
	used atomic.Uint64
}

func (s *fakeStatus) FilesystemUsedPercent() uint64 { return s.used.Load() }

type fakeTimers struct {
	mu     sync.Mutex
	pushes []time.Time
}

func (q *fakeTimers) Push(_ uint64, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushes = append(q.pushes, at)
}

func (q *fakeTimers) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pushes)
}

type fakeMetrics struct {
	leaders  atomic.Int64
	timeouts atomic.Int64
}

func (m *fakeMetrics) IncLeaders()       { m.leaders.Add(1) }
func (m *fakeMetrics) DecLeaders()       { m.leaders.Add(-1) }
func (m *fakeMetrics) AddTimeouts(n int) { m.timeouts.Add(int64(n)) }

type fakeHeartbeats struct {
	mu      sync.Mutex
	reports []HeartbeatReport
}

func (h *fakeHeartbeats) AsyncHeartbeat(report HeartbeatReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, report)
}

type fakeResolver map[uint64]*meta.Range

func (f fakeResolver) Range(id uint64) (*meta.Range, bool) {
	r, ok := f[id]
	return r, ok
}

type fakeSplitter struct {
	right *meta.Range
	moved int
}

func (f *fakeSplitter) OnSplit(src *Replica, _, right *meta.Range) error {
	f.right = right
	kvs, err := src.Store().NewIterator(right.StartKey, nil)
	if err != nil {
		return err
	}
	defer kvs.Close()
	for ; kvs.Valid(); kvs.Next() {
		f.moved++
	}
	return nil
}

// responses records every Result a responder receives
type responses struct {
	mu  sync.Mutex
	got []Result
}

func (rs *responses) respond(res Result) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.got = append(rs.got, res)
}

func (rs *responses) results() []Result {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]Result{}, rs.got...)
}

// --------------------------------------------------------------------------
// Harness
// --------------------------------------------------------------------------

const testNode = 1

func testRange() *meta.Range {
	return &meta.Range{
		ID:       7,
		TableID:  3,
		StartKey: []byte{0x01, 0x00},
		EndKey:   []byte{0x02, 0x00},
		Epoch:    meta.Epoch{Version: 4, ConfVer: 2},
		Peers: []meta.Peer{
			{ID: 70, NodeID: 1},
			{ID: 71, NodeID: 2},
			{ID: 72, NodeID: 3, Role: meta.RoleLearner},
		},
	}
}

type harness struct {
	r        *Replica
	factory  *fakeFactory
	store    *btreekv.Engine
	metas    *fakeMetas
	status   *fakeStatus
	timers   *fakeTimers
	metrics  *fakeMetrics
	beats    *fakeHeartbeats
	watches  *watch.Registry
	splitter *fakeSplitter
	resolver fakeResolver

	nextIndex uint64
}

// newHarness creates an initialized replica of testRange. A leader of
// testNode makes the replica leader right away.
func newHarness(t *testing.T, leader uint64) *harness {
	t.Helper()
	return newHarnessOn(t, leader, nil)
}

// newHarnessOn is newHarness with the engine of the replica wrapped by wrap
func newHarnessOn(t *testing.T, leader uint64, wrap func(*btreekv.Engine) storage.Engine) *harness {
	t.Helper()
	h := &harness{
		factory:   &fakeFactory{},
		store:     btreekv.New(),
		metas:     &fakeMetas{MemoryStore: metastore.NewMemory()},
		status:    &fakeStatus{},
		timers:    &fakeTimers{},
		metrics:   &fakeMetrics{},
		beats:     &fakeHeartbeats{},
		watches:   watch.NewRegistry(0),
		splitter:  &fakeSplitter{},
		resolver:  fakeResolver{},
		nextIndex: 1,
	}
	t.Cleanup(h.watches.Close)

	var engine storage.Engine = h.store
	if wrap != nil {
		engine = wrap(h.store)
	}
	h.r = New(Config{NodeID: testNode, LogPath: "/raft"}, testRange(), engine, h.metas, h.factory, h.watches,
		WithHeartbeatSender(h.beats),
		WithStatusProvider(h.status),
		WithTimerQueue(h.timers),
		WithMetricsSink(h.metrics),
		WithRangeResolver(h.resolver),
		WithSplitHandler(h.splitter),
	)
	if err := h.r.Initialize(leader, false); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return h
}

func (h *harness) group() *fakeGroup { return h.factory.group }

// propose submits op with the current epoch and fails the test on error
func (h *harness) propose(t *testing.T, op Op) *responses {
	t.Helper()
	rs := &responses{}
	if err := h.r.Propose(op, h.r.Meta().Epoch, time.Minute, rs.respond); err != nil {
		t.Fatalf("Propose(%s) error = %v", op.Kind(), err)
	}
	return rs
}

// commit applies every submitted command in order
func (h *harness) commit(t *testing.T) {
	t.Helper()
	for _, data := range h.group().takeSubmitted() {
		if err := h.r.Apply(data, h.nextIndex); err != nil {
			t.Fatalf("Apply(index %d) error = %v", h.nextIndex, err)
		}
		h.nextIndex++
	}
}

// do proposes op, commits it and returns its single result
func (h *harness) do(t *testing.T, op Op) Result {
	t.Helper()
	rs := h.propose(t, op)
	h.commit(t)
	got := rs.results()
	if len(got) != 1 {
		t.Fatalf("%s got %d responses, want 1", op.Kind(), len(got))
	}
	return got[0]
}

// watchKey encodes components for the table of testRange
func watchKey(t *testing.T, components ...string) []byte {
	t.Helper()
	comps := make([][]byte, len(components))
	for i, c := range components {
		comps[i] = []byte(c)
	}
	k, err := codec.EncodeKey(3, comps)
	if err != nil {
		t.Fatalf("EncodeKey() error = %v", err)
	}
	return k
}

// key returns a raw key inside testRange
func key(s string) []byte {
	return append([]byte{0x01, 0x00}, s...)
}
