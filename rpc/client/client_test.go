package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/rpc/common"
	"github.com/ValentinKolb/dRange/rpc/serializer"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

// fakeTransport answers requests with handle, after a serializer round trip
type fakeTransport struct {
	s      serializer.IRPCSerializer
	handle func(req *common.Message) *common.Message

	mu       sync.Mutex
	requests []*common.Message
	closed   bool
}

func (f *fakeTransport) Connect(common.ClientConfig) error { return nil }

func (f *fakeTransport) Send(_ uint64, data []byte) ([]byte, error) {
	var req common.Message
	if err := f.s.Deserialize(data, &req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, &req)
	f.mu.Unlock()
	return f.s.Serialize(*f.handle(&req))
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sent() []*common.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*common.Message(nil), f.requests...)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

const testRange = 4

var current = &meta.Range{ID: testRange, TableID: 1, Epoch: meta.Epoch{Version: 3, ConfVer: 2}}

func newTestClient(t *testing.T, handle func(req *common.Message) *common.Message) (*RangeClient, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{s: serializer.NewBinarySerializer(), handle: handle}
	c, err := NewRangeClient(testRange, common.ClientConfig{
		TimeoutSecond: 1,
		Transport: common.ClientTransportConfig{
			Endpoints:  []string{"a", "b"},
			RetryCount: 2,
		},
	}, tr, serializer.NewBinarySerializer())
	if err != nil {
		t.Fatalf("NewRangeClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, tr
}

// epochChecked answers StaleEpoch unless the request carries the current epoch
func epochChecked(next func(req *common.Message) *common.Message) func(req *common.Message) *common.Message {
	return func(req *common.Message) *common.Message {
		if req.Epoch.Version != current.Epoch.Version {
			return common.NewErrorResponse(rangeerr.StaleEpoch(req.Epoch.Version, current, nil))
		}
		return next(req)
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestEpochRefresh tests that a stale epoch is refreshed and the request sent again
func TestEpochRefresh(t *testing.T) {
	c, tr := newTestClient(t, epochChecked(func(req *common.Message) *common.Message {
		return &common.Message{MsgType: req.MsgType, Ok: true, Value: []byte("v")}
	}))

	value, ok, err := c.Get([]byte("k"))
	if err != nil || !ok || string(value) != "v" {
		t.Fatalf("Get() = %q, %v, %v", value, ok, err)
	}
	if got := c.Epoch(); got != current.Epoch {
		t.Errorf("Epoch() = %s, want %s", got, current.Epoch)
	}
	if rng := c.Range(); rng == nil || rng.ID != testRange {
		t.Errorf("Range() = %v, want range %d", rng, testRange)
	}
	if n := len(tr.sent()); n != 2 {
		t.Errorf("sent %d requests, want 2", n)
	}

	// the refreshed epoch is used right away
	if _, _, err := c.Get([]byte("k")); err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if n := len(tr.sent()); n != 3 {
		t.Errorf("sent %d requests, want 3", n)
	}
}

// TestRetry tests which errors are retried and how often
func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		failures  int
		wantErr   rangeerr.Code
		wantCalls int
	}{
		{"not leader once", rangeerr.NotLeader(testRange, current.Epoch, meta.Peer{ID: 2, NodeID: 2}), 1, rangeerr.CodeOK, 3},
		{"no leader until success", rangeerr.NoLeader(testRange), 2, rangeerr.CodeOK, 4},
		{"no leader forever", rangeerr.NoLeader(testRange), 100, rangeerr.CodeNoLeader, 4},
		{"lock held", rangeerr.Newf(rangeerr.CodeLockHeld, "held"), 100, rangeerr.CodeLockHeld, 2},
		{"key not in range", rangeerr.KeyNotInRange(testRange, []byte("z"), nil, []byte("m")), 100, rangeerr.CodeKeyNotInRange, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := tt.failures
			c, tr := newTestClient(t, epochChecked(func(req *common.Message) *common.Message {
				if failures > 0 {
					failures--
					return common.NewErrorResponse(tt.err)
				}
				return common.NewSuccessResponse(req.MsgType)
			}))

			_, err := c.Set([]byte("k"), []byte("v"))
			if got := rangeerr.CodeOf(err); got != tt.wantErr {
				t.Errorf("Set() error = %v, want code %s", err, tt.wantErr)
			}
			// the first call always learns the epoch
			if n := len(tr.sent()); n != tt.wantCalls {
				t.Errorf("sent %d requests, want %d", n, tt.wantCalls)
			}
		})
	}
}

// TestUnrelatedStaleEpoch tests that a stale epoch for another range is not adopted
func TestUnrelatedStaleEpoch(t *testing.T) {
	other := &meta.Range{ID: testRange + 1, Epoch: meta.Epoch{Version: 9}}
	c, tr := newTestClient(t, func(req *common.Message) *common.Message {
		return common.NewErrorResponse(rangeerr.StaleEpoch(req.Epoch.Version, other, nil))
	})
	if err := c.Delete([]byte("k")); !rangeerr.Is(err, rangeerr.CodeStaleEpoch) {
		t.Errorf("Delete() error = %v, want StaleEpoch", err)
	}
	if n := len(tr.sent()); n != 1 {
		t.Errorf("sent %d requests, want 1", n)
	}
}

// TestRequestContents tests that operations fill the request fields the server reads
func TestRequestContents(t *testing.T) {
	c, tr := newTestClient(t, epochChecked(func(req *common.Message) *common.Message {
		resp := common.NewSuccessResponse(req.MsgType)
		if req.MsgType == common.MsgTKVScan {
			resp.Keys = [][]byte{[]byte("a"), []byte("b")}
			resp.Values = [][]byte{[]byte("1"), []byte("2")}
		}
		return resp
	}))

	owner, err := NewOwnerID()
	if err != nil || len(owner) != ownerIDLength {
		t.Fatalf("NewOwnerID() = %x, %v", owner, err)
	}
	before := time.Now().Add(time.Minute).UnixMilli()
	if err := c.Lock([]byte("l"), owner, []byte("v"), time.Minute); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	kvs, err := c.Scan([]byte("a"), nil, 10)
	if err != nil || len(kvs) != 2 || string(kvs[1].Value) != "2" {
		t.Fatalf("Scan() = %v, %v", kvs, err)
	}
	if err := c.Split([]byte("m"), 12); err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	var lock, scan, split *common.Message
	for _, req := range tr.sent() {
		if req.Epoch != current.Epoch {
			continue
		}
		switch req.MsgType {
		case common.MsgTLCKAcquire:
			lock = req
		case common.MsgTKVScan:
			scan = req
		case common.MsgTRangeSplit:
			split = req
		}
	}
	if lock == nil || string(lock.Ext) != string(owner) || lock.Deadline < before || string(lock.Value) != "v" {
		t.Errorf("lock request = %+v", lock)
	}
	if scan == nil || string(scan.Key) != "a" || scan.Limit != 10 {
		t.Errorf("scan request = %+v", scan)
	}
	if split == nil || string(split.Key) != "m" || split.Limit != 12 {
		t.Errorf("split request = %+v", split)
	}
}

// TestWatchLoop tests that the watch loop re-polls after timeouts and advances the version
func TestWatchLoop(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	c, tr := newTestClient(t, epochChecked(func(req *common.Message) *common.Message {
		mu.Lock()
		defer mu.Unlock()
		polls++
		switch polls {
		case 1:
			return &common.Message{MsgType: req.MsgType} // timeout
		case 2:
			return &common.Message{MsgType: req.MsgType, Ok: true, Key: req.Key, Version: 5, Value: []byte("a")}
		default:
			return &common.Message{MsgType: req.MsgType, Ok: true, Flag: true, Key: req.Key, Version: 8}
		}
	}))

	var events []Event
	err := c.Watch(context.Background(), []byte("w"), false, 0, func(ev Event) bool {
		events = append(events, ev)
		return len(events) < 2
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if len(events) != 2 || events[0].Version != 5 || events[0].Deleted || !events[1].Deleted {
		t.Fatalf("events = %+v", events)
	}

	var versions []int64
	for _, req := range tr.sent() {
		if req.Epoch == current.Epoch {
			versions = append(versions, req.Version)
			if req.Session == 0 || req.Deadline == 0 {
				t.Errorf("watch request without session or deadline: %+v", req)
			}
		}
	}
	if len(versions) != 3 || versions[0] != 0 || versions[1] != 0 || versions[2] != 5 {
		t.Errorf("start versions = %v, want [0 0 5]", versions)
	}
}

// TestWatchContextCancel tests that cancelling the context cancels the running poll
func TestWatchContextCancel(t *testing.T) {
	cancelled := make(chan struct{})
	c, _ := newTestClient(t, func(req *common.Message) *common.Message {
		switch req.MsgType {
		case common.MsgTWatchCancel:
			close(cancelled)
			return common.NewSuccessResponse(req.MsgType)
		case common.MsgTWatchGet:
			if req.Epoch.Version != current.Epoch.Version {
				return common.NewErrorResponse(rangeerr.StaleEpoch(req.Epoch.Version, current, nil))
			}
			<-cancelled
			return &common.Message{MsgType: req.MsgType}
		}
		return common.NewErrorResponse(rangeerr.Unsupported("test"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, []byte("w"), true, 0, func(Event) bool { return true })
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Watch() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
}
