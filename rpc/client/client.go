package client

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/rpc/common"
	"github.com/ValentinKolb/dRange/rpc/serializer"
	"github.com/ValentinKolb/dRange/rpc/transport"
	"github.com/cockroachdb/errors"
)

// KV is a key value pair returned by Scan
type KV struct {
	Key   []byte
	Value []byte
}

// NewRangeClient creates a client for one range
// The function takes a range ID, a config, a transport and a serializer as parameters
// The transport is connected here and closed by Close
func NewRangeClient(
	rangeID uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*RangeClient, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	return &RangeClient{
		rangeID:    rangeID,
		config:     config,
		transport:  transport,
		serializer: serializer,
		session:    rand.Uint64(),
	}, nil
}

// RangeClient sends requests to the replicas of one range. It tracks the
// epoch of the range: a StaleEpoch answer refreshes it and the request is
// sent again, as are requests that reached a follower or a range without
// leader.
type RangeClient struct {
	rangeID    uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer

	// session identifies the watches of this client
	session uint64

	mu      sync.Mutex
	current *meta.Range
	epoch   meta.Epoch
}

// RangeID returns the id of the range this client talks to
func (c *RangeClient) RangeID() uint64 { return c.rangeID }

// Range returns the last range metadata the server reported, nil if none was reported yet
func (c *RangeClient) Range() *meta.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.Clone()
}

// Epoch returns the epoch requests are sent with
func (c *RangeClient) Epoch() meta.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Close closes the transport
func (c *RangeClient) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Request execution
// --------------------------------------------------------------------------

// attempts is how often a request is sent before a routing error is returned
func (c *RangeClient) attempts() int {
	n := c.config.Transport.RetryCount
	if n < 1 {
		n = 1
	}
	// every endpoint may have to be tried to find the leader
	return n + len(c.config.Transport.Endpoints)
}

// do sends the request built by build until it succeeds, fails with an
// error that a retry cannot fix, or the attempts are used up
func (c *RangeClient) do(build func(epoch meta.Epoch) *common.Message) (*common.Message, error) {
	var lastErr error
	backoff := 20 * time.Millisecond
	for i := 0; i < c.attempts(); i++ {
		req := build(c.Epoch())
		resp, err := invokeRPCRequest(c.rangeID, req, c.transport, c.serializer)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		re, ok := rangeerr.As(err)
		if !ok {
			return nil, err
		}
		switch re.Code {
		case rangeerr.CodeStaleEpoch:
			if re.Current == nil || !c.refresh(re.Current) {
				return nil, err
			}
			Logger.Debugf("range[%d] epoch refreshed to %s", c.rangeID, re.Current.Epoch)
		case rangeerr.CodeNotLeader:
			// the transport picks the next endpoint
			Logger.Debugf("range[%d] request reached a follower, leader is node %d", c.rangeID, leaderOf(re))
		case rangeerr.CodeNoLeader:
			time.Sleep(backoff)
			backoff *= 2
		default:
			return nil, err
		}
	}
	return nil, errors.Wrapf(lastErr, "range %d: giving up after %d attempts", c.rangeID, c.attempts())
}

// refresh adopts the range metadata reported by a server. It returns false
// if the metadata is not newer than what the client knows.
func (c *RangeClient) refresh(rng *meta.Range) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rng.ID != c.rangeID {
		return false
	}
	if c.current != nil && rng.Epoch == c.epoch {
		return false
	}
	c.current = rng.Clone()
	c.epoch = rng.Epoch
	return true
}

func leaderOf(re *rangeerr.Error) uint64 {
	if re.Leader == nil {
		return 0
	}
	return re.Leader.NodeID
}

// --------------------------------------------------------------------------
// Key value operations
// --------------------------------------------------------------------------

// Get returns the value of key, ok is false if the key does not exist
func (c *RangeClient) Get(key []byte) (value []byte, ok bool, err error) {
	resp, err := c.do(func(e meta.Epoch) *common.Message { return common.NewGetRequest(e, key) })
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

// Scan returns up to limit pairs of [start, end), limit 0 returns all.
// The bounds are clamped to the range.
func (c *RangeClient) Scan(start, end []byte, limit uint64) ([]KV, error) {
	resp, err := c.do(func(e meta.Epoch) *common.Message { return common.NewScanRequest(e, start, end, limit) })
	if err != nil {
		return nil, err
	}
	if len(resp.Keys) != len(resp.Values) {
		return nil, errors.Newf("scan response with %d keys and %d values", len(resp.Keys), len(resp.Values))
	}
	kvs := make([]KV, len(resp.Keys))
	for i := range resp.Keys {
		kvs[i] = KV{Key: resp.Keys[i], Value: resp.Values[i]}
	}
	return kvs, nil
}

// Set stores value under key and returns the log index of the write
func (c *RangeClient) Set(key, value []byte) (int64, error) {
	resp, err := c.do(func(e meta.Epoch) *common.Message { return common.NewSetRequest(e, key, value) })
	if err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// BatchSet stores all pairs in one raft entry
func (c *RangeClient) BatchSet(keys, values [][]byte) (int64, error) {
	if len(keys) != len(values) {
		return 0, errors.Newf("%d keys but %d values", len(keys), len(values))
	}
	resp, err := c.do(func(e meta.Epoch) *common.Message { return common.NewBatchSetRequest(e, keys, values) })
	if err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// Delete removes key
func (c *RangeClient) Delete(key []byte) error {
	_, err := c.do(func(e meta.Epoch) *common.Message { return common.NewDeleteRequest(e, key) })
	return err
}

// BatchDelete removes all keys in one raft entry
func (c *RangeClient) BatchDelete(keys [][]byte) error {
	_, err := c.do(func(e meta.Epoch) *common.Message { return common.NewBatchDeleteRequest(e, keys) })
	return err
}

// RangeDelete removes every key of [start, end) that lies in the range
func (c *RangeClient) RangeDelete(start, end []byte) error {
	_, err := c.do(func(e meta.Epoch) *common.Message { return common.NewRangeDeleteRequest(e, start, end) })
	return err
}

// --------------------------------------------------------------------------
// Locks
// --------------------------------------------------------------------------

// Lock acquires the lock key for owner until now plus ttl. It fails with
// rangeerr.CodeLockHeld while another owner holds an unexpired lock.
func (c *RangeClient) Lock(key, owner, value []byte, ttl time.Duration) error {
	deadline := time.Now().Add(ttl).UnixMilli()
	_, err := c.do(func(e meta.Epoch) *common.Message { return common.NewAcquireRequest(e, key, owner, value, deadline) })
	return err
}

// LockUpdate extends a held lock and replaces its value
func (c *RangeClient) LockUpdate(key, owner, value []byte, ttl time.Duration) error {
	deadline := time.Now().Add(ttl).UnixMilli()
	_, err := c.do(func(e meta.Epoch) *common.Message { return common.NewLockUpdateRequest(e, key, owner, value, deadline) })
	return err
}

// Unlock releases a lock held by owner
func (c *RangeClient) Unlock(key, owner []byte) error {
	_, err := c.do(func(e meta.Epoch) *common.Message { return common.NewReleaseRequest(e, key, owner) })
	return err
}

// UnlockForce releases a lock regardless of its owner
func (c *RangeClient) UnlockForce(key []byte) error {
	_, err := c.do(func(e meta.Epoch) *common.Message { return common.NewForceReleaseRequest(e, key) })
	return err
}

// --------------------------------------------------------------------------
// Administration
// --------------------------------------------------------------------------

// Split splits the range at splitKey. The upper half becomes range newRangeID.
func (c *RangeClient) Split(splitKey []byte, newRangeID uint64) error {
	_, err := c.do(func(e meta.Epoch) *common.Message { return common.NewSplitRequest(e, splitKey, newRangeID) })
	return err
}

// TransferLeader asks the replica that receives the request to take over leadership
func (c *RangeClient) TransferLeader() error {
	_, err := invokeRPCRequest(c.rangeID, common.NewTransferLeaderRequest(), c.transport, c.serializer)
	return err
}

// Status returns the status of the range as seen by the replica that
// receives the request. Status for range 0 lists every range of that node.
func (c *RangeClient) Status() ([]common.RangeStatus, error) {
	resp, err := invokeRPCRequest(c.rangeID, common.NewStatusRequest(), c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	status, err := common.DecodeStatus(resp)
	if err != nil {
		return nil, errors.Wrap(err, "decode status")
	}
	for _, st := range status {
		if st.Range != nil && st.Leader {
			c.refresh(st.Range)
		}
	}
	return status, nil
}
