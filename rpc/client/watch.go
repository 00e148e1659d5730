package client

import (
	"context"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/watch/codec"
	"github.com/ValentinKolb/dRange/rpc/common"
	"github.com/cockroachdb/errors"
)

// Event is a change of a watched key
type Event struct {
	Key     []byte
	Version int64
	Value   []byte
	Ext     []byte
	Deleted bool
}

// WatchPut stores a watch value. The returned version is the log index of the write.
func (c *RangeClient) WatchPut(key, value, ext []byte) (int64, error) {
	resp, err := c.do(func(e meta.Epoch) *common.Message { return common.NewWatchPutRequest(e, key, value, ext) })
	if err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// WatchDel deletes a watch key, with prefix every key below it
func (c *RangeClient) WatchDel(key []byte, prefix bool) error {
	_, err := c.do(func(e meta.Epoch) *common.Message { return common.NewWatchDelRequest(e, key, prefix) })
	return err
}

// PureGet reads the watch entries of key, with prefix every entry below it
func (c *RangeClient) PureGet(key []byte, prefix bool) ([]codec.KV, error) {
	resp, err := c.do(func(e meta.Epoch) *common.Message { return common.NewPureGetRequest(e, key, prefix) })
	if err != nil {
		return nil, err
	}
	if len(resp.Keys) != len(resp.Values) {
		return nil, errors.Newf("pure get response with %d keys and %d values", len(resp.Keys), len(resp.Values))
	}
	out := make([]codec.KV, 0, len(resp.Keys))
	for i := range resp.Keys {
		_, kv, err := codec.DecodeKV(resp.Keys[i], resp.Values[i])
		if err != nil {
			return nil, errors.Wrap(err, "decode watch entry")
		}
		out = append(out, kv)
	}
	return out, nil
}

// WatchGet waits until key, or with prefix a key below it, changes after
// startVersion or the deadline passes. ok is false on timeout.
func (c *RangeClient) WatchGet(key []byte, prefix bool, startVersion int64, deadline time.Time) (ev Event, ok bool, err error) {
	resp, err := c.do(func(e meta.Epoch) *common.Message {
		return common.NewWatchGetRequest(e, key, prefix, startVersion, c.session, deadline.UnixMilli())
	})
	if err != nil {
		return Event{}, false, err
	}
	if !resp.Ok {
		return Event{}, false, nil
	}
	return Event{
		Key:     resp.Key,
		Version: resp.Version,
		Value:   resp.Value,
		Ext:     resp.Ext,
		Deleted: resp.Flag,
	}, true, nil
}

// CancelWatch ends a running WatchGet of this client on key
func (c *RangeClient) CancelWatch(key []byte) error {
	_, err := invokeRPCRequest(c.rangeID, common.NewWatchCancelRequest(key, c.session), c.transport, c.serializer)
	return err
}

// pollTimeout is the deadline of a single long poll, half the client
// timeout so the answer arrives before the transport gives up
func (c *RangeClient) pollTimeout() time.Duration {
	timeout := time.Duration(c.config.TimeoutSecond) * time.Second / 2
	if timeout < 100*time.Millisecond {
		timeout = 100 * time.Millisecond
	}
	return timeout
}

// Watch calls fn for every change of key after startVersion until ctx is
// done or fn returns false. Each call to fn sees a higher version.
func (c *RangeClient) Watch(ctx context.Context, key []byte, prefix bool, startVersion int64, fn func(Event) bool) error {
	version := startVersion
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		type result struct {
			ev  Event
			ok  bool
			err error
		}
		done := make(chan result, 1)
		go func() {
			ev, ok, err := c.WatchGet(key, prefix, version, time.Now().Add(c.pollTimeout()))
			done <- result{ev, ok, err}
		}()

		var res result
		select {
		case res = <-done:
		case <-ctx.Done():
			if err := c.CancelWatch(key); err != nil {
				Logger.Debugf("range[%d] cancel watch: %v", c.rangeID, err)
			}
			<-done
			return ctx.Err()
		}

		if res.err != nil {
			return res.err
		}
		if !res.ok {
			continue
		}
		if res.ev.Version > version {
			version = res.ev.Version
		}
		if !fn(res.ev) {
			return nil
		}
	}
}
