package server

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/node"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/lib/replica"
	"github.com/ValentinKolb/dRange/lib/storage"
	"github.com/ValentinKolb/dRange/lib/watch"
	"github.com/ValentinKolb/dRange/lib/watch/codec"
	"github.com/ValentinKolb/dRange/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// responseGrace is how long a handler waits beyond a deadline for the
// sweeper or the watch registry to answer
const responseGrace = 2 * time.Second

// Handler maps messages onto the replicas of a node
type Handler struct {
	node    *node.Node
	timeout time.Duration

	// long polls waiting for an event, closed by WatchCancel
	polls *xsync.MapOf[string, chan struct{}]
}

// NewHandler creates a handler. Proposals time out after timeout, long
// polls of watches are cut to it.
func NewHandler(n *node.Node, timeout time.Duration) *Handler {
	return &Handler{node: n, timeout: timeout, polls: xsync.NewMapOf[string, chan struct{}]()}
}

// Handle processes one request for a range. Errors are returned as error
// responses, Handle never fails.
func (h *Handler) Handle(rangeID uint64, req *common.Message) *common.Message {
	if req.MsgType == common.MsgTRangeStatus {
		return h.status(rangeID)
	}

	r, ok := h.node.Replica(rangeID)
	if !ok {
		return common.NewErrorResponse(rangeerr.Newf(rangeerr.CodeNotFound, "range %d not found", rangeID))
	}

	switch req.MsgType {
	// reads
	case common.MsgTKVGet:
		value, err := r.Get(req.Epoch, req.Key)
		return common.NewGetResponse(value, err)
	case common.MsgTKVScan:
		return h.scan(r, req)
	case common.MsgTWatchPureGet:
		return h.pureGet(r, req)
	case common.MsgTWatchGet:
		return h.watchGet(rangeID, r, req)
	case common.MsgTWatchCancel:
		if err := r.CancelWatch(req.Session, req.Key); err != nil {
			return common.NewErrorResponse(err)
		}
		if cancel, ok := h.polls.LoadAndDelete(pollID(rangeID, req.Session, req.Key)); ok {
			close(cancel)
		}
		return common.NewSuccessResponse(req.MsgType)

	// administration
	case common.MsgTRangeTransferLeader:
		if err := r.TransferLeader(); err != nil {
			return common.NewErrorResponse(err)
		}
		return common.NewSuccessResponse(req.MsgType)
	case common.MsgTRangeSplit:
		return h.propose(r, req, &replica.AdminSplit{SplitKey: req.Key, NewRangeID: req.Limit})
	}

	// writes
	op, err := writeOp(req)
	if err != nil {
		return common.NewErrorResponse(err)
	}
	return h.propose(r, req, op)
}

// writeOp builds the raft command of a write message
func writeOp(req *common.Message) (replica.Op, error) {
	switch req.MsgType {
	case common.MsgTKVSet:
		return &replica.KvSet{Key: req.Key, Value: req.Value}, nil
	case common.MsgTKVBatchSet:
		kvs, err := pairs(req)
		if err != nil {
			return nil, err
		}
		return &replica.KvBatchSet{KVs: kvs}, nil
	case common.MsgTKVDelete:
		return &replica.KvDelete{Key: req.Key}, nil
	case common.MsgTKVBatchDelete:
		return &replica.KvBatchDelete{KeyList: req.Keys}, nil
	case common.MsgTKVRangeDelete:
		return &replica.KvRangeDelete{Start: req.Key, End: req.End}, nil
	case common.MsgTRawPut:
		return &replica.RawPut{Key: req.Key, Value: req.Value}, nil
	case common.MsgTRawDelete:
		return &replica.RawDelete{Key: req.Key}, nil
	case common.MsgTInsert:
		rows, err := pairs(req)
		if err != nil {
			return nil, err
		}
		return &replica.Insert{Rows: rows, CheckDuplicate: req.Flag}, nil
	case common.MsgTDelete:
		return &replica.Delete{KeyList: req.Keys}, nil
	case common.MsgTLCKAcquire:
		return &replica.Lock{Key: req.Key, Owner: req.Ext, Value: req.Value, Deadline: req.Deadline, Now: time.Now().UnixMilli()}, nil
	case common.MsgTLCKUpdate:
		return &replica.LockUpdate{Key: req.Key, Owner: req.Ext, Value: req.Value, Deadline: req.Deadline}, nil
	case common.MsgTLCKRelease:
		return &replica.Unlock{Key: req.Key, Owner: req.Ext}, nil
	case common.MsgTLCKForceRelease:
		return &replica.UnlockForce{Key: req.Key}, nil
	case common.MsgTWatchPut:
		return &replica.WatchPut{Key: req.Key, Value: req.Value, Ext: req.Ext}, nil
	case common.MsgTWatchDel:
		return &replica.WatchDel{Key: req.Key, Prefix: req.Flag}, nil
	default:
		return nil, rangeerr.Unsupported(fmt.Sprintf("message type %s", req.MsgType))
	}
}

func pairs(req *common.Message) ([]storage.KV, error) {
	if len(req.Keys) != len(req.Values) {
		return nil, rangeerr.Newf(rangeerr.CodeInvalidArgument, "%d keys but %d values", len(req.Keys), len(req.Values))
	}
	kvs := make([]storage.KV, len(req.Keys))
	for i := range req.Keys {
		kvs[i] = storage.KV{Key: req.Keys[i], Value: req.Values[i]}
	}
	return kvs, nil
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// propose submits op and waits until it was applied or timed out
func (h *Handler) propose(r *replica.Replica, req *common.Message, op replica.Op) *common.Message {
	done := make(chan replica.Result, 1)
	err := r.Propose(op, req.Epoch, h.timeout, func(res replica.Result) {
		done <- res
	})
	if err != nil {
		return common.NewErrorResponse(err)
	}

	timer := time.NewTimer(h.timeout + responseGrace)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.Err != nil {
			return common.NewErrorResponse(res.Err)
		}
		return &common.Message{
			MsgType: req.MsgType,
			Ok:      true,
			Version: res.Version,
			Limit:   res.Affected,
		}
	case <-timer.C:
		return common.NewErrorResponse(rangeerr.Timeout())
	}
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

func (h *Handler) scan(r *replica.Replica, req *common.Message) *common.Message {
	kvs, err := r.Scan(req.Epoch, req.Key, req.End, int(req.Limit))
	if err != nil {
		return common.NewErrorResponse(err)
	}
	resp := &common.Message{
		MsgType: req.MsgType,
		Ok:      true,
		Keys:    make([][]byte, len(kvs)),
		Values:  make([][]byte, len(kvs)),
	}
	for i, kv := range kvs {
		resp.Keys[i], resp.Values[i] = kv.Key, kv.Value
	}
	return resp
}

// pureGet returns the watch entries as encoded key value pairs, which
// codec.DecodeKV turns back into entries
func (h *Handler) pureGet(r *replica.Replica, req *common.Message) *common.Message {
	entries, err := r.PureGet(req.Epoch, req.Key, req.Flag)
	if err != nil {
		return common.NewErrorResponse(err)
	}
	table := r.Meta().TableID
	resp := &common.Message{
		MsgType: req.MsgType,
		Ok:      len(entries) > 0,
		Keys:    make([][]byte, 0, len(entries)),
		Values:  make([][]byte, 0, len(entries)),
	}
	for _, e := range entries {
		key, value, err := codec.EncodeKV(table, e)
		if err != nil {
			return common.NewErrorResponse(rangeerr.Corruption("watch entry", err))
		}
		resp.Keys = append(resp.Keys, key)
		resp.Values = append(resp.Values, value)
	}
	return resp
}

// watchGet answers with the newest change after the start version, waiting
// for one until the deadline. The deadline is cut to the handler timeout.
func (h *Handler) watchGet(rangeID uint64, r *replica.Replica, req *common.Message) *common.Message {
	deadline := time.Now().Add(h.timeout)
	if req.Deadline > 0 {
		if d := time.UnixMilli(req.Deadline); d.Before(deadline) {
			deadline = d
		}
	}

	events := make(chan watch.Event, 1)
	notifier := watch.NotifierFunc(func(ev watch.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	id := pollID(rangeID, req.Session, req.Key)
	cancel := make(chan struct{})
	h.polls.Store(id, cancel)
	defer h.polls.Compute(id, func(cur chan struct{}, loaded bool) (chan struct{}, bool) {
		return cur, !loaded || cur == cancel
	})

	ev, err := r.WatchGet(req.Epoch, req.Key, req.Flag, req.Version, req.Session, deadline, notifier)
	if err != nil {
		return common.NewErrorResponse(err)
	}
	if ev != nil {
		return eventResponse(*ev)
	}

	timer := time.NewTimer(time.Until(deadline) + responseGrace)
	defer timer.Stop()
	select {
	case ev := <-events:
		return eventResponse(ev)
	case <-cancel:
		return eventResponse(watch.Event{Type: watch.EventTimeout, WatchKey: req.Key})
	case <-timer.C:
		// the registry missed the deadline, drop the subscription ourselves
		_ = r.CancelWatch(req.Session, req.Key)
		return eventResponse(watch.Event{Type: watch.EventTimeout, WatchKey: req.Key})
	}
}

func pollID(rangeID, session uint64, key []byte) string {
	return fmt.Sprintf("%d/%d/%x", rangeID, session, key)
}

// eventResponse encodes a watch event. Ok is false for a timeout, Flag is
// set for a delete.
func eventResponse(ev watch.Event) *common.Message {
	return &common.Message{
		MsgType: common.MsgTWatchGet,
		Ok:      ev.Type != watch.EventTimeout,
		Flag:    ev.Type == watch.EventDelete,
		Key:     ev.Key,
		Version: ev.Version,
		Value:   ev.Value,
		Ext:     ev.Ext,
	}
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// status reports one range, or every range of the node for range id 0
func (h *Handler) status(rangeID uint64) *common.Message {
	var ranges []*meta.Range
	if rangeID == 0 {
		ranges = h.node.Ranges()
	} else if rng, ok := h.node.Range(rangeID); ok {
		ranges = []*meta.Range{rng}
	} else {
		return common.NewErrorResponse(rangeerr.Newf(rangeerr.CodeNotFound, "range %d not found", rangeID))
	}

	status := make([]common.RangeStatus, 0, len(ranges))
	for _, rng := range ranges {
		r, ok := h.node.Replica(rng.ID)
		if !ok {
			continue
		}
		st := common.RangeStatus{
			Range:        r.Meta().Clone(),
			NodeID:       r.NodeID(),
			Leader:       r.IsLeader(),
			Valid:        r.Valid(),
			AppliedIndex: r.AppliedIndex(),
			Pending:      r.PendingCount(),
			SplitRangeID: r.SplitRangeID(),
		}
		if report, ok := h.node.Reports().Latest(rng.ID); ok && r.IsLeader() {
			st.Report = &report
		}
		status = append(status, st)
	}
	resp, err := common.NewStatusResponse(status)
	if err != nil {
		return common.NewErrorResponse(err)
	}
	return resp
}
