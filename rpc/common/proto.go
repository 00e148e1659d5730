package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message. The range a message
// addresses is not part of it, the transport frame carries the range id.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Epoch the request was built against. Error responses carry the current epoch.
	Epoch meta.Epoch `json:"epoch"`

	// General fields
	Key    []byte   `json:"key,omitempty"`    // Used for: every single key op, scan start, watch key
	End    []byte   `json:"end,omitempty"`    // Used for: Scan, RangeDelete
	Value  []byte   `json:"value,omitempty"`  // Used for: Set, Put, Lock (request), Get (response)
	Ext    []byte   `json:"ext,omitempty"`    // Used for: lock owner, watch ext
	Keys   [][]byte `json:"keys,omitempty"`   // Used for: batch ops, Insert, Delete, Scan (response)
	Values [][]byte `json:"values,omitempty"` // Used for: batch ops, Insert, Scan (response), parallel to Keys

	Deadline int64  `json:"deadline,omitempty"` // unix ms. Used for: Lock, LockUpdate, WatchGet
	Version  int64  `json:"version,omitempty"`  // Used for: WatchGet start version, WatchPut and WatchGet (response)
	Session  uint64 `json:"session,omitempty"`  // Used for: WatchGet, WatchCancel
	Limit    uint64 `json:"limit,omitempty"`    // Used for: Scan limit, split range id, affected keys (response)
	Flag     bool   `json:"flag,omitempty"`     // Used for: prefix watches, Insert duplicate check

	// Response only fields
	Ok     bool          `json:"ok,omitempty"`     // Used for: Get, WatchGet responses
	Code   rangeerr.Code `json:"code,omitempty"`   // Error code, CodeOK on success
	Err    string        `json:"err,omitempty"`    // Empty if no error, otherwise contains the error message
	Leader uint64        `json:"leader,omitempty"` // Node id of the known leader for NotLeader

	// Meta information
	Meta    []byte `json:"meta,omitempty"`    // Marshalled meta.Range: the current range (StaleEpoch, status)
	Sibling []byte `json:"sibling,omitempty"` // Marshalled meta.Range split off the addressed range
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewGetRequest creates a new Get request
func NewGetRequest(epoch meta.Epoch, key []byte) *Message {
	return &Message{MsgType: MsgTKVGet, Epoch: epoch, Key: key}
}

// NewGetResponse creates a new Get response. A missing key is not an error.
func NewGetResponse(value []byte, err error) *Message {
	if rangeerr.Is(err, rangeerr.CodeNotFound) {
		return &Message{MsgType: MsgTKVGet}
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Message{MsgType: MsgTKVGet, Value: value, Ok: true}
}

// NewScanRequest creates a new Scan request, a nil end scans to the end of the range
func NewScanRequest(epoch meta.Epoch, start, end []byte, limit uint64) *Message {
	return &Message{MsgType: MsgTKVScan, Epoch: epoch, Key: start, End: end, Limit: limit}
}

// NewSetRequest creates a new Set request
func NewSetRequest(epoch meta.Epoch, key, value []byte) *Message {
	return &Message{MsgType: MsgTKVSet, Epoch: epoch, Key: key, Value: value}
}

// NewBatchSetRequest creates a new BatchSet request, keys and values are parallel
func NewBatchSetRequest(epoch meta.Epoch, keys, values [][]byte) *Message {
	return &Message{MsgType: MsgTKVBatchSet, Epoch: epoch, Keys: keys, Values: values}
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(epoch meta.Epoch, key []byte) *Message {
	return &Message{MsgType: MsgTKVDelete, Epoch: epoch, Key: key}
}

func NewBatchDeleteRequest(epoch meta.Epoch, keys [][]byte) *Message {
	return &Message{MsgType: MsgTKVBatchDelete, Epoch: epoch, Keys: keys}
}

func NewRangeDeleteRequest(epoch meta.Epoch, start, end []byte) *Message {
	return &Message{MsgType: MsgTKVRangeDelete, Epoch: epoch, Key: start, End: end}
}

// NewAcquireRequest creates a new lock request. The lock is held until deadline (unix ms).
func NewAcquireRequest(epoch meta.Epoch, key, owner, value []byte, deadline int64) *Message {
	return &Message{MsgType: MsgTLCKAcquire, Epoch: epoch, Key: key, Ext: owner, Value: value, Deadline: deadline}
}

func NewLockUpdateRequest(epoch meta.Epoch, key, owner, value []byte, deadline int64) *Message {
	return &Message{MsgType: MsgTLCKUpdate, Epoch: epoch, Key: key, Ext: owner, Value: value, Deadline: deadline}
}

// NewReleaseRequest creates a new unlock request
func NewReleaseRequest(epoch meta.Epoch, key, owner []byte) *Message {
	return &Message{MsgType: MsgTLCKRelease, Epoch: epoch, Key: key, Ext: owner}
}

func NewForceReleaseRequest(epoch meta.Epoch, key []byte) *Message {
	return &Message{MsgType: MsgTLCKForceRelease, Epoch: epoch, Key: key}
}

// NewWatchPutRequest creates a new WatchPut request for an encoded watch key
func NewWatchPutRequest(epoch meta.Epoch, key, value, ext []byte) *Message {
	return &Message{MsgType: MsgTWatchPut, Epoch: epoch, Key: key, Value: value, Ext: ext}
}

func NewWatchDelRequest(epoch meta.Epoch, key []byte, prefix bool) *Message {
	return &Message{MsgType: MsgTWatchDel, Epoch: epoch, Key: key, Flag: prefix}
}

// NewWatchGetRequest creates a long poll for changes of key newer than version.
// The server answers on the first change or at the deadline (unix ms).
func NewWatchGetRequest(epoch meta.Epoch, key []byte, prefix bool, version int64, session uint64, deadline int64) *Message {
	return &Message{MsgType: MsgTWatchGet, Epoch: epoch, Key: key, Flag: prefix, Version: version, Session: session, Deadline: deadline}
}

func NewPureGetRequest(epoch meta.Epoch, key []byte, prefix bool) *Message {
	return &Message{MsgType: MsgTWatchPureGet, Epoch: epoch, Key: key, Flag: prefix}
}

func NewWatchCancelRequest(key []byte, session uint64) *Message {
	return &Message{MsgType: MsgTWatchCancel, Key: key, Session: session}
}

// NewSplitRequest creates a request to split the range at key into a new range
func NewSplitRequest(epoch meta.Epoch, splitKey []byte, newRangeID uint64) *Message {
	return &Message{MsgType: MsgTRangeSplit, Epoch: epoch, Key: splitKey, Limit: newRangeID}
}

func NewStatusRequest() *Message {
	return &Message{MsgType: MsgTRangeStatus}
}

func NewTransferLeaderRequest() *Message {
	return &Message{MsgType: MsgTRangeTransferLeader}
}

// NewSuccessResponse creates a new response for a request that returns nothing
func NewSuccessResponse(t MessageType) *Message {
	return &Message{MsgType: t, Ok: true}
}

// NewErrorResponse creates a new Error response. The payload of a
// *rangeerr.Error is kept so clients can refresh their routing.
func NewErrorResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTError,
		Code:    rangeerr.CodeOf(err),
		Err:     err.Error(),
	}
	re, ok := rangeerr.As(err)
	if !ok {
		return msg
	}
	msg.Epoch = re.Epoch
	if re.Leader != nil {
		msg.Leader = re.Leader.NodeID
	}
	if re.Key != nil {
		msg.Key = re.Key
		msg.Keys = [][]byte{re.StartKey, re.EndKey}
	}
	if re.Current != nil {
		msg.Meta = re.Current.Marshal()
	}
	if re.Sibling != nil {
		msg.Sibling = re.Sibling.Marshal()
	}
	return msg
}

// AsError rebuilds the *rangeerr.Error of an error response, nil for other messages
func (m *Message) AsError() error {
	if m.MsgType != MsgTError && m.Err == "" {
		return nil
	}
	re := &rangeerr.Error{Code: m.Code, Msg: m.Err, Epoch: m.Epoch}
	if re.Code == rangeerr.CodeOK {
		re.Code = rangeerr.CodeInternal
	}
	if m.Leader != 0 {
		re.Leader = &meta.Peer{NodeID: m.Leader}
	}
	if m.Code == rangeerr.CodeKeyNotInRange && len(m.Keys) == 2 {
		re.Key, re.StartKey, re.EndKey = m.Key, m.Keys[0], m.Keys[1]
	}
	if m.Meta != nil {
		if cur, err := meta.Unmarshal(m.Meta); err == nil {
			re.Current = cur
			re.RangeID = cur.ID
		}
	}
	if m.Sibling != nil {
		if sib, err := meta.Unmarshal(m.Sibling); err == nil {
			re.Sibling = sib
		}
	}
	return re
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

const (
	MsgTUnknown MessageType = iota

	// Key-Value Operations
	MsgTKVGet
	MsgTKVScan
	MsgTKVSet
	MsgTKVBatchSet
	MsgTKVDelete
	MsgTKVBatchDelete
	MsgTKVRangeDelete

	// Raw and row operations
	MsgTRawPut
	MsgTRawDelete
	MsgTInsert
	MsgTDelete

	// Lock Operations
	MsgTLCKAcquire
	MsgTLCKUpdate
	MsgTLCKRelease
	MsgTLCKForceRelease

	// Watch Operations
	MsgTWatchPut
	MsgTWatchDel
	MsgTWatchGet
	MsgTWatchPureGet
	MsgTWatchCancel

	// Range Administration
	MsgTRangeStatus
	MsgTRangeSplit
	MsgTRangeTransferLeader

	// Control Messages
	MsgTError
	MsgTSuccess
)

var messageTypeNames = [...]string{
	MsgTUnknown:             "unknown",
	MsgTKVGet:               "get",
	MsgTKVScan:              "scan",
	MsgTKVSet:               "set",
	MsgTKVBatchSet:          "batchSet",
	MsgTKVDelete:            "delete",
	MsgTKVBatchDelete:       "batchDelete",
	MsgTKVRangeDelete:       "rangeDelete",
	MsgTRawPut:              "rawPut",
	MsgTRawDelete:           "rawDelete",
	MsgTInsert:              "insert",
	MsgTDelete:              "deleteRows",
	MsgTLCKAcquire:          "acquire",
	MsgTLCKUpdate:           "lockUpdate",
	MsgTLCKRelease:          "release",
	MsgTLCKForceRelease:     "forceRelease",
	MsgTWatchPut:            "watchPut",
	MsgTWatchDel:            "watchDel",
	MsgTWatchGet:            "watchGet",
	MsgTWatchPureGet:        "pureGet",
	MsgTWatchCancel:         "watchCancel",
	MsgTRangeStatus:         "status",
	MsgTRangeSplit:          "split",
	MsgTRangeTransferLeader: "transferLeader",
	MsgTError:               "error",
	MsgTSuccess:             "success",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range messageTypeNames {
		if name == s {
			*t = MessageType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}
