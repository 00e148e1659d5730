package common

import (
	"encoding/json"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/replica"
)

// RangeStatus is the state of one replica as served by the status message.
// It travels json encoded in the Value of the response.
type RangeStatus struct {
	Range        *meta.Range `json:"range"`
	NodeID       uint64      `json:"node_id"`
	Leader       bool        `json:"leader"`
	Valid        bool        `json:"valid"`
	AppliedIndex uint64      `json:"applied_index"`
	Pending      int         `json:"pending"`
	SplitRangeID uint64      `json:"split_range_id,omitempty"`
	// Report is the latest heartbeat, only the leader has one
	Report *replica.HeartbeatReport `json:"report,omitempty"`
}

// NewStatusResponse creates a new status response
func NewStatusResponse(status []RangeStatus) (*Message, error) {
	data, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	return &Message{MsgType: MsgTRangeStatus, Value: data, Ok: true}, nil
}

// DecodeStatus parses the value of a status response
func DecodeStatus(msg *Message) ([]RangeStatus, error) {
	var status []RangeStatus
	if err := json.Unmarshal(msg.Value, &status); err != nil {
		return nil, err
	}
	return status, nil
}
