package client

import (
	"crypto/rand"
	"fmt"

	"github.com/ValentinKolb/dRange/rpc/common"
	"github.com/ValentinKolb/dRange/rpc/serializer"
	"github.com/ValentinKolb/dRange/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

const ownerIDLength = 32

// NewOwnerID creates a random lock owner id
func NewOwnerID() ([]byte, error) {
	id := make([]byte, ownerIDLength)
	_, err := rand.Read(id)
	return id, err
}

// invokeRPCRequest is a helper function used by the client to send requests
// It takes a range ID, a request message, a transport layer and a serializer as parameters
// It returns a response message and an error if any occurs
// Error responses are returned as *rangeerr.Error, so callers can inspect the code
// and the routing hints of the server
func invokeRPCRequest(rangeID uint64, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	// Send the request
	respBytes, err := transport.Send(rangeID, reqBytes)
	if err != nil {
		return nil, err
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("RPC client - invalid response: %w", err)
	}

	// Check if the response is an error response
	if err := resp.AsError(); err != nil {
		return nil, err
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("RPC client - unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}

	return resp, nil
}
