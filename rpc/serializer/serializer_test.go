package serializer

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	epoch := meta.Epoch{Version: 3, ConfVer: 2}
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Set request
		*common.NewSetRequest(epoch, []byte("test-key"), []byte("test-value")),

		// Get response
		{
			MsgType: common.MsgTKVGet,
			Value:   []byte("test-value"),
			Ok:      true,
		},

		// Batch request
		*common.NewBatchSetRequest(epoch, [][]byte{[]byte("a"), []byte("b")}, [][]byte{[]byte("1"), []byte("2")}),

		// Scan request with an open end
		*common.NewScanRequest(epoch, []byte("a"), nil, 100),

		// Watch long poll
		*common.NewWatchGetRequest(epoch, []byte("watch-key"), true, 41, 7, 1700000000000),

		// Error response
		*common.NewErrorResponse(rangeerr.NotLeader(5, epoch, meta.Peer{ID: 2, NodeID: 2})),

		// Message with all fields filled
		{
			MsgType:  common.MsgTLCKAcquire,
			Epoch:    epoch,
			Key:      []byte("test-lock-key"),
			End:      []byte("test-end"),
			Value:    []byte("test-lock-value"),
			Ext:      []byte("owner"),
			Keys:     [][]byte{[]byte("k1")},
			Values:   [][]byte{[]byte("v1")},
			Deadline: -1,
			Version:  -2,
			Session:  9,
			Limit:    10,
			Flag:     true,
			Ok:       true,
			Code:     rangeerr.CodeStaleEpoch,
			Err:      "stale epoch, req version:1 cur version:3",
			Leader:   3,
			Meta:     []byte("test-meta-data"),
			Sibling:  []byte("test-sibling"),
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for msgType := common.MsgTKVGet; msgType <= common.MsgTSuccess; msgType++ {
				msg := common.Message{MsgType: msgType}

				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Check type
				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s",
						msgType.String(), result.MsgType.String())
				}
			}
		})
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Empty slices but not nil",
			msg: common.Message{
				MsgType: common.MsgTKVSet,
				Key:     []byte{},
				Value:   []byte{},
				Meta:    []byte{},
			},
		},
		{
			name: "Empty list and list of empty keys",
			msg: common.Message{
				MsgType: common.MsgTKVBatchDelete,
				Keys:    [][]byte{},
				Values:  [][]byte{{}, {}},
			},
		},
		{
			name: "Error without payload",
			msg: common.Message{
				MsgType: common.MsgTError,
				Code:    rangeerr.CodeInternal,
				Err:     "boom",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			var result common.Message
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			// the binary format keeps nil and empty slices apart
			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("round trip mismatch:\nOriginal: %#v\nResult: %#v", tc.msg, result)
			}
		})
	}
}

// TestBinaryDeserializeResets tests that a reused message keeps no stale fields
func TestBinaryDeserializeResets(t *testing.T) {
	serializer := NewBinarySerializer()
	data, err := serializer.Serialize(common.Message{MsgType: common.MsgTSuccess})
	if err != nil {
		t.Fatal(err)
	}
	msg := common.Message{Key: []byte("old"), Ok: true, Limit: 3}
	if err := serializer.Deserialize(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Key != nil || msg.Ok || msg.Limit != 0 {
		t.Errorf("stale fields after Deserialize: %+v", msg)
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	valid, err := serializer.Serialize(*common.NewSetRequest(meta.Epoch{Version: 1}, []byte("key"), []byte("value")))
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0, 0}, // message type and half of the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0, 0, 0},
			expectError: false,
		},
		{
			name:        "Invalid length for key",
			data:        []byte{1, 0, 0, 0, 2, 0, 0, 0, 5, 'a', 'b', 'c'}, // claims key length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid count for keys",
			data:        []byte{1, 0, 0, 0, 32, 0xff, 0xff, 0xff, 0xff}, // claims 4 billion keys
			expectError: true,
		},
		{
			name:        "Missing epoch",
			data:        []byte{1, 0, 0, 0, 1, 0, 0, 0},
			expectError: true,
		},
		{
			name:        "Truncated message",
			data:        valid[:len(valid)-1],
			expectError: true,
		},
		{
			name:        "Trailing bytes",
			data:        append(bytes.Clone(valid), 0),
			expectError: true,
		},
		{
			name:        "Complete message",
			data:        valid,
			expectError: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}
