package serializer

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/vbKV/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTGet},

		// Set request
		{
			MsgType: common.MsgTSet,
			Key:     "test-key",
			Value:   []byte("test-value"),
			Expiry:  30,
		},

		// Get response
		{
			MsgType: common.MsgTGet,
			Value:   []byte("test-value"),
			Cas:     1234567890123,
		},

		// Observe response
		{
			MsgType: common.MsgTObserve,
			Key:     "test-key",
			Cas:     42,
			Observe: common.ObserveFoundNotPersisted,
		},

		// Wrong owner response
		{
			MsgType: common.MsgTSet,
			Status:  common.StatusNotMyPartition,
			Hint:    "10.0.0.2:11210",
		},

		// Error response
		{
			MsgType: common.MsgTError,
			Status:  common.StatusInternal,
			Err:     "test error message",
		},

		// Message with all fields filled
		{
			MsgType: common.MsgTReplace,
			Key:     "test-key",
			Value:   []byte("test-value"),
			Cas:     7,
			Expiry:  300,
			Status:  common.StatusKeyExists,
			Observe: common.ObserveModified,
			Hint:    "host:1",
			Err:     "exists",
			Meta:    []byte("test-meta-data"),
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
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestDeserializeReusedMessage checks that no field of a previous message
// survives decoding into the same struct
func TestDeserializeReusedMessage(t *testing.T) {
	messages := testMessages()
	full := messages[len(messages)-1]
	small := messages[0]

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(small)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			result := full
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if !reflect.DeepEqual(small, result) {
				t.Errorf("Stale fields after decoding into reused message: %+v", result)
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for msgType := common.MsgTError; msgType <= common.MsgTObserve; msgType++ {
				data, err := serializer.Serialize(common.Message{MsgType: msgType})
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType, err)
					continue
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType, err)
					continue
				}

				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s", msgType, result.MsgType)
				}
			}
		})
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	t.Run("empty value slice survives", func(t *testing.T) {
		data, err := serializer.Serialize(common.Message{MsgType: common.MsgTSet, Key: "k", Value: []byte{}})
		if err != nil {
			t.Fatalf("Failed to serialize: %v", err)
		}
		var result common.Message
		if err := serializer.Deserialize(data, &result); err != nil {
			t.Fatalf("Failed to deserialize: %v", err)
		}
		if result.Value == nil || len(result.Value) != 0 {
			t.Errorf("Expected empty non-nil value, got %#v", result.Value)
		}
	})

	t.Run("truncated input", func(t *testing.T) {
		data, err := serializer.Serialize(testMessages()[len(testMessages())-1])
		if err != nil {
			t.Fatalf("Failed to serialize: %v", err)
		}
		for _, n := range []int{0, 3, 6, len(data) - 1} {
			var result common.Message
			if err := serializer.Deserialize(data[:n], &result); err == nil {
				t.Errorf("Expected error for input truncated to %d bytes", n)
			}
		}
	})

	t.Run("size", func(t *testing.T) {
		data, err := serializer.Serialize(common.Message{MsgType: common.MsgTGet, Key: "abc"})
		if err != nil {
			t.Fatalf("Failed to serialize: %v", err)
		}
		if len(data) != headerSize+4+3 {
			t.Errorf("Unexpected size %d", len(data))
		}
	})
}

func TestByName(t *testing.T) {
	for _, name := range []string{"binary", "json", "gob", ""} {
		if _, err := ByName(name); err != nil {
			t.Errorf("ByName(%q) failed: %v", name, err)
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Error("Expected error for unknown serializer")
	}
}
