package common

import (
	"encoding/json"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// The partition a request targets travels in the frame header, not here.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Request fields
	Key    string `json:"key,omitempty"`    // Used for: all key operations
	Value  []byte `json:"value,omitempty"`  // Used for: Set, Add, Replace (request), Get (response)
	Cas    uint64 `json:"cas,omitempty"`    // Expected CAS on mutations and observe, stored CAS on responses
	Expiry uint64 `json:"expiry,omitempty"` // Seconds until the document expires, 0 = never

	// Response only fields
	Status  Status        `json:"status,omitempty"`
	Observe ObserveStatus `json:"observe,omitempty"` // Used for: Observe responses
	Hint    string        `json:"hint,omitempty"`    // Owner address on StatusNotMyPartition
	Err     string        `json:"err,omitempty"`     // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"`
}

// AsError maps the response status to one of the sentinel errors. A
// successful response yields nil.
func (m *Message) AsError() error {
	var base error
	switch m.Status {
	case StatusSuccess:
		if m.MsgType != MsgTError {
			return nil
		}
		base = ErrServer
	case StatusKeyNotFound:
		base = ErrKeyNotFound
	case StatusKeyExists:
		base = ErrKeyExists
	case StatusNotMyPartition:
		base = ErrNotMyPartition
	case StatusTempFail:
		base = ErrTemporaryFailure
	default:
		base = ErrServer
	}
	if m.Err != "" {
		return fmt.Errorf("%w: %s", base, m.Err)
	}
	return base
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{MsgType: MsgTGet, Key: key}
}

// NewGetReplicaRequest creates a Get request that a replica node answers
// from its replicated copy.
func NewGetReplicaRequest(key string) *Message {
	return &Message{MsgType: MsgTGetReplica, Key: key}
}

// NewSetRequest creates a new Set request. A non-zero cas makes the set
// conditional on the stored CAS.
func NewSetRequest(key string, value []byte, cas, expiry uint64) *Message {
	return &Message{MsgType: MsgTSet, Key: key, Value: value, Cas: cas, Expiry: expiry}
}

// NewAddRequest creates a request that only stores key if it does not exist
func NewAddRequest(key string, value []byte, expiry uint64) *Message {
	return &Message{MsgType: MsgTAdd, Key: key, Value: value, Expiry: expiry}
}

// NewReplaceRequest creates a request that only stores key if it exists
func NewReplaceRequest(key string, value []byte, cas, expiry uint64) *Message {
	return &Message{MsgType: MsgTReplace, Key: key, Value: value, Cas: cas, Expiry: expiry}
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key string, cas uint64) *Message {
	return &Message{MsgType: MsgTDelete, Key: key, Cas: cas}
}

// NewObserveRequest asks a node for its stored CAS and persistence state of key
func NewObserveRequest(key string, cas uint64) *Message {
	return &Message{MsgType: MsgTObserve, Key: key, Cas: cas}
}

// NewResponse creates a response of type t with the given status
func NewResponse(t MessageType, status Status) *Message {
	return &Message{MsgType: t, Status: status}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(status Status, err string) *Message {
	return &Message{MsgType: MsgTError, Status: status, Err: err}
}

// NewNotMyPartitionResponse tells the client the node does not own the
// partition. hint optionally names the current owner.
func NewNotMyPartitionResponse(t MessageType, hint string) *Message {
	return &Message{MsgType: t, Status: StatusNotMyPartition, Hint: hint}
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// Status is the outcome reported by a node.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusKeyNotFound
	StatusKeyExists
	StatusNotMyPartition // the node is not master (or replica) of the partition
	StatusTempFail       // the node is warming up or overloaded
	StatusInternal
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusKeyNotFound:
		return "key not found"
	case StatusKeyExists:
		return "key exists"
	case StatusNotMyPartition:
		return "not my partition"
	case StatusTempFail:
		return "temporary failure"
	case StatusInternal:
		return "internal error"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Observe Status
// --------------------------------------------------------------------------

// ObserveStatus is the per-node answer to an observe request.
type ObserveStatus uint8

const (
	ObserveUnknown ObserveStatus = iota
	ObserveFoundPersisted
	ObserveFoundNotPersisted
	ObserveNotFoundPersisted
	ObserveNotFoundNotPersisted
	ObserveModified // the stored CAS differs from the expected one
)

// String returns the string representation of an ObserveStatus.
func (s ObserveStatus) String() string {
	switch s {
	case ObserveFoundPersisted:
		return "found persisted"
	case ObserveFoundNotPersisted:
		return "found not persisted"
	case ObserveNotFoundPersisted:
		return "not found persisted"
	case ObserveNotFoundNotPersisted:
		return "not found not persisted"
	case ObserveModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Found reports whether the node holds the document.
func (s ObserveStatus) Found() bool {
	return s == ObserveFoundPersisted || s == ObserveFoundNotPersisted
}

// NotFound reports whether the node has no live copy of the document.
func (s ObserveStatus) NotFound() bool {
	return s == ObserveNotFoundPersisted || s == ObserveNotFoundNotPersisted
}

// Persisted reports whether the node state is on disk.
func (s ObserveStatus) Persisted() bool {
	return s == ObserveFoundPersisted || s == ObserveNotFoundPersisted
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

const (
	MsgTUnknown MessageType = iota
	MsgTError               // Indicates an error occurred

	MsgTGet        // Get a document from the master
	MsgTGetReplica // Get a document from a replica
	MsgTSet        // Store a document
	MsgTAdd        // Store a document that does not exist yet
	MsgTReplace    // Store a document that exists
	MsgTDelete     // Delete a document
	MsgTObserve    // Query CAS and persistence state of a document
)

var msgTypeNames = map[MessageType]string{
	MsgTError:      "error",
	MsgTGet:        "get",
	MsgTGetReplica: "getReplica",
	MsgTSet:        "set",
	MsgTAdd:        "add",
	MsgTReplace:    "replace",
	MsgTDelete:     "delete",
	MsgTObserve:    "observe",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// IsMutation reports whether t changes a document.
func (t MessageType) IsMutation() bool {
	switch t {
	case MsgTSet, MsgTAdd, MsgTReplace, MsgTDelete:
		return true
	default:
		return false
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "unknown" {
		*t = MsgTUnknown
		return nil
	}
	for k, v := range msgTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return errors.New("unknown message type: " + s)
}
