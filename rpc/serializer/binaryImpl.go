package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/vbKV/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey    byte = 1 << 0
	hasValue  byte = 1 << 1
	hasCas    byte = 1 << 2
	hasExpiry byte = 1 << 3
	hasHint   byte = 1 << 4
	hasErr    byte = 1 << 5
	hasMeta   byte = 1 << 6
)

// headerSize covers MsgType, Status, Observe and the flags byte
const headerSize = 4

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, b.sizeBytes(msg))

	result[0] = byte(msg.MsgType)
	result[1] = byte(msg.Status)
	result[2] = byte(msg.Observe)

	var flags byte
	pos := headerSize

	putBytes := func(data []byte) {
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(data)))
		pos += 4
		pos += copy(result[pos:], data)
	}
	putUint64 := func(v uint64) {
		binary.BigEndian.PutUint64(result[pos:pos+8], v)
		pos += 8
	}

	if msg.Key != "" {
		flags |= hasKey
		putBytes([]byte(msg.Key))
	}
	if msg.Value != nil {
		flags |= hasValue
		putBytes(msg.Value)
	}
	if msg.Cas != 0 {
		flags |= hasCas
		putUint64(msg.Cas)
	}
	if msg.Expiry != 0 {
		flags |= hasExpiry
		putUint64(msg.Expiry)
	}
	if msg.Hint != "" {
		flags |= hasHint
		putBytes([]byte(msg.Hint))
	}
	if msg.Err != "" {
		flags |= hasErr
		putBytes([]byte(msg.Err))
	}
	if msg.Meta != nil {
		flags |= hasMeta
		putBytes(msg.Meta)
	}

	// Set flags byte after knowing which fields are present
	result[3] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	msg.MsgType = common.MessageType(data[0])
	msg.Status = common.Status(data[1])
	msg.Observe = common.ObserveStatus(data[2])
	flags := data[3]
	pos := headerSize

	// readBytes reads a length prefixed field into dst, reusing its capacity
	readBytes := func(field string, dst []byte) ([]byte, error) {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("data too short for %s length", field)
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+n > len(data) {
			return nil, fmt.Errorf("data too short for %s data", field)
		}
		if dst == nil || cap(dst) < n {
			dst = make([]byte, n)
		} else {
			dst = dst[:n]
		}
		copy(dst, data[pos:pos+n])
		pos += n
		return dst, nil
	}
	readUint64 := func(field string) (uint64, error) {
		if pos+8 > len(data) {
			return 0, fmt.Errorf("data too short for %s", field)
		}
		v := binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
		return v, nil
	}

	msg.Key, msg.Value, msg.Cas, msg.Expiry, msg.Hint, msg.Err = "", nil, 0, 0, "", ""
	var meta []byte
	meta, msg.Meta = msg.Meta, nil

	if flags&hasKey != 0 {
		key, err := readBytes("key", nil)
		if err != nil {
			return err
		}
		msg.Key = string(key)
	}
	if flags&hasValue != 0 {
		value, err := readBytes("value", nil)
		if err != nil {
			return err
		}
		msg.Value = value
	}
	if flags&hasCas != 0 {
		cas, err := readUint64("cas")
		if err != nil {
			return err
		}
		msg.Cas = cas
	}
	if flags&hasExpiry != 0 {
		expiry, err := readUint64("expiry")
		if err != nil {
			return err
		}
		msg.Expiry = expiry
	}
	if flags&hasHint != 0 {
		hint, err := readBytes("hint", nil)
		if err != nil {
			return err
		}
		msg.Hint = string(hint)
	}
	if flags&hasErr != 0 {
		e, err := readBytes("error", nil)
		if err != nil {
			return err
		}
		msg.Err = string(e)
	}
	if flags&hasMeta != 0 {
		m, err := readBytes("meta", meta)
		if err != nil {
			return err
		}
		msg.Meta = m
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Cas != 0 {
		size += 8
	}
	if msg.Expiry != 0 {
		size += 8
	}
	if msg.Hint != "" {
		size += 4 + len(msg.Hint)
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}
