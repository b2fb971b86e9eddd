package dispatcher

import (
	"encoding/binary"
	"fmt"

	"github.com/jptalukdar/waddlemq/internal/types"
)

// messageHeaderSize is the fixed portion of an encoded message: 1-byte
// msgType, 8-byte storeTimestamp, 2-byte topicLen, 2-byte keysLen,
// 4-byte bodyLen.
const messageHeaderSize = 17

// EncodeMessage serializes a message for commit-log storage, in the
// fixed-header-then-length-prefixed-sections shape used throughout
// this module's on-disk formats: [header][topic][keys][body].
func EncodeMessage(topic, keys string, storeTimestamp int64, msgType types.MessageType, body []byte) ([]byte, error) {
	if len(topic) > 0xFFFF || len(keys) > 0xFFFF {
		return nil, fmt.Errorf("dispatcher: topic or keys exceeds 65535 bytes")
	}
	buf := make([]byte, messageHeaderSize+len(topic)+len(keys)+len(body))
	buf[0] = byte(msgType)
	binary.BigEndian.PutUint64(buf[1:9], uint64(storeTimestamp))
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(topic)))
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(keys)))
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(body)))
	pos := messageHeaderSize
	pos += copy(buf[pos:], topic)
	pos += copy(buf[pos:], keys)
	copy(buf[pos:], body)
	return buf, nil
}

// DecodedMessage is a message as read back off the commit log. It does
// not carry the record's physical offset; the caller that read the
// record supplies that when building a DispatchRequest.
type DecodedMessage struct {
	Topic          string
	Keys           string
	StoreTimestamp int64
	MsgType        types.MessageType
	Body           []byte
}

// DecodeMessage parses a message previously produced by EncodeMessage.
func DecodeMessage(raw []byte) (DecodedMessage, error) {
	if len(raw) < messageHeaderSize {
		return DecodedMessage{}, fmt.Errorf("dispatcher: message header truncated (%d bytes)", len(raw))
	}
	msgType := types.MessageType(raw[0])
	storeTs := int64(binary.BigEndian.Uint64(raw[1:9]))
	topicLen := int(binary.BigEndian.Uint16(raw[9:11]))
	keysLen := int(binary.BigEndian.Uint16(raw[11:13]))
	bodyLen := int(binary.BigEndian.Uint32(raw[13:17]))

	want := messageHeaderSize + topicLen + keysLen + bodyLen
	if len(raw) < want {
		return DecodedMessage{}, fmt.Errorf("dispatcher: message body truncated: want %d, have %d", want, len(raw))
	}
	pos := messageHeaderSize
	topic := string(raw[pos : pos+topicLen])
	pos += topicLen
	keys := string(raw[pos : pos+keysLen])
	pos += keysLen
	body := raw[pos : pos+bodyLen]

	return DecodedMessage{
		Topic:          topic,
		Keys:           keys,
		StoreTimestamp: storeTs,
		MsgType:        msgType,
		Body:           body,
	}, nil
}
