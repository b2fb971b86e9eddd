// Package ha implements the high-availability replicator: a master
// broker streams its commit log to one or more slaves over a
// back-pressured, offset-acknowledged TCP protocol, and a
// GroupTransferGate lets producers block until a required offset has
// reached at least one slave.
//
// The wire protocol (spec.md section 6) is deliberately raw: no
// magic bytes, no version, no checksum. TCP provides the transport
// guarantee; a slave detects a diverged stream by comparing the
// physical offset on the first frame after connect against its own
// local log position.
package ha

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// AckFrameSize is the size of a slave->master heartbeat/ack frame:
	// an 8-byte big-endian offset, nothing else.
	AckFrameSize = 8

	// PushFrameHeaderSize is the size of a master->slave push frame's
	// header: 8-byte phy_offset + 4-byte body_len.
	PushFrameHeaderSize = 12
)

// EncodeAck serializes a slave's reported max offset.
func EncodeAck(offset int64) []byte {
	buf := make([]byte, AckFrameSize)
	binary.BigEndian.PutUint64(buf, uint64(offset))
	return buf
}

// DecodeAck reads an 8-byte ack frame.
func DecodeAck(buf []byte) (int64, error) {
	if len(buf) < AckFrameSize {
		return 0, fmt.Errorf("ha: short ack frame (%d bytes)", len(buf))
	}
	return int64(binary.BigEndian.Uint64(buf)), nil
}

// ReadAck blocks until a full 8-byte ack frame has been read from r.
func ReadAck(r io.Reader) (int64, error) {
	buf := make([]byte, AckFrameSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return DecodeAck(buf)
}

// PushFrameHeader is the fixed header preceding a push frame's body.
type PushFrameHeader struct {
	PhyOffset int64
	BodyLen   uint32
}

// EncodePushFrame serializes phyOffset, len(body) and body back to
// back, ready to write to the wire.
func EncodePushFrame(phyOffset int64, body []byte) []byte {
	buf := make([]byte, PushFrameHeaderSize+len(body))
	binary.BigEndian.PutUint64(buf[0:8], uint64(phyOffset))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	copy(buf[PushFrameHeaderSize:], body)
	return buf
}

// PeekPushFrameHeader decodes a 12-byte push frame header from the
// start of buf without consuming it.
func PeekPushFrameHeader(buf []byte) (PushFrameHeader, error) {
	if len(buf) < PushFrameHeaderSize {
		return PushFrameHeader{}, fmt.Errorf("ha: short push frame header (%d bytes)", len(buf))
	}
	return PushFrameHeader{
		PhyOffset: int64(binary.BigEndian.Uint64(buf[0:8])),
		BodyLen:   binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}
