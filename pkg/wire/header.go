// Package wire is the length-prefixed binary frame codec (C4): a fixed
// 16-byte big-endian header followed by a serialized, optionally
// compressed payload, framed for streaming over a TCP connection by C5/C6.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed header length in bytes: magic(1) + serializer(1)
// + compress(1) + msgType(1) + msgId(8) + length(4).
const HeaderSize = 16

// LengthFieldOffset and LengthFieldSize locate the payload-length field
// within the header, per spec.md §4.4 ("offset=12, size=4") — used by the
// streaming framer to know how many more bytes to read once the header
// is in hand.
const (
	LengthFieldOffset = 12
	LengthFieldSize   = 4
)

// Magic identifies a valid frame start.
const Magic byte = 0xA5

// MAX_FRAME_LENGTH caps both encode size and the decoder's declared payload
// length, rejecting oversize encodes and guarding against decompression
// bombs (spec.md §4.4).
const MaxFrameLength = 16 * 1024 * 1024

// CompressNone and CompressGzip are the two compress-byte values this
// package ships; custom codecs register additional ids via RegisterCompressor.
const (
	CompressNone byte = 0
	CompressGzip byte = 1
)

// MsgType distinguishes request/response/heartbeat frames.
type MsgType byte

const (
	MsgHeartbeat MsgType = iota
	MsgRequest
	MsgResponse
	MsgOneWay
)

// Header is the decoded fixed-size frame prefix.
type Header struct {
	Magic        byte
	SerializerID byte
	CompressID   byte
	MsgType      MsgType
	MsgID        uint64
	Length       uint32
}

// Encode writes h into a freshly allocated HeaderSize-byte slice.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Magic
	buf[1] = h.SerializerID
	buf[2] = h.CompressID
	buf[3] = byte(h.MsgType)
	binary.BigEndian.PutUint64(buf[4:12], h.MsgID)
	binary.BigEndian.PutUint32(buf[LengthFieldOffset:LengthFieldOffset+LengthFieldSize], h.Length)

	return buf
}

// DecodeHeader parses exactly HeaderSize bytes into a Header, validating
// the magic byte and the declared length against MaxFrameLength.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}

	h := Header{
		Magic:        buf[0],
		SerializerID: buf[1],
		CompressID:   buf[2],
		MsgType:      MsgType(buf[3]),
		MsgID:        binary.BigEndian.Uint64(buf[4:12]),
		Length:       binary.BigEndian.Uint32(buf[LengthFieldOffset : LengthFieldOffset+LengthFieldSize]),
	}

	if h.Magic != Magic {
		return Header{}, fmt.Errorf("wire: bad magic byte 0x%X", h.Magic)
	}

	if h.Length > MaxFrameLength {
		return Header{}, fmt.Errorf("wire: frame length %d exceeds max %d", h.Length, MaxFrameLength)
	}

	return h, nil
}
