package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Framer reads complete frames off a streaming connection using the
// length-field-based scheme of spec.md §4.4: read HeaderSize bytes, pull
// the declared payload length out of bytes [LengthFieldOffset:+Size], then
// read exactly that many more bytes.
type Framer struct {
	r *bufio.Reader
}

// NewFramer wraps r for frame-at-a-time reading.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReader(r)}
}

// ReadFrame blocks until one full frame (header + payload) is available and
// returns it verbatim for Decode. Returns io.EOF when the underlying reader
// is exhausted between frames.
func (f *Framer) ReadFrame() ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f.r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[LengthFieldOffset : LengthFieldOffset+LengthFieldSize])
	if length > MaxFrameLength {
		return nil, fmt.Errorf("wire: declared frame length %d exceeds max %d", length, MaxFrameLength)
	}

	frame := make([]byte, HeaderSize+int(length))
	copy(frame, header)

	if length > 0 {
		if _, err := io.ReadFull(f.r, frame[HeaderSize:]); err != nil {
			return nil, fmt.Errorf("wire: read payload: %w", err)
		}
	}

	return frame, nil
}

// WriteFrame writes a complete frame (as produced by Codec.Encode) to w.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}
