package wire

import "fmt"

// Codec encodes/decodes application values into/from wire frames, applying
// the serializer and — above compressThreshold, and only if it actually
// shrinks the payload — the compressor configured at construction.
type Codec struct {
	serializer        Serializer
	compressor        Compressor
	compressThreshold int
}

// NewCodec returns a Codec using serializer for every frame and, once a
// marshaled payload reaches compressThreshold bytes, attempting compressor
// (nil disables compression entirely).
func NewCodec(serializer Serializer, compressor Compressor, compressThreshold int) *Codec {
	if serializer == nil {
		serializer = JSONSerializer{}
	}

	return &Codec{serializer: serializer, compressor: compressor, compressThreshold: compressThreshold}
}

// Encode marshals v, conditionally compresses it, and returns a complete
// frame (header + payload) ready to write to a connection.
func (c *Codec) Encode(msgType MsgType, msgID uint64, v any) ([]byte, error) {
	payload, err := c.serializer.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}

	compressID := CompressNone

	if c.compressor != nil && len(payload) >= c.compressThreshold {
		compressed, cerr := c.compressor.Compress(payload)
		if cerr == nil && len(compressed) < len(payload) {
			payload = compressed
			compressID = c.compressor.ID()
		}
	}

	if len(payload) > MaxFrameLength {
		return nil, fmt.Errorf("wire: encoded frame %d bytes exceeds max %d", len(payload), MaxFrameLength)
	}

	h := Header{
		Magic:        Magic,
		SerializerID: c.serializer.ID(),
		CompressID:   compressID,
		MsgType:      msgType,
		MsgID:        msgID,
		Length:       uint32(len(payload)),
	}

	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = append(frame, h.Encode()...)
	frame = append(frame, payload...)

	return frame, nil
}

// Decode parses a complete frame (as produced by the Framer) into its
// header and the deserialized-into-dst payload. A heartbeat frame has an
// empty payload and dst may be nil.
func Decode(frame []byte, dst any) (Header, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Header{}, err
	}

	payload := frame[HeaderSize:]
	if len(payload) != int(h.Length) {
		return Header{}, fmt.Errorf("wire: frame declared length %d, got %d", h.Length, len(payload))
	}

	if h.MsgType == MsgHeartbeat || len(payload) == 0 || dst == nil {
		return h, nil
	}

	if h.CompressID != CompressNone {
		comp, cerr := CompressorByID(h.CompressID)
		if cerr != nil {
			return Header{}, cerr
		}

		payload, err = comp.Decompress(payload)
		if err != nil {
			return Header{}, fmt.Errorf("wire: decompress: %w", err)
		}
	}

	ser, err := SerializerByID(h.SerializerID)
	if err != nil {
		return Header{}, err
	}

	if err := ser.Unmarshal(payload, dst); err != nil {
		return Header{}, fmt.Errorf("wire: unmarshal: %w", err)
	}

	return h, nil
}
