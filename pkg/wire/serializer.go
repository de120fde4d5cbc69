package wire

import (
	"encoding/json"
	"fmt"
)

// Serializer turns a payload value to and from wire bytes. No third-party
// serialization library appears anywhere in the retrieval pack (no gob,
// msgpack or protobuf-for-transport usage outside the unrelated admin gRPC
// surface), so this seam is deliberately pluggable — RegisterSerializer lets
// a consumer swap in one without touching the codec.
type Serializer interface {
	ID() byte
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer is the default, id 0.
type JSONSerializer struct{}

func (JSONSerializer) ID() byte                      { return 0 }
func (JSONSerializer) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var serializers = map[byte]Serializer{
	JSONSerializer{}.ID(): JSONSerializer{},
}

// RegisterSerializer adds or replaces a serializer by its id byte.
func RegisterSerializer(s Serializer) { serializers[s.ID()] = s }

// SerializerByID looks up a registered serializer.
func SerializerByID(id byte) (Serializer, error) {
	s, ok := serializers[id]
	if !ok {
		return nil, fmt.Errorf("wire: unknown serializer id %d", id)
	}

	return s, nil
}
