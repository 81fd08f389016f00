package notify

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes events for a wire sink.
type Codec interface {
	Name() string
	ContentType() string
	Encode(e Event) ([]byte, error)
	Decode(data []byte, e *Event) error
}

// JSONCodec encodes events as JSON.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// ContentType implements Codec.
func (JSONCodec) ContentType() string { return "application/json" }

// Encode implements Codec.
func (JSONCodec) Encode(e Event) ([]byte, error) { return json.Marshal(e) }

// Decode implements Codec.
func (JSONCodec) Decode(data []byte, e *Event) error { return json.Unmarshal(data, e) }

// MsgpackCodec encodes events as MessagePack.
type MsgpackCodec struct{}

// Name implements Codec.
func (MsgpackCodec) Name() string { return "msgpack" }

// ContentType implements Codec.
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

// Encode implements Codec.
func (MsgpackCodec) Encode(e Event) ([]byte, error) { return msgpack.Marshal(e) }

// Decode implements Codec.
func (MsgpackCodec) Decode(data []byte, e *Event) error { return msgpack.Unmarshal(data, e) }

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("notify: unknown codec %q", name)
	}
}
