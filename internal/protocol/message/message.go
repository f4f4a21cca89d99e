// Package message layers typed payloads over frames: values are serialized with a
// payload.Format, framed by a frame.Codec and delivered to typed handlers.
package message

import (
	"errors"
	"fmt"

	"github.com/danmuck/framelink/internal/protocol/frame"
	"github.com/danmuck/framelink/internal/protocol/payload"
)

var (
	ErrSerialization   = errors.New("message: serialization failed")
	ErrDeserialization = errors.New("message: deserialization failed")
)

// Message is a decoded frame whose payload has been deserialized into an owned T.
type Message[T any] struct {
	Index uint8
	Data  T
}

// Encoder serializes values and frames them. A nil Format means msgpack.
type Encoder struct {
	Codec  frame.Codec
	Format payload.Format
}

func NewEncoder(codec frame.Codec, format payload.Format) Encoder {
	return Encoder{Codec: codec, Format: format}
}

// Encode frames v with struct fields laid out positionally.
func (e Encoder) Encode(index uint8, v any) ([]byte, error) {
	return e.EncodeMode(index, v, payload.ModePositional)
}

// EncodeNamed frames v with struct fields keyed by name.
func (e Encoder) EncodeNamed(index uint8, v any) ([]byte, error) {
	return e.EncodeMode(index, v, payload.ModeNamed)
}

func (e Encoder) EncodeMode(index uint8, v any, mode payload.Mode) ([]byte, error) {
	format := formatOrDefault(e.Format)
	body, err := format.Marshal(v, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, format.Name(), err)
	}
	return e.Codec.Encode(index, body)
}

// Decode parses one frame from the start of buf and deserializes its payload into T.
// The int follows frame.Codec.Decode.
func Decode[T any](codec frame.Codec, format payload.Format, buf []byte) (Message[T], int, error) {
	f, used, err := codec.Decode(buf)
	if err != nil {
		return Message[T]{}, used, err
	}
	return unpack[T](formatOrDefault(format), f, used)
}

// DecodeInPlace is Decode without copying the frame; see frame.Codec.DecodeInPlace.
func DecodeInPlace[T any](codec frame.Codec, format payload.Format, buf []byte) (Message[T], int, error) {
	f, used, err := codec.DecodeInPlace(buf)
	if err != nil {
		return Message[T]{}, used, err
	}
	return unpack[T](formatOrDefault(format), f, used)
}

func unpack[T any](format payload.Format, f frame.Frame, used int) (Message[T], int, error) {
	var data T
	if err := format.Unmarshal(f.Payload, &data); err != nil {
		return Message[T]{}, used, fmt.Errorf("%w: index=0x%02x %s: %v", ErrDeserialization, f.Index, format.Name(), err)
	}
	return Message[T]{Index: f.Index, Data: data}, used, nil
}

func formatOrDefault(f payload.Format) payload.Format {
	if f == nil {
		return payload.MsgPack{}
	}
	return f
}
