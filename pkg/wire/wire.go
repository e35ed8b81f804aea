// Package wire defines the frames exchanged between participants and the
// authority, and the registry mapping stable kind strings to the Go types
// that travel inside them.
//
// A frame is one type byte followed by a msgpack body, the convention of
// the memberlist ecosystem this module already rides on. Entities already
// owned by the world cross the wire as bare identifiers; entities being
// introduced cross by value as Spawn records. The package deals in plain
// integers and opaque kinds so the engine keeps sole ownership of its id
// types.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var (
	ErrBadFrame      = errors.New("wire: malformed frame")
	ErrUnknownKind   = errors.New("wire: unknown kind")
	ErrNotRegistered = errors.New("wire: type is not registered")
)

type frameType byte

const (
	typeHello frameType = iota + 1
	typeGrant
	typePropose
	typeRelay
	typeResponse
)

// Frame is one discrete protocol message. The engine hands frames to a
// Channel and gets them back whole: framing across a byte stream is the
// transport's concern.
type Frame interface {
	frameType() frameType
}

// Hello is the first frame a participant sends after connecting, before
// the authority grants it a partition.
type Hello struct {
	Name string
}

// Grant hands a participant its identity partition. Minted ids stay above
// Floor so a pre-seeded world never collides with fresh ones.
type Grant struct {
	Offset  uint64
	Spacing uint64
	Floor   uint64
}

// Propose carries one optimistically-executed operation to the authority.
type Propose struct {
	Corr uint64
	Op   Envelope
}

// Relay fans an operation out to the participants that did not author it.
// Outcome is only ever accepted or soft-correct here: rejected operations
// are never relayed.
type Relay struct {
	Op      Envelope
	Outcome uint8
	Payload Payload
}

// Response is the authority's verdict on one proposed operation.
type Response struct {
	Corr    uint64
	Outcome uint8
	Payload Payload
}

// Envelope is a serialized operation: its registry kind, the frozen sender
// and entity sets, and the msgpack image of its domain fields.
type Envelope struct {
	Kind    string
	Sender  uint64
	Spawns  []Spawn
	Retires []uint64
	Body    []byte
}

// Spawn is an introduced entity serialized by value, with the id minted
// for it at send time.
type Spawn struct {
	Kind string
	ID   uint64
	Body []byte
}

// Payload is a correction payload with its registry kind. The zero value
// is "no payload".
type Payload struct {
	Kind string
	Body []byte
}

func (f *Hello) frameType() frameType    { return typeHello }
func (f *Grant) frameType() frameType    { return typeGrant }
func (f *Propose) frameType() frameType  { return typePropose }
func (f *Relay) frameType() frameType    { return typeRelay }
func (f *Response) frameType() frameType { return typeResponse }

// Encode serializes a frame: one type byte, then the msgpack body.
func Encode(f Frame) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(byte(f.frameType()))
	hd := codec.MsgpackHandle{}
	enc := codec.NewEncoder(buf, &hd)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return buf.Bytes(), nil
}

// marshalBody encodes a bare msgpack body, no frame type byte.
func marshalBody(v any) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	hd := codec.MsgpackHandle{}
	if err := codec.NewEncoder(buf, &hd).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return buf.Bytes(), nil
}

func unmarshalBody(body []byte, v any) error {
	hd := codec.MsgpackHandle{}
	if err := codec.NewDecoderBytes(body, &hd).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return nil
}

// Decode parses one frame produced by Encode.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrBadFrame)
	}

	var f Frame
	switch frameType(raw[0]) {
	case typeHello:
		f = &Hello{}
	case typeGrant:
		f = &Grant{}
	case typePropose:
		f = &Propose{}
	case typeRelay:
		f = &Relay{}
	case typeResponse:
		f = &Response{}
	default:
		return nil, fmt.Errorf("%w: unknown type %#x", ErrBadFrame, raw[0])
	}

	hd := codec.MsgpackHandle{}
	dec := codec.NewDecoderBytes(raw[1:], &hd)
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return f, nil
}
