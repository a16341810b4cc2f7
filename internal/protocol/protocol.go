// Package protocol implements the relay's wire format.
//
// Every frame starts with a type discriminator and comes in one of two
// encodings, because game-side plugins differ in what they send:
//
//	pipe:   TYPE|field|field...      trailing free text is kept verbatim
//	object: {"type":"TYPE", ...}     unknown fields are ignored
//
// Inbound frames (peer -> hub) decode to an Envelope. Outbound frames
// (hub -> peer) are Commands.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// MessageType is the wire discriminator.
type MessageType string

const (
	TypeAuth           MessageType = "AUTH"
	TypeChatFromPeer   MessageType = "CHAT_MC"
	TypeStatusUpdate   MessageType = "STATUS_UPDATE"
	TypeChatToPeer     MessageType = "CHAT_DISCORD"
	TypeConsoleCommand MessageType = "CONSOLE_CMD"
)

// Delimiter separates fields in the pipe encoding.
const Delimiter = "|"

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 64 * 1024

// Encoding is the textual form a frame was (or will be) written in.
type Encoding int

const (
	EncodingPipe Encoding = iota
	EncodingJSON
)

func (e Encoding) String() string {
	if e == EncodingJSON {
		return "json"
	}
	return "pipe"
}

// DetectEncoding reports which encoding raw uses. Anything whose first
// non-space byte is '{' is treated as an object.
func DetectEncoding(raw []byte) Encoding {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return EncodingJSON
	}
	return EncodingPipe
}

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
	ErrMalformed    = errors.New("malformed payload")
)

// DecodeError describes why a single frame was rejected. The connection
// that carried it stays usable.
type DecodeError struct {
	Type   MessageType
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %s frame: %s", e.Type, e.Reason)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(typ MessageType, err error, format string, args ...any) *DecodeError {
	return &DecodeError{Type: typ, Reason: fmt.Sprintf(format, args...), Err: err}
}
