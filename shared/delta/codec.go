// Package delta encodes mutable object state as per-field deltas.
//
// A writer offers the same ordered list of variables on every pass. Only the
// variables whose encoding differs from what was last sent are written,
// preceded by a bit mask that tells the reader which positions are present.
// The reader offers destinations in the same order and learns which of them
// changed.
package delta

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// MaxVariables is the number of variables a single pass can carry.
const MaxVariables = 64

var (
	ErrTooManyVariables = errors.New("delta: too many variables in one pass")
	ErrUnreadVariables  = errors.New("delta: frame carries variables that were not read")
	ErrTrailingBytes    = errors.New("delta: frame has trailing bytes")
	ErrEmptyFrame       = errors.New("delta: empty frame")
	ErrContextEnded     = errors.New("delta: context already ended")
)

// Frame is one encoded delta: the change mask followed by the changed values.
type Frame []byte

// RemoteID identifies the remote system a per-recipient history belongs to.
type RemoteID string

// Receipt identifies one unreliable send so its delivery or loss can be
// reported back to the serializer.
type Receipt uint32

var handle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	// Maps must encode identically for equal values, otherwise unchanged
	// fields would be resent.
	h.Canonical = true
	h.WriteExt = true
	return h
}

// Encode returns the msgpack encoding used for variables and allocation ids.
func Encode(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, handle).Encode(v); err != nil {
		return nil, fmt.Errorf("delta: encode %T: %w", v, err)
	}
	return out, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, handle).Decode(v); err != nil {
		return fmt.Errorf("delta: decode %T: %w", v, err)
	}
	return nil
}
