package delta

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// DeserializationContext reads one frame.
type DeserializationContext struct {
	dec   *codec.Decoder
	size  int
	mask  uint64
	index int
	ended bool
}

// BeginDeserialize reads the change mask of frame.
func BeginDeserialize(frame Frame) (*DeserializationContext, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	dec := codec.NewDecoderBytes(frame, handle)
	var mask uint64
	if err := dec.Decode(&mask); err != nil {
		return nil, fmt.Errorf("delta: read change mask: %w", err)
	}
	return &DeserializationContext{dec: dec, size: len(frame), mask: mask}, nil
}

// DeserializeVariable reads the next variable into dst if the frame carries
// it and reports whether it did. dst must be a pointer.
func (c *DeserializationContext) DeserializeVariable(dst any) (bool, error) {
	if c.ended {
		return false, ErrContextEnded
	}
	i := c.index
	if i >= MaxVariables {
		return false, ErrTooManyVariables
	}
	c.index++
	if c.mask&(1<<uint(i)) == 0 {
		return false, nil
	}
	if err := c.dec.Decode(dst); err != nil {
		return false, fmt.Errorf("delta: read variable %d: %w", i, err)
	}
	return true, nil
}

// Changed reports whether the frame carries the variable at position i.
func (c *DeserializationContext) Changed(i int) bool {
	return i >= 0 && i < MaxVariables && c.mask&(1<<uint(i)) != 0
}

// EndDeserialize fails if the frame carries variables past the last one read,
// or bytes past the last variable.
func (c *DeserializationContext) EndDeserialize() error {
	if c.ended {
		return ErrContextEnded
	}
	c.ended = true
	if c.index < MaxVariables && c.mask>>uint(c.index) != 0 {
		return ErrUnreadVariables
	}
	if n := c.dec.NumBytesRead(); n != c.size {
		return fmt.Errorf("%w: %d of %d bytes read", ErrTrailingBytes, n, c.size)
	}
	return nil
}
