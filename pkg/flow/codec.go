package flow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrTooLargeFrame  = errors.New("flow: frame is too large")
	ErrMalformedFrame = errors.New("flow: malformed frame")
)

// Encoder writes messages on a stream.
type Encoder[T any] interface {
	Encode(w io.Writer, msg T) error
}

// Decoder reads messages from a stream. It is supposed to return an error
// only when a final error is encountered.
type Decoder[T any] interface {
	Decode(r io.Reader) (T, error)
}

// FrameCodec is a simple framing codec using varint length-prefixed frames
// to exchange []byte over a stream.
type FrameCodec struct {
	// MaxSize bounds the payload of a frame, zero means no limit.
	MaxSize uint64
}

var (
	_ Encoder[[]byte] = FrameCodec{}
	_ Decoder[[]byte] = FrameCodec{}
)

// Append appends `payload` prefixed by its length to `buf`.
func (c FrameCodec) Append(buf, payload []byte) ([]byte, error) {
	if c.MaxSize > 0 && uint64(len(payload)) > c.MaxSize {
		return buf, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(payload))
	}
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	return append(buf, payload...), nil
}

// Encode writes the frame in a single `Write`.
func (c FrameCodec) Encode(w io.Writer, payload []byte) error {
	buf, err := c.Append(make([]byte, 0, len(payload)+binary.MaxVarintLen32), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads exactly one frame, never past its end, so the rest of the
// stream can be handed over to someone else.
func (c FrameCodec) Decode(r io.Reader) ([]byte, error) {
	var prefix [binary.MaxVarintLen64]byte
	n := 0
	for {
		if n == len(prefix) {
			return nil, fmt.Errorf("%w: length prefix overflow", ErrMalformedFrame)
		}
		if _, err := io.ReadFull(r, prefix[n:n+1]); err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		n++
		if prefix[n-1] < 0x80 {
			break
		}
	}

	size, m := protowire.ConsumeVarint(prefix[:n])
	if err := protowire.ParseError(m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if c.MaxSize > 0 && size > c.MaxSize {
		return nil, fmt.Errorf("%w: peer announced %d bytes", ErrTooLargeFrame, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MessageCodec frames the messages serialized by `Marshal`, `Unmarshal`
// errors are returned as is.
type MessageCodec[T any] struct {
	Frames    FrameCodec
	Marshal   func(msg T) []byte
	Unmarshal func(buf []byte) (T, error)
}

func (c MessageCodec[T]) Append(buf []byte, msg T) ([]byte, error) {
	return c.Frames.Append(buf, c.Marshal(msg))
}

func (c MessageCodec[T]) Encode(w io.Writer, msg T) error {
	return c.Frames.Encode(w, c.Marshal(msg))
}

func (c MessageCodec[T]) Decode(r io.Reader) (result T, err error) {
	buf, err := c.Frames.Decode(r)
	if err != nil {
		return result, err
	}
	return c.Unmarshal(buf)
}
