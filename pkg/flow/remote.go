package flow

import (
	"github.com/quic-go/quic-go"
)

// RemoteSender writes messages on the send side of a QUIC stream.
//
// Methods MUST NOT be called concurrently.
type RemoteSender[T any] struct {
	Stream quic.SendStream
	Enc    Encoder[T]
}

func (s RemoteSender[T]) Send(msg T) error {
	return s.Enc.Encode(s.Stream, msg)
}

// Close ends the send side, the peer reads EOF after the last frame.
func (s RemoteSender[T]) Close() error {
	return s.Stream.Close()
}

// RemoteReceiver reads messages from the receive side of a QUIC stream.
//
// Methods MUST NOT be called concurrently.
type RemoteReceiver[T any] struct {
	Stream quic.ReceiveStream
	Dec    Decoder[T]

	// Code is sent to the peer when we stop reading.
	Code quic.StreamErrorCode
}

func (r RemoteReceiver[T]) Recv() (T, error) {
	return r.Dec.Decode(r.Stream)
}

func (r RemoteReceiver[T]) Close() error {
	r.Stream.CancelRead(r.Code)
	return nil
}
