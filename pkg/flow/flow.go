// Package flow provides the in-memory queues sitting at both ends of an
// instance: the `Inbox` events are delivered into and the `Sender` which
// dispatches outbound events in order.
package flow

import "errors"

var (
	ErrFlowClosed = errors.New("flow: closed")
)

// Sink consumes messages popped by a `Sender`.
//
// *Implementations* are called from a single goroutine per `Sender`, in the
// order messages were sent.
type Sink[T any] interface {
	Send(msg T) error
}

type SinkFunc[T any] func(msg T) error

func (f SinkFunc[T]) Send(msg T) error {
	return f(msg)
}

// ErrorHandler is notified when a `Sink` fails to consume a message.
type ErrorHandler[T any] func(msg T, err error)
