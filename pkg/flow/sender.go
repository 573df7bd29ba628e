package flow

import (
	"context"
	"sync"
)

// Sender is a thread-safe queue dispatching messages to a `Sink`. Messages
// sharing a key are consumed one at a time, in the order they were sent.
// Each key gets its own lane so a slow consumer only delays its own
// messages.
//
// A lane holds a goroutine only while it has messages to dispatch.
//
// A failing message does not close the `Sender`, it is reported to the
// `ErrorHandler` and the next message is dispatched.
type Sender[K comparable, T any] struct {
	sink     Sink[T]
	onErr    ErrorHandler[T]
	laneSize int

	lanes  map[K]*lane[T]
	closed bool
	lk     sync.Mutex
	wg     sync.WaitGroup
}

type lane[T any] struct {
	queue []T

	// space is closed when a message is popped, writers waiting on a full
	// lane wake up.
	space chan struct{}
}

// NewSender buffers up to `laneSize` messages per key.
func NewSender[K comparable, T any](sink Sink[T], onErr ErrorHandler[T], laneSize uint) *Sender[K, T] {
	if laneSize == 0 {
		laneSize = 1
	}
	return &Sender[K, T]{
		sink:     sink,
		onErr:    onErr,
		laneSize: int(laneSize),
		lanes:    make(map[K]*lane[T]),
	}
}

// Send queues `msg` on the lane of `key`, it only blocks when that lane is
// full.
func (w *Sender[K, T]) Send(ctx context.Context, key K, msg T) error {
	w.lk.Lock()
	for {
		if w.closed {
			w.lk.Unlock()
			return ErrFlowClosed
		}

		l, ok := w.lanes[key]
		if !ok {
			l = &lane[T]{}
			w.lanes[key] = l
			w.wg.Add(1)
			go w.run(key, l)
		}
		if len(l.queue) < w.laneSize {
			l.queue = append(l.queue, msg)
			w.lk.Unlock()
			return nil
		}

		if l.space == nil {
			l.space = make(chan struct{})
		}
		space := l.space
		w.lk.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-space:
		}
		w.lk.Lock()
	}
}

// Len returns the number of messages waiting to be dispatched.
func (w *Sender[K, T]) Len() int {
	w.lk.Lock()
	defer w.lk.Unlock()
	n := 0
	for _, l := range w.lanes {
		n += len(l.queue)
	}
	return n
}

// Close stops accepting messages and waits for the queued ones to be
// dispatched.
func (w *Sender[K, T]) Close() error {
	w.lk.Lock()
	if !w.closed {
		w.closed = true
		for _, l := range w.lanes {
			l.wakeWriters()
		}
	}
	w.lk.Unlock()

	w.wg.Wait()
	return nil
}

func (w *Sender[K, T]) run(key K, l *lane[T]) {
	defer w.wg.Done()

	w.lk.Lock()
	for len(l.queue) > 0 {
		msg := l.queue[0]
		var zero T
		l.queue[0] = zero
		l.queue = l.queue[1:]
		l.wakeWriters()
		w.lk.Unlock()

		if err := w.sink.Send(msg); err != nil && w.onErr != nil {
			w.onErr(msg, err)
		}

		w.lk.Lock()
	}
	delete(w.lanes, key)
	w.lk.Unlock()
}

func (l *lane[T]) wakeWriters() {
	if l.space != nil {
		close(l.space)
		l.space = nil
	}
}
