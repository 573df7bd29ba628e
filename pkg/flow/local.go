package flow

import (
	"context"
	"sync"
)

// Inbox is a bounded FIFO queue with a graceful close: once closed, pushes
// fail but buffered messages can still be received.
type Inbox[T any] struct {
	data    chan T
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewInbox[T any](bufferSize uint) *Inbox[T] {
	return &Inbox[T]{
		data:    make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}
}

// Push blocks until the message is queued, the inbox is closed or `ctx`
// ends.
func (in *Inbox[T]) Push(ctx context.Context, msg T) error {
	in.lk.Lock()
	if in.closed {
		in.lk.Unlock()
		return ErrFlowClosed
	}
	in.wg.Add(1)
	defer in.wg.Done()
	in.lk.Unlock()

	select {
	case in.data <- msg:
		return nil
	case <-in.closeCh:
		return ErrFlowClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns `ErrFlowClosed` once the inbox is closed and drained.
func (in *Inbox[T]) Recv(ctx context.Context) (result T, err error) {
	select {
	case elem, ok := <-in.data:
		if !ok {
			return result, ErrFlowClosed
		}
		return elem, nil
	case <-ctx.Done():
		return result, ctx.Err()
	}
}

func (in *Inbox[T]) Len() int {
	return len(in.data)
}

// Close makes pending and future pushes fail, it is idempotent.
func (in *Inbox[T]) Close() {
	in.lk.Lock()
	defer in.lk.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.closeCh)
	in.wg.Wait()
	close(in.data)
}
