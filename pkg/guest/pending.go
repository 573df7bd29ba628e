package guest

import (
	"context"
	"fmt"
	"sync"

	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/ids"
)

type replyKey struct {
	source ids.InstanceID
	stream uint64
}

type outcome struct {
	data event.Data
	err  error
}

// Pending tracks the calls waiting for a reply. There is at most one slot
// per (source, stream) pair.
type Pending struct {
	slots map[replyKey]*Slot
	lk    sync.Mutex
}

// Slot is a one-shot reply signal.
type Slot struct {
	key     replyKey
	owner   *Pending
	replyCh chan outcome
}

func NewPending() *Pending {
	return &Pending{slots: make(map[replyKey]*Slot)}
}

// Register reserves the slot for `stream`, reusing a stream id before its
// reply arrived is an error.
func (p *Pending) Register(source ids.InstanceID, stream uint64) (*Slot, error) {
	key := replyKey{source: source, stream: stream}
	p.lk.Lock()
	defer p.lk.Unlock()
	if _, has := p.slots[key]; has {
		return nil, fmt.Errorf("%w: %d", ErrStreamInUse, stream)
	}
	slot := &Slot{
		key:     key,
		owner:   p,
		replyCh: make(chan outcome, 1),
	}
	p.slots[key] = slot
	return slot, nil
}

// Resolve hands a reply event to the call waiting for it, the caller being
// the target of the reply.
func (p *Pending) Resolve(reply *event.Event) error {
	if !reply.Data.Kind.IsReply() {
		return fmt.Errorf("%w: %s is not a reply", ErrNotAReply, reply.Data.Kind)
	}
	slot := p.take(replyKey{source: reply.Target, stream: reply.StreamID})
	if slot == nil {
		return fmt.Errorf("%w: %s stream %d", ErrNoPendingCall, reply.Target, reply.StreamID)
	}
	slot.replyCh <- outcome{data: reply.Data}
	return nil
}

// FailAll fails every call `source` is waiting on.
func (p *Pending) FailAll(source ids.InstanceID, err error) int {
	p.lk.Lock()
	var failed []*Slot
	for key, slot := range p.slots {
		if key.source == source {
			delete(p.slots, key)
			failed = append(failed, slot)
		}
	}
	p.lk.Unlock()

	for _, slot := range failed {
		slot.replyCh <- outcome{err: err}
	}
	return len(failed)
}

func (p *Pending) Len() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.slots)
}

func (p *Pending) take(key replyKey) *Slot {
	p.lk.Lock()
	defer p.lk.Unlock()
	slot, has := p.slots[key]
	if !has {
		return nil
	}
	delete(p.slots, key)
	return slot
}

func (p *Pending) release(s *Slot) bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.slots[s.key] != s {
		return false
	}
	delete(p.slots, s.key)
	return true
}

// Fail terminates the slot with `err`, it is a no-op if the slot was
// already resolved.
func (s *Slot) Fail(err error) {
	if s.owner.release(s) {
		s.replyCh <- outcome{err: err}
	}
}

// Cancel releases the slot without signaling it.
func (s *Slot) Cancel() {
	s.owner.release(s)
}

func (s *Slot) Stream() uint64 {
	return s.key.stream
}

// Wait blocks until the reply arrives, the slot fails or `ctx` ends.
// The fabric imposes no deadline, `ctx` is the only way to bound the wait.
func (s *Slot) Wait(ctx context.Context) (event.Data, error) {
	select {
	case out := <-s.replyCh:
		return out.data, out.err
	case <-ctx.Done():
		s.Cancel()
		// The reply may have won the race against the cancellation.
		select {
		case out := <-s.replyCh:
			return out.data, out.err
		default:
		}
		return event.Data{}, ctx.Err()
	}
}
