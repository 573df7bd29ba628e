// Package router implements the two links every node chains together: the
// `Local` router delivering to instances hosted here, and the `Remote` router
// forwarding to the node hosting the target.
package router

import (
	"context"
	"fmt"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/ids"
	"github.com/raskyld/weft/pkg/link"
)

const DefaultTombstones = 4096

// Receiver is the entrypoint of a live instance.
//
// `Deliver` MUST return once the event has been accepted by the instance,
// not once it has been processed. An instance being stopped returns
// `ErrInstanceStopped`.
type Receiver interface {
	Deliver(ctx context.Context, ev *event.Event) error
}

// Local routes events targeting instances of the node it belongs to.
type Local struct {
	node ids.NodeID

	instances map[ids.ComponentID]Receiver
	lk        sync.RWMutex

	// stopped remembers recently stopped instances so we can tell them
	// apart from instances which never existed.
	stopped *lru.Cache
}

var _ link.Link = (*Local)(nil)

func NewLocal(node ids.NodeID, tombstones int) (*Local, error) {
	if tombstones <= 0 {
		tombstones = DefaultTombstones
	}
	stopped, err := lru.New(tombstones)
	if err != nil {
		return nil, err
	}
	return &Local{
		node:      node,
		instances: make(map[ids.ComponentID]Receiver),
		stopped:   stopped,
	}, nil
}

func (l *Local) Node() ids.NodeID {
	return l.node
}

func (l *Local) Handle(ctx context.Context, ev *event.Event) (link.Result, error) {
	if ev.Target.Node != l.node {
		return link.Ignored, nil
	}

	// NB: the lock is only held for the lookup, delivering can block on a
	// full inbox and must not stall routing to other instances.
	l.lk.RLock()
	rcv, ok := l.instances[ev.Target.Component]
	l.lk.RUnlock()

	if !ok {
		if l.stopped.Contains(ev.Target.Component) {
			return link.Final, fmt.Errorf("%w: %s", ErrInstanceStopped, ev.Target)
		}
		return link.Final, fmt.Errorf("%w: %s", ErrInstanceNotFound, ev.Target)
	}

	if err := rcv.Deliver(ctx, ev); err != nil {
		return link.Final, err
	}
	return link.Final, nil
}

func (l *Local) Register(component ids.ComponentID, rcv Receiver) error {
	l.lk.Lock()
	defer l.lk.Unlock()
	if _, has := l.instances[component]; has {
		return fmt.Errorf("%w: %s", ErrInstanceExists, component)
	}
	l.instances[component] = rcv
	l.stopped.Remove(component)
	return nil
}

// Unregister removes the instance and remembers it as stopped.
func (l *Local) Unregister(component ids.ComponentID) (Receiver, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	rcv, has := l.instances[component]
	if !has {
		return nil, false
	}
	delete(l.instances, component)
	l.stopped.Add(component, struct{}{})
	return rcv, true
}

func (l *Local) Lookup(component ids.ComponentID) (Receiver, bool) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	rcv, has := l.instances[component]
	return rcv, has
}

func (l *Local) List() []ids.ComponentID {
	l.lk.RLock()
	defer l.lk.RUnlock()
	list := make([]ids.ComponentID, 0, len(l.instances))
	for c := range l.instances {
		list = append(list, c)
	}
	slices.SortFunc(list, func(a, b ids.ComponentID) int {
		return slices.Compare(a[:], b[:])
	})
	return list
}

func (l *Local) Len() int {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return len(l.instances)
}

// Stopped reports whether `component` was unregistered recently.
func (l *Local) Stopped(component ids.ComponentID) bool {
	return l.stopped.Contains(component)
}
