// Package link provides the uniform "deliver this event" capability every
// transport implements, and the `Chain` assembling them.
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/raskyld/weft/pkg/event"
)

var ErrUnroutable = errors.New("link: no link could route the event")

// Result is the outcome of offering an event to a `Link`.
type Result uint8

const (
	// Ignored means the link has no knowledge of the target, the next
	// link in the chain should be tried.
	Ignored Result = iota
	// Final means the event was fully handled, propagation stops.
	Final
	// Processed means the event was acted upon but propagation may
	// continue, e.g. for tee'd delivery.
	Processed
	// Passed means the link declined to act further but the event
	// logically continued elsewhere, e.g. forwarded to a remote node.
	Passed
)

func (r Result) String() string {
	switch r {
	case Final:
		return "final"
	case Processed:
		return "processed"
	case Passed:
		return "passed"
	default:
		return "ignored"
	}
}

// Link is implemented by everything able to deliver an event.
//
// *Implementations* MAY return a non-nil error along with `Ignored` to
// explain why they could not route the event, the `Chain` keeps trying the
// next links. Any other result returned with a non-nil error is terminal.
type Link interface {
	Handle(ctx context.Context, ev *event.Event) (Result, error)
}

type LinkFunc func(ctx context.Context, ev *event.Event) (Result, error)

func (f LinkFunc) Handle(ctx context.Context, ev *event.Event) (Result, error) {
	return f(ctx, ev)
}

// Chain offers events to its links in order.
type Chain struct {
	links []Link
}

var _ Link = (*Chain)(nil)

// NewChain resolves the chain once, it cannot be mutated afterwards.
func NewChain(links ...Link) *Chain {
	return &Chain{links: append([]Link(nil), links...)}
}

func (c *Chain) Len() int {
	return len(c.links)
}

// Handle offers `ev` to every link until one returns `Final` or `Passed`.
//
// If the chain is exhausted, it returns `Processed` when at least one link
// processed the event, or `ErrUnroutable` joined with the last reason given
// by an ignoring link.
func (c *Chain) Handle(ctx context.Context, ev *event.Event) (Result, error) {
	processed := false
	var reason error

	for _, l := range c.links {
		if err := ctx.Err(); err != nil {
			return Ignored, err
		}

		res, err := l.Handle(ctx, ev)
		switch res {
		case Ignored:
			if err != nil {
				reason = err
			}
			continue
		case Processed:
			if err != nil {
				return res, err
			}
			processed = true
			continue
		default:
			return res, err
		}
	}

	if processed {
		return Processed, nil
	}

	if reason != nil {
		return Ignored, fmt.Errorf("%w: %w", ErrUnroutable, reason)
	}
	return Ignored, ErrUnroutable
}
