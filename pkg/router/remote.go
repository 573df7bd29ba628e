package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/ids"
	"github.com/raskyld/weft/pkg/link"
)

// Forwarder delivers an event to the node listening on `endpoint` and
// returns the result produced over there.
//
// Errors reported by the remote node MUST be wrapped with `ErrRemote`, any
// other error is considered a failure to reach the peer.
type Forwarder interface {
	Forward(ctx context.Context, endpoint string, ev *event.Event) (link.Result, error)
}

// Remote routes events targeting other nodes using a `PeerTable`.
// It never retries.
type Remote struct {
	node  ids.NodeID
	peers *PeerTable
	fwd   Forwarder
}

var _ link.Link = (*Remote)(nil)

func NewRemote(node ids.NodeID, peers *PeerTable, fwd Forwarder) *Remote {
	return &Remote{
		node:  node,
		peers: peers,
		fwd:   fwd,
	}
}

func (r *Remote) Peers() *PeerTable {
	return r.peers
}

func (r *Remote) Handle(ctx context.Context, ev *event.Event) (link.Result, error) {
	if ev.Target.Node == r.node {
		return link.Ignored, nil
	}

	endpoint, known := r.peers.Get(ev.Target.Node)
	if !known {
		return link.Ignored, fmt.Errorf("%w: %s", ErrUnknownPeer, ev.Target.Node)
	}

	res, err := r.fwd.Forward(ctx, endpoint, ev)
	if err != nil {
		if errors.Is(err, ErrRemote) {
			return res, err
		}
		return link.Final, fmt.Errorf("%w: %s (%s): %w", ErrPeerUnreachable, ev.Target.Node, endpoint, err)
	}
	return res, nil
}
