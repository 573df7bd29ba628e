package router

import (
	"fmt"
	"maps"
	"sync"

	"github.com/raskyld/weft/pkg/ids"
)

type PeerOp uint8

const (
	PeerAdd PeerOp = iota
	PeerDel
	PeerClear
)

func (op PeerOp) String() string {
	switch op {
	case PeerAdd:
		return "add"
	case PeerDel:
		return "del"
	default:
		return "clear"
	}
}

// UpdatePeersRequest mutates a `PeerTable`. `Endpoint` is only meaningful
// for `PeerAdd`, `Node` is ignored by `PeerClear`.
type UpdatePeersRequest struct {
	Op       PeerOp
	Node     ids.NodeID
	Endpoint string
}

func AddPeer(node ids.NodeID, endpoint string) UpdatePeersRequest {
	return UpdatePeersRequest{Op: PeerAdd, Node: node, Endpoint: endpoint}
}

func DelPeer(node ids.NodeID) UpdatePeersRequest {
	return UpdatePeersRequest{Op: PeerDel, Node: node}
}

func ClearPeers() UpdatePeersRequest {
	return UpdatePeersRequest{Op: PeerClear}
}

// PeerTable maps nodes to the endpoint their dataplane listens on.
//
// Updates copy the current table and swap it, readers never observe a
// half-applied batch.
type PeerTable struct {
	peers map[ids.NodeID]string
	lk    sync.RWMutex
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[ids.NodeID]string)}
}

// Apply validates and applies the whole batch atomically.
func (pt *PeerTable) Apply(reqs ...UpdatePeersRequest) error {
	for _, req := range reqs {
		switch req.Op {
		case PeerAdd:
			if req.Node.IsZero() || req.Endpoint == "" {
				return fmt.Errorf("%w: add needs a node and an endpoint", ErrInvalidPeer)
			}
		case PeerDel:
			if req.Node.IsZero() {
				return fmt.Errorf("%w: del needs a node", ErrInvalidPeer)
			}
		case PeerClear:
		default:
			return fmt.Errorf("%w: unknown op %d", ErrInvalidPeer, req.Op)
		}
	}

	pt.lk.Lock()
	defer pt.lk.Unlock()
	next := maps.Clone(pt.peers)
	for _, req := range reqs {
		switch req.Op {
		case PeerAdd:
			next[req.Node] = req.Endpoint
		case PeerDel:
			delete(next, req.Node)
		case PeerClear:
			next = make(map[ids.NodeID]string)
		}
	}
	pt.peers = next
	return nil
}

func (pt *PeerTable) Get(node ids.NodeID) (string, bool) {
	pt.lk.RLock()
	defer pt.lk.RUnlock()
	endpoint, ok := pt.peers[node]
	return endpoint, ok
}

// Snapshot returns a copy of the table.
func (pt *PeerTable) Snapshot() map[ids.NodeID]string {
	pt.lk.RLock()
	defer pt.lk.RUnlock()
	return maps.Clone(pt.peers)
}

func (pt *PeerTable) Len() int {
	pt.lk.RLock()
	defer pt.lk.RUnlock()
	return len(pt.peers)
}
