package weft

import (
	"net"

	"github.com/quic-go/quic-go"
)

// streamWrapper is a QUIC stream exposed as a `net.Conn`, which is what
// memberlist expects for its gossip streams.
type streamWrapper struct {
	mode       StreamMode
	localAddr  net.Addr
	remoteAddr net.Addr

	// NB: quic-go syncs Read/Write/Close with a mutex internally, the only
	// rule we must follow is not calling Close concurrently with Write.
	quic.Stream
}

var _ net.Conn = (*streamWrapper)(nil)

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

// garbageCollector closes the stream when the connection is asked to drain.
func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		gs.Close()
	}
}
