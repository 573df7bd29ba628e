package weft

import (
	"log/slog"
	"net"
	"strconv"

	"github.com/hashicorp/serf/serf"
	"github.com/raskyld/weft/pkg/ids"
	"github.com/raskyld/weft/pkg/router"
)

// TagNodeID is the serf tag every member advertises its `ids.NodeID` in.
const TagNodeID = "node_id"

// peerUpdates translates a membership event into peer table updates.
// Members without a valid node id tag and ourselves are skipped.
func peerUpdates(self ids.NodeID, ev serf.MemberEvent, logger *slog.Logger) []router.UpdatePeersRequest {
	reqs := make([]router.UpdatePeersRequest, 0, len(ev.Members))
	for _, member := range ev.Members {
		node, err := ids.ParseNodeID(member.Tags[TagNodeID])
		if err != nil {
			logger.Warn(
				"member does not advertise a valid node id",
				LabelPeerName.L(member.Name),
				LabelError.L(err),
			)
			continue
		}
		if node == self {
			continue
		}

		switch ev.Type {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			endpoint := net.JoinHostPort(member.Addr.String(), strconv.Itoa(int(member.Port)))
			reqs = append(reqs, router.AddPeer(node, endpoint))
		case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
			reqs = append(reqs, router.DelPeer(node))
		}
	}
	return reqs
}

func withLogMember(logger *slog.Logger, member serf.Member) *slog.Logger {
	return logger.With(
		LabelPeerName.L(member.Name),
		LabelPeerAddr.L(net.JoinHostPort(member.Addr.String(), strconv.Itoa(int(member.Port)))),
		LabelNodeID.L(member.Tags[TagNodeID]),
	)
}

// handleEvents applies the membership changes gossiped by serf to the peer
// table until the node is dropped.
func (n *Node) handleEvents() {
	defer n.wg.Done()
	for {
		var ev serf.Event
		select {
		case ev = <-n.eventCh:
		case <-n.dropCh:
			return
		}

		memberEv, ok := ev.(serf.MemberEvent)
		if !ok {
			n.logger.Debug("ignoring cluster event", "event", ev.String())
			continue
		}

		for _, member := range memberEv.Members {
			withLogMember(n.logger, member).Info("membership changed", "event", memberEv.Type.String())
		}

		reqs := peerUpdates(n.id, memberEv, n.logger)
		if len(reqs) == 0 {
			continue
		}
		if err := n.UpdatePeers(reqs...); err != nil {
			n.logger.Error("failed to apply membership change", LabelError.L(err))
		}
	}
}
