// Package weft is the dataplane of an edge serverless platform: it delivers
// *cast* and *call* events between function instances, wherever they run
// in the cluster.
//
// A `Node` hosts instances. The orchestrator `Spawn`s them, `Patch`es the
// mapping of their output ports and tells the node who its peers are with
// `UpdatePeers`. Instances only know their own output ports, the node
// resolves them into `ids.InstanceID`s and routes the event.
//
// ## How it works
//
// Every event goes through the same `link.Chain`:
//
// * the `router.Local` link delivers to instances of this node, through
// their inbox.
// * the `router.Remote` link forwards to the node hosting the target, on a
// fresh QUIC stream of the connection we keep with that peer.
//
// The peer re-routes the event with its own `router.Local` only, and answers
// with the routing outcome, so the sender learns if the target never
// existed or was stopped. Replies to calls travel back as regular events.
//
// Nodes discover each other with the gossip protocol of
// [`hashicorp/serf`][dep-serf], which runs on the same QUIC connections as
// the events: gossip packets are sent as datagrams and push/pull exchanges
// as streams. Gossip only fills the peer table, the orchestrator remains
// free to override it.
//
// ## Design Principles
//
// ### No hidden retries
//
// The network is not reliable and the fabric does not pretend otherwise.
// Delivery is at-most-once, failures are reported to the caller of a
// `Call` or to the failure hook of the node for a `Cast`, and retrying is a
// decision of the application.
//
// ### mTLS or nothing
//
// Nodes MUST authenticate each other. The transport refuses to start
// without a `tls.Config` and the identity of a peer is the one proved by
// its certificate, see `HostnameResolver`.
//
// [dep-serf]: https://pkg.go.dev/github.com/hashicorp/serf
package weft
