package weft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
	"github.com/raskyld/weft/pkg/alias"
	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/flow"
	"github.com/raskyld/weft/pkg/guest"
	"github.com/raskyld/weft/pkg/ids"
	"github.com/raskyld/weft/pkg/link"
	"github.com/raskyld/weft/pkg/router"
)

// gossipPacketSize keeps memberlist packets within a single QUIC datagram.
const gossipPacketSize = 1100

// Node hosts function instances and routes their events, locally or to the
// node hosting the target.
type Node struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink
	id     ids.NodeID

	// gossip
	serf    *serf.Serf
	eventCh chan serf.Event

	// transport
	tr   *Transport
	addr string

	// dataplane
	local   *router.Local
	remote  *router.Remote
	chain   *link.Chain
	pending *guest.Pending
	states  guest.StateSink

	providers *providerRegistry

	instances map[ids.ComponentID]*instance
	lastAlive atomic.Int64

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, instances are stopped.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	dropCh     chan struct{}
	wg         sync.WaitGroup
}

// Health is the liveness report of a node.
type Health struct {
	Node      ids.NodeID
	Instances int
	Peers     int
	At        time.Time
}

func Create(opts ...Option) (*Node, error) {
	n := &Node{
		eventCh:   make(chan serf.Event, 512),
		pending:   guest.NewPending(),
		providers: newProviderRegistry(),
		instances: make(map[ids.ComponentID]*instance),

		shutdownCh: make(chan struct{}),
		dropCh:     make(chan struct{}),
	}

	// Fine-tune Serf config.
	n.config.serfCfg = serf.DefaultConfig()
	// We will wait for QUIC buffers to flush anyway.
	n.config.serfCfg.LeavePropagateDelay = 4 * time.Second
	n.config.serfCfg.LogOutput = nil
	n.config.serfCfg.MemberlistConfig.ProbeTimeout = 2 * time.Second
	n.config.serfCfg.MemberlistConfig.UDPBufferSize = gossipPacketSize
	n.config.serfCfg.QueueDepthWarning = 512
	// Routing never looks at network coordinates.
	n.config.serfCfg.DisableCoordinates = true
	n.config.serfCfg.ValidateNodeNames = true
	n.config.serfCfg.CoalescePeriod = 2 * time.Second
	n.config.serfCfg.QuiescentPeriod = 500 * time.Millisecond
	n.config.serfCfg.EventCh = n.eventCh

	n.config.trCfg.BindPort = DefaultPort
	n.config.trCfg.GracePeriod = 10 * time.Second

	// Run options now that we have a non-nil Serf config.
	for _, opt := range opts {
		err := opt(&n.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if n.config.logHandler != nil {
		n.logger = slog.New(n.config.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.config.serfCfg.Logger = slog.NewLogLogger(n.logger.Handler(), slog.LevelDebug)
	n.config.serfCfg.MemberlistConfig.Logger = n.config.serfCfg.Logger

	// Metrics implementations.
	if n.config.msink == nil {
		n.config.msink = metrics.Default()
	}
	n.msink = n.config.msink

	n.id = n.config.nodeID
	if n.id.IsZero() {
		n.id = ids.NewNodeID()
	}
	n.logger = n.logger.With(LabelNodeID.L(n.id.String()))
	n.config.serfCfg.Tags = map[string]string{TagNodeID: n.id.String()}

	n.states = n.config.stateSink
	if n.states == nil {
		n.states = newMemStates()
	}

	local, err := router.NewLocal(n.id, n.config.tombstones)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.local = local

	// Initiate the transport layer.
	tr, err := NewTransport(&n.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.tr = tr
	// Peers already made the routing decision, never forward again.
	tr.SetInbound(local)

	n.remote = router.NewRemote(n.id, router.NewPeerTable(), tr)
	n.chain = link.NewChain(n.local, n.remote)

	// Make memberlist use our transport.
	n.config.serfCfg.MemberlistConfig.Transport = tr

	// Initiate the Serf layer.
	s, err := serf.Create(n.config.serfCfg)
	if err != nil {
		tr.Shutdown()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.serf = s

	member := s.LocalMember()
	n.addr = net.JoinHostPort(member.Addr.String(), strconv.Itoa(int(member.Port)))
	n.lastAlive.Store(time.Now().UnixNano())

	// Handle cluster events.
	n.wg.Add(1)
	go n.handleEvents()

	n.logger.Info("node created", LabelPeerAddr.L(n.addr), LabelPeerName.L(member.Name))
	return n, nil
}

// ID of the node.
func (n *Node) ID() ids.NodeID {
	return n.id
}

// Addr is the endpoint other nodes reach us on.
func (n *Node) Addr() string {
	return n.addr
}

func (n *Node) JoinCluster() error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return ErrNodeClosed
	}
	if len(n.config.neighbours) > 0 {
		joined, err := n.serf.Join(n.config.neighbours, true)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		n.logger.Info("cluster joined")
		if len(n.config.neighbours) != joined {
			n.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(n.config.neighbours),
			)
		}
	}
	return nil
}

// Topology lists the members of the cluster as seen by the gossip.
func (n *Node) Topology() []serf.Member {
	return n.serf.Members()
}

func (n *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	running := make([]ids.ComponentID, 0, len(n.instances))
	for component := range n.instances {
		running = append(running, component)
	}
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	n.logger.Info("shutdown: stop instances", "count", len(running))
	for _, component := range running {
		if err := n.stop(context.Background(), component); err != nil {
			n.logger.Warn("instance did not stop cleanly", LabelComponentID.L(component.String()), LabelError.L(err))
		}
	}

	n.logger.Info("shutdown: leave cluster")
	if err := n.serf.Leave(); err != nil {
		n.logger.Warn("failed to leave cluster gracefully", LabelError.L(err))
	}

	// Phase 2: Drop all resources.
	close(n.dropCh)
	n.logger.Info("shutdown: release gossip and transport resources")
	n.serf.Shutdown()

	n.logger.Info("shutdown: wait for sub-tasks to finish")
	n.wg.Wait()
	<-n.serf.ShutdownCh()

	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

// Spawn starts an instance of `spec.Function` on this node.
func (n *Node) Spawn(ctx context.Context, spec FunctionSpec) (ids.InstanceID, error) {
	id, err := n.spawn(ctx, spec)
	if err != nil {
		n.msink.IncrCounterWithLabels(
			MetricInstanceSpawnErrCount,
			1.0,
			withLabels(n.config.metricLabels, LabelClass.M(spec.Class)),
		)
		return ids.InstanceID{}, err
	}
	n.msink.IncrCounterWithLabels(
		MetricInstanceSpawnedCount,
		1.0,
		withLabels(n.config.metricLabels, LabelClass.M(spec.Class)),
	)
	return id, nil
}

func (n *Node) spawn(ctx context.Context, spec FunctionSpec) (ids.InstanceID, error) {
	if err := spec.validate(); err != nil {
		return ids.InstanceID{}, err
	}
	aliases, err := alias.NewTable(spec.Outputs)
	if err != nil {
		return ids.InstanceID{}, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	component := spec.Component
	if component.IsZero() {
		component = ids.NewComponentID()
	}
	id := ids.InstanceID{Node: n.id, Component: component}

	// Reserve the component so concurrent spawns cannot exceed capacity.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return ids.InstanceID{}, ErrNodeClosed
	}
	if _, exists := n.instances[component]; exists {
		n.lk.Unlock()
		return ids.InstanceID{}, fmt.Errorf("%w: %s", router.ErrInstanceExists, component)
	}
	if n.config.maxInstances > 0 && len(n.instances) >= n.config.maxInstances {
		n.lk.Unlock()
		return ids.InstanceID{}, fmt.Errorf("%w: %d instances", ErrResourceExhausted, len(n.instances))
	}
	n.instances[component] = nil
	n.lk.Unlock()

	release := func() {
		n.lk.Lock()
		delete(n.instances, component)
		n.lk.Unlock()
	}

	logger := n.logger.With(LabelComponentID.L(component.String()), LabelClass.L(spec.Class))
	inboxSize := n.config.inboxSize
	if inboxSize == 0 {
		inboxSize = guest.DefaultOutboxSize
	}

	instCtx, cancel := context.WithCancel(context.Background())
	in := &instance{
		id:      id,
		class:   spec.Class,
		fn:      spec.Function,
		pending: n.pending,
		inbox:   flow.NewInbox[*event.Event](inboxSize),
		onFail:  n.deliveryFailed,
		logger:  logger,
		ctx:     instCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	in.guest = guest.New(guest.Config{
		Self:       id,
		Aliases:    aliases,
		Pending:    n.pending,
		Dispatcher: link.LinkFunc(n.route),
		StateSink:  n.states,
		OnFailure:  n.deliveryFailed,
		Logger:     logger,
		OutboxSize: n.config.outboxSize,
	})

	// Registered before Init so replies to the calls Init makes reach their
	// slot, other events wait in the inbox until the loop starts.
	n.lk.Lock()
	if n.shutdown {
		delete(n.instances, component)
		n.lk.Unlock()
		cancel()
		in.guest.Close()
		return ids.InstanceID{}, ErrNodeClosed
	}
	if err := n.local.Register(component, in); err != nil {
		delete(n.instances, component)
		n.lk.Unlock()
		cancel()
		in.guest.Close()
		return ids.InstanceID{}, err
	}
	n.lk.Unlock()

	if err := spec.Function.Init(ctx, in.guest, spec.State); err != nil {
		n.local.Unregister(component)
		in.abort()
		release()
		return ids.InstanceID{}, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, id, err)
	}

	n.lk.Lock()
	if n.shutdown {
		delete(n.instances, component)
		n.lk.Unlock()
		n.local.Unregister(component)
		in.abort()
		_ = spec.Function.Stop(ctx)
		return ids.InstanceID{}, ErrNodeClosed
	}
	n.instances[component] = in
	n.lk.Unlock()

	go in.run()
	logger.Info("instance spawned")
	return id, nil
}

// Stop tears an instance down: it is unregistered, its pending calls fail,
// its timers are cancelled and its outbox is flushed before the function
// is stopped.
func (n *Node) Stop(ctx context.Context, component ids.ComponentID) error {
	return n.stop(ctx, component)
}

func (n *Node) stop(ctx context.Context, component ids.ComponentID) error {
	n.lk.Lock()
	in, ok := n.instances[component]
	if !ok || in == nil {
		n.lk.Unlock()
		return n.notHosted(component)
	}
	delete(n.instances, component)
	n.lk.Unlock()

	n.local.Unregister(component)
	err := in.stop(ctx)

	n.msink.IncrCounterWithLabels(
		MetricInstanceStoppedCount,
		1.0,
		withLabels(n.config.metricLabels, LabelClass.M(in.class)),
	)
	in.logger.Info("instance stopped")
	return err
}

// notHosted tells apart instances which stopped from those that never
// existed.
func (n *Node) notHosted(component ids.ComponentID) error {
	if n.local.Stopped(component) {
		return fmt.Errorf("%w: %s", router.ErrInstanceStopped, component)
	}
	return fmt.Errorf("%w: %s", router.ErrInstanceNotFound, component)
}

func (n *Node) lookup(component ids.ComponentID) (*instance, error) {
	n.lk.Lock()
	in, ok := n.instances[component]
	n.lk.Unlock()
	if !ok || in == nil {
		return nil, n.notHosted(component)
	}
	return in, nil
}

// Patch replaces the output mapping of a local instance, every port
// becomes a `Single` output.
func (n *Node) Patch(req alias.PatchRequest) error {
	return n.PatchOutputs(req.FunctionID, req.Outputs())
}

// PatchOutputs replaces the output mapping of a local instance.
func (n *Node) PatchOutputs(component ids.ComponentID, outputs map[ids.PortID]alias.Output) error {
	in, err := n.lookup(component)
	if err != nil {
		return err
	}
	if err := in.guest.Aliases().Replace(outputs); err != nil {
		return err
	}

	n.msink.IncrCounterWithLabels(MetricPatchCount, 1.0, n.config.metricLabels)
	in.logger.Info("outputs patched", "ports", len(outputs))
	return nil
}

// UpdatePeers applies the batch to the peer table atomically.
func (n *Node) UpdatePeers(reqs ...router.UpdatePeersRequest) error {
	peers := n.remote.Peers()
	if err := peers.Apply(reqs...); err != nil {
		return err
	}

	for _, req := range reqs {
		n.msink.IncrCounterWithLabels(
			MetricPeerUpdateCount,
			1.0,
			withLabels(n.config.metricLabels, LabelOp.M(req.Op.String())),
		)
	}
	n.msink.SetGaugeWithLabels(MetricPeers, float32(peers.Len()), n.config.metricLabels)
	return nil
}

// Peers returns a snapshot of the peer table.
func (n *Node) Peers() map[ids.NodeID]string {
	return n.remote.Peers().Snapshot()
}

// KeepAlive only proves the node is responsive.
func (n *Node) KeepAlive() Health {
	now := time.Now()
	n.lastAlive.Store(now.UnixNano())
	return Health{
		Node:      n.id,
		Instances: n.local.Len(),
		Peers:     n.remote.Peers().Len(),
		At:        now,
	}
}

// LastKeepAlive is when `KeepAlive` was last called.
func (n *Node) LastKeepAlive() time.Time {
	return time.Unix(0, n.lastAlive.Load())
}

// Instances lists the instances hosted here.
func (n *Node) Instances() []ids.InstanceID {
	components := n.local.List()
	instances := make([]ids.InstanceID, len(components))
	for i, component := range components {
		instances[i] = ids.InstanceID{Node: n.id, Component: component}
	}
	return instances
}

// State returns the last state checkpointed by an instance of this node.
func (n *Node) State(component ids.ComponentID) ([]byte, error) {
	loader, ok := n.states.(StateLoader)
	if !ok {
		return nil, ErrNoStateLoader
	}
	state, ok := loader.Load(ids.InstanceID{Node: n.id, Component: component})
	if !ok {
		return nil, fmt.Errorf("%w: no state for %s", router.ErrInstanceNotFound, component)
	}
	return state, nil
}

// Dispatch injects an event into the routing chain of the node.
func (n *Node) Dispatch(ctx context.Context, ev *event.Event) (link.Result, error) {
	if !ev.Data.Kind.Valid() {
		return link.Ignored, fmt.Errorf("%w: kind %s", event.ErrMalformedEvent, ev.Data.Kind)
	}
	if ev.Target.IsZero() {
		return link.Ignored, fmt.Errorf("%w: no target", event.ErrMalformedEvent)
	}
	return n.route(ctx, ev)
}

func (n *Node) route(ctx context.Context, ev *event.Event) (link.Result, error) {
	res, err := n.chain.Handle(ctx, ev)
	if err != nil {
		n.msink.IncrCounterWithLabels(
			MetricEventRouteErrorCount,
			1.0,
			withLabels(n.config.metricLabels, LabelKind.M(ev.Data.Kind.String()), errLabel(err)),
		)
		if errors.Is(err, router.ErrPeerUnreachable) {
			n.logger.Warn("peer unreachable", "event", ev, LabelError.L(err))
		}
		return res, err
	}
	n.msink.IncrCounterWithLabels(
		MetricEventRoutedCount,
		1.0,
		withLabels(n.config.metricLabels, LabelKind.M(ev.Data.Kind.String()), LabelResult.M(res.String())),
	)
	return res, nil
}

func (n *Node) deliveryFailed(ev *event.Event, err error) {
	n.msink.IncrCounterWithLabels(
		MetricDeliveryFailureCount,
		1.0,
		withLabels(n.config.metricLabels, LabelKind.M(ev.Data.Kind.String()), errLabel(err)),
	)
	if n.config.onFailure != nil {
		n.config.onFailure(ev, err)
	}
}
