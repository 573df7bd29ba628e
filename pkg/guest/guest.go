// Package guest is the surface a running function instance uses to talk to
// the fabric: `Cast`, `Call`, `DelayedCast`, `Self` and `Sync`.
//
// Outbound events are dispatched through a per-instance outbox, so `Cast`
// never waits for delivery. The outbox keeps the order of the events sent
// to a given target, targets are served independently of each other. `Call` parks the caller on a `Slot` until
// the correlated reply comes back or routing fails.
package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/weft/pkg/alias"
	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/flow"
	"github.com/raskyld/weft/pkg/ids"
	"github.com/raskyld/weft/pkg/link"
)

const DefaultOutboxSize = 1024

var (
	ErrStreamInUse   = errors.New("guest: stream id already has an outstanding call")
	ErrNoPendingCall = errors.New("guest: no call is waiting for this reply")
	ErrNotAReply     = errors.New("guest: event is not a reply")
	ErrFanOutCall    = errors.New("guest: cannot call an output delivering to all its members")
	ErrSelfCall      = errors.New("guest: an instance cannot call itself")
	ErrNoStateSink   = errors.New("guest: no state sink configured")
	ErrClosed        = errors.New("guest: instance is stopping")
)

// StateSink receives the state checkpoints of instances.
type StateSink interface {
	Sync(instance ids.InstanceID, state []byte) error
}

// FailureHook is notified of events which could not be delivered and that
// no caller is waiting on, e.g. casts to a dead instance.
type FailureHook func(ev *event.Event, err error)

type Config struct {
	Self    ids.InstanceID
	Aliases *alias.Table
	Pending *Pending

	// Dispatcher routes outbound events, usually the node `link.Chain`.
	Dispatcher link.Link

	StateSink  StateSink
	OnFailure  FailureHook
	Logger     *slog.Logger
	OutboxSize uint
}

type outbound struct {
	ctx  context.Context
	ev   *event.Event
	slot *Slot
}

type Guest struct {
	self     ids.InstanceID
	aliases  *alias.Table
	pending  *Pending
	dispatch link.Link
	sink     StateSink
	onFail   FailureHook
	logger   *slog.Logger

	out     *flow.Sender[ids.InstanceID, outbound]
	streams atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	timers map[*time.Timer]struct{}
	closed bool
	lk     sync.Mutex
}

func New(cfg Config) *Guest {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pending := cfg.Pending
	if pending == nil {
		pending = NewPending()
	}
	size := cfg.OutboxSize
	if size == 0 {
		size = DefaultOutboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Guest{
		self:     cfg.Self,
		aliases:  cfg.Aliases,
		pending:  pending,
		dispatch: cfg.Dispatcher,
		sink:     cfg.StateSink,
		onFail:   cfg.OnFailure,
		logger:   logger.With("instance", cfg.Self.String()),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[*time.Timer]struct{}),
	}
	g.out = flow.NewSender[ids.InstanceID, outbound](flow.SinkFunc[outbound](g.deliver), g.undeliverable, size)
	return g
}

// Self returns the address of the instance.
func (g *Guest) Self() ids.InstanceID {
	return g.self
}

func (g *Guest) Aliases() *alias.Table {
	return g.aliases
}

// Cast sends `payload` on `port` without waiting for delivery. It only
// fails on local validation: unmapped or invalid port, stopping instance.
//
// Routing failures are reported to the `FailureHook`.
func (g *Guest) Cast(port ids.PortID, payload []byte) error {
	_, targets, err := g.resolve(port)
	if err != nil {
		return err
	}

	// All the events share the copy, receivers MUST treat it as read-only.
	payload = bytes.Clone(payload)
	for _, target := range targets {
		ev := &event.Event{
			Target:     target,
			Source:     g.self,
			TargetPort: port,
			Data:       event.Cast(payload),
		}
		if err := g.out.Send(g.ctx, target, outbound{ctx: g.ctx, ev: ev}); err != nil {
			return g.outboxErr(err)
		}
	}
	return nil
}

// Call sends `payload` on `port` with a fresh stream id and waits for the
// reply.
//
// The returned `event.Data` is the reply of the callee (CallRet, CallNoRet
// or Err), the error is only set when the fabric failed.
func (g *Guest) Call(ctx context.Context, port ids.PortID, payload []byte) (event.Data, error) {
	target, err := g.callTarget(port)
	if err != nil {
		return event.Data{}, err
	}

	var slot *Slot
	for slot == nil {
		slot, err = g.pending.Register(g.self, g.streams.Add(1))
		if err != nil && !errors.Is(err, ErrStreamInUse) {
			return event.Data{}, err
		}
	}
	return g.call(ctx, slot, target, port, payload)
}

// CallStream is `Call` with a caller-chosen stream id, which MUST NOT be
// reused before its reply arrived.
func (g *Guest) CallStream(ctx context.Context, stream uint64, port ids.PortID, payload []byte) (event.Data, error) {
	target, err := g.callTarget(port)
	if err != nil {
		return event.Data{}, err
	}
	slot, err := g.pending.Register(g.self, stream)
	if err != nil {
		return event.Data{}, err
	}
	return g.call(ctx, slot, target, port, payload)
}

func (g *Guest) callTarget(port ids.PortID) (ids.InstanceID, error) {
	if port == ids.SelfPort {
		return ids.InstanceID{}, ErrSelfCall
	}
	policy, targets, err := g.resolve(port)
	if err != nil {
		return ids.InstanceID{}, err
	}
	if policy == alias.All {
		return ids.InstanceID{}, fmt.Errorf("%w: %s", ErrFanOutCall, port)
	}
	return targets[0], nil
}

func (g *Guest) call(ctx context.Context, slot *Slot, target ids.InstanceID, port ids.PortID, payload []byte) (event.Data, error) {
	ev := &event.Event{
		Target:     target,
		Source:     g.self,
		StreamID:   slot.Stream(),
		TargetPort: port,
		Data:       event.Call(bytes.Clone(payload)),
	}
	if err := g.out.Send(ctx, target, outbound{ctx: ctx, ev: ev, slot: slot}); err != nil {
		slot.Cancel()
		return event.Data{}, g.outboxErr(err)
	}
	return slot.Wait(ctx)
}

// DelayedCast casts `payload` on `port` once `delay` elapsed. The port is
// validated now but resolved when the timer fires, `ids.SelfPort` always
// resolves to the instance itself.
func (g *Guest) DelayedCast(delay time.Duration, port ids.PortID, payload []byte) error {
	if port != ids.SelfPort {
		if _, ok := g.aliases.Snapshot().Output(port); !ok {
			return fmt.Errorf("%w: %s", alias.ErrUnmappedPort, port)
		}
	}
	payload = bytes.Clone(payload)

	g.lk.Lock()
	defer g.lk.Unlock()
	if g.closed {
		return ErrClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		g.lk.Lock()
		delete(g.timers, timer)
		g.lk.Unlock()

		if err := g.Cast(port, payload); err != nil && !errors.Is(err, ErrClosed) {
			g.undeliverable(outbound{ev: &event.Event{
				Source:     g.self,
				TargetPort: port,
				Data:       event.Cast(payload),
			}}, err)
		}
	})
	g.timers[timer] = struct{}{}
	return nil
}

// Sync checkpoints the serialized state of the instance.
func (g *Guest) Sync(state []byte) error {
	if g.sink == nil {
		return ErrNoStateSink
	}
	return g.sink.Sync(g.self, bytes.Clone(state))
}

// Reply answers the call `req` with `data`.
func (g *Guest) Reply(req *event.Event, data event.Data) error {
	if req.Data.Kind != event.KindCall {
		return fmt.Errorf("%w: cannot reply to a %s", ErrNotAReply, req.Data.Kind)
	}
	if !data.Kind.IsReply() {
		return fmt.Errorf("%w: %s", ErrNotAReply, data.Kind)
	}
	reply := event.ReplyTo(req, data)
	if err := g.out.Send(g.ctx, reply.Target, outbound{ctx: g.ctx, ev: reply}); err != nil {
		return g.outboxErr(err)
	}
	return nil
}

// Close cancels pending timers, fails the calls of this instance and
// flushes the outbox.
func (g *Guest) Close() error {
	g.lk.Lock()
	if g.closed {
		g.lk.Unlock()
		return nil
	}
	g.closed = true
	for timer := range g.timers {
		timer.Stop()
	}
	clear(g.timers)
	g.lk.Unlock()

	g.pending.FailAll(g.self, ErrClosed)
	err := g.out.Close()
	g.cancel()
	return err
}

func (g *Guest) resolve(port ids.PortID) (alias.Policy, []ids.InstanceID, error) {
	if port == ids.SelfPort {
		return alias.Single, []ids.InstanceID{g.self}, nil
	}
	if err := ids.ValidatePortID(port); err != nil {
		return alias.Single, nil, err
	}
	return g.aliases.Resolve(port)
}

func (g *Guest) outboxErr(err error) error {
	if errors.Is(err, flow.ErrFlowClosed) {
		return ErrClosed
	}
	return err
}

func (g *Guest) deliver(msg outbound) error {
	_, err := g.dispatch.Handle(msg.ctx, msg.ev)
	return err
}

func (g *Guest) undeliverable(msg outbound, err error) {
	if msg.slot != nil {
		msg.slot.Fail(err)
		return
	}

	g.logger.Warn(
		"event could not be delivered",
		"event", msg.ev,
		"error", err,
	)
	if g.onFail != nil {
		g.onFail(msg.ev, err)
	}
}
