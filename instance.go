package weft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/flow"
	"github.com/raskyld/weft/pkg/guest"
	"github.com/raskyld/weft/pkg/ids"
	"github.com/raskyld/weft/pkg/router"
)

// instance is a running function: its inbox, the loop feeding the function
// and its guest.
type instance struct {
	id      ids.InstanceID
	class   string
	fn      Function
	guest   *guest.Guest
	pending *guest.Pending
	inbox   *flow.Inbox[*event.Event]
	onFail  guest.FailureHook
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ router.Receiver = (*instance)(nil)

// Deliver implements `router.Receiver`. Replies never enter the inbox, they
// wake up the call waiting for them, even while the handler is busy.
func (in *instance) Deliver(ctx context.Context, ev *event.Event) error {
	if ev.Data.Kind.IsReply() {
		return in.pending.Resolve(ev)
	}

	if err := in.inbox.Push(ctx, ev); err != nil {
		if errors.Is(err, flow.ErrFlowClosed) {
			return fmt.Errorf("%w: %s", router.ErrInstanceStopped, in.id)
		}
		return err
	}
	return nil
}

func (in *instance) run() {
	defer close(in.done)
	for {
		ev, err := in.inbox.Recv(context.Background())
		if err != nil {
			return
		}
		if in.ctx.Err() != nil {
			in.reject(ev)
			continue
		}
		in.handle(ev)
	}
}

func (in *instance) handle(ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("function panicked", "event", ev, "panic", r)
			if ev.Data.Kind == event.KindCall {
				in.reply(ev, event.Err())
			}
		}
	}()

	switch ev.Data.Kind {
	case event.KindCast:
		if err := in.fn.HandleCast(in.ctx, ev); err != nil {
			in.logger.Warn("cast handler failed", "event", ev, LabelError.L(err))
		}
	case event.KindCall:
		data := in.fn.HandleCall(in.ctx, ev)
		if !data.Kind.IsReply() {
			in.logger.Warn("call handler returned a non reply", LabelKind.L(data.Kind.String()))
			data = event.Err()
		}
		in.reply(ev, data)
	default:
		in.logger.Warn("dropping unexpected event", "event", ev)
	}
}

// reject answers events left in the inbox of a stopped instance so no
// caller waits forever.
func (in *instance) reject(ev *event.Event) {
	err := fmt.Errorf("%w: %s", router.ErrInstanceStopped, in.id)
	if ev.Data.Kind == event.KindCall {
		in.reply(ev, event.Err())
		return
	}
	if in.onFail != nil {
		in.onFail(ev, err)
	}
}

func (in *instance) reply(req *event.Event, data event.Data) {
	if err := in.guest.Reply(req, data); err != nil {
		in.logger.Warn("failed to reply", "event", req, LabelError.L(err))
	}
}

// stop tears the instance down, it must be unregistered from the local
// router beforehand so no new event reaches the inbox.
func (in *instance) stop(ctx context.Context) error {
	in.teardown()
	return in.fn.Stop(ctx)
}

// abort tears down an instance whose loop never started, the events queued
// meanwhile are rejected rather than handled.
func (in *instance) abort() {
	in.cancel()
	go in.run()
	in.teardown()
}

func (in *instance) teardown() {
	in.cancel()
	in.pending.FailAll(in.id, fmt.Errorf("%w: %s", router.ErrInstanceStopped, in.id))
	in.inbox.Close()
	<-in.done

	// Replies to rejected calls are flushed by the outbox close.
	if err := in.guest.Close(); err != nil {
		in.logger.Warn("failed to close guest", LabelError.L(err))
	}
}
