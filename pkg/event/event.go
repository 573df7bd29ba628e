// Package event defines the envelope exchanged by instances on the fabric.
//
// The same `Event` travels through local inboxes and across the wire, see
// `Marshal` and `Unmarshal` for the latter.
package event

import (
	"log/slog"

	"github.com/raskyld/weft/pkg/ids"
)

type Kind uint8

const (
	KindUnspecified Kind = iota
	// KindCast is a fire-and-forget event.
	KindCast
	// KindCall is a request expecting a correlated reply.
	KindCall
	// KindCallRet is a successful reply carrying data.
	KindCallRet
	// KindCallNoRet is a successful reply without data.
	KindCallNoRet
	// KindErr is a reply telling the callee failed.
	KindErr
)

func (k Kind) String() string {
	switch k {
	case KindCast:
		return "cast"
	case KindCall:
		return "call"
	case KindCallRet:
		return "call_ret"
	case KindCallNoRet:
		return "call_no_ret"
	case KindErr:
		return "err"
	default:
		return "unspecified"
	}
}

// IsReply tells whether the kind answers a `KindCall`.
func (k Kind) IsReply() bool {
	return k == KindCallRet || k == KindCallNoRet || k == KindErr
}

// HasPayload tells whether the kind carries user data.
func (k Kind) HasPayload() bool {
	return k == KindCast || k == KindCall || k == KindCallRet
}

func (k Kind) Valid() bool {
	return k >= KindCast && k <= KindErr
}

// Data is the tagged payload of an `Event`.
type Data struct {
	Kind    Kind
	Payload []byte
}

func Cast(payload []byte) Data {
	return Data{Kind: KindCast, Payload: payload}
}

func Call(payload []byte) Data {
	return Data{Kind: KindCall, Payload: payload}
}

func CallRet(payload []byte) Data {
	return Data{Kind: KindCallRet, Payload: payload}
}

func CallNoRet() Data {
	return Data{Kind: KindCallNoRet}
}

func Err() Data {
	return Data{Kind: KindErr}
}

// Event is an addressed message.
//
// StreamID correlates a Call with its reply, it is chosen by the caller and
// must be unique among that caller's outstanding calls.
type Event struct {
	Target     ids.InstanceID
	Source     ids.InstanceID
	StreamID   uint64
	TargetPort ids.PortID
	Data       Data
}

// ReplyTo builds the reply event answering `req` with `data`.
func ReplyTo(req *Event, data Data) *Event {
	return &Event{
		Target:     req.Source,
		Source:     req.Target,
		StreamID:   req.StreamID,
		TargetPort: req.TargetPort,
		Data:       data,
	}
}

// Clone deep-copies the event, payload included.
func (ev *Event) Clone() *Event {
	cloned := *ev
	if ev.Data.Payload != nil {
		cloned.Data.Payload = append(make([]byte, 0, len(ev.Data.Payload)), ev.Data.Payload...)
	}
	return &cloned
}

func (ev *Event) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("target", ev.Target.String()),
		slog.String("source", ev.Source.String()),
		slog.Uint64("stream_id", ev.StreamID),
		slog.String("port", string(ev.TargetPort)),
		slog.String("kind", ev.Data.Kind.String()),
		slog.Int("payload_bytes", len(ev.Data.Payload)),
	)
}
