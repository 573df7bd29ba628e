package weft

import (
	"errors"
	"fmt"

	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/flow"
	"github.com/raskyld/weft/pkg/guest"
	"github.com/raskyld/weft/pkg/link"
	"github.com/raskyld/weft/pkg/router"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize is the largest frame a peer accepts, length prefix excluded.
const MaxFrameSize = 4 << 20

type StreamMode uint8

const (
	StreamModeUnspecified StreamMode = iota
	StreamModeGossip
	StreamModeEvent
)

func (m StreamMode) String() string {
	switch m {
	case StreamModeGossip:
		return "gossip"
	case StreamModeEvent:
		return "event"
	default:
		return "unspecified"
	}
}

const (
	fieldInitMode protowire.Number = 1

	fieldResultResult  protowire.Number = 1
	fieldResultCode    protowire.Number = 2
	fieldResultMessage protowire.Number = 3
)

// ErrorCode is how routing errors travel back to the node which forwarded
// the event.
type ErrorCode uint64

const (
	CodeOK ErrorCode = iota
	CodeInternal
	CodeInstanceNotFound
	CodeInstanceStopped
	CodeUnroutable
	CodeUnknownPeer
	CodeNoPendingCall
	CodeMalformed
)

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{CodeInstanceNotFound, router.ErrInstanceNotFound},
	{CodeInstanceStopped, router.ErrInstanceStopped},
	{CodeUnknownPeer, router.ErrUnknownPeer},
	{CodeNoPendingCall, guest.ErrNoPendingCall},
	{CodeMalformed, event.ErrMalformedEvent},
	{CodeUnroutable, link.ErrUnroutable},
}

// CodeOf maps `err` to its wire code, the first matching sentinel wins.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// Err returns the sentinel `code` stands for.
func (code ErrorCode) Err() error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return ce.err
		}
	}
	if code == CodeOK {
		return nil
	}
	return ErrRemoteInternal
}

// resultFrame answers an event stream.
type resultFrame struct {
	result  link.Result
	code    ErrorCode
	message string
}

// err rebuilds the error reported by the peer, keeping the sentinel
// matchable with `errors.Is`.
func (rf resultFrame) err() error {
	if rf.code == CodeOK {
		return nil
	}
	return fmt.Errorf("%w: %w: %s", router.ErrRemote, rf.code.Err(), rf.message)
}

func newResultFrame(res link.Result, err error) resultFrame {
	rf := resultFrame{result: res, code: CodeOf(err)}
	if err != nil {
		rf.message = err.Error()
	}
	return rf
}

func marshalInit(mode StreamMode) []byte {
	buf := protowire.AppendTag(nil, fieldInitMode, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(mode))
}

func unmarshalInit(buf []byte) (StreamMode, error) {
	mode := StreamModeUnspecified
	err := consumeFields(buf, func(num protowire.Number, v uint64, _ []byte) {
		if num == fieldInitMode {
			mode = StreamMode(v)
		}
	})
	if err != nil {
		return StreamModeUnspecified, err
	}
	if mode != StreamModeGossip && mode != StreamModeEvent {
		return StreamModeUnspecified, fmt.Errorf("%w: unknown stream mode %d", ErrProtocolViolation, mode)
	}
	return mode, nil
}

func marshalResult(rf resultFrame) []byte {
	buf := protowire.AppendTag(nil, fieldResultResult, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(rf.result))
	buf = protowire.AppendTag(buf, fieldResultCode, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(rf.code))
	if rf.message != "" {
		buf = protowire.AppendTag(buf, fieldResultMessage, protowire.BytesType)
		buf = protowire.AppendString(buf, rf.message)
	}
	return buf
}

func unmarshalResult(buf []byte) (resultFrame, error) {
	var rf resultFrame
	err := consumeFields(buf, func(num protowire.Number, v uint64, b []byte) {
		switch num {
		case fieldResultResult:
			rf.result = link.Result(v)
		case fieldResultCode:
			rf.code = ErrorCode(v)
		case fieldResultMessage:
			rf.message = string(b)
		}
	})
	return rf, err
}

// consumeFields walks varint and bytes fields, others are skipped.
func consumeFields(buf []byte, fn func(num protowire.Number, v uint64, b []byte)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			fn(num, v, nil)
			buf = buf[n:]
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			fn(num, 0, b)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if err := protowire.ParseError(n); err != nil {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			buf = buf[n:]
		}
	}
	return nil
}

// frames bounds every frame exchanged with peers to `MaxFrameSize`.
var frames = flow.FrameCodec{MaxSize: MaxFrameSize}

var (
	initCodec = flow.MessageCodec[StreamMode]{
		Frames:    frames,
		Marshal:   marshalInit,
		Unmarshal: unmarshalInit,
	}
	eventCodec = flow.MessageCodec[*event.Event]{
		Frames:    frames,
		Marshal:   event.Marshal,
		Unmarshal: event.Unmarshal,
	}
	resultCodec = flow.MessageCodec[resultFrame]{
		Frames:    frames,
		Marshal:   marshalResult,
		Unmarshal: unmarshalResult,
	}
)

// isViolation reports errors caused by a peer not speaking the protocol.
func isViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, flow.ErrMalformedFrame) ||
		errors.Is(err, flow.ErrTooLargeFrame)
}
