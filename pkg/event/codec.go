package event

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/raskyld/weft/pkg/ids"
	"google.golang.org/protobuf/encoding/protowire"
)

// The envelope is encoded using the protobuf wire format so it stays
// self-describing: unknown fields are skipped which let us extend the
// envelope without breaking older peers.
const (
	fieldTarget     protowire.Number = 1
	fieldSource     protowire.Number = 2
	fieldStreamID   protowire.Number = 3
	fieldTargetPort protowire.Number = 4
	fieldKind       protowire.Number = 5
	fieldPayload    protowire.Number = 6

	fieldInstanceNode      protowire.Number = 1
	fieldInstanceComponent protowire.Number = 2
)

var ErrMalformedEvent = errors.New("event: malformed event")

// Marshal encodes `ev` using the protobuf wire format.
func Marshal(ev *Event) []byte {
	return AppendMarshal(make([]byte, 0, 96+len(ev.Data.Payload)), ev)
}

func AppendMarshal(buf []byte, ev *Event) []byte {
	buf = protowire.AppendTag(buf, fieldTarget, protowire.BytesType)
	buf = protowire.AppendBytes(buf, marshalInstance(ev.Target))
	buf = protowire.AppendTag(buf, fieldSource, protowire.BytesType)
	buf = protowire.AppendBytes(buf, marshalInstance(ev.Source))
	buf = protowire.AppendTag(buf, fieldStreamID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, ev.StreamID)
	buf = protowire.AppendTag(buf, fieldTargetPort, protowire.BytesType)
	buf = protowire.AppendString(buf, string(ev.TargetPort))
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(ev.Data.Kind))
	if ev.Data.Payload != nil {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, ev.Data.Payload)
	}
	return buf
}

func marshalInstance(id ids.InstanceID) []byte {
	node := uuid.UUID(id.Node)
	comp := uuid.UUID(id.Component)
	buf := make([]byte, 0, 2*(len(node)+2))
	buf = protowire.AppendTag(buf, fieldInstanceNode, protowire.BytesType)
	buf = protowire.AppendBytes(buf, node[:])
	buf = protowire.AppendTag(buf, fieldInstanceComponent, protowire.BytesType)
	buf = protowire.AppendBytes(buf, comp[:])
	return buf
}

// Unmarshal decodes an event produced by `Marshal`.
// The returned event does not alias `buf`.
func Unmarshal(buf []byte) (*Event, error) {
	ev := &Event{}
	var hasTarget, hasKind bool

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		buf = buf[n:]

		switch {
		case num == fieldTarget && typ == protowire.BytesType,
			num == fieldSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if err := protowire.ParseError(n); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
			}
			id, err := unmarshalInstance(v)
			if err != nil {
				return nil, err
			}
			if num == fieldTarget {
				ev.Target = id
				hasTarget = true
			} else {
				ev.Source = id
			}
			buf = buf[n:]
		case num == fieldStreamID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(n); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
			}
			ev.StreamID = v
			buf = buf[n:]
		case num == fieldTargetPort && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if err := protowire.ParseError(n); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
			}
			ev.TargetPort = ids.PortID(v)
			buf = buf[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(n); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
			}
			ev.Data.Kind = Kind(v)
			hasKind = true
			buf = buf[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if err := protowire.ParseError(n); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
			}
			ev.Data.Payload = bytes.Clone(v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if err := protowire.ParseError(n); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
			}
			buf = buf[n:]
		}
	}

	if !hasTarget || !hasKind {
		return nil, fmt.Errorf("%w: missing target or kind", ErrMalformedEvent)
	}
	if !ev.Data.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedEvent, ev.Data.Kind)
	}
	if err := ids.ValidatePortID(ev.TargetPort); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return ev, nil
}

func unmarshalInstance(buf []byte) (id ids.InstanceID, err error) {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return id, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		buf = buf[n:]

		if typ != protowire.BytesType || (num != fieldInstanceNode && num != fieldInstanceComponent) {
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if err := protowire.ParseError(n); err != nil {
				return id, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
			}
			buf = buf[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(buf)
		if err := protowire.ParseError(n); err != nil {
			return id, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		raw, err := uuid.FromBytes(v)
		if err != nil {
			return id, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		if num == fieldInstanceNode {
			id.Node = ids.NodeID(raw)
		} else {
			id.Component = ids.ComponentID(raw)
		}
		buf = buf[n:]
	}
	return id, nil
}
