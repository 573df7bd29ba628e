// Package ids defines how things are addressed on the fabric.
//
// A `NodeID` names a host, a `ComponentID` names a schedulable unit (function
// or resource instance) and the pair of both, an `InstanceID`, addresses a
// running component anywhere in the fleet. `PortID`s are symbolic names of the
// inputs and outputs of a function class.
package ids

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const MaxPortLength = 128

// SelfPort is the reserved port designating the caller itself.
const SelfPort PortID = "self"

var (
	ErrInvalidPort = errors.New("ids: ports must only contain alphanum, dashes, dots, underscores and be less than 128 chars")
	ErrInvalidID   = errors.New("ids: malformed identifier")
)

var InvalidPortName = regexp.MustCompile(`[^A-Za-z0-9\-\._]+`)

type NodeID uuid.UUID

type ComponentID uuid.UUID

// InstanceID uniquely addresses a running component. It is comparable and
// can be used as a map key.
type InstanceID struct {
	Node      NodeID
	Component ComponentID
}

type PortID string

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func NewComponentID() ComponentID {
	return ComponentID(uuid.New())
}

func ParseNodeID(s string) (NodeID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	return NodeID(id), nil
}

func ParseComponentID(s string) (ComponentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ComponentID{}, fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	return ComponentID(id), nil
}

// ParseInstanceID parses the `node/component` form produced by
// `InstanceID.String`.
func ParseInstanceID(s string) (InstanceID, error) {
	node, component, ok := strings.Cut(s, "/")
	if !ok {
		return InstanceID{}, fmt.Errorf("%w: missing separator in %q", ErrInvalidID, s)
	}
	nid, err := ParseNodeID(node)
	if err != nil {
		return InstanceID{}, err
	}
	cid, err := ParseComponentID(component)
	if err != nil {
		return InstanceID{}, err
	}
	return InstanceID{Node: nid, Component: cid}, nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ComponentID) String() string {
	return uuid.UUID(id).String()
}

func (id ComponentID) IsZero() bool {
	return id == ComponentID{}
}

func (id InstanceID) String() string {
	return id.Node.String() + "/" + id.Component.String()
}

func (id InstanceID) IsZero() bool {
	return id.Node.IsZero() && id.Component.IsZero()
}

func ValidatePortID(port PortID) error {
	if len(port) == 0 || len(port) > MaxPortLength || InvalidPortName.MatchString(string(port)) {
		return ErrInvalidPort
	}
	return nil
}
