// Package alias translates the symbolic output ports of an instance into
// concrete destination instances.
//
// A `Table` holds an immutable `Mapping` snapshot which is replaced as a
// whole on every patch, so each event observes one consistent mapping.
package alias

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/raskyld/weft/pkg/ids"
)

var (
	ErrUnmappedPort  = errors.New("alias: port is not mapped")
	ErrInvalidOutput = errors.New("alias: invalid output")
)

// Policy is the fan-out policy of an `Output`.
type Policy uint8

const (
	// Single delivers to exactly one instance.
	Single Policy = iota
	// Any delivers to exactly one member of a set, chosen round-robin.
	Any
	// All delivers to every member of a set.
	All
)

func (p Policy) String() string {
	switch p {
	case Any:
		return "any"
	case All:
		return "all"
	default:
		return "single"
	}
}

// Output is the destination of an output port.
type Output struct {
	Policy  Policy
	Targets []ids.InstanceID
}

func SingleOutput(target ids.InstanceID) Output {
	return Output{Policy: Single, Targets: []ids.InstanceID{target}}
}

// AnyOutput delivers to one member, duplicates are removed and the first
// seen order is kept.
func AnyOutput(targets ...ids.InstanceID) Output {
	return Output{Policy: Any, Targets: dedup(targets)}
}

// AllOutput delivers to every member, duplicates are removed and the first
// seen order is kept.
func AllOutput(targets ...ids.InstanceID) Output {
	return Output{Policy: All, Targets: dedup(targets)}
}

func dedup(targets []ids.InstanceID) []ids.InstanceID {
	seen := make(map[ids.InstanceID]struct{}, len(targets))
	result := make([]ids.InstanceID, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		result = append(result, t)
	}
	return result
}

func (o Output) Validate() error {
	switch o.Policy {
	case Single:
		if len(o.Targets) != 1 {
			return fmt.Errorf("%w: single output needs exactly one target", ErrInvalidOutput)
		}
	case Any, All:
		if len(o.Targets) == 0 {
			return fmt.Errorf("%w: empty %s set", ErrInvalidOutput, o.Policy)
		}
	default:
		return fmt.Errorf("%w: unknown policy %d", ErrInvalidOutput, o.Policy)
	}
	for _, t := range o.Targets {
		if t.IsZero() {
			return fmt.Errorf("%w: empty target", ErrInvalidOutput)
		}
	}
	return nil
}

func (o Output) Equal(other Output) bool {
	return o.Policy == other.Policy && slices.Equal(o.Targets, other.Targets)
}

// PatchRequest replaces the whole output mapping of a component.
type PatchRequest struct {
	FunctionID    ids.ComponentID
	OutputMapping map[ids.PortID]ids.InstanceID
}

// Outputs renders the request into `Single` outputs.
func (req PatchRequest) Outputs() map[ids.PortID]Output {
	outputs := make(map[ids.PortID]Output, len(req.OutputMapping))
	for port, target := range req.OutputMapping {
		outputs[port] = SingleOutput(target)
	}
	return outputs
}

// Mapping is an immutable snapshot of an instance output mapping.
type Mapping struct {
	outputs map[ids.PortID]Output
	cursors map[ids.PortID]*atomic.Uint64
}

func newMapping(outputs map[ids.PortID]Output) *Mapping {
	m := &Mapping{
		outputs: make(map[ids.PortID]Output, len(outputs)),
		cursors: make(map[ids.PortID]*atomic.Uint64),
	}
	for port, out := range outputs {
		m.outputs[port] = Output{Policy: out.Policy, Targets: slices.Clone(out.Targets)}
		if out.Policy == Any {
			m.cursors[port] = &atomic.Uint64{}
		}
	}
	return m
}

func (m *Mapping) Output(port ids.PortID) (Output, bool) {
	out, ok := m.outputs[port]
	return out, ok
}

func (m *Mapping) Ports() []ids.PortID {
	return slices.Sorted(maps.Keys(m.outputs))
}

func (m *Mapping) Len() int {
	return len(m.outputs)
}

// Equal compares the destinations of both mappings, the round-robin
// cursors are not part of the comparison.
func (m *Mapping) Equal(other *Mapping) bool {
	return maps.EqualFunc(m.outputs, other.outputs, Output.Equal)
}

// Targets returns the instances an event sent on `port` must be delivered
// to.
//
// For `Any`, the n-th resolution (0-based) on this snapshot returns the
// member at index `n mod len(set)`. The cursor starts over when the mapping
// is replaced.
func (m *Mapping) Targets(port ids.PortID) (Policy, []ids.InstanceID, error) {
	out, ok := m.outputs[port]
	if !ok {
		return Single, nil, fmt.Errorf("%w: %s", ErrUnmappedPort, port)
	}

	switch out.Policy {
	case Any:
		n := m.cursors[port].Add(1) - 1
		return Any, []ids.InstanceID{out.Targets[n%uint64(len(out.Targets))]}, nil
	default:
		return out.Policy, out.Targets, nil
	}
}

// Table is the hot-swappable output mapping of one instance.
type Table struct {
	current *Mapping
	lk      sync.RWMutex
}

func NewTable(outputs map[ids.PortID]Output) (*Table, error) {
	if err := validate(outputs); err != nil {
		return nil, err
	}
	return &Table{current: newMapping(outputs)}, nil
}

func validate(outputs map[ids.PortID]Output) error {
	for port, out := range outputs {
		if err := ids.ValidatePortID(port); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOutput, err)
		}
		if port == ids.SelfPort {
			return fmt.Errorf("%w: %s is reserved", ErrInvalidOutput, ids.SelfPort)
		}
		if err := out.Validate(); err != nil {
			return fmt.Errorf("%w (port %s)", err, port)
		}
	}
	return nil
}

// Snapshot returns the current mapping. It stays valid and unchanged even if
// the table is patched afterwards.
func (t *Table) Snapshot() *Mapping {
	t.lk.RLock()
	defer t.lk.RUnlock()
	return t.current
}

// Resolve reads the targets of `port` on the current snapshot.
func (t *Table) Resolve(port ids.PortID) (Policy, []ids.InstanceID, error) {
	return t.Snapshot().Targets(port)
}

// Replace atomically swaps the whole mapping.
func (t *Table) Replace(outputs map[ids.PortID]Output) error {
	if err := validate(outputs); err != nil {
		return err
	}
	next := newMapping(outputs)

	t.lk.Lock()
	t.current = next
	t.lk.Unlock()
	return nil
}

// Patch applies a `PatchRequest`, applying the same request twice yields the
// same mapping.
func (t *Table) Patch(req PatchRequest) error {
	return t.Replace(req.Outputs())
}
