package weft

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/raskyld/weft/pkg/alias"
	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/guest"
	"github.com/raskyld/weft/pkg/ids"
)

// Function is the code an instance runs. The node calls it from a single
// goroutine per instance, events are handled one at a time in arrival
// order.
//
// *Implementations* MUST return from handlers once `ctx` is done, it is
// cancelled when the instance is stopped.
type Function interface {
	// Init is called once before the instance handles events, `g` can
	// already cast and call. It stays valid until `Stop` returns.
	Init(ctx context.Context, g *guest.Guest, state []byte) error

	// HandleCast processes a fire-and-forget event, errors are logged.
	HandleCast(ctx context.Context, ev *event.Event) error

	// HandleCall answers a call. The returned data MUST be a reply kind
	// (CallRet, CallNoRet or Err), anything else is replaced by Err.
	HandleCall(ctx context.Context, ev *event.Event) event.Data

	// Stop is called once the instance no longer receives events.
	Stop(ctx context.Context) error
}

// NopFunction can be embedded to only implement the handlers you need.
type NopFunction struct{}

func (NopFunction) Init(context.Context, *guest.Guest, []byte) error { return nil }

func (NopFunction) HandleCast(context.Context, *event.Event) error { return nil }

func (NopFunction) HandleCall(context.Context, *event.Event) event.Data { return event.CallNoRet() }

func (NopFunction) Stop(context.Context) error { return nil }

// FunctionSpec asks the node to spawn an instance.
type FunctionSpec struct {
	// Class names what the instance runs, it is only used for telemetry.
	Class    string
	Function Function
	Outputs  map[ids.PortID]alias.Output
	State    []byte

	// Component is the id of the new instance, a random one is generated
	// when zero.
	Component ids.ComponentID
}

func (spec FunctionSpec) validate() error {
	if spec.Function == nil {
		return fmt.Errorf("%w: no function", ErrInvalidSpec)
	}
	if spec.Class == "" {
		return fmt.Errorf("%w: no class", ErrInvalidSpec)
	}
	return nil
}

// StateLoader is implemented by state sinks able to give back the last
// checkpoint of an instance.
type StateLoader interface {
	Load(instance ids.InstanceID) ([]byte, bool)
}

// memStates is the default state sink, it keeps the last checkpoint of
// every instance in memory.
type memStates struct {
	states map[ids.InstanceID][]byte
	lk     sync.RWMutex
}

var (
	_ guest.StateSink = (*memStates)(nil)
	_ StateLoader     = (*memStates)(nil)
)

func newMemStates() *memStates {
	return &memStates{states: make(map[ids.InstanceID][]byte)}
}

func (s *memStates) Sync(instance ids.InstanceID, state []byte) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.states[instance] = state
	return nil
}

func (s *memStates) Load(instance ids.InstanceID) ([]byte, bool) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	state, ok := s.states[instance]
	return bytes.Clone(state), ok
}
