package weft

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/raskyld/weft/pkg/alias"
	"github.com/raskyld/weft/pkg/ids"
)

// Provider builds the instances of a resource class, e.g. a KV store or an
// HTTP gateway, which functions then address like any other instance.
type Provider struct {
	ClassType string
	Version   string

	// Outputs the resource may emit on.
	Outputs []ids.PortID

	// ConfigKeys are required, and the only accepted, configuration keys.
	ConfigKeys []string

	New func(config map[string]string) (Function, error)
}

// Key is the registry key of the provider, `classType@version`.
func (p Provider) Key() string {
	return p.ClassType + "@" + p.Version
}

func (p Provider) validate() error {
	if p.ClassType == "" || p.Version == "" {
		return fmt.Errorf("%w: class type and version are required", ErrInvalidProvider)
	}
	if strings.Contains(p.ClassType, "@") {
		return fmt.Errorf("%w: class type cannot contain @", ErrInvalidProvider)
	}
	if p.New == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrInvalidProvider, p.Key())
	}
	for _, port := range p.Outputs {
		if err := ids.ValidatePortID(port); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidProvider, p.Key(), err)
		}
	}
	return nil
}

// ResourceSpec asks to spawn an instance of a registered `Provider`.
type ResourceSpec struct {
	ClassType string
	Version   string
	Config    map[string]string
	Outputs   map[ids.PortID]alias.Output
	State     []byte

	// Component is the id of the new instance, a random one is generated
	// when zero.
	Component ids.ComponentID
}

// providerRegistry is an immutable radix tree swapped on registration,
// readers never lock.
type providerRegistry struct {
	tree *iradix.Tree
	lk   sync.Mutex
}

func newProviderRegistry() *providerRegistry {
	return &providerRegistry{tree: iradix.New()}
}

func (r *providerRegistry) register(p Provider) error {
	if err := p.validate(); err != nil {
		return err
	}

	p.Outputs = slices.Clone(p.Outputs)
	p.ConfigKeys = slices.Clone(p.ConfigKeys)

	r.lk.Lock()
	defer r.lk.Unlock()
	next, old, _ := r.tree.Insert([]byte(p.Key()), p)
	if old != nil {
		return fmt.Errorf("%w: %s", ErrProviderExists, p.Key())
	}
	r.tree = next
	return nil
}

func (r *providerRegistry) snapshot() *iradix.Tree {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.tree
}

func (r *providerRegistry) get(classType, version string) (Provider, bool) {
	raw, ok := r.snapshot().Get([]byte(classType + "@" + version))
	if !ok {
		return Provider{}, false
	}
	return raw.(Provider), true
}

// scan lists the providers whose key starts with `prefix`, in key order.
func (r *providerRegistry) scan(prefix string) []Provider {
	var providers []Provider
	r.snapshot().Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		providers = append(providers, v.(Provider))
		return false
	})
	return providers
}

// checkResource validates `spec` against the provider it names.
func checkResource(p Provider, spec ResourceSpec) error {
	for _, key := range p.ConfigKeys {
		if _, ok := spec.Config[key]; !ok {
			return fmt.Errorf("%w: %s requires config key %q", ErrInvalidSpec, p.Key(), key)
		}
	}
	for key := range spec.Config {
		if !slices.Contains(p.ConfigKeys, key) {
			return fmt.Errorf("%w: %s does not accept config key %q", ErrInvalidSpec, p.Key(), key)
		}
	}
	for port := range spec.Outputs {
		if !slices.Contains(p.Outputs, port) {
			return fmt.Errorf("%w: %s has no output %q", ErrInvalidSpec, p.Key(), port)
		}
	}
	return nil
}

// RegisterProvider makes a resource class available to `SpawnResource`.
func (n *Node) RegisterProvider(p Provider) error {
	return n.providers.register(p)
}

// Providers lists the registered providers whose `classType@version` key
// starts with `prefix`.
func (n *Node) Providers(prefix string) []Provider {
	return n.providers.scan(prefix)
}

// SpawnResource validates `spec` against its provider, builds the resource
// and spawns it like a function.
func (n *Node) SpawnResource(ctx context.Context, spec ResourceSpec) (ids.InstanceID, error) {
	p, ok := n.providers.get(spec.ClassType, spec.Version)
	if !ok {
		return ids.InstanceID{}, fmt.Errorf("%w: %s@%s", ErrUnknownProvider, spec.ClassType, spec.Version)
	}
	if err := checkResource(p, spec); err != nil {
		return ids.InstanceID{}, err
	}

	fn, err := p.New(spec.Config)
	if err != nil {
		return ids.InstanceID{}, fmt.Errorf("%w: %s: %w", ErrInvalidSpec, p.Key(), err)
	}

	return n.Spawn(ctx, FunctionSpec{
		Class:     p.Key(),
		Function:  fn,
		Outputs:   spec.Outputs,
		State:     spec.State,
		Component: spec.Component,
	})
}
