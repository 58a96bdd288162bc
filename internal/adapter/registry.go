package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Factory builds an adapter of one kind from shared settings and
// kind-specific construction parameters.
type Factory func(settings Settings, params map[string]any) (ConnectionAdapter, error)

// Registry maps adapter kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in adapter kinds registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindTCPClient, func(settings Settings, params map[string]any) (ConnectionAdapter, error) {
		var p TCPClientParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewTCPClient(settings, p)
	})
	r.Register(KindSimulated, func(settings Settings, params map[string]any) (ConnectionAdapter, error) {
		var p SimulatedParams
		if err := DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewSimulated(settings, p)
	})
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs an adapter of the given kind.
func (r *Registry) Build(kind string, settings Settings, params map[string]any) (ConnectionAdapter, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown adapter kind %q (known: %v)", kind, r.Kinds())
	}
	a, err := f(settings, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter %s: %w", kind, settings.Name, err)
	}
	return a, nil
}

// Builder returns a Builder that rebuilds the adapter with override params
// merged over the original ones.
func (r *Registry) Builder(kind string, settings Settings, params map[string]any) Builder {
	return func(overrides map[string]any) (ConnectionAdapter, error) {
		merged := make(map[string]any, len(params)+len(overrides))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range overrides {
			merged[k] = v
		}
		return r.Build(kind, settings, merged)
	}
}

// DecodeParams decodes a loosely typed parameter map into out. Strings are
// accepted for numbers, booleans and durations ("250ms").
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create params decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid adapter params: %w", err)
	}
	return nil
}
