package stt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned by Registry.Create when no factory has been
// registered under the requested provider kind.
var ErrNotRegistered = errors.New("stt: provider kind not registered")

// Settings is the flattened configuration a factory consumes to build a
// Provider instance. It deliberately mirrors the provider entries of the
// service configuration without importing the config package, so provider
// implementations stay free of configuration concerns.
type Settings struct {
	// Name is the instance name ("deepgram-nova", "local-whisper"). Reported
	// by Provider.Name.
	Name string

	// Kind selects the factory ("wsbridge", "fake", ...).
	Kind string

	// URL is the endpoint for network-backed providers.
	URL string

	// APIKey is the credential for providers that need one.
	APIKey string

	// Model names the recognition model where the backend offers several.
	Model string

	// Language is the default BCP-47 language tag. Per-session options
	// override it.
	Language string

	// SampleRate is the provider's preferred rate in Hz. Zero lets the
	// factory pick its default.
	SampleRate int

	// Options carries kind-specific extras as opaque strings.
	Options map[string]string
}

// Factory constructs a Provider from its settings.
type Factory func(Settings) (Provider, error)

// Registry maps provider kinds to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register registers a provider factory under kind. Subsequent calls with
// the same kind overwrite the previous registration.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds returns the registered provider kinds in sorted order.
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

// Create instantiates a Provider using the factory registered under s.Kind.
// Returns [ErrNotRegistered] if no factory has been registered for that kind.
func (r *Registry) Create(s Settings) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[s.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, s.Kind)
	}
	return factory(s)
}
