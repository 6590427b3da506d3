// Package providers builds ProviderClient backends from configuration and holds the
// helpers shared by the vendor adapters.
package providers

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"aiorch/config"
	"aiorch/internal/core"
)

// ProviderOptions carries everything a builder needs to construct one backend
type ProviderOptions struct {
	// Name is the configured provider name, reported as CompletionResponse.Provider
	Name   string
	Config config.ProviderConfig
	// HTTPClient is the shared pooled client; nil lets the adapter build its own
	HTTPClient *http.Client
}

// Builder creates a provider instance from options
type Builder func(opts ProviderOptions) (core.Provider, error)

// Registration pairs a provider type with its constructor
type Registration struct {
	Type string
	New  func(opts ProviderOptions) core.Provider
}

// ProviderFactory maps provider types to builders. Each application owns its own
// factory, so tests never share registrations.
type ProviderFactory struct {
	mu         sync.RWMutex
	builders   map[string]Builder
	httpClient *http.Client
}

// NewProviderFactory creates an empty factory
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{builders: make(map[string]Builder)}
}

// Add registers a provider package's Registration
func (f *ProviderFactory) Add(reg Registration) {
	newProvider := reg.New
	f.Register(reg.Type, func(opts ProviderOptions) (core.Provider, error) {
		return newProvider(opts), nil
	})
}

// Register registers a builder for a provider type, replacing any previous one
func (f *ProviderFactory) Register(providerType string, builder Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[providerType] = builder
}

// SetHTTPClient sets the pooled client handed to every builder
func (f *ProviderFactory) SetHTTPClient(client *http.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.httpClient = client
}

// Create instantiates the provider called name from its configuration
func (f *ProviderFactory) Create(name string, cfg config.ProviderConfig) (core.Provider, error) {
	f.mu.RLock()
	builder, ok := f.builders[cfg.Type]
	client := f.httpClient
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	if name == "" {
		name = cfg.Type
	}
	return builder(ProviderOptions{Name: name, Config: cfg, HTTPClient: client})
}

// ListRegistered returns the registered provider types in sorted order
func (f *ProviderFactory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
