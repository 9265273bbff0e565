// Package providers builds the configured upstream adapters and holds the
// helpers every adapter shares.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/core"
)

// ProviderOptions holds the settings shared by every adapter instance.
type ProviderOptions struct {
	// HTTPClient is the shared upstream transport. Nil lets the adapter build its own.
	HTTPClient *http.Client
	Resilience config.ResilienceConfig
}

// Constructor builds one adapter instance for a configured provider.
type Constructor func(name string, cfg config.ProviderConfig, opts ProviderOptions) (core.Provider, error)

// Registration describes an adapter family to the factory.
type Registration struct {
	Type string
	New  Constructor
}

// Factory creates providers from configuration. Registrations are passed in
// explicitly by the composition root; there is no package-level registry.
type Factory struct {
	builders map[string]Constructor
}

// NewFactory creates a factory knowing the given adapter families.
func NewFactory(regs ...Registration) *Factory {
	f := &Factory{builders: make(map[string]Constructor, len(regs))}
	for _, reg := range regs {
		f.Add(reg)
	}
	return f
}

// Add registers an adapter family, replacing any earlier one of the same type.
func (f *Factory) Add(reg Registration) {
	f.builders[reg.Type] = reg.New
}

// Types returns the registered adapter families, sorted.
func (f *Factory) Types() []string {
	types := make([]string, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create instantiates the provider called name.
func (f *Factory) Create(name string, cfg config.ProviderConfig, opts ProviderOptions) (core.Provider, error) {
	build, ok := f.builders[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("provider %q: unknown provider type %q", name, cfg.Type)
	}
	p, err := build(name, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	return p, nil
}

// CreateAll instantiates every configured provider. Failures are joined so a
// misconfiguration reports all bad entries at once.
func (f *Factory) CreateAll(cfgs map[string]config.ProviderConfig, opts ProviderOptions) (map[string]core.Provider, error) {
	out := make(map[string]core.Provider, len(cfgs))
	var errs []error
	for name, cfg := range cfgs {
		p, err := f.Create(name, cfg, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
