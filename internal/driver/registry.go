package driver

import (
	"context"
	"sort"
	"strings"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/config"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
)

// Factory builds a composed driver for one provider from its resolved
// configuration. Factories validate credentials eagerly so a misconfigured
// provider fails at compose time, not on first use.
type Factory func(ctx context.Context, cfg config.Provider) (*Driver, error)

// registry maps provider name to factory. Populated from init functions of
// the adapter packages, read-only afterwards.
var registry = make(map[string]Factory)

// Register makes a driver factory available under the given name. It is
// called from adapter init functions.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New builds a driver for the named provider.
func New(ctx context.Context, name string, cfg config.Provider) (*Driver, error) {
	factory, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindValidation,
			"unknown provider %q (available: %s)", name, strings.Join(Available(), ", "))
	}
	return factory(ctx, cfg)
}

// Available returns the registered provider names, sorted.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
