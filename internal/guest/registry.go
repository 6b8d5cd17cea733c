package guest

import (
	"context"
	"fmt"
)

// Provider acquires guests for one provisioner variant.
type Provider interface {
	// Acquire provisions (or reconnects) a guest from its spec.
	Acquire(ctx context.Context, spec Spec) (Guest, error)

	// ParallelSafe reports whether multiple guests of this variant may
	// be provisioned concurrently.
	ParallelSafe() bool
}

// ProviderFactory creates a Provider. Registered per "how" value.
type ProviderFactory func() Provider

var providerRegistry = make(map[string]ProviderFactory)

// RegisterProvider registers a provisioner variant under its how value.
func RegisterProvider(how string, factory ProviderFactory) {
	providerRegistry[how] = factory
}

// NewProvider creates the provider registered for the given how value.
func NewProvider(how string) (Provider, error) {
	factory, ok := providerRegistry[how]
	if !ok {
		return nil, fmt.Errorf("provisioner %q is not registered", how)
	}
	return factory(), nil
}
