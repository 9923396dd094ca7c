package repository

import (
	"context"
	"fmt"
)

// Opener is implemented by each provider package so the factory can stay
// free of an import cycle on localfs/cloud while still dispatching to
// them. RegisterProvider is called from each provider package's init.
type Opener func(ctx context.Context, cfg FactoryConfig) (*Repositories, error)

var providers = map[string]Opener{}

// RegisterProvider makes a provider tag (e.g. "local", "cloud") available
// to New. Provider packages call this from an init function so that
// importing them for side effect is enough to make them selectable.
func RegisterProvider(tag string, open Opener) {
	providers[tag] = open
}

// New opens the configured Repositories bundle for cfg.Provider.
// Importers must blank-import the localfs and cloud packages (or
// whichever subset they need) to register the corresponding providers.
func New(ctx context.Context, cfg FactoryConfig) (*Repositories, error) {
	open, ok := providers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("repository: unknown infrastructure provider %q", cfg.Provider)
	}
	return open(ctx, cfg)
}
