package plugin

import (
	"context"

	"github.com/rs/zerolog"

	"lumerelay/internal/rpc"
)

// API is what a plugin sees of the relay. Each plugin gets its own, bound
// to the plugin's module name and config section.
type API struct {
	name     string
	registry Registrar
	local    LocalDispatcher
	config   map[string]any

	Logger   zerolog.Logger
	Identity string // this relay's public key, hex
	Signals  *Signals
}

// Name returns the module name methods are registered under
func (a *API) Name() string {
	return a.name
}

// RegisterMethod registers a method under the plugin's module
func (a *API) RegisterMethod(method string, spec rpc.Method) error {
	if err := a.registry.RegisterMethod(a.name, method, spec); err != nil {
		return err
	}
	a.Logger.Debug().Str("method", a.name+"."+method).Msg("method registered")
	return nil
}

// Config returns a key from the plugin's config section
func (a *API) Config(key string) (any, bool) {
	v, ok := a.config[key]
	return v, ok
}

// ConfigString returns a string config key or def
func (a *API) ConfigString(key, def string) string {
	if s, ok := a.config[key].(string); ok {
		return s
	}
	return def
}

// Methods lists every registered "module.method"
func (a *API) Methods() []string {
	return a.registry.ListMethods()
}

// Request runs a request through the local dispatcher
func (a *API) Request(ctx context.Context, req *rpc.Request) *rpc.Response {
	if a.local == nil {
		return rpc.NewErrorResponse(rpc.ErrInvalidModule)
	}
	return a.local.HandleRequest(ctx, req)
}
