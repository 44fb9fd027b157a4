package plugin

import (
	"context"

	"lumerelay/internal/rpc"
)

// Core serves liveness and method discovery
func Core() Plugin {
	return Plugin{
		Name: "core",
		Load: func(api *API) error {
			if err := api.RegisterMethod("ping", rpc.Method{
				Handler: func(ctx context.Context, data any) (rpc.Result, error) {
					return rpc.Value("pong"), nil
				},
			}); err != nil {
				return err
			}

			// get_methods answers only once every plugin registered
			return api.RegisterMethod("get_methods", rpc.Method{
				Handler: func(ctx context.Context, data any) (rpc.Result, error) {
					if err := api.Signals.PluginsLoaded.Wait(ctx); err != nil {
						return rpc.Result{}, err
					}
					return rpc.Value(api.Methods()), nil
				},
			})
		},
	}
}
