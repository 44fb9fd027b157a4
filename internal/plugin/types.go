package plugin

import (
	"context"

	"lumerelay/internal/rpc"
)

// Plugin is a named set of methods. Load registers them through api.
type Plugin struct {
	Name string
	Load func(api *API) error
}

// Registrar stores methods
type Registrar interface {
	RegisterMethod(module, method string, spec rpc.Method) error
	ListMethods() []string
}

// LocalDispatcher executes requests in-process
type LocalDispatcher interface {
	HandleRequest(ctx context.Context, req *rpc.Request) *rpc.Response
}
