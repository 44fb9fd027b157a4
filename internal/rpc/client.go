package rpc

import "context"

// Client issues requests to one remote relay
type Client interface {
	// Request calls "module.method" on the relay with the given payload
	Request(ctx context.Context, method string, data any) (*Response, error)
}

// ClientResolver resolves a relay id to a Client
type ClientResolver interface {
	ClientForPeer(ctx context.Context, relay string) (Client, error)
}
