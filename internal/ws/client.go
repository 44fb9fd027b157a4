package ws

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"lumerelay/internal/conn"
	"lumerelay/internal/rpc"
)

// Client talks to a relay through its websocket gateway. Every request
// dials a fresh connection.
type Client struct {
	url    string
	dialer *websocket.Dialer
}

// NewClient creates a gateway client for url, e.g. ws://localhost:8080/
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
	}
}

// Request calls module.method on the relay
func (c *Client) Request(ctx context.Context, method string, data any) (*rpc.Response, error) {
	module, name, err := rpc.SplitMethod(method)
	if err != nil {
		return nil, err
	}

	return c.Send(ctx, &rpc.Request{Module: module, Method: name, Data: data})
}

// Send performs req as given, including its bypassCache flag
func (c *Client) Send(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	return conn.Call(ctx, newFramer(ws), req)
}
