package swarm

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"lumerelay/internal/conn"
	"lumerelay/internal/rpc"
)

// Client issues requests to one remote relay, one stream per request
type Client struct {
	host     host.Host
	peer     peer.ID
	relay    string
	breakers *breakers
}

// ClientForPeer returns a client for relay
func (s *Swarm) ClientForPeer(ctx context.Context, relay string) (rpc.Client, error) {
	id, err := PeerIDFromRelay(relay)
	if err != nil {
		return nil, err
	}
	if id == s.host.ID() {
		return nil, fmt.Errorf("relay %s is this relay", relay)
	}
	return &Client{host: s.host, peer: id, relay: relay, breakers: s.breakers}, nil
}

// Request calls method ("module.method") on the relay. Transport failures
// count against the relay's breaker; error replies and calls the caller
// canceled do not.
func (c *Client) Request(ctx context.Context, method string, data any) (*rpc.Response, error) {
	module, name, err := rpc.SplitMethod(method)
	if err != nil {
		return nil, err
	}

	if !c.breakers.allow(c.relay) {
		return nil, ErrRelayUnavailable
	}

	resp, err := c.call(ctx, module, name, data)
	switch {
	case err == nil:
		c.breakers.success(c.relay)
	case ctx.Err() != nil:
		c.breakers.release(c.relay)
	default:
		c.breakers.failure(c.relay)
	}
	return resp, err
}

func (c *Client) call(ctx context.Context, module, method string, data any) (*rpc.Response, error) {
	stream, err := c.host.NewStream(ctx, c.peer, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to relay %s: %w", c.relay, err)
	}

	return conn.Call(ctx, conn.NewStreamFramer(stream), &rpc.Request{
		Module: module,
		Method: method,
		Data:   data,
	})
}
