// Package broadcast fans one request out to a set of relays and collects
// every relay's answer, including its own through loopback.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"lumerelay/internal/metrics"
	"lumerelay/internal/rpc"
)

// DefaultTimeout bounds each relay's answer when the caller sets none
const DefaultTimeout = 5 * time.Second

// LocalDispatcher executes requests in-process
type LocalDispatcher interface {
	HandleRequest(ctx context.Context, req *rpc.Request) *rpc.Response
}

// Params is the payload of rpc.broadcast_request
type Params struct {
	Request *rpc.Request `msgpack:"request"`
	Relays  []string     `msgpack:"relays"`
	Timeout int64        `msgpack:"timeout,omitempty"` // milliseconds
}

// ParseParams decodes a broadcast payload as it arrives from the wire.
// Nested broadcasts are rejected before anything else is checked.
func ParseParams(data any) (*Params, error) {
	raw, err := msgpack.Marshal(data)
	if err != nil {
		return nil, rpc.NewValidationError("invalid broadcast payload")
	}

	var params Params
	if err := msgpack.Unmarshal(raw, &params); err != nil {
		return nil, rpc.NewValidationError(fmt.Sprintf("invalid broadcast payload: %v", err))
	}

	if params.Request != nil && params.Request.IsBroadcast() {
		return nil, rpc.ErrRecursiveBroadcast
	}
	if params.Request == nil {
		return nil, rpc.NewValidationError("request required")
	}
	if params.Request.Module == "" {
		return nil, rpc.NewValidationError("request.module required")
	}
	if params.Request.Method == "" {
		return nil, rpc.NewValidationError("request.method required")
	}
	if len(params.Relays) == 0 {
		return nil, rpc.NewValidationError("relays required")
	}
	if params.Timeout < 0 {
		return nil, rpc.NewValidationError("timeout must not be negative")
	}

	return &params, nil
}

// Broadcaster sends requests to many relays at once
type Broadcaster struct {
	self    string
	local   LocalDispatcher
	peers   rpc.ClientResolver
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Broadcaster. self is this relay's id.
func New(self string, local LocalDispatcher, peers rpc.ClientResolver, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broadcaster{
		self:    self,
		local:   local,
		peers:   peers,
		timeout: timeout,
		metrics: m,
		logger:  logger.With().Str("component", "broadcast").Logger(),
	}
}

// Broadcast sends req to every relay and waits for all of them. A relay that
// fails or misses its deadline gets an error entry; it never fails the whole
// broadcast. A zero timeout uses the default.
func (b *Broadcaster) Broadcast(ctx context.Context, req *rpc.Request, relays []string, timeout time.Duration) (map[string]*rpc.Response, error) {
	if req.IsBroadcast() {
		return nil, rpc.ErrRecursiveBroadcast
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*rpc.Response, len(relays))
		g       errgroup.Group
	)

	for _, relay := range relays {
		mu.Lock()
		_, seen := results[relay]
		results[relay] = nil
		mu.Unlock()
		if seen {
			continue
		}

		g.Go(func() error {
			resp := b.callRelay(ctx, relay, req, timeout)
			mu.Lock()
			results[relay] = resp
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	b.logger.Debug().
		Str("method", req.FullMethod()).
		Int("relays", len(results)).
		Msg("broadcast complete")

	return results, nil
}

// Handle is the rpc.broadcast_request handler
func (b *Broadcaster) Handle(ctx context.Context, data any) (rpc.Result, error) {
	params, err := ParseParams(data)
	if err != nil {
		return rpc.Result{}, err
	}

	relays, err := b.Broadcast(ctx, params.Request, params.Relays, time.Duration(params.Timeout)*time.Millisecond)
	if err != nil {
		return rpc.Result{}, err
	}

	return rpc.Envelope(&rpc.Response{
		Data:        true,
		SignedField: "relays",
		Relays:      relays,
	}), nil
}

// callRelay runs one relay slot. The slot answers at its deadline even if
// the call underneath keeps running.
func (b *Broadcaster) callRelay(ctx context.Context, relay string, req *rpc.Request, timeout time.Duration) *rpc.Response {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan *rpc.Response, 1)
	go func() {
		result <- b.send(ctx, relay, req)
	}()

	select {
	case resp := <-result:
		if resp.HasError() {
			b.metrics.ObserveBroadcastSlot(metrics.OutcomeError)
		} else {
			b.metrics.ObserveBroadcastSlot(metrics.OutcomeOK)
		}
		return resp
	case <-ctx.Done():
		b.metrics.ObserveBroadcastSlot(metrics.OutcomeTimeout)
		b.logger.Debug().Str("relay", relay).Dur("timeout", timeout).Msg("relay timed out")
		return rpc.NewErrorResponse(&rpc.RelayTimeoutError{Relay: relay, Timeout: timeout})
	}
}

func (b *Broadcaster) send(ctx context.Context, relay string, req *rpc.Request) *rpc.Response {
	if strings.EqualFold(relay, b.self) {
		return b.local.HandleRequest(ctx, req.Clone())
	}

	if b.peers == nil {
		return rpc.NewErrorResponse(fmt.Errorf("no route to relay %s", relay))
	}

	client, err := b.peers.ClientForPeer(ctx, relay)
	if err != nil {
		return rpc.NewErrorResponse(err)
	}

	resp, err := client.Request(ctx, req.FullMethod(), req.Data)
	if err != nil {
		return rpc.NewErrorResponse(err)
	}
	if resp == nil {
		return &rpc.Response{Data: true}
	}
	return resp
}
