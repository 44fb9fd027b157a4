package broadcast

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumerelay/internal/rpc"
)

const selfID = "aaaa"

type fakeLocal struct {
	calls atomic.Int32
}

func (l *fakeLocal) HandleRequest(ctx context.Context, req *rpc.Request) *rpc.Response {
	l.calls.Add(1)
	return &rpc.Response{Data: "local:" + req.FullMethod()}
}

type fakeClient struct {
	delay time.Duration
	resp  *rpc.Response
	err   error
}

func (c *fakeClient) Request(ctx context.Context, method string, data any) (*rpc.Response, error) {
	time.Sleep(c.delay)
	return c.resp, c.err
}

type fakePeers struct {
	clients  map[string]*fakeClient
	resolved atomic.Int32
}

func (p *fakePeers) ClientForPeer(ctx context.Context, relay string) (rpc.Client, error) {
	p.resolved.Add(1)
	c, ok := p.clients[relay]
	if !ok {
		return nil, errors.New("peer not found")
	}
	return c, nil
}

func newBroadcaster(local *fakeLocal, peers *fakePeers) *Broadcaster {
	return New(selfID, local, peers, time.Second, nil, zerolog.Nop())
}

func TestBroadcast_TimeoutIsolatedToSlowRelay(t *testing.T) {
	local := &fakeLocal{}
	peers := &fakePeers{clients: map[string]*fakeClient{
		"bbbb": {delay: 500 * time.Millisecond, resp: &rpc.Response{Data: "late"}},
		"cccc": {resp: &rpc.Response{Data: "remote"}},
	}}
	b := newBroadcaster(local, peers)

	req := &rpc.Request{Module: "eth", Method: "block_number", Data: map[string]any{}}

	start := time.Now()
	results, err := b.Broadcast(context.Background(), req, []string{selfID, "bbbb", "cccc"}, 50*time.Millisecond)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, 300*time.Millisecond)
	require.Len(t, results, 3)
	assert.Equal(t, "local:eth.block_number", results[selfID].Data)
	assert.Equal(t, "remote", results["cccc"].Data)
	assert.Equal(t, "relay timed out after 50 milliseconds", results["bbbb"].Error)
	assert.Equal(t, int32(1), local.calls.Load())
}

func TestBroadcast_FailuresStayInTheirSlot(t *testing.T) {
	peers := &fakePeers{clients: map[string]*fakeClient{
		"bbbb": {err: errors.New("stream reset")},
		"cccc": {resp: &rpc.Response{Error: "INVALID_METHOD"}},
	}}
	b := newBroadcaster(&fakeLocal{}, peers)

	results, err := b.Broadcast(context.Background(), &rpc.Request{Module: "a", Method: "b", Data: 1}, []string{"bbbb", "cccc", "dddd"}, 0)
	require.NoError(t, err)

	assert.Equal(t, "stream reset", results["bbbb"].Error)
	assert.Equal(t, "INVALID_METHOD", results["cccc"].Error)
	assert.Equal(t, "peer not found", results["dddd"].Error)
}

func TestBroadcast_SelfMatchIgnoresCase(t *testing.T) {
	local := &fakeLocal{}
	peers := &fakePeers{}
	b := newBroadcaster(local, peers)

	results, err := b.Broadcast(context.Background(), &rpc.Request{Module: "a", Method: "b", Data: 1}, []string{"AAAA", "AAAA"}, 0)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "local:a.b", results["AAAA"].Data)
	assert.Equal(t, int32(1), local.calls.Load())
	assert.Equal(t, int32(0), peers.resolved.Load())
}

func TestHandle_RejectsRecursiveBroadcast(t *testing.T) {
	local := &fakeLocal{}
	peers := &fakePeers{}
	b := newBroadcaster(local, peers)

	_, err := b.Handle(context.Background(), map[string]any{
		"request": map[string]any{"module": "rpc", "method": "broadcast_request", "data": map[string]any{}},
		"relays":  []any{selfID},
	})
	assert.ErrorIs(t, err, rpc.ErrRecursiveBroadcast)
	assert.Equal(t, int32(0), local.calls.Load())
	assert.Equal(t, int32(0), peers.resolved.Load())

	_, err = b.Broadcast(context.Background(), &rpc.Request{Module: "rpc", Method: "broadcast_request", Data: true}, []string{selfID}, 0)
	assert.ErrorIs(t, err, rpc.ErrRecursiveBroadcast)
}

func TestHandle_ReturnsRelaysEnvelope(t *testing.T) {
	b := newBroadcaster(&fakeLocal{}, &fakePeers{})

	res, err := b.Handle(context.Background(), map[string]any{
		"request": map[string]any{"module": "core", "method": "ping", "data": true},
		"relays":  []any{selfID},
		"timeout": int8(100),
	})
	require.NoError(t, err)
	require.Equal(t, rpc.ResultEnvelope, res.Kind())

	resp := res.Response()
	assert.Equal(t, true, resp.Data)
	assert.Equal(t, "relays", resp.SignedField)
	assert.Equal(t, "local:core.ping", resp.Relays[selfID].Data)
}

func TestParseParams_Validation(t *testing.T) {
	tests := []struct {
		name string
		data any
	}{
		{name: "not a map", data: "nope"},
		{name: "no request", data: map[string]any{"relays": []any{"a"}}},
		{name: "no module", data: map[string]any{"request": map[string]any{"method": "m", "data": 1}, "relays": []any{"a"}}},
		{name: "no method", data: map[string]any{"request": map[string]any{"module": "m", "data": 1}, "relays": []any{"a"}}},
		{name: "no relays", data: map[string]any{"request": map[string]any{"module": "m", "method": "m", "data": 1}}},
		{name: "empty relays", data: map[string]any{"request": map[string]any{"module": "m", "method": "m", "data": 1}, "relays": []any{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseParams(tt.data)
			var verr *rpc.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}
