package ws

import (
	"context"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumerelay/internal/conn"
	"lumerelay/internal/dispatch"
	"lumerelay/internal/metrics"
	"lumerelay/internal/rpc"
)

type fakeDispatcher struct {
	handle func(ctx context.Context, req *rpc.Request, streams dispatch.StreamWriter) *rpc.Response
}

func (d *fakeDispatcher) Handle(ctx context.Context, req *rpc.Request, streams dispatch.StreamWriter) *rpc.Response {
	return d.handle(ctx, req, streams)
}

func newGateway(t *testing.T, d *fakeDispatcher) (*httptest.Server, *Client) {
	t.Helper()
	h := NewHandler(conn.NewHandler(d, time.Millisecond, zerolog.Nop()), metrics.New(), zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, NewClient("ws" + strings.TrimPrefix(srv.URL, "http") + "/")
}

func TestGateway_RequestResponse(t *testing.T) {
	var got *rpc.Request
	_, client := newGateway(t, &fakeDispatcher{handle: func(_ context.Context, req *rpc.Request, _ dispatch.StreamWriter) *rpc.Response {
		got = req
		return &rpc.Response{Data: "pong", Signature: "sig"}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Request(ctx, "core.ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Data)
	assert.Equal(t, "sig", resp.Signature)
	require.NotNil(t, got)
	assert.Equal(t, "core", got.Module)
	assert.Equal(t, "ping", got.Method)
}

func TestGateway_SendCarriesBypassCache(t *testing.T) {
	bypass := make(chan bool, 1)
	_, client := newGateway(t, &fakeDispatcher{handle: func(_ context.Context, req *rpc.Request, _ dispatch.StreamWriter) *rpc.Response {
		bypass <- req.BypassCache
		return &rpc.Response{Data: true}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Send(ctx, &rpc.Request{Module: "m", Method: "x", Data: 1, BypassCache: true})
	require.NoError(t, err)
	assert.True(t, <-bypass)
}

func TestGateway_StreamsChunks(t *testing.T) {
	_, client := newGateway(t, &fakeDispatcher{handle: func(ctx context.Context, _ *rpc.Request, streams dispatch.StreamWriter) *rpc.Response {
		var chunks iter.Seq[[]byte] = slices.Values([][]byte{[]byte("abc"), []byte("def")})
		if err := streams(ctx, chunks); err != nil {
			return rpc.NewErrorResponse(err)
		}
		return &rpc.Response{Data: true}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Request(ctx, "ipfs.cat", "cid")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), resp.Data)
}

func TestGateway_RejectsBadMethodName(t *testing.T) {
	_, client := newGateway(t, &fakeDispatcher{handle: func(context.Context, *rpc.Request, dispatch.StreamWriter) *rpc.Response {
		t.Fatal("dispatcher should not be reached")
		return nil
	}})

	_, err := client.Request(context.Background(), "nomodule", nil)
	assert.Error(t, err)
}

func TestGateway_ServesMetrics(t *testing.T) {
	srv, _ := newGateway(t, &fakeDispatcher{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestGateway_UnknownPath(t *testing.T) {
	srv, _ := newGateway(t, &fakeDispatcher{})

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
