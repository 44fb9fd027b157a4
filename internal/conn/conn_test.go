package conn

import (
	"context"
	"errors"
	"io"
	"iter"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumerelay/internal/dispatch"
	"lumerelay/internal/rpc"
)

// pipeEnd is one side of an in-memory duplex stream
type pipeEnd struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeEnd) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeEnd) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeEnd) CloseWrite() error           { return p.w.Close() }
func (p *pipeEnd) Close() error {
	p.w.Close()
	return p.r.Close()
}

func newDuplex() (*pipeEnd, *pipeEnd) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipeEnd{r: ar, w: aw}, &pipeEnd{r: br, w: bw}
}

type fakeDispatcher struct {
	handle func(ctx context.Context, req *rpc.Request, streams dispatch.StreamWriter) *rpc.Response
}

func (d *fakeDispatcher) Handle(ctx context.Context, req *rpc.Request, streams dispatch.StreamWriter) *rpc.Response {
	return d.handle(ctx, req, streams)
}

func serve(t *testing.T, d *fakeDispatcher) (Framer, <-chan error) {
	t.Helper()
	clientEnd, serverEnd := newDuplex()
	h := NewHandler(d, time.Millisecond, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		done <- h.Serve(context.Background(), NewStreamFramer(serverEnd))
	}()
	return NewStreamFramer(clientEnd), done
}

func TestHandler_RequestResponse(t *testing.T) {
	var got *rpc.Request
	client, done := serve(t, &fakeDispatcher{handle: func(ctx context.Context, req *rpc.Request, _ dispatch.StreamWriter) *rpc.Response {
		got = req
		return &rpc.Response{Data: "pong", Signature: "abcd"}
	}})

	resp, err := Call(context.Background(), client, &rpc.Request{Module: "core", Method: "ping", Data: true})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Data)
	assert.Equal(t, "abcd", resp.Signature)

	require.NoError(t, <-done)
	assert.Equal(t, "core.ping", got.FullMethod())
	assert.Equal(t, true, got.Data)
}

func TestHandler_IgnoresNonRPCConnection(t *testing.T) {
	clientEnd, serverEnd := newDuplex()
	h := NewHandler(&fakeDispatcher{}, time.Millisecond, zerolog.Nop())
	server := NewStreamFramer(serverEnd)
	client := NewStreamFramer(clientEnd)

	done := make(chan error, 1)
	go func() {
		done <- h.Serve(context.Background(), server)
	}()

	require.NoError(t, client.WriteFrame([]byte("/other/protocol")))
	assert.ErrorIs(t, <-done, ErrNotRPC)

	// the connection is still usable by someone else
	go func() {
		_ = client.WriteFrame([]byte("still here"))
	}()
	frame, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "still here", string(frame))
}

func TestHandler_DropsMalformedFrames(t *testing.T) {
	client, done := serve(t, &fakeDispatcher{handle: func(ctx context.Context, req *rpc.Request, _ dispatch.StreamWriter) *rpc.Response {
		return &rpc.Response{Data: req.FullMethod()}
	}})

	require.NoError(t, client.WriteFrame([]byte(rpc.HandshakeToken)))
	require.NoError(t, client.WriteFrame([]byte{0xc1}))
	cancel, err := rpc.CancelFrame()
	require.NoError(t, err)
	require.NoError(t, client.WriteFrame(cancel))

	req, err := (&rpc.Request{Module: "core", Method: "ping", Data: "x"}).Bytes()
	require.NoError(t, err)
	require.NoError(t, client.WriteFrame(req))

	frame, err := client.ReadFrame()
	require.NoError(t, err)
	resp, chunk, err := rpc.ParseReply(frame)
	require.NoError(t, err)
	require.Nil(t, chunk)
	assert.Equal(t, "core.ping", resp.Data)

	client.Close()
	require.NoError(t, <-done)
}

func TestHandler_StreamsChunks(t *testing.T) {
	client, done := serve(t, &fakeDispatcher{handle: func(ctx context.Context, req *rpc.Request, streams dispatch.StreamWriter) *rpc.Response {
		chunks := func(yield func([]byte) bool) {
			for _, c := range []string{"ab", "cd", "ef"} {
				if !yield([]byte(c)) {
					return
				}
			}
		}
		if err := streams(ctx, chunks); err != nil {
			return rpc.NewErrorResponse(err)
		}
		return &rpc.Response{Data: true}
	}})

	resp, err := Call(context.Background(), client, &rpc.Request{Module: "ipfs", Method: "cat", Data: "cid"})
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), resp.Data)
	require.NoError(t, <-done)
}

func TestHandler_DoneChunkEndsStream(t *testing.T) {
	client, done := serve(t, &fakeDispatcher{handle: func(ctx context.Context, req *rpc.Request, streams dispatch.StreamWriter) *rpc.Response {
		if err := streams(ctx, slices.Values([][]byte{[]byte("ab"), []byte("cd")})); err != nil {
			return rpc.NewErrorResponse(err)
		}
		return &rpc.Response{Data: true, Signature: "ack"}
	}})

	require.NoError(t, client.WriteFrame([]byte(rpc.HandshakeToken)))
	req, err := (&rpc.Request{Module: "ipfs", Method: "cat", Data: "cid"}).Bytes()
	require.NoError(t, err)
	require.NoError(t, client.WriteFrame(req))

	var chunks []*rpc.StreamChunk
	for {
		frame, err := client.ReadFrame()
		require.NoError(t, err)
		resp, chunk, err := rpc.ParseReply(frame)
		require.NoError(t, err)
		require.Nil(t, resp, "stream must not be followed by a response")
		chunks = append(chunks, chunk)
		if chunk.Done {
			break
		}
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, []byte("ab"), chunks[0].Data)
	assert.Equal(t, []byte("cd"), chunks[1].Data)
	assert.Empty(t, chunks[2].Data)

	_, err = client.ReadFrame()
	assert.ErrorIs(t, err, io.EOF, "done chunk is the last frame")
	require.NoError(t, <-done)
}

func TestCall_ReturnsErrorReply(t *testing.T) {
	client, done := serve(t, &fakeDispatcher{handle: func(ctx context.Context, req *rpc.Request, streams dispatch.StreamWriter) *rpc.Response {
		return rpc.NewErrorResponse(errors.New("backend gone"))
	}})

	resp, err := Call(context.Background(), client, &rpc.Request{Module: "ipfs", Method: "cat", Data: "cid"})
	require.NoError(t, err)
	assert.Equal(t, "backend gone", resp.Error)
	require.NoError(t, <-done)
}

func TestHandler_CancelStopsStream(t *testing.T) {
	streamErr := make(chan error, 1)
	client, done := serve(t, &fakeDispatcher{handle: func(ctx context.Context, req *rpc.Request, streams dispatch.StreamWriter) *rpc.Response {
		var endless iter.Seq[[]byte] = func(yield func([]byte) bool) {
			for yield([]byte("x")) {
			}
		}
		err := streams(ctx, endless)
		streamErr <- err
		return rpc.NewErrorResponse(err)
	}})

	require.NoError(t, client.WriteFrame([]byte(rpc.HandshakeToken)))
	req, err := (&rpc.Request{Module: "ipfs", Method: "cat", Data: "cid"}).Bytes()
	require.NoError(t, err)
	require.NoError(t, client.WriteFrame(req))

	frame, err := client.ReadFrame()
	require.NoError(t, err)
	_, chunk, err := rpc.ParseReply(frame)
	require.NoError(t, err)
	require.NotNil(t, chunk)

	cancel, err := rpc.CancelFrame()
	require.NoError(t, err)
	require.NoError(t, client.WriteFrame(cancel))

	for {
		frame, err := client.ReadFrame()
		if err != nil {
			break
		}
		resp, chunk, err := rpc.ParseReply(frame)
		require.NoError(t, err)
		require.Nil(t, resp, "no response after cancel")
		assert.False(t, chunk.Done, "no terminal chunk after cancel")
	}

	assert.ErrorIs(t, <-streamErr, ErrStreamCanceled)
	require.NoError(t, <-done)
}

func TestCall_HonoursContext(t *testing.T) {
	clientEnd, serverEnd := newDuplex()
	server := NewStreamFramer(serverEnd)
	go func() {
		for {
			if _, err := server.ReadFrame(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Call(ctx, NewStreamFramer(clientEnd), &rpc.Request{Module: "core", Method: "ping", Data: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
