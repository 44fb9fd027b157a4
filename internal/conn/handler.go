package conn

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lumerelay/internal/dispatch"
	"lumerelay/internal/rpc"
)

// DefaultChunkDelay is the pause between streamed chunks
const DefaultChunkDelay = 15 * time.Millisecond

var (
	// ErrNotRPC is returned when the first frame is not the RPC handshake.
	// The connection is left open for whoever else wants it.
	ErrNotRPC = errors.New("connection did not select the rpc protocol")

	// ErrStreamCanceled is returned to the dispatcher when the peer cancels a stream
	ErrStreamCanceled = errors.New("stream canceled by peer")
)

// Dispatcher executes a request, streaming through streams when the method does
type Dispatcher interface {
	Handle(ctx context.Context, req *rpc.Request, streams dispatch.StreamWriter) *rpc.Response
}

// Handler serves RPC requests arriving on peer connections
type Handler struct {
	dispatcher Dispatcher
	chunkDelay time.Duration
	logger     zerolog.Logger
}

// NewHandler creates a new connection handler
func NewHandler(d Dispatcher, chunkDelay time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		chunkDelay: chunkDelay,
		logger:     logger.With().Str("component", "conn").Logger(),
	}
}

// Serve runs one request on f. It returns ErrNotRPC without touching the
// connection if the peer opened with anything but the handshake; otherwise
// f is closed on return.
func (h *Handler) Serve(ctx context.Context, f Framer) error {
	first, err := f.ReadFrame()
	if err != nil {
		return err
	}
	if string(first) != rpc.HandshakeToken {
		return ErrNotRPC
	}
	defer f.Close()

	req, err := h.readRequest(f)
	if err != nil {
		return err
	}

	var canceled, finished atomic.Bool
	go h.watchCancel(f, &canceled)

	streams := func(ctx context.Context, chunks iter.Seq[[]byte]) error {
		if err := h.writeStream(ctx, f, chunks, &canceled); err != nil {
			return err
		}
		finished.Store(true)
		return nil
	}

	resp := h.dispatcher.Handle(ctx, req, streams)

	if canceled.Load() {
		h.logger.Debug().Str("method", req.FullMethod()).Msg("stream canceled by peer")
		return nil
	}

	// The done chunk already ended a successful stream.
	if finished.Load() && !resp.HasError() {
		return f.CloseWrite()
	}

	data, err := resp.Bytes()
	if err != nil {
		h.logger.Error().Err(err).Str("method", req.FullMethod()).Msg("failed to encode response")
		data, err = rpc.NewErrorResponse(err).Bytes()
		if err != nil {
			return err
		}
	}
	if err := f.WriteFrame(data); err != nil {
		h.logger.Debug().Err(err).Msg("write error")
		return err
	}

	return f.CloseWrite()
}

// readRequest waits for the request frame. Malformed frames and cancels
// sent before any request are dropped.
func (h *Handler) readRequest(f Framer) (*rpc.Request, error) {
	for {
		data, err := f.ReadFrame()
		if err != nil {
			return nil, err
		}

		frame, err := rpc.ParseFrame(data)
		if err != nil {
			h.logger.Debug().Err(err).Msg("dropped malformed frame")
			continue
		}
		if frame.IsCancel() {
			continue
		}
		return frame.Request(), nil
	}
}

// watchCancel flags the connection canceled on the first cancel frame and
// exits once the connection stops yielding frames.
func (h *Handler) watchCancel(f Framer, canceled *atomic.Bool) {
	for {
		data, err := f.ReadFrame()
		if err != nil {
			return
		}
		frame, err := rpc.ParseFrame(data)
		if err != nil {
			continue
		}
		if frame.IsCancel() {
			canceled.Store(true)
		}
	}
}

func (h *Handler) writeStream(ctx context.Context, f Framer, chunks iter.Seq[[]byte], canceled *atomic.Bool) error {
	for chunk := range chunks {
		if canceled.Load() {
			return ErrStreamCanceled
		}
		if err := writeChunk(f, rpc.StreamChunk{Data: chunk}); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.chunkDelay):
		}
	}

	if canceled.Load() {
		return ErrStreamCanceled
	}
	return writeChunk(f, rpc.StreamChunk{Data: []byte{}, Done: true})
}

func writeChunk(f Framer, chunk rpc.StreamChunk) error {
	data, err := chunk.Bytes()
	if err != nil {
		return err
	}
	return f.WriteFrame(data)
}
