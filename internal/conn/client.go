package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"lumerelay/internal/rpc"
)

// Call performs one request on a fresh connection: handshake, request,
// then either the response or streamed chunks up to the done chunk. Chunks
// are joined into the response data. f is closed on return and when ctx ends.
func Call(ctx context.Context, f Framer, req *rpc.Request) (*rpc.Response, error) {
	defer f.Close()
	stop := context.AfterFunc(ctx, func() {
		f.Close()
	})
	defer stop()

	resp, err := call(f, req)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return resp, err
}

func call(f Framer, req *rpc.Request) (*rpc.Response, error) {
	if err := f.WriteFrame([]byte(rpc.HandshakeToken)); err != nil {
		return nil, fmt.Errorf("failed to write handshake: %w", err)
	}

	data, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := f.WriteFrame(data); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	var buf bytes.Buffer
	for {
		frame, err := f.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("failed to read reply: %w", err)
		}

		resp, chunk, err := rpc.ParseReply(frame)
		if err != nil {
			return nil, fmt.Errorf("malformed reply: %w", err)
		}

		if chunk == nil {
			return resp, nil
		}

		buf.Write(chunk.Data)
		if chunk.Done {
			return &rpc.Response{Data: append([]byte{}, buf.Bytes()...)}, nil
		}
	}
}

// IsNotRPC reports whether err came from a connection that skipped the handshake
func IsNotRPC(err error) bool {
	return errors.Is(err, ErrNotRPC)
}
