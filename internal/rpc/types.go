package rpc

import (
	"context"
	"iter"

	"github.com/vmihailenco/msgpack/v5"
)

// HandshakeToken is the literal first frame a peer sends to select the RPC
// sub-protocol on a connection.
const HandshakeToken = "rpc"

// Handler executes a registered method. data is the request payload as
// decoded from the wire.
type Handler func(ctx context.Context, data any) (Result, error)

// Method is a registered RPC method
type Method struct {
	Cacheable bool
	Handler   Handler
}

// ResultKind identifies the shape a handler produced
type ResultKind int

const (
	// ResultValue is a raw value that gets wrapped as {data, signature}
	ResultValue ResultKind = iota
	// ResultEnvelope is a response the handler shaped itself; its signed field is signed as-is
	ResultEnvelope
	// ResultStream is a sequence of byte chunks emitted over the connection
	ResultStream
)

// Result is the closed set of shapes a handler can return.
// The zero Result is a nil value.
type Result struct {
	kind     ResultKind
	value    any
	envelope *Response
	stream   iter.Seq[[]byte]
}

// Value wraps a raw handler value
func Value(v any) Result {
	return Result{kind: ResultValue, value: v}
}

// Envelope wraps a handler-shaped response. A nil response is treated as a nil value.
func Envelope(resp *Response) Result {
	if resp == nil {
		return Result{kind: ResultValue}
	}
	return Result{kind: ResultEnvelope, envelope: resp}
}

// Stream wraps a chunk sequence
func Stream(chunks iter.Seq[[]byte]) Result {
	return Result{kind: ResultStream, stream: chunks}
}

// Kind returns the result kind
func (r Result) Kind() ResultKind {
	return r.kind
}

// RawValue returns the wrapped value for ResultValue results
func (r Result) RawValue() any {
	return r.value
}

// Response returns the wrapped response for ResultEnvelope results
func (r Result) Response() *Response {
	return r.envelope
}

// Chunks returns the chunk sequence for ResultStream results
func (r Result) Chunks() iter.Seq[[]byte] {
	return r.stream
}

// StreamChunk is one frame of a streamed response
type StreamChunk struct {
	Data []byte `msgpack:"data"`
	Done bool   `msgpack:"done"`
}

// Frame is the union of every frame a peer may send after the handshake.
// A request frame carries module/method; a control frame carries cancel.
type Frame struct {
	Module      string `msgpack:"module,omitempty"`
	Method      string `msgpack:"method,omitempty"`
	Data        any    `msgpack:"data,omitempty"`
	BypassCache bool   `msgpack:"bypassCache,omitempty"`
	Cancel      bool   `msgpack:"cancel,omitempty"`
}

// IsCancel reports whether the frame is a cancel control frame
func (f *Frame) IsCancel() bool {
	return f.Cancel && f.Module == "" && f.Method == ""
}

// Request converts a request frame into a Request
func (f *Frame) Request() *Request {
	return &Request{
		Module:      f.Module,
		Method:      f.Method,
		Data:        f.Data,
		BypassCache: f.BypassCache,
	}
}

// CancelFrame returns the control frame asking a peer to stop streaming
func CancelFrame() ([]byte, error) {
	return msgpack.Marshal(&Frame{Cancel: true})
}
