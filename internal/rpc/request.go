package rpc

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// BroadcastModule and BroadcastMethod name the fan-out method, which may not
// be nested inside itself.
const (
	BroadcastModule = "rpc"
	BroadcastMethod = "broadcast_request"
)

// Request represents an RPC request
type Request struct {
	Module      string `msgpack:"module" json:"module"`
	Method      string `msgpack:"method" json:"method"`
	Data        any    `msgpack:"data" json:"data"`
	BypassCache bool   `msgpack:"bypassCache,omitempty" json:"bypassCache,omitempty"`
}

// Validate checks the request shape
func (r *Request) Validate() error {
	if r == nil {
		return NewValidationError("request is required")
	}
	if r.Module == "" {
		return NewValidationError("module is required")
	}
	if r.Method == "" {
		return NewValidationError("method is required")
	}
	if r.Data == nil {
		return NewValidationError("data is required")
	}
	if !isPayload(r.Data) {
		return NewValidationError(fmt.Sprintf("data has unsupported type %T", r.Data))
	}
	return nil
}

// FullMethod returns "module.method"
func (r *Request) FullMethod() string {
	return r.Module + "." + r.Method
}

// IsBroadcast returns true if this request is itself a broadcast
func (r *Request) IsBroadcast() bool {
	return r.Module == BroadcastModule && r.Method == BroadcastMethod
}

// Clone creates a shallow copy of the request
func (r *Request) Clone() *Request {
	clone := *r
	return &clone
}

// SplitMethod splits "module.method" at the first dot
func SplitMethod(full string) (string, string, error) {
	module, method, ok := strings.Cut(full, ".")
	if !ok || module == "" || method == "" {
		return "", "", NewValidationError(fmt.Sprintf("invalid method name %q", full))
	}
	return module, method, nil
}

// ParseFrame decodes a single msgpack frame
func ParseFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	return &frame, nil
}

// Bytes returns the request as a msgpack frame
func (r *Request) Bytes() ([]byte, error) {
	return msgpack.Marshal(r)
}

// isPayload accepts the shapes a msgpack or JSON decoder produces
func isPayload(v any) bool {
	switch v.(type) {
	case string, bool, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		map[string]any, map[any]any, []any:
		return true
	default:
		return false
	}
}
