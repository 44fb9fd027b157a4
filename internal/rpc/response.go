package rpc

import (
	"maps"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultSignedField is the response field signed when SignedField is empty
const DefaultSignedField = "data"

// Response represents an RPC response
type Response struct {
	Data        any                  `msgpack:"data,omitempty" json:"data,omitempty"`
	Error       string               `msgpack:"error,omitempty" json:"error,omitempty"`
	Signature   string               `msgpack:"signature,omitempty" json:"signature,omitempty"`
	Updated     int64                `msgpack:"updated,omitempty" json:"updated,omitempty"`
	SignedField string               `msgpack:"signedField,omitempty" json:"signedField,omitempty"`
	Relays      map[string]*Response `msgpack:"relays,omitempty" json:"relays,omitempty"`
}

// NewErrorResponse creates an error response
func NewErrorResponse(err error) *Response {
	return &Response{Error: err.Error()}
}

// HasError returns true if the response contains an error
func (r *Response) HasError() bool {
	return r.Error != ""
}

// SignedFieldName returns the name of the signed field
func (r *Response) SignedFieldName() string {
	if r.SignedField == "" {
		return DefaultSignedField
	}
	return r.SignedField
}

// Field returns the value of a named response field, or nil if unknown
func (r *Response) Field(name string) any {
	switch name {
	case "data":
		return r.Data
	case "error":
		return r.Error
	case "relays":
		return r.Relays
	case "updated":
		return r.Updated
	default:
		return nil
	}
}

// SignedValue returns the value of the signed field
func (r *Response) SignedValue() any {
	return r.Field(r.SignedFieldName())
}

// Clone creates a copy of the response. Relay entries are copied one level deep.
func (r *Response) Clone() *Response {
	clone := *r
	if r.Relays != nil {
		clone.Relays = maps.Clone(r.Relays)
	}
	return &clone
}

// Bytes returns the response as a msgpack frame
func (r *Response) Bytes() ([]byte, error) {
	return msgpack.Marshal(r)
}

// ParseResponse decodes a response frame
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := msgpack.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Truthy mirrors loose truthiness for response payloads: nil, false, zero
// numbers and empty strings are falsy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int8:
		return val != 0
	case int16:
		return val != 0
	case int32:
		return val != 0
	case int64:
		return val != 0
	case uint:
		return val != 0
	case uint8:
		return val != 0
	case uint16:
		return val != 0
	case uint32:
		return val != 0
	case uint64:
		return val != 0
	case float32:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

// replyKind detects chunk frames, which always carry a done flag
type replyKind struct {
	Done *bool `msgpack:"done"`
}

// ParseReply decodes a frame sent back to a requester. Exactly one of the
// returned response and chunk is non-nil.
func ParseReply(data []byte) (*Response, *StreamChunk, error) {
	var kind replyKind
	if err := msgpack.Unmarshal(data, &kind); err != nil {
		return nil, nil, err
	}
	if kind.Done != nil {
		var chunk StreamChunk
		if err := msgpack.Unmarshal(data, &chunk); err != nil {
			return nil, nil, err
		}
		return nil, &chunk, nil
	}
	resp, err := ParseResponse(data)
	if err != nil {
		return nil, nil, err
	}
	return resp, nil, nil
}

// Bytes returns the chunk as a msgpack frame
func (c StreamChunk) Bytes() ([]byte, error) {
	return msgpack.Marshal(c)
}
