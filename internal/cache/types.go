package cache

import (
	"lumerelay/internal/rpc"
)

// Cache defines the response cache used by the dispatcher
type Cache interface {
	// Get returns the signed entry stored under a request identity
	Get(id string) (*Item, bool)

	// Add stamps, signs and stores a response under the request's identity
	Add(req *rpc.Request, resp *rpc.Response) (*Item, error)

	// Delete removes an entry, failing with rpc.ErrItemNotFound if absent
	Delete(id string) error

	// Close releases any resources held by the cache
	Close()
}

// Announcer tells other relays which items this relay holds
type Announcer interface {
	Advertise(id string)
	Revoke(id string)
	PeerHasItem(peer, id string) bool
}

// Item is a cached response and the relay's signature over its signed field
type Item struct {
	Value     *rpc.Response `msgpack:"value"`
	Signature string        `msgpack:"signature"`
}

// Response returns a copy of the cached value carrying the entry signature
func (i *Item) Response() *rpc.Response {
	resp := i.Value.Clone()
	resp.Signature = i.Signature
	return resp
}
