package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/rs/zerolog"

	"lumerelay/internal/reqid"
	"lumerelay/internal/rpc"
	"lumerelay/internal/signer"
)

// GetCachedItemMethod is the introspection method used for cross-relay reads
const GetCachedItemMethod = "rpc.get_cached_item"

// Options configures a ResponseCache
type Options struct {
	Size int           // max entries, 0 means unbounded
	TTL  time.Duration // entry lifetime, 0 means no expiry
}

// ResponseCache is an in-memory LRU of signed responses with TTL support.
// Every entry leaving the cache, through expiry, eviction or deletion,
// revokes its advertisement.
type ResponseCache struct {
	items *expirable.LRU[string, *Item]

	// announceMu keeps an insert and its advertisement together against a
	// concurrent Delete
	announceMu sync.Mutex

	signer    *signer.Signer
	announcer Announcer
	peers     rpc.ClientResolver
	now       func() time.Time
	logger    zerolog.Logger
}

// NewResponseCache creates a new response cache
func NewResponseCache(opts Options, s *signer.Signer, logger zerolog.Logger) *ResponseCache {
	c := &ResponseCache{
		signer: s,
		now:    time.Now,
		logger: logger.With().Str("component", "cache").Logger(),
	}
	c.items = expirable.NewLRU[string, *Item](opts.Size, c.onEvict, opts.TTL)
	return c
}

// SetAnnouncer sets the presence directory entries are advertised to
func (c *ResponseCache) SetAnnouncer(a Announcer) {
	c.announcer = a
}

// SetPeers sets the resolver used for cross-relay reads
func (c *ResponseCache) SetPeers(peers rpc.ClientResolver) {
	c.peers = peers
}

// onEvict runs under the LRU lock and must not call back into the cache
func (c *ResponseCache) onEvict(id string, _ *Item) {
	if c.announcer != nil {
		c.announcer.Revoke(id)
	}
	c.logger.Debug().Str("id", id).Msg("cache entry removed")
}

// Add stores a response under the identity of req
func (c *ResponseCache) Add(req *rpc.Request, resp *rpc.Response) (*Item, error) {
	id, err := reqid.Compute(req)
	if err != nil {
		return nil, err
	}

	value := resp.Clone()
	value.Updated = c.now().UnixMilli()

	signature, err := c.signer.Sign(value.SignedValue())
	if err != nil {
		return nil, fmt.Errorf("failed to sign cache entry: %w", err)
	}

	item := &Item{Value: value, Signature: signature}

	c.announceMu.Lock()
	c.items.Add(id, item)
	if c.announcer != nil {
		c.announcer.Advertise(id)
	}
	c.announceMu.Unlock()

	c.logger.Debug().
		Str("id", id).
		Str("method", req.FullMethod()).
		Msg("cached response")

	return item, nil
}

// Get returns the entry for an identity. Local entries are trusted without
// re-verifying their signature.
func (c *ResponseCache) Get(id string) (*Item, bool) {
	return c.items.Get(id)
}

// Delete removes an entry
func (c *ResponseCache) Delete(id string) error {
	c.announceMu.Lock()
	defer c.announceMu.Unlock()

	if !c.items.Remove(id) {
		return rpc.ErrItemNotFound
	}
	return nil
}

// Keys returns the identities currently held
func (c *ResponseCache) Keys() []string {
	return c.items.Keys()
}

// Len returns the number of entries
func (c *ResponseCache) Len() int {
	return c.items.Len()
}

// GetRemoteItem reads a cached response from another relay. Anything short
// of an advertised, retrievable and correctly signed entry is a miss.
func (c *ResponseCache) GetRemoteItem(ctx context.Context, peer, id string) (*rpc.Response, bool) {
	if c.announcer == nil || c.peers == nil {
		return nil, false
	}
	if !c.announcer.PeerHasItem(peer, id) {
		return nil, false
	}

	pub, err := signer.PublicKeyFromHex(peer)
	if err != nil {
		c.logger.Debug().Err(err).Str("peer", peer).Msg("cannot verify remote cache entry")
		return nil, false
	}

	client, err := c.peers.ClientForPeer(ctx, peer)
	if err != nil {
		c.logger.Debug().Err(err).Str("peer", peer).Msg("failed to reach peer for cached item")
		return nil, false
	}

	resp, err := client.Request(ctx, GetCachedItemMethod, id)
	if err != nil || resp == nil || resp.HasError() {
		return nil, false
	}

	if !VerifyResponse(pub, resp) {
		c.logger.Warn().Str("peer", peer).Str("id", id).Msg("remote cache entry failed signature check")
		return nil, false
	}

	return resp, true
}

// Close purges the cache, revoking every advertisement
func (c *ResponseCache) Close() {
	c.items.Purge()
}

// VerifyResponse checks a response's signature over its signed field
func VerifyResponse(pub crypto.PubKey, resp *rpc.Response) bool {
	return signer.Verify(pub, resp.SignedValue(), resp.Signature)
}
