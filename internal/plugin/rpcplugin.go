package plugin

import (
	"context"

	"lumerelay/internal/cache"
	"lumerelay/internal/rpc"
)

// CacheStore is the part of the response cache the rpc plugin serves
type CacheStore interface {
	Get(id string) (*cache.Item, bool)
	Delete(id string) error
	GetRemoteItem(ctx context.Context, peer, id string) (*rpc.Response, bool)
}

// PeerDirectory lists the relays this relay knows about, excluding itself
type PeerDirectory interface {
	OnlinePeers() []string
	DirectPeers() []string
}

// Broadcaster serves rpc.broadcast_request
type Broadcaster interface {
	Handle(ctx context.Context, data any) (rpc.Result, error)
}

// RPC serves cache introspection, broadcast and peer listing.
// get_remote_cached_item takes {peer, item} and only returns entries whose
// signature checks out against the peer's key.
func RPC(store CacheStore, broadcaster Broadcaster, peers PeerDirectory) Plugin {
	return Plugin{
		Name: "rpc",
		Load: func(api *API) error {
			methods := map[string]rpc.Handler{
				"get_cached_item": func(ctx context.Context, data any) (rpc.Result, error) {
					id, ok := data.(string)
					if !ok {
						return rpc.Result{}, rpc.NewValidationError("item must be a string")
					}
					item, ok := store.Get(id)
					if !ok {
						return rpc.Result{}, rpc.ErrItemNotFound
					}
					resp := item.Response()
					if resp.Data == nil {
						resp.Data = true
					}
					return rpc.Envelope(resp), nil
				},
				"clear_cached_item": func(ctx context.Context, data any) (rpc.Result, error) {
					id, ok := data.(string)
					if !ok {
						return rpc.Result{}, rpc.NewValidationError("item must be a string")
					}
					if err := store.Delete(id); err != nil {
						return rpc.Result{}, err
					}
					return rpc.Value(nil), nil
				},
				"get_remote_cached_item": func(ctx context.Context, data any) (rpc.Result, error) {
					params, _ := data.(map[string]any)
					peer, _ := params["peer"].(string)
					id, _ := params["item"].(string)
					if peer == "" || id == "" {
						return rpc.Result{}, rpc.NewValidationError("peer and item must be strings")
					}
					resp, ok := store.GetRemoteItem(ctx, peer, id)
					if !ok {
						return rpc.Result{}, rpc.ErrItemNotFound
					}
					return rpc.Envelope(resp), nil
				},
				"broadcast_request": broadcaster.Handle,
				"get_peers": func(ctx context.Context, data any) (rpc.Result, error) {
					return rpc.Value(peerList(peers.OnlinePeers())), nil
				},
				"get_direct_peers": func(ctx context.Context, data any) (rpc.Result, error) {
					return rpc.Value(peerList(peers.DirectPeers())), nil
				},
			}

			for _, name := range []string{"get_cached_item", "clear_cached_item", "get_remote_cached_item", "broadcast_request", "get_peers", "get_direct_peers"} {
				if err := api.RegisterMethod(name, rpc.Method{Handler: methods[name]}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// peerList keeps an empty list an empty array on the wire
func peerList(peers []string) []string {
	if peers == nil {
		return []string{}
	}
	return peers
}
