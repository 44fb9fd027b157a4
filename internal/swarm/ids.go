package swarm

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"lumerelay/internal/signer"
)

// PeerIDFromRelay maps a relay id (hex ed25519 public key) to its peer id
func PeerIDFromRelay(relay string) (peer.ID, error) {
	pub, err := signer.PublicKeyFromHex(relay)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

// RelayFromPeerID maps a peer id back to its relay id
func RelayFromPeerID(id peer.ID) (string, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return "", fmt.Errorf("peer %s carries no public key: %w", id, err)
	}
	return signer.PublicKeyHex(pub)
}
