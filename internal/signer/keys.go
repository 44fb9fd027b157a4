package signer

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/anyproto/go-slip10"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/tyler-smith/go-bip39"
)

// DerivationPath is the hardened SLIP-10 path of the relay identity key
const DerivationPath = "m/44'/1627'/0'/0'/0'"

// ErrInvalidMnemonic is returned for a seed phrase that fails BIP-39 validation
var ErrInvalidMnemonic = errors.New("relay seed is not a valid mnemonic")

// KeyFromMnemonic derives the relay identity key from a BIP-39 seed phrase
func KeyFromMnemonic(mnemonic string) (crypto.PrivKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return deriveKey(bip39.NewSeed(mnemonic, ""), DerivationPath)
}

// NewMnemonic generates a fresh 24-word seed phrase
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// deriveKey walks a hardened ed25519 SLIP-10 path from seed
func deriveKey(seed []byte, path string) (crypto.PrivKey, error) {
	node, err := slip10.DeriveForPath(path, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to derive %s: %w", path, err)
	}

	_, key := node.Keypair()
	priv, err := crypto.UnmarshalEd25519PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity key: %w", err)
	}
	return priv, nil
}

// PublicKeyHex returns the hex-encoded raw public key, which doubles as the
// relay id on the overlay
func PublicKeyHex(pub crypto.PubKey) (string, error) {
	raw, err := pub.Raw()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// PublicKeyFromHex parses a relay id back into a verifiable key
func PublicKeyFromHex(s string) (crypto.PubKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid relay id: %w", err)
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid relay id: %w", err)
	}
	return pub, nil
}
