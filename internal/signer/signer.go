// Package signer attributes payloads to this relay. Non-string payloads are
// canonically encoded before signing so any relay can re-derive the signed
// bytes from the decoded value.
package signer

import (
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"

	"lumerelay/internal/canonical"
)

// Signer signs payloads with the relay identity key
type Signer struct {
	priv   crypto.PrivKey
	pubHex string
}

// New creates a Signer for the given identity key
func New(priv crypto.PrivKey) (*Signer, error) {
	if priv.Type() != crypto.Ed25519 {
		return nil, fmt.Errorf("unsupported identity key type %s", priv.Type())
	}
	pubHex, err := PublicKeyHex(priv.GetPublic())
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, pubHex: pubHex}, nil
}

// Sign returns the hex-encoded detached signature over payload
func (s *Signer) Sign(payload any) (string, error) {
	raw, err := canonical.String(payload)
	if err != nil {
		return "", err
	}
	sig, err := s.priv.Sign([]byte(raw))
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// PrivateKey returns the identity key
func (s *Signer) PrivateKey() crypto.PrivKey {
	return s.priv
}

// PublicKey returns the public half of the identity key
func (s *Signer) PublicKey() crypto.PubKey {
	return s.priv.GetPublic()
}

// PublicKeyHex returns this relay's id
func (s *Signer) PublicKeyHex() string {
	return s.pubHex
}

// Verify checks a hex signature over payload. Any failure, including a
// malformed signature or an unencodable payload, yields false.
func Verify(pub crypto.PubKey, payload any, signature string) bool {
	if pub == nil || signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	raw, err := canonical.String(payload)
	if err != nil {
		return false
	}
	ok, err := pub.Verify([]byte(raw), sig)
	return err == nil && ok
}
