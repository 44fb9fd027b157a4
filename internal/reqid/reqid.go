// Package reqid derives the identity hash of a request. Requests with the
// same module, method and data share an identity regardless of transport
// flags such as bypassCache, and regardless of key order inside data.
package reqid

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"lumerelay/internal/canonical"
	"lumerelay/internal/rpc"
)

// Size is the byte length of an identity hash
const Size = blake2b.Size256

type identityFields struct {
	Module string `json:"module"`
	Method string `json:"method"`
	Data   any    `json:"data"`
}

// Compute returns the hex-encoded identity of a request
func Compute(req *rpc.Request) (string, error) {
	raw, err := canonical.Marshal(identityFields{
		Module: req.Module,
		Method: req.Method,
		Data:   req.Data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to compute request identity: %w", err)
	}

	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Valid reports whether s looks like a hex-encoded identity
func Valid(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
