package reqid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumerelay/internal/rpc"
)

func TestCompute_IgnoresBypassCache(t *testing.T) {
	data := map[string]any{"name": "example.eth"}
	plain := &rpc.Request{Module: "dns", Method: "resolve", Data: data}
	bypass := &rpc.Request{Module: "dns", Method: "resolve", Data: data, BypassCache: true}

	a, err := Compute(plain)
	require.NoError(t, err)
	b, err := Compute(bypass)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, Valid(a))
}

func TestCompute_KeyOrderIndependent(t *testing.T) {
	a, err := Compute(&rpc.Request{Module: "m", Method: "x", Data: map[string]any{
		"a": 1, "b": map[string]any{"c": "d", "e": []any{1, 2}},
	}})
	require.NoError(t, err)

	b, err := Compute(&rpc.Request{Module: "m", Method: "x", Data: map[string]any{
		"b": map[string]any{"e": []any{1, 2}, "c": "d"}, "a": 1,
	}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCompute_DistinguishesRouting(t *testing.T) {
	base, err := Compute(&rpc.Request{Module: "m", Method: "x", Data: "payload"})
	require.NoError(t, err)
	otherMethod, err := Compute(&rpc.Request{Module: "m", Method: "y", Data: "payload"})
	require.NoError(t, err)
	otherModule, err := Compute(&rpc.Request{Module: "n", Method: "x", Data: "payload"})
	require.NoError(t, err)
	otherData, err := Compute(&rpc.Request{Module: "m", Method: "x", Data: "other"})
	require.NoError(t, err)

	assert.NotEqual(t, base, otherMethod)
	assert.NotEqual(t, base, otherModule)
	assert.NotEqual(t, base, otherData)
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("abc"))
	assert.False(t, Valid(string(make([]byte, Size*2))))
}
