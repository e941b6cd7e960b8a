package jcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := Canonicalize([]byte(`{ "b": 1, "a": [true, null] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[true,null],"b":1}`, string(out))
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestIdempotencyKeyStableAcrossFormatting(t *testing.T) {
	k1, err := IdempotencyKey("run-1", "tc-1", []byte(`{"amount":100,"to":"acct"}`))
	require.NoError(t, err)
	k2, err := IdempotencyKey("run-1", "tc-1", []byte("{\n  \"to\": \"acct\",\n  \"amount\": 100\n}"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	k3, err := IdempotencyKey("run-1", "tc-2", []byte(`{"amount":100,"to":"acct"}`))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestIdempotencyKeyEmptyArgs(t *testing.T) {
	k1, err := IdempotencyKey("run-1", "tc-1", nil)
	require.NoError(t, err)
	k2, err := IdempotencyKey("run-1", "tc-1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
