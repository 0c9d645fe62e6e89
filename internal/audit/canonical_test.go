package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAndKeepsNumbers(t *testing.T) {
	got, err := Canonicalize(json.RawMessage(`{ "b": 1, "a": {"d": 2.50, "c": "<x>"} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":"<x>","d":2.50},"b":1}`, string(got))
}

func TestCanonicalizeIsStableAcrossInputShapes(t *testing.T) {
	fromMap, err := Canonicalize(map[string]any{"queue": "cad_generation", "attempt": 2})
	require.NoError(t, err)

	type payload struct {
		Queue   string `json:"queue"`
		Attempt int    `json:"attempt"`
	}
	fromStruct, err := Canonicalize(payload{Queue: "cad_generation", Attempt: 2})
	require.NoError(t, err)

	fromRaw, err := Canonicalize([]byte("{\n  \"queue\": \"cad_generation\",\n  \"attempt\": 2\n}"))
	require.NoError(t, err)

	assert.Equal(t, string(fromMap), string(fromStruct))
	assert.Equal(t, string(fromMap), string(fromRaw))
}

func TestCanonicalizeNilIsEmptyObject(t *testing.T) {
	got, err := Canonicalize(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}

func TestCanonicalizeRejectsTrailingData(t *testing.T) {
	_, err := Canonicalize(json.RawMessage(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestChainHashDependsOnPrevAndPayload(t *testing.T) {
	payload := []byte(`{"attempt":1}`)

	first := ComputeChainHash(GenesisHash, payload)
	assert.Len(t, first, 64)
	assert.Equal(t, first, ComputeChainHash(GenesisHash, payload))
	assert.NotEqual(t, first, ComputeChainHash(first, payload))
	assert.NotEqual(t, first, ComputeChainHash(GenesisHash, []byte(`{"attempt":2}`)))
}

func TestChainHashIsSHA256OfPrevThenPayload(t *testing.T) {
	payload := []byte(`{"queue":"cad_generation"}`)
	sum := sha256.Sum256(append([]byte(GenesisHash), payload...))
	assert.Equal(t, hex.EncodeToString(sum[:]), ComputeChainHash(GenesisHash, payload))
}

func TestCanonicalTimeDropsSubMicrosecondPrecision(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 123456789, time.FixedZone("x", 3600))
	got := canonicalTime(at)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123456000, got.Nanosecond())
}
