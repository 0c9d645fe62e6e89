package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// GenesisHash is the prev_chain_hash of the first entry of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Canonicalize serializes v as JSON with object keys sorted, no HTML escaping
// and numbers kept exactly as written. Equal logical payloads always produce
// identical bytes.
func Canonicalize(v any) ([]byte, error) {
	var raw []byte
	switch typed := v.(type) {
	case nil:
		raw = []byte("{}")
	case json.RawMessage:
		raw = typed
	case []byte:
		raw = typed
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = encoded
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode payload: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonicalTime fixes the stored timestamp form. Storage keeps microseconds,
// so anything finer is dropped before persisting.
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeChainHash returns hex(sha256(prev || payload)) where payload is the
// canonical serialization stored in the payload column.
func ComputeChainHash(prev string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
