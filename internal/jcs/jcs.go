// Package jcs produces RFC 8785 canonical JSON and the idempotency keys derived from it.
package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	jsoncanonicalizer "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Canonicalize normalizes arbitrary JSON bytes into RFC 8785 canonical form.
func Canonicalize(input []byte) ([]byte, error) {
	out, err := jsoncanonicalizer.Transform(input)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return out, nil
}

// IdempotencyKey derives a stable key for one tool call. Argument documents that differ only
// in key order or whitespace yield the same key.
func IdempotencyKey(runID, toolCallID string, args []byte) (string, error) {
	if len(args) == 0 {
		args = []byte("{}")
	}
	canonical, err := Canonicalize(args)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(toolCallID))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
