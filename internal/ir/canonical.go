package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefix for idempotency keys. Version suffix enables future migration.
const domainOperation = "readsync/operation/v1"

// NormalizeKey trims and NFC-normalises an identifier used as a storage key.
//
// Owner ids and unit ids arrive from the page as user-visible strings; two
// spellings of the same identity (composed vs decomposed) must land in the
// same namespace.
func NormalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Namespace builds a storage namespace for an owner, e.g. "owner:alice".
func Namespace(owner string) string {
	return "owner:" + NormalizeKey(owner)
}

// OperationKey computes a content-addressed idempotency key for op.
//
// Format: SHA256(domain + 0x00 + type + 0x00 + payload) where payload is the
// compact JSON of the operation with HTML escaping disabled and strings NFC
// normalised. Live calls and replays of the same operation share a key, so
// the remote side can collapse duplicates delivered at-least-once.
func OperationKey(op Operation) (string, error) {
	payload, err := marshalCompact(op)
	if err != nil {
		return "", fmt.Errorf("operation key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(domainOperation))
	h.Write([]byte{0x00})
	h.Write([]byte(op.Type()))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := norm.NFC.Bytes(bytes.TrimRight(buf.Bytes(), "\n"))
	return out, nil
}
