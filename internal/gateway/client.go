// Package gateway provides the synchronous HTTP client for the external
// tokenization gateway. The gateway owns all cryptography; this package only
// moves batches of values and tokens across the wire.
package gateway

import (
	"context"
	"strings"
)

// EncryptItem is one value to tokenize in a bulk request. PIIField carries
// the plaintext value, matching the gateway wire format.
type EncryptItem struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	PIIType    string `json:"pii_type"`
	PIIField   string `json:"pii_field"`
}

// Key returns the composite correlation key used to match a bulk response
// item back to its request item.
//
// The key deliberately excludes the field name for wire compatibility with
// the gateway: two fields carrying the same (entity_type, entity_id,
// pii_type, value) tuple are indistinguishable and receive the same token.
func (i EncryptItem) Key() string {
	return strings.Join([]string{i.EntityType, i.EntityID, i.PIIType, i.PIIField}, ":")
}

// Client is the boundary to the tokenization gateway. All calls are
// call-and-wait with a fixed timeout; transport failures and non-success
// responses are fatal to the caller, with no retry.
type Client interface {
	// EncryptBatch tokenizes a batch of values in one request and returns
	// tokens keyed by the item correlation key. Items absent from the
	// response are simply missing from the map.
	EncryptBatch(ctx context.Context, items []EncryptItem) (map[string]string, error)

	// DecryptBatch resolves a batch of tokens in one request and returns
	// decrypted values keyed by token. Unknown tokens are simply missing
	// from the map.
	DecryptBatch(ctx context.Context, tokens []string) (map[string]string, error)

	// SearchTokens returns every token whose decrypted value equals the
	// given value.
	SearchTokens(ctx context.Context, value string) ([]string, error)
}
