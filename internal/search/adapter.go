// Package search rewrites equality predicates over tokenized fields into
// token-column lookups, so queries never touch the gateway-owned plaintext.
package search

import (
	"context"

	"github.com/allisson/tokenfield/internal/gateway"
	"github.com/allisson/tokenfield/internal/registry"
)

// Adapter rewrites equality-style predicate maps for one record type.
type Adapter struct {
	reg *registry.Registry
	gw  gateway.Client
}

// NewAdapter creates a search adapter for one record type.
func NewAdapter(reg *registry.Registry, gw gateway.Client) *Adapter {
	return &Adapter{reg: reg, gw: gw}
}

// Rewrite maps each predicate key naming a tokenized field onto its token
// column with the matching token set. When the gateway knows no token for a
// value, the whole query short-circuits to an empty result and the returned
// empty flag is true; the underlying storage query must not run with the raw
// value.
//
// Non-tokenized keys pass through untouched. Nil values bypass rewriting
// (the gateway does not support searching on null), as does everything when
// read_from_token is disabled.
func (a *Adapter) Rewrite(
	ctx context.Context,
	predicates map[string]any,
) (rewritten map[string]any, empty bool, err error) {
	rewritten = make(map[string]any, len(predicates))

	for key, value := range predicates {
		field, tokenized := a.reg.Field(key)
		if !tokenized || !a.reg.ReadFromToken() || value == nil {
			rewritten[key] = value
			continue
		}

		text, ok := value.(string)
		if !ok {
			rewritten[key] = value
			continue
		}

		tokens, err := a.gw.SearchTokens(ctx, text)
		if err != nil {
			return nil, false, err
		}
		if len(tokens) == 0 {
			return nil, true, nil
		}

		rewritten[field.TokenColumn] = tokens
	}

	return rewritten, false, nil
}
