package engine

import (
	"context"

	"github.com/allisson/tokenfield/internal/record"
	"github.com/allisson/tokenfield/internal/registry"
)

// Tracked pairs a record with its tokenization state for collection
// operations.
type Tracked struct {
	Record record.Record
	State  *record.State
}

// ensureDecrypted lazily resolves the whole record in one gateway call: the
// first access to any tokenized field collects the tokens of every tokenized
// field and JSON key, deduplicates identical token strings, issues a single
// decryptBatch and fills the cache for every field sharing each token.
// Subsequent accesses hit the cache and trigger no further calls.
func (e *Engine) ensureDecrypted(ctx context.Context, rec record.Record, st *record.State) error {
	if st.Decrypted() {
		return nil
	}

	// token -> cache keys sharing it
	wanted := e.collectTokens(rec)
	if len(wanted) == 0 {
		st.MarkDecrypted()
		return nil
	}

	tokens := make([]string, 0, len(wanted))
	for token := range wanted {
		tokens = append(tokens, token)
	}

	values, err := e.gw.DecryptBatch(ctx, tokens)
	if err != nil {
		return err
	}

	for token, keys := range wanted {
		value, ok := values[token]
		if !ok {
			// missing tokens are not an error, readers fall back to plaintext
			continue
		}
		for _, key := range keys {
			st.CachePut(key, value)
		}
	}

	st.MarkDecrypted()
	return nil
}

// collectTokens gathers the non-blank tokens of every tokenized field and
// JSON key of one record, keyed by token with the cache keys sharing it.
// Blank token columns are skipped silently.
func (e *Engine) collectTokens(rec record.Record) map[string][]string {
	wanted := make(map[string][]string)

	for _, f := range e.reg.Fields() {
		token := rec.ReadRawAttribute(f.TokenColumn)
		if token == nil || isBlank(*token) {
			continue
		}
		wanted[*token] = append(wanted[*token], f.Name)
	}

	for _, jf := range e.reg.JSONFields() {
		tokenBlob := parseJSONObject(rec.ReadRawAttribute(jf.TokenColumn))
		for _, key := range sortedKeys(jf.Keys) {
			token := jsonStringValue(tokenBlob, key)
			if token == nil || isBlank(*token) {
				continue
			}
			wanted[*token] = append(wanted[*token], registry.JSONKey(jf.Column, key))
		}
	}

	return wanted
}

// Preload resolves the requested fields for a collection of records in one
// gateway call and fans the results into each record's private cache. Field
// names may be regular field names or "<json_column>.<key>" keys; with no
// fields given every tokenized field is preloaded. Records whose token
// column is blank for a field are skipped silently.
func (e *Engine) Preload(ctx context.Context, records []Tracked, fields ...string) error {
	all := len(fields) == 0

	requested := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		requested[field] = struct{}{}
	}
	include := func(key string) bool {
		if all {
			return true
		}
		_, ok := requested[key]
		return ok
	}

	// token -> per-record cache destinations
	type destination struct {
		state *record.State
		key   string
	}
	wanted := make(map[string][]destination)

	for _, tr := range records {
		if tr.Record == nil || tr.State == nil {
			continue
		}

		for _, f := range e.reg.Fields() {
			if !include(f.Name) {
				continue
			}
			if _, ok := tr.State.CacheGet(f.Name); ok {
				continue
			}
			token := tr.Record.ReadRawAttribute(f.TokenColumn)
			if token == nil || isBlank(*token) {
				continue
			}
			wanted[*token] = append(wanted[*token], destination{state: tr.State, key: f.Name})
		}

		for _, jf := range e.reg.JSONFields() {
			tokenBlob := parseJSONObject(tr.Record.ReadRawAttribute(jf.TokenColumn))
			for _, key := range sortedKeys(jf.Keys) {
				cacheKey := registry.JSONKey(jf.Column, key)
				if !include(cacheKey) {
					continue
				}
				if _, ok := tr.State.CacheGet(cacheKey); ok {
					continue
				}
				token := jsonStringValue(tokenBlob, key)
				if token == nil || isBlank(*token) {
					continue
				}
				wanted[*token] = append(wanted[*token], destination{state: tr.State, key: cacheKey})
			}
		}
	}

	if len(wanted) > 0 {
		tokens := make([]string, 0, len(wanted))
		for token := range wanted {
			tokens = append(tokens, token)
		}

		values, err := e.gw.DecryptBatch(ctx, tokens)
		if err != nil {
			return err
		}

		for token, dests := range wanted {
			value, ok := values[token]
			if !ok {
				continue
			}
			for _, dest := range dests {
				dest.state.CachePut(dest.key, value)
			}
		}
	}

	// a full preload satisfies the record-wide batch, partial preloads leave
	// the lazy path armed for the remaining fields
	if all {
		for _, tr := range records {
			if tr.State != nil {
				tr.State.MarkDecrypted()
			}
		}
	}

	return nil
}
