// Package engine implements the field tokenization engine: it decides which
// fields need encrypting or clearing on a save, batches gateway round trips
// for both regular fields and JSON sub-fields, maintains a lazy per-record
// decryption cache, and applies the dual-write migration rules.
//
// The engine is synchronous: one save or one field access triggers at most
// one blocking gateway call. Record state is owned by a single record
// instance and never shared, so the engine takes no locks. It provides no
// protection against two processes tokenizing the same logical entity at
// once; callers needing that must fence externally.
package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/allisson/tokenfield/internal/gateway"
	"github.com/allisson/tokenfield/internal/record"
	"github.com/allisson/tokenfield/internal/registry"
)

// Engine ties a record type's tokenization registry to the gateway client.
// One Engine serves any number of record instances of that type.
type Engine struct {
	reg    *registry.Registry
	gw     gateway.Client
	logger *slog.Logger
}

// New creates an engine for one record type.
func New(reg *registry.Registry, gw gateway.Client, logger *slog.Logger) *Engine {
	return &Engine{reg: reg, gw: gw, logger: logger}
}

// Registry returns the tokenization configuration the engine was built with.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// isBlank reports whether a value is empty or whitespace-only.
func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// SetField assigns a tokenized field in memory. Assigning nil moves the field
// to the explicitly-nil state and synchronously zeroes the in-memory token so
// a read between "set nil" and "save" observes null. Non-tokenized names are
// written through untouched.
func (e *Engine) SetField(rec record.Record, st *record.State, name string, value *string) {
	f, ok := e.reg.Field(name)
	if !ok {
		rec.WriteRawAttribute(name, value)
		return
	}

	if value == nil {
		st.SetNil(name)
		rec.WriteRawAttribute(name, nil)
		rec.WriteRawAttribute(f.TokenColumn, nil)
		return
	}

	st.SetOverride(name, *value)
	rec.WriteRawAttribute(name, value)
}

// SetJSONValue assigns a key inside a tokenized JSON column. Tokenized keys
// follow the same nil-transition rules as regular fields, at
// "<column>.<key>" granularity. Non-tokenized keys are written into the
// plaintext blob verbatim.
func (e *Engine) SetJSONValue(rec record.Record, st *record.State, column, key string, value *string) {
	jf, ok := e.reg.JSONField(column)
	if !ok {
		return
	}

	blob := parseJSONObject(rec.ReadRawAttribute(column))
	if value == nil {
		blob[key] = nil
	} else {
		blob[key] = *value
	}
	rec.WriteRawAttribute(column, marshalJSONObject(blob))

	if _, tokenized := jf.Keys[key]; !tokenized {
		return
	}

	cacheKey := registry.JSONKey(column, key)
	if value == nil {
		st.SetNil(cacheKey)
		// zero the in-memory token for immediate reads
		tokenBlob := parseJSONObject(rec.ReadRawAttribute(jf.TokenColumn))
		delete(tokenBlob, key)
		rec.WriteRawAttribute(jf.TokenColumn, marshalJSONObject(tokenBlob))
		return
	}

	st.SetOverride(cacheKey, *value)
}

// Field reads a tokenized field. Resolution order: explicitly-nil flag,
// pending override, decryption cache, batch decrypt-and-cache, raw plaintext
// column. With read_from_token disabled the plaintext column wins over the
// token path.
func (e *Engine) Field(
	ctx context.Context,
	rec record.Record,
	st *record.State,
	name string,
) (*string, error) {
	if _, ok := e.reg.Field(name); !ok {
		return rec.ReadRawAttribute(name), nil
	}

	if st.IsExplicitlyNil(name) {
		return nil, nil
	}
	if v, ok := st.Override(name); ok {
		return &v, nil
	}
	if !e.reg.ReadFromToken() {
		return rec.ReadRawAttribute(name), nil
	}
	if v, ok := st.CacheGet(name); ok {
		return &v, nil
	}

	if err := e.ensureDecrypted(ctx, rec, st); err != nil {
		return nil, err
	}
	if v, ok := st.CacheGet(name); ok {
		return &v, nil
	}

	// token missing or not decryptable, fall back to the plaintext column
	return rec.ReadRawAttribute(name), nil
}

// JSONValue reads a key inside a tokenized JSON column with the same
// resolution order as Field. Non-tokenized keys come straight from the
// plaintext blob.
func (e *Engine) JSONValue(
	ctx context.Context,
	rec record.Record,
	st *record.State,
	column, key string,
) (*string, error) {
	jf, ok := e.reg.JSONField(column)
	if !ok {
		return nil, nil
	}

	if _, tokenized := jf.Keys[key]; !tokenized {
		return jsonStringValue(parseJSONObject(rec.ReadRawAttribute(column)), key), nil
	}

	cacheKey := registry.JSONKey(column, key)
	if st.IsExplicitlyNil(cacheKey) {
		return nil, nil
	}
	if v, ok := st.Override(cacheKey); ok {
		return &v, nil
	}
	if !e.reg.ReadFromToken() {
		return jsonStringValue(parseJSONObject(rec.ReadRawAttribute(column)), key), nil
	}
	if v, ok := st.CacheGet(cacheKey); ok {
		return &v, nil
	}

	if err := e.ensureDecrypted(ctx, rec, st); err != nil {
		return nil, err
	}
	if v, ok := st.CacheGet(cacheKey); ok {
		return &v, nil
	}

	return jsonStringValue(parseJSONObject(rec.ReadRawAttribute(column)), key), nil
}
