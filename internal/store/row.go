package store

import (
	"context"

	"github.com/allisson/tokenfield/internal/record"
)

// Row is one database row hosting tokenized fields. It implements the
// record contract the engine drives: raw attribute access with dirty
// tracking plus post-insert column updates.
//
// A Row is owned by a single goroutine, like a *sql.Row.
type Row struct {
	store *Store
	state *record.State
	attrs map[string]*string
	dirty map[string]bool
	isNew bool
}

// ReadRawAttribute returns the stored value of a column, nil when NULL.
func (r *Row) ReadRawAttribute(name string) *string {
	return r.attrs[name]
}

// WriteRawAttribute overwrites a column value and marks it dirty.
func (r *Row) WriteRawAttribute(name string, value *string) {
	r.attrs[name] = value
	r.dirty[name] = true
}

// IsDirty reports whether a column changed since the row was loaded.
func (r *Row) IsDirty(name string) bool {
	return r.dirty[name]
}

// IsNewRecord reports whether the row has not been inserted yet.
func (r *Row) IsNewRecord() bool {
	return r.isNew
}

// UpdateColumns persists column values directly, bypassing dirty tracking.
// The engine calls this for tokens produced after the initial insert.
func (r *Row) UpdateColumns(ctx context.Context, values map[string]*string) error {
	if err := r.store.updateColumns(ctx, r, values); err != nil {
		return err
	}
	for column, value := range values {
		r.attrs[column] = value
	}
	return nil
}

// ID returns the row identifier, empty before the first save.
func (r *Row) ID() string {
	if id := r.attrs[r.store.idColumn]; id != nil {
		return *id
	}
	return ""
}

// State exposes the row's tokenization state for collection preloads.
func (r *Row) State() *record.State {
	return r.state
}

// Set assigns a field through the tokenization engine. Non-tokenized
// columns are written through untouched.
func (r *Row) Set(name string, value *string) {
	r.store.engine.SetField(r, r.state, name, value)
}

// Get reads a field through the tokenization engine. The first access to
// any tokenized field may trigger one gateway call for the whole row.
func (r *Row) Get(ctx context.Context, name string) (*string, error) {
	return r.store.engine.Field(ctx, r, r.state, name)
}

// SetJSONValue assigns one key inside a tokenized JSON column.
func (r *Row) SetJSONValue(column, key string, value *string) {
	r.store.engine.SetJSONValue(r, r.state, column, key, value)
}

// JSONValue reads one key inside a tokenized JSON column.
func (r *Row) JSONValue(ctx context.Context, column, key string) (*string, error) {
	return r.store.engine.JSONValue(ctx, r, r.state, column, key)
}
