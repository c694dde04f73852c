// Package record defines the persistence-layer surface the tokenization engine
// consumes and the per-record-instance tokenization state.
//
// The engine never talks to storage directly. The host record implementation
// supplies raw attribute access, dirty tracking and a save hook; the engine
// supplies the tokenization semantics on top.
package record

import "context"

// Record is the interface a host record implementation must provide.
// Attribute values are nullable strings: a nil pointer is a SQL NULL.
type Record interface {
	// ReadRawAttribute returns the raw stored value for the named attribute,
	// bypassing any tokenization logic. Returns nil for NULL.
	ReadRawAttribute(name string) *string

	// WriteRawAttribute sets the raw in-memory value for the named attribute,
	// bypassing any tokenization logic. The write must be visible to
	// subsequent ReadRawAttribute calls and to the next physical save.
	WriteRawAttribute(name string, value *string)

	// IsDirty reports whether the named attribute changed since the record
	// was loaded or last saved.
	IsDirty(name string) bool

	// IsNewRecord reports whether the record has not yet been inserted.
	IsNewRecord() bool
}

// ColumnUpdater performs a direct column update that bypasses the save
// lifecycle. The engine uses it for the follow-up token write when the
// entity id only becomes available after the row is inserted.
type ColumnUpdater interface {
	UpdateColumns(ctx context.Context, values map[string]*string) error
}
