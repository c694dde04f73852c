// Package registry holds the static per-record-type tokenization
// configuration: which fields carry PII, how JSON columns map their keys to
// PII types, how records resolve to gateway entities, and the dual-write /
// read-from-token migration flags.
//
// A Registry is built once at type-registration time, validated eagerly and
// immutable afterwards.
package registry

import (
	"fmt"

	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/tokenfield/internal/errors"
	"github.com/allisson/tokenfield/internal/record"
)

// PIIType tags the kind of sensitive data in a field (e.g., "NAME", "EMAIL").
// It is sent to the gateway with every encryption request item.
type PIIType string

// EntityResolver derives the gateway entity type or entity id from a record.
// An entity id resolver may depend on a storage-assigned identifier, in which
// case it returns "" until the row exists (see the two-phase save behavior in
// package engine).
type EntityResolver func(rec record.Record) string

// Field declares a tokenized regular field.
type Field struct {
	// Name is the plaintext attribute name.
	Name string
	// PIIType is the gateway classification for this field's data.
	PIIType PIIType
	// TokenColumn is the column holding the opaque token. Defaults to
	// Name + "_token".
	TokenColumn string
}

// JSONField declares a JSON column with independently tokenized keys. Keys
// absent from the map are preserved verbatim in both blobs.
type JSONField struct {
	// Column is the plaintext JSON column name.
	Column string
	// TokenColumn is the parallel JSON column holding per-key tokens.
	// Defaults to Column + "_token".
	TokenColumn string
	// Keys maps tokenized JSON keys to their PII types.
	Keys map[string]PIIType
}

// Config is the input for building a Registry.
type Config struct {
	// EntityType resolves the gateway entity type for a record.
	EntityType EntityResolver
	// EntityID resolves the gateway entity id for a record.
	EntityID EntityResolver
	// Fields are the tokenized regular fields, in declaration order.
	Fields []Field
	// JSONFields are the tokenized JSON columns, in declaration order.
	JSONFields []JSONField
	// DualWrite keeps plaintext columns populated alongside token columns.
	DualWrite bool
	// ReadFromToken prefers decrypting the token over reading plaintext.
	// When nil it defaults to !DualWrite.
	ReadFromToken *bool
}

// Registry is the immutable tokenization configuration for one record type.
type Registry struct {
	entityType    EntityResolver
	entityID      EntityResolver
	fields        []Field
	jsonFields    []JSONField
	fieldsByName  map[string]Field
	jsonByColumn  map[string]JSONField
	dualWrite     bool
	readFromToken bool
}

// New validates the configuration and builds a Registry. Configuration
// problems are fatal and wrapped as ErrInvalidConfig.
func New(cfg Config) (*Registry, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, err.Error())
	}

	r := &Registry{
		entityType:   cfg.EntityType,
		entityID:     cfg.EntityID,
		fieldsByName: make(map[string]Field),
		jsonByColumn: make(map[string]JSONField),
		dualWrite:    cfg.DualWrite,
	}

	// read_from_token defaults to the inverse of dual_write unless overridden
	if cfg.ReadFromToken != nil {
		r.readFromToken = *cfg.ReadFromToken
	} else {
		r.readFromToken = !cfg.DualWrite
	}

	for _, f := range cfg.Fields {
		if f.TokenColumn == "" {
			f.TokenColumn = f.Name + "_token"
		}
		if _, ok := r.fieldsByName[f.Name]; ok {
			return nil, apperrors.Wrap(
				apperrors.ErrInvalidConfig,
				fmt.Sprintf("duplicate tokenized field %q", f.Name),
			)
		}
		r.fields = append(r.fields, f)
		r.fieldsByName[f.Name] = f
	}

	for _, jf := range cfg.JSONFields {
		if jf.TokenColumn == "" {
			jf.TokenColumn = jf.Column + "_token"
		}
		if _, ok := r.jsonByColumn[jf.Column]; ok {
			return nil, apperrors.Wrap(
				apperrors.ErrInvalidConfig,
				fmt.Sprintf("duplicate tokenized JSON column %q", jf.Column),
			)
		}
		r.jsonFields = append(r.jsonFields, jf)
		r.jsonByColumn[jf.Column] = jf
	}

	return r, nil
}

// validateConfig checks the configuration before the Registry is built.
func validateConfig(cfg Config) error {
	if cfg.EntityType == nil {
		return validation.NewError("validation_entity_type", "entity type resolver is required")
	}
	if cfg.EntityID == nil {
		return validation.NewError("validation_entity_id", "entity id resolver is required")
	}
	if len(cfg.Fields) == 0 && len(cfg.JSONFields) == 0 {
		return validation.NewError("validation_fields", "at least one tokenized field is required")
	}

	for _, f := range cfg.Fields {
		if err := (validation.Errors{
			"name":     validation.Validate(f.Name, validation.Required),
			"pii_type": validation.Validate(string(f.PIIType), validation.Required),
		}).Filter(); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}

	for _, jf := range cfg.JSONFields {
		if err := validation.Validate(jf.Column, validation.Required); err != nil {
			return fmt.Errorf("json column: %w", err)
		}
		if len(jf.Keys) == 0 {
			return fmt.Errorf("json column %q: no tokenized keys declared", jf.Column)
		}
		for key, piiType := range jf.Keys {
			if err := (validation.Errors{
				"key":      validation.Validate(key, validation.Required),
				"pii_type": validation.Validate(string(piiType), validation.Required),
			}).Filter(); err != nil {
				return fmt.Errorf("json column %q key %q: %w", jf.Column, key, err)
			}
		}
	}

	return nil
}

// Fields returns the tokenized regular fields in declaration order.
func (r *Registry) Fields() []Field {
	return r.fields
}

// JSONFields returns the tokenized JSON columns in declaration order.
func (r *Registry) JSONFields() []JSONField {
	return r.jsonFields
}

// Field returns the declaration for a tokenized field name.
func (r *Registry) Field(name string) (Field, bool) {
	f, ok := r.fieldsByName[name]
	return f, ok
}

// JSONField returns the declaration for a tokenized JSON column.
func (r *Registry) JSONField(column string) (JSONField, bool) {
	jf, ok := r.jsonByColumn[column]
	return jf, ok
}

// DualWrite reports whether plaintext columns are kept populated alongside
// token columns.
func (r *Registry) DualWrite() bool {
	return r.dualWrite
}

// ReadFromToken reports whether reads prefer decrypting the token over the
// plaintext column.
func (r *Registry) ReadFromToken() bool {
	return r.readFromToken
}

// EntityType resolves the gateway entity type for a record.
func (r *Registry) EntityType(rec record.Record) string {
	return r.entityType(rec)
}

// EntityID resolves the gateway entity id for a record. May return "" when
// the id depends on a storage-assigned identifier that does not exist yet.
func (r *Registry) EntityID(rec record.Record) string {
	return r.entityID(rec)
}

// JSONKey builds the composite cache key for a JSON sub-field.
func JSONKey(column, key string) string {
	return column + "." + key
}
