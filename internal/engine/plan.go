package engine

import (
	"github.com/allisson/tokenfield/internal/record"
	"github.com/allisson/tokenfield/internal/registry"
)

// Action is the planned operation for a field at save time.
type Action int

const (
	// ActionTokenize sends the field value to the gateway and writes the
	// returned token.
	ActionTokenize Action = iota
	// ActionClear nulls the token (and, for an explicit nil, the plaintext).
	ActionClear
)

// fieldOp is one planned operation on a regular tokenized field.
type fieldOp struct {
	field  registry.Field
	action Action
	// value is the plaintext to tokenize for ActionTokenize.
	value string
	// writeBlank writes an empty token directly, without a gateway call
	// (blank value under dual_write).
	writeBlank bool
}

// jsonKeyOp is one planned operation on a tokenized JSON sub-field.
type jsonKeyOp struct {
	key        string
	piiType    registry.PIIType
	action     Action
	value      string
	writeBlank bool
}

// jsonColumnOp groups the planned operations for one JSON column. The token
// blob is rebuilt as a whole whenever any tokenized key in it changes.
type jsonColumnOp struct {
	column registry.JSONField
	ops    []jsonKeyOp
}

// savePlan is the decision engine output for one save.
type savePlan struct {
	fields  []fieldOp
	columns []jsonColumnOp
}

// needsEncryption reports whether any planned operation requires a gateway
// round trip.
func (p savePlan) needsEncryption() bool {
	for _, op := range p.fields {
		if op.action == ActionTokenize && !op.writeBlank {
			return true
		}
	}
	for _, col := range p.columns {
		for _, op := range col.ops {
			if op.action == ActionTokenize && !op.writeBlank {
				return true
			}
		}
	}
	return false
}

// planSave computes which fields require encryption or clearing for the
// current save. Fields already handled earlier in the same save are skipped,
// which is what keeps the second coordinator pass of a two-phase save from
// re-encrypting fields the first pass completed.
func (e *Engine) planSave(rec record.Record, st *record.State) savePlan {
	var plan savePlan

	for _, f := range e.reg.Fields() {
		if st.TokenizedInSave(f.Name) {
			continue
		}
		if op, ok := e.planField(rec, st, f); ok {
			plan.fields = append(plan.fields, op)
		}
	}

	for _, jf := range e.reg.JSONFields() {
		if col, ok := e.planJSONColumn(rec, st, jf); ok {
			plan.columns = append(plan.columns, col)
		}
	}

	return plan
}

// planField applies the per-field decision rules. The bool result is false
// when the field needs no action on this save.
func (e *Engine) planField(rec record.Record, st *record.State, f registry.Field) (fieldOp, bool) {
	value := rec.ReadRawAttribute(f.Name)
	override, hasOverride := st.Override(f.Name)
	if hasOverride {
		value = &override
	}

	// A downstream callback may repopulate a field after an explicit nil
	// assignment; the non-blank value wins and the nil flag is dropped.
	explicitNil := st.IsExplicitlyNil(f.Name)
	if explicitNil && value != nil && !isBlank(*value) {
		st.ClearNil(f.Name)
		explicitNil = false
	}

	if !rec.IsNewRecord() {
		token := rec.ReadRawAttribute(f.TokenColumn)
		hasToken := token != nil && !isBlank(*token)
		if !rec.IsDirty(f.Name) && !hasOverride && !explicitNil && hasToken {
			return fieldOp{}, false
		}
	}

	op := fieldOp{field: f}
	switch {
	case explicitNil || value == nil:
		op.action = ActionClear
	case isBlank(*value):
		// blank strings skip the gateway: stored as an empty token under
		// dual_write, treated as a clear otherwise
		if e.reg.DualWrite() {
			op.action = ActionTokenize
			op.value = *value
			op.writeBlank = true
		} else {
			op.action = ActionClear
		}
	default:
		op.action = ActionTokenize
		op.value = *value
	}

	return op, true
}

// planJSONColumn applies the same rule set at "<column>.<key>" granularity.
// The bool result is false when no tokenized key in the column needs an
// action.
func (e *Engine) planJSONColumn(
	rec record.Record,
	st *record.State,
	jf registry.JSONField,
) (jsonColumnOp, bool) {
	blob := parseJSONObject(rec.ReadRawAttribute(jf.Column))
	tokenBlob := parseJSONObject(rec.ReadRawAttribute(jf.TokenColumn))
	dirty := rec.IsDirty(jf.Column)

	col := jsonColumnOp{column: jf}
	for _, key := range sortedKeys(jf.Keys) {
		cacheKey := registry.JSONKey(jf.Column, key)
		if st.TokenizedInSave(cacheKey) {
			continue
		}

		value := jsonStringValue(blob, key)
		override, hasOverride := st.Override(cacheKey)
		if hasOverride {
			value = &override
		}

		explicitNil := st.IsExplicitlyNil(cacheKey)
		if explicitNil && value != nil && !isBlank(*value) {
			st.ClearNil(cacheKey)
			explicitNil = false
		}

		if !rec.IsNewRecord() {
			token := jsonStringValue(tokenBlob, key)
			hasToken := token != nil && !isBlank(*token)
			if !dirty && !hasOverride && !explicitNil && hasToken {
				continue
			}
		}

		op := jsonKeyOp{key: key, piiType: jf.Keys[key]}
		switch {
		case explicitNil || value == nil:
			// a clear of a key absent from the token blob changes nothing
			if _, present := tokenBlob[key]; !present && !explicitNil {
				continue
			}
			op.action = ActionClear
		case isBlank(*value):
			if e.reg.DualWrite() {
				op.action = ActionTokenize
				op.value = *value
				op.writeBlank = true
			} else {
				op.action = ActionClear
			}
		default:
			op.action = ActionTokenize
			op.value = *value
		}

		col.ops = append(col.ops, op)
	}

	return col, len(col.ops) > 0
}
