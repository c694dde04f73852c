package engine

import (
	"context"
	"log/slog"

	"github.com/allisson/tokenfield/internal/gateway"
	"github.com/allisson/tokenfield/internal/record"
	"github.com/allisson/tokenfield/internal/registry"
)

// BeforeSave is the pre-persistence half of the save hook. It plans the
// save, performs at most one encryptBatch call and writes the resulting
// token and plaintext column values into the record so the upcoming INSERT
// or UPDATE carries them.
//
// When the entity id resolver depends on a storage-assigned identifier that
// does not exist yet, the encryption work is deferred to AfterSave and this
// pass only applies clears and blank-token writes.
func (e *Engine) BeforeSave(ctx context.Context, rec record.Record, st *record.State) error {
	changes, err := e.encryptPass(ctx, rec, st)
	if err != nil {
		return err
	}

	for column, value := range changes {
		rec.WriteRawAttribute(column, value)
	}
	return nil
}

// AfterSave is the post-persistence half of the save hook. It re-plans the
// save (fields completed by BeforeSave are skipped) and, when the entity id
// only became available with the inserted row, performs the follow-up
// encrypt-and-update cycle through upd. This produces a window where the row
// exists without tokens, visible to concurrent readers.
func (e *Engine) AfterSave(
	ctx context.Context,
	rec record.Record,
	st *record.State,
	upd record.ColumnUpdater,
) error {
	defer st.FinishSave()

	changes, err := e.encryptPass(ctx, rec, st)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	for column, value := range changes {
		rec.WriteRawAttribute(column, value)
	}
	return upd.UpdateColumns(ctx, changes)
}

// encryptPass runs the decision engine and the batch encryption coordinator
// once, returning the column values to persist. At most one gateway call is
// issued per pass, covering regular fields and JSON sub-fields together.
func (e *Engine) encryptPass(
	ctx context.Context,
	rec record.Record,
	st *record.State,
) (map[string]*string, error) {
	plan := e.planSave(rec, st)
	if len(plan.fields) == 0 && len(plan.columns) == 0 {
		return nil, nil
	}

	entityType := e.reg.EntityType(rec)
	entityID := e.reg.EntityID(rec)
	canEncrypt := !isBlank(entityID)

	tokens, err := e.encryptBatch(ctx, plan, entityType, entityID, canEncrypt)
	if err != nil {
		return nil, err
	}

	changes := make(map[string]*string)
	for _, op := range plan.fields {
		e.applyFieldOp(rec, st, op, entityType, entityID, canEncrypt, tokens, changes)
	}
	for _, col := range plan.columns {
		e.applyJSONColumnOp(rec, st, col, entityType, entityID, canEncrypt, tokens, changes)
	}

	return changes, nil
}

// encryptBatch collects every value needing encryption into one deduplicated
// gateway request.
func (e *Engine) encryptBatch(
	ctx context.Context,
	plan savePlan,
	entityType, entityID string,
	canEncrypt bool,
) (map[string]string, error) {
	if !canEncrypt || !plan.needsEncryption() {
		return nil, nil
	}

	var items []gateway.EncryptItem
	seen := make(map[string]struct{})
	add := func(piiType registry.PIIType, value string) {
		item := gateway.EncryptItem{
			EntityType: entityType,
			EntityID:   entityID,
			PIIType:    string(piiType),
			PIIField:   value,
		}
		if _, ok := seen[item.Key()]; ok {
			return
		}
		seen[item.Key()] = struct{}{}
		items = append(items, item)
	}

	for _, op := range plan.fields {
		if op.action == ActionTokenize && !op.writeBlank {
			add(op.field.PIIType, op.value)
		}
	}
	for _, col := range plan.columns {
		for _, op := range col.ops {
			if op.action == ActionTokenize && !op.writeBlank {
				add(op.piiType, op.value)
			}
		}
	}

	tokens, err := e.gw.EncryptBatch(ctx, items)
	if err != nil {
		return nil, err
	}
	if len(tokens) < len(items) && e.logger != nil {
		e.logger.Warn("gateway returned fewer tokens than requested",
			slog.Int("requested", len(items)),
			slog.Int("returned", len(tokens)),
		)
	}
	return tokens, nil
}

// applyFieldOp writes back one regular field operation.
func (e *Engine) applyFieldOp(
	rec record.Record,
	st *record.State,
	op fieldOp,
	entityType, entityID string,
	canEncrypt bool,
	tokens map[string]string,
	changes map[string]*string,
) {
	name := op.field.Name

	switch op.action {
	case ActionClear:
		if rec.ReadRawAttribute(op.field.TokenColumn) != nil {
			changes[op.field.TokenColumn] = nil
		}
		if rec.ReadRawAttribute(name) != nil {
			changes[name] = nil
		}
		st.ClearNil(name)
		st.ClearOverride(name)
		st.MarkTokenized(name)

	case ActionTokenize:
		if op.writeBlank {
			blank := ""
			changes[op.field.TokenColumn] = &blank
			st.CachePut(name, op.value)
			st.ClearOverride(name)
			st.MarkTokenized(name)
			return
		}
		if !canEncrypt {
			// entity id not resolvable yet, the post-insert pass picks it up
			return
		}

		key := gateway.EncryptItem{
			EntityType: entityType,
			EntityID:   entityID,
			PIIType:    string(op.field.PIIType),
			PIIField:   op.value,
		}.Key()
		if token, ok := tokens[key]; ok {
			changes[op.field.TokenColumn] = &token
			if e.reg.DualWrite() {
				if raw := rec.ReadRawAttribute(name); raw == nil || *raw != op.value {
					value := op.value
					changes[name] = &value
				}
			} else {
				changes[name] = nil
			}
			st.CachePut(name, op.value)
		}
		// a request item absent from the response keeps its previous state
		st.ClearOverride(name)
		st.MarkTokenized(name)
	}
}

// applyJSONColumnOp rebuilds one JSON token blob: tokens for tokenized keys,
// non-tokenized keys copied over verbatim. The plaintext JSON column is never
// cleared; JSON fields are dual-written at the container level.
func (e *Engine) applyJSONColumnOp(
	rec record.Record,
	st *record.State,
	col jsonColumnOp,
	entityType, entityID string,
	canEncrypt bool,
	tokens map[string]string,
	changes map[string]*string,
) {
	if !canEncrypt {
		for _, op := range col.ops {
			if op.action == ActionTokenize && !op.writeBlank {
				// the whole blob is deferred to the post-insert pass
				return
			}
		}
	}

	jf := col.column
	blob := parseJSONObject(rec.ReadRawAttribute(jf.Column))
	oldTokens := parseJSONObject(rec.ReadRawAttribute(jf.TokenColumn))
	newTokens := make(map[string]any)

	// non-tokenized keys travel with the blob unchanged
	for key, value := range blob {
		if _, tokenized := jf.Keys[key]; !tokenized {
			newTokens[key] = value
		}
	}

	// tokenized keys without a planned operation keep their current token
	planned := make(map[string]struct{}, len(col.ops))
	for _, op := range col.ops {
		planned[op.key] = struct{}{}
	}
	for key := range jf.Keys {
		if _, ok := planned[key]; ok {
			continue
		}
		if token := jsonStringValue(oldTokens, key); token != nil {
			newTokens[key] = *token
		}
	}

	for _, op := range col.ops {
		cacheKey := registry.JSONKey(jf.Column, op.key)

		switch op.action {
		case ActionClear:
			st.ClearNil(cacheKey)
			st.ClearOverride(cacheKey)
			st.MarkTokenized(cacheKey)

		case ActionTokenize:
			if op.writeBlank {
				newTokens[op.key] = ""
				st.CachePut(cacheKey, op.value)
				st.ClearOverride(cacheKey)
				st.MarkTokenized(cacheKey)
				continue
			}

			key := gateway.EncryptItem{
				EntityType: entityType,
				EntityID:   entityID,
				PIIType:    string(op.piiType),
				PIIField:   op.value,
			}.Key()
			if token, ok := tokens[key]; ok {
				newTokens[op.key] = token
				st.CachePut(cacheKey, op.value)
			} else if token := jsonStringValue(oldTokens, op.key); token != nil {
				// no token produced, keep the previous one
				newTokens[op.key] = *token
			}
			st.ClearOverride(cacheKey)
			st.MarkTokenized(cacheKey)
		}
	}

	changes[jf.TokenColumn] = marshalJSONObject(newTokens)
}
