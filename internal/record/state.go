package record

// State holds the tokenization state owned by a single record instance:
// the decrypted-value cache, the explicitly-nil flags and the pending
// in-memory overrides. It is created together with the record instance and
// discarded with it; it is never shared across goroutines or processes.
//
// Cache keys are either a field name or "<json_column>.<key>" for JSON
// sub-fields.
type State struct {
	cache           map[string]string
	explicitNil     map[string]struct{}
	pendingOverride map[string]string
	tokenizedInSave map[string]struct{}
	decrypted       bool
}

// NewState creates an empty tokenization state for one record instance.
func NewState() *State {
	return &State{
		cache:           make(map[string]string),
		explicitNil:     make(map[string]struct{}),
		pendingOverride: make(map[string]string),
		tokenizedInSave: make(map[string]struct{}),
	}
}

// SetOverride records an in-memory assignment so a read immediately after a
// write observes the write without a storage round trip. A previous
// explicitly-nil flag for the field is dropped: the field moved from
// ExplicitlyNil back to Present.
func (s *State) SetOverride(field, value string) {
	s.pendingOverride[field] = value
	delete(s.explicitNil, field)
}

// SetNil records an explicit null assignment. Any pending override is
// discarded so reads between "set nil" and "save" observe null.
func (s *State) SetNil(field string) {
	s.explicitNil[field] = struct{}{}
	delete(s.pendingOverride, field)
	delete(s.cache, field)
}

// ClearNil drops the explicitly-nil flag without recording an override.
// Used when a save-time callback repopulated the field after the nil
// assignment.
func (s *State) ClearNil(field string) {
	delete(s.explicitNil, field)
}

// IsExplicitlyNil reports whether the field was assigned null since the last
// persisted state.
func (s *State) IsExplicitlyNil(field string) bool {
	_, ok := s.explicitNil[field]
	return ok
}

// Override returns the pending in-memory value for the field, if any.
func (s *State) Override(field string) (string, bool) {
	v, ok := s.pendingOverride[field]
	return v, ok
}

// ClearOverride drops the pending override for the field, normally after the
// value has been tokenized and persisted.
func (s *State) ClearOverride(field string) {
	delete(s.pendingOverride, field)
}

// CachePut stores a decrypted plaintext under the given field key.
func (s *State) CachePut(key, value string) {
	s.cache[key] = value
}

// CacheGet returns the cached plaintext for the given field key.
func (s *State) CacheGet(key string) (string, bool) {
	v, ok := s.cache[key]
	return v, ok
}

// MarkTokenized records that a field key was handled by the encryption
// coordinator during the current save, so the second coordinator pass around
// the same save does not process it again.
func (s *State) MarkTokenized(key string) {
	s.tokenizedInSave[key] = struct{}{}
}

// TokenizedInSave reports whether the field key was already handled during
// the current save.
func (s *State) TokenizedInSave(key string) bool {
	_, ok := s.tokenizedInSave[key]
	return ok
}

// FinishSave ends the current save lifecycle, resetting the per-save
// bookkeeping.
func (s *State) FinishSave() {
	clear(s.tokenizedInSave)
}

// MarkDecrypted records that the record-wide batch decryption ran. Subsequent
// field accesses must not trigger another gateway call.
func (s *State) MarkDecrypted() {
	s.decrypted = true
}

// Decrypted reports whether the record-wide batch decryption already ran.
func (s *State) Decrypted() bool {
	return s.decrypted
}
