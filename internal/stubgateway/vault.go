// Package stubgateway implements a development stand-in for the external
// tokenization gateway. It serves the same HTTP/JSON API the client speaks,
// backed by an in-memory vault whose values are sealed with a
// gocloud.dev/secrets keeper. Tokens do not survive a restart.
package stubgateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gocloud.dev/secrets"

	apperrors "github.com/allisson/tokenfield/internal/errors"

	// Register keeper drivers supported by the key URI configuration.
	_ "gocloud.dev/secrets/awskms"
	_ "gocloud.dev/secrets/azurekeyvault"
	_ "gocloud.dev/secrets/gcpkms"
	_ "gocloud.dev/secrets/localsecrets"
)

// Keeper seals and unseals vault entries. *secrets.Keeper implements it.
type Keeper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// OpenKeeper opens a keeper for the configured key URI. Supports gcpkms://,
// awskms://, azurekeyvault:// and base64key:// URIs.
func OpenKeeper(ctx context.Context, keyURI string) (*secrets.Keeper, error) {
	keeper, err := secrets.OpenKeeper(ctx, keyURI)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open keeper")
	}
	return keeper, nil
}

// Entry is one value to tokenize.
type Entry struct {
	EntityType string
	EntityID   string
	PIIType    string
	PIIField   string
}

// identity is the tuple a token is issued for. Tokenizing the same tuple
// twice returns the same token.
func (e Entry) identity() string {
	return strings.Join([]string{e.EntityType, e.EntityID, e.PIIType, e.PIIField}, ":")
}

// TokenizedEntry is one issued token with the tuple it was issued for.
type TokenizedEntry struct {
	Entry
	Token string
}

// vaultRecord is one sealed value.
type vaultRecord struct {
	ciphertext []byte
	digest     string
}

// Vault is the in-memory token vault. Safe for concurrent use.
type Vault struct {
	keeper Keeper

	mu         sync.Mutex
	byIdentity map[string]string
	byToken    map[string]vaultRecord
	byDigest   map[string][]string
}

// NewVault creates an empty vault sealed by the given keeper.
func NewVault(keeper Keeper) *Vault {
	return &Vault{
		keeper:     keeper,
		byIdentity: make(map[string]string),
		byToken:    make(map[string]vaultRecord),
		byDigest:   make(map[string][]string),
	}
}

// Tokenize issues one token per entry, reusing the existing token when the
// tuple was tokenized before.
func (v *Vault) Tokenize(ctx context.Context, entries []Entry) ([]TokenizedEntry, error) {
	result := make([]TokenizedEntry, 0, len(entries))

	for _, entry := range entries {
		token, err := v.tokenizeOne(ctx, entry)
		if err != nil {
			return nil, err
		}
		result = append(result, TokenizedEntry{Entry: entry, Token: token})
	}

	return result, nil
}

func (v *Vault) tokenizeOne(ctx context.Context, entry Entry) (string, error) {
	v.mu.Lock()
	if token, ok := v.byIdentity[entry.identity()]; ok {
		v.mu.Unlock()
		return token, nil
	}
	v.mu.Unlock()

	// seal outside the lock, keeper calls may hit the network
	ciphertext, err := v.keeper.Encrypt(ctx, []byte(entry.PIIField))
	if err != nil {
		return "", apperrors.Wrap(err, "failed to seal value")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if token, ok := v.byIdentity[entry.identity()]; ok {
		return token, nil
	}

	token := "tok_" + uuid.NewString()
	digest := valueDigest(entry.PIIField)

	v.byIdentity[entry.identity()] = token
	v.byToken[token] = vaultRecord{ciphertext: ciphertext, digest: digest}
	v.byDigest[digest] = append(v.byDigest[digest], token)

	return token, nil
}

// Decrypt unseals the known tokens of the batch. Unknown tokens are skipped.
func (v *Vault) Decrypt(ctx context.Context, tokens []string) (map[string]string, error) {
	v.mu.Lock()
	records := make(map[string]vaultRecord, len(tokens))
	for _, token := range tokens {
		if rec, ok := v.byToken[token]; ok {
			records[token] = rec
		}
	}
	v.mu.Unlock()

	values := make(map[string]string, len(records))
	for token, rec := range records {
		plaintext, err := v.keeper.Decrypt(ctx, rec.ciphertext)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to unseal value")
		}
		values[token] = string(plaintext)
	}

	return values, nil
}

// Search returns every token sealed over the given value, across all
// entities and pii types.
func (v *Vault) Search(value string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	tokens := v.byDigest[valueDigest(value)]
	return append([]string(nil), tokens...)
}

func valueDigest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
