package stubgateway

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	validation "github.com/jellydator/validation"
)

// tokenizeRequestItem is one entry of the bulk tokenize request body.
type tokenizeRequestItem struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	PIIType    string `json:"pii_type"`
	PIIField   string `json:"pii_field"`
}

// Validate checks the tuple fields needed to issue a token.
func (r tokenizeRequestItem) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.EntityType, validation.Required),
		validation.Field(&r.EntityID, validation.Required),
		validation.Field(&r.PIIType, validation.Required),
		validation.Field(&r.PIIField, validation.Required),
	)
}

// tokenizeResponseItem is one row of the bulk tokenize response.
type tokenizeResponseItem struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	PIIType    string `json:"pii_type"`
	PIIField   string `json:"pii_field"`
	Token      string `json:"token"`
}

// decryptResponseItem is one row of the decrypt and search responses.
type decryptResponseItem struct {
	Token          string `json:"token"`
	DecryptedValue string `json:"decrypted_value,omitempty"`
}

// searchRequest is the body of the token search endpoint.
type searchRequest struct {
	PIIField string `json:"pii_field"`
}

// Handler serves the gateway API over an in-memory vault.
type Handler struct {
	vault  *Vault
	logger *slog.Logger
}

// NewHandler creates a handler over the given vault.
func NewHandler(vault *Vault, logger *slog.Logger) *Handler {
	return &Handler{vault: vault, logger: logger}
}

// TokenizeBulkHandler issues tokens for a batch of values.
// POST /tokens/bulk
func (h *Handler) TokenizeBulkHandler(c *gin.Context) {
	var items []tokenizeRequestItem
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	for _, item := range items {
		if err := item.Validate(); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, Entry{
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			PIIType:    item.PIIType,
			PIIField:   item.PIIField,
		})
	}

	tokenized, err := h.vault.Tokenize(c.Request.Context(), entries)
	if err != nil {
		h.logger.Error("tokenize failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tokenization failed"})
		return
	}

	response := make([]tokenizeResponseItem, 0, len(tokenized))
	for _, entry := range tokenized {
		response = append(response, tokenizeResponseItem{
			EntityType: entry.EntityType,
			EntityID:   entry.EntityID,
			PIIType:    entry.PIIType,
			PIIField:   entry.PIIField,
			Token:      entry.Token,
		})
	}

	c.JSON(http.StatusOK, response)
}

// DecryptHandler unseals a batch of tokens. Unknown tokens are silently
// absent from the response.
// GET /tokens/decrypt?tokens[]=...
func (h *Handler) DecryptHandler(c *gin.Context) {
	tokens := c.QueryArray("tokens[]")

	values, err := h.vault.Decrypt(c.Request.Context(), tokens)
	if err != nil {
		h.logger.Error("decrypt failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "decryption failed"})
		return
	}

	response := make([]decryptResponseItem, 0, len(values))
	for _, token := range tokens {
		if value, ok := values[token]; ok {
			response = append(response, decryptResponseItem{
				Token:          token,
				DecryptedValue: value,
			})
		}
	}

	c.JSON(http.StatusOK, response)
}

// SearchHandler returns every token sealed over the given value.
// POST /tokens/search
func (h *Handler) SearchHandler(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.PIIField == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "pii_field: cannot be blank."})
		return
	}

	tokens := h.vault.Search(req.PIIField)

	response := make([]decryptResponseItem, 0, len(tokens))
	for _, token := range tokens {
		response = append(response, decryptResponseItem{Token: token})
	}

	c.JSON(http.StatusOK, response)
}
