package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/allisson/tokenfield/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*HTTPClient, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(
		server.URL,
		time.Second,
		5*time.Second,
		slog.New(slog.DiscardHandler),
		opts...,
	)
	require.NoError(t, err)
	t.Cleanup(client.httpClient.CloseIdleConnections)

	return client, server
}

func TestNewHTTPClient(t *testing.T) {
	t.Run("missing base URL is a config error", func(t *testing.T) {
		_, err := NewHTTPClient("", time.Second, time.Second, nil)
		assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	})

	t.Run("trailing slash is trimmed", func(t *testing.T) {
		client, err := NewHTTPClient("http://gateway.local/", time.Second, time.Second, nil)
		require.NoError(t, err)
		assert.Equal(t, "http://gateway.local", client.baseURL)
	})
}

func TestHTTPClient_EncryptBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("tokens keyed by correlation key", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/tokens/bulk", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var items []EncryptItem
			require.NoError(t, json.NewDecoder(r.Body).Decode(&items))
			require.Len(t, items, 2)

			response := make([]encryptResponseItem, 0, len(items))
			for _, item := range items {
				response = append(response, encryptResponseItem{
					EntityType: item.EntityType,
					EntityID:   item.EntityID,
					PIIType:    item.PIIType,
					PIIField:   item.PIIField,
					Token:      "token_for_" + item.PIIField,
				})
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(response)
		})

		client, _ := newTestClient(t, handler)

		items := []EncryptItem{
			{EntityType: "person", EntityID: "42", PIIType: "NAME", PIIField: "Jane"},
			{EntityType: "person", EntityID: "42", PIIType: "EMAIL", PIIField: "jane@x.com"},
		}
		tokens, err := client.EncryptBatch(ctx, items)
		require.NoError(t, err)
		assert.Equal(t, "token_for_Jane", tokens[items[0].Key()])
		assert.Equal(t, "token_for_jane@x.com", tokens[items[1].Key()])
	})

	t.Run("empty batch skips the request", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("unexpected request")
		})
		client, _ := newTestClient(t, handler)

		tokens, err := client.EncryptBatch(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, tokens)
	})

	t.Run("partial response leaves items unmatched", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode([]encryptResponseItem{
				{EntityType: "person", EntityID: "42", PIIType: "NAME", PIIField: "Jane", Token: "tok_1"},
			})
		})
		client, _ := newTestClient(t, handler)

		items := []EncryptItem{
			{EntityType: "person", EntityID: "42", PIIType: "NAME", PIIField: "Jane"},
			{EntityType: "person", EntityID: "42", PIIType: "EMAIL", PIIField: "jane@x.com"},
		}
		tokens, err := client.EncryptBatch(ctx, items)
		require.NoError(t, err)
		assert.Len(t, tokens, 1)
		_, ok := tokens[items[1].Key()]
		assert.False(t, ok)
	})
}

func TestHTTPClient_DecryptBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("values keyed by token", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/tokens/decrypt", r.URL.Path)
			assert.ElementsMatch(t, []string{"tok_1", "tok_2"}, r.URL.Query()["tokens[]"])

			_ = json.NewEncoder(w).Encode([]decryptResponseItem{
				{Token: "tok_1", DecryptedValue: "Jane"},
				{Token: "tok_2", DecryptedValue: "jane@x.com"},
			})
		})
		client, _ := newTestClient(t, handler)

		values, err := client.DecryptBatch(ctx, []string{"tok_1", "tok_2"})
		require.NoError(t, err)
		assert.Equal(t, "Jane", values["tok_1"])
		assert.Equal(t, "jane@x.com", values["tok_2"])
	})

	t.Run("unknown tokens are missing from the map", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode([]decryptResponseItem{
				{Token: "tok_1", DecryptedValue: "Jane"},
			})
		})
		client, _ := newTestClient(t, handler)

		values, err := client.DecryptBatch(ctx, []string{"tok_1", "tok_gone"})
		require.NoError(t, err)
		assert.Len(t, values, 1)
		_, ok := values["tok_gone"]
		assert.False(t, ok)
	})

	t.Run("empty batch skips the request", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("unexpected request")
		})
		client, _ := newTestClient(t, handler)

		values, err := client.DecryptBatch(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, values)
	})
}

func TestHTTPClient_SearchTokens(t *testing.T) {
	ctx := context.Background()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tokens/search", r.URL.Path)

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "jane@x.com", req.PIIField)

		_ = json.NewEncoder(w).Encode([]decryptResponseItem{
			{Token: "tok_1"},
			{Token: "tok_2"},
		})
	})
	client, _ := newTestClient(t, handler)

	tokens, err := client.SearchTokens(ctx, "jane@x.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok_1", "tok_2"}, tokens)
}

func TestHTTPClient_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("non-success status becomes a gateway error", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "pii_type is unknown"})
		})
		client, _ := newTestClient(t, handler)

		_, err := client.SearchTokens(ctx, "jane@x.com")
		require.Error(t, err)

		var gatewayErr *apperrors.GatewayError
		require.ErrorAs(t, err, &gatewayErr)
		assert.Equal(t, http.StatusUnprocessableEntity, gatewayErr.StatusCode)
		assert.Equal(t, "pii_type is unknown", gatewayErr.Message)
	})

	t.Run("non-json error body is carried raw", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream offline"))
		})
		client, _ := newTestClient(t, handler)

		_, err := client.DecryptBatch(ctx, []string{"tok_1"})

		var gatewayErr *apperrors.GatewayError
		require.ErrorAs(t, err, &gatewayErr)
		assert.Equal(t, http.StatusBadGateway, gatewayErr.StatusCode)
		assert.Equal(t, "upstream offline", gatewayErr.Message)
	})

	t.Run("unreachable gateway wraps the transport sentinel", func(t *testing.T) {
		client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		_, err := client.DecryptBatch(ctx, []string{"tok_1"})
		assert.ErrorIs(t, err, apperrors.ErrTransport)
	})

	t.Run("canceled context stops a rate-limited call", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode([]decryptResponseItem{})
		})
		client, _ := newTestClient(t, handler, WithRateLimit(0.001, 1))

		// the first call consumes the burst
		_, err := client.DecryptBatch(ctx, []string{"tok_1"})
		require.NoError(t, err)

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = client.DecryptBatch(canceled, []string{"tok_2"})
		assert.ErrorIs(t, err, apperrors.ErrTransport)
	})
}
