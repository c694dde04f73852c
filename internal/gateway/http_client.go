package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/allisson/tokenfield/internal/errors"
	"github.com/allisson/tokenfield/internal/metrics"
)

// metricsDomain labels gateway operations in business metrics.
const metricsDomain = "gateway"

// encryptResponseItem is one row of the bulk tokenize response.
type encryptResponseItem struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	PIIType    string `json:"pii_type"`
	PIIField   string `json:"pii_field"`
	Token      string `json:"token"`
}

// decryptResponseItem is one row of the decrypt and search responses.
type decryptResponseItem struct {
	Token          string `json:"token"`
	DecryptedValue string `json:"decrypted_value"`
}

// searchRequest is the body of the token search endpoint.
type searchRequest struct {
	PIIField string `json:"pii_field"`
}

// errorResponse is the JSON error body the gateway returns on failure.
type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient implements Client over the gateway's HTTP/JSON API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    metrics.BusinessMetrics
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithRateLimit enables client-side rate limiting of gateway calls.
func WithRateLimit(requestsPerSec float64, burst int) Option {
	return func(c *HTTPClient) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSec), burst)
	}
}

// WithMetrics enables business metrics recording for gateway operations.
func WithMetrics(m metrics.BusinessMetrics) Option {
	return func(c *HTTPClient) {
		c.metrics = m
	}
}

// NewHTTPClient creates a gateway client with fixed connect and total
// timeouts. A missing base URL is a configuration error.
func NewHTTPClient(
	baseURL string,
	connectTimeout time.Duration,
	totalTimeout time.Duration,
	logger *slog.Logger,
	opts ...Option,
) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "gateway base URL is required")
	}

	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		httpClient: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// EncryptBatch implements Client. A batch with no items performs no request.
func (c *HTTPClient) EncryptBatch(ctx context.Context, items []EncryptItem) (map[string]string, error) {
	tokens := make(map[string]string, len(items))
	if len(items) == 0 {
		return tokens, nil
	}

	body, err := json.Marshal(items)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to encode bulk tokenize request")
	}

	var response []encryptResponseItem
	err = c.do(ctx, "encrypt_batch", http.MethodPost, "/tokens/bulk", body, &response)
	if err != nil {
		return nil, err
	}

	for _, item := range response {
		key := EncryptItem{
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			PIIType:    item.PIIType,
			PIIField:   item.PIIField,
		}.Key()
		tokens[key] = item.Token
	}

	return tokens, nil
}

// DecryptBatch implements Client. A batch with no tokens performs no request.
func (c *HTTPClient) DecryptBatch(ctx context.Context, tokens []string) (map[string]string, error) {
	values := make(map[string]string, len(tokens))
	if len(tokens) == 0 {
		return values, nil
	}

	query := url.Values{}
	for _, token := range tokens {
		query.Add("tokens[]", token)
	}

	var response []decryptResponseItem
	err := c.do(ctx, "decrypt_batch", http.MethodGet, "/tokens/decrypt?"+query.Encode(), nil, &response)
	if err != nil {
		return nil, err
	}

	for _, item := range response {
		values[item.Token] = item.DecryptedValue
	}

	return values, nil
}

// SearchTokens implements Client.
func (c *HTTPClient) SearchTokens(ctx context.Context, value string) ([]string, error) {
	body, err := json.Marshal(searchRequest{PIIField: value})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to encode token search request")
	}

	var response []decryptResponseItem
	err = c.do(ctx, "search_tokens", http.MethodPost, "/tokens/search", body, &response)
	if err != nil {
		return nil, err
	}

	tokens := make([]string, 0, len(response))
	for _, item := range response {
		tokens = append(tokens, item.Token)
	}

	return tokens, nil
}

// do performs one gateway request and decodes the JSON response into target.
// Transport failures wrap ErrTransport; non-success statuses become a
// GatewayError carrying the parsed error body.
func (c *HTTPClient) do(
	ctx context.Context,
	operation string,
	method string,
	path string,
	body []byte,
	target any,
) error {
	startedAt := time.Now()

	err := c.doOnce(ctx, method, path, body, target)

	status := "success"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordOperation(ctx, metricsDomain, operation, status)
		c.metrics.RecordDuration(ctx, metricsDomain, operation, time.Since(startedAt), status)
	}
	if c.logger != nil && err != nil {
		c.logger.Error("gateway call failed",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
	}

	return err
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body []byte, target any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.Wrap(apperrors.ErrTransport, err.Error())
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(err, "failed to build gateway request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return newGatewayError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return apperrors.Wrap(err, "failed to decode gateway response")
	}

	return nil
}

// newGatewayError builds a GatewayError from a non-success response. The
// message uses the parsed error body when it is JSON, the raw body otherwise.
func newGatewayError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		raw = nil
	}

	message := strings.TrimSpace(string(raw))
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		message = parsed.Error
	}
	if message == "" {
		message = fmt.Sprintf("no response body (%s)", resp.Status)
	}

	return &apperrors.GatewayError{
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}
