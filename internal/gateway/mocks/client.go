// Package mocks provides mock implementations for testing gateway consumers.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/allisson/tokenfield/internal/gateway"
)

// MockClient is a mock implementation of gateway.Client for testing.
type MockClient struct {
	mock.Mock
}

// EncryptBatch mocks the EncryptBatch method of gateway.Client.
func (m *MockClient) EncryptBatch(
	ctx context.Context,
	items []gateway.EncryptItem,
) (map[string]string, error) {
	args := m.Called(ctx, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

// DecryptBatch mocks the DecryptBatch method of gateway.Client.
func (m *MockClient) DecryptBatch(ctx context.Context, tokens []string) (map[string]string, error) {
	args := m.Called(ctx, tokens)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

// SearchTokens mocks the SearchTokens method of gateway.Client.
func (m *MockClient) SearchTokens(ctx context.Context, value string) ([]string, error) {
	args := m.Called(ctx, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
