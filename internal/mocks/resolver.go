package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Harvey-AU/metascan/internal/resolver"
	"github.com/Harvey-AU/metascan/internal/urlguard"
)

// MockResolver is a mock implementation of the resource resolver
type MockResolver struct {
	mock.Mock
}

// Resolve mocks the Resolve method
func (m *MockResolver) Resolve(ctx context.Context, v urlguard.ValidationResult, kind resolver.Kind) (*resolver.Resource, error) {
	args := m.Called(ctx, v, kind)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*resolver.Resource), args.Error(1)
}
