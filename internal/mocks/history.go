package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Harvey-AU/metascan/internal/db"
)

// MockHistoryStore is a mock implementation of the scan history store
type MockHistoryStore struct {
	mock.Mock
}

// RecentResults mocks the RecentResults method
func (m *MockHistoryStore) RecentResults(ctx context.Context, target string, limit int) ([]db.StoredResult, error) {
	args := m.Called(ctx, target, limit)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]db.StoredResult), args.Error(1)
}

// Ping mocks the Ping method
func (m *MockHistoryStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
