package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Harvey-AU/metascan/internal/scan"
	"github.com/Harvey-AU/metascan/internal/scanapi"
)

// MockScanner is a mock implementation of the scan service
type MockScanner struct {
	mock.Mock
}

// ScanURL mocks the ScanURL method
func (m *MockScanner) ScanURL(ctx context.Context, rawURL, credential string) scan.ScanResult {
	args := m.Called(ctx, rawURL, credential)
	return args.Get(0).(scan.ScanResult)
}

// ScanFile mocks the ScanFile method
func (m *MockScanner) ScanFile(ctx context.Context, name string, content []byte, credential string) scan.ScanResult {
	args := m.Called(ctx, name, content, credential)
	return args.Get(0).(scan.ScanResult)
}

// ScanMultipleURLs mocks the ScanMultipleURLs method
func (m *MockScanner) ScanMultipleURLs(ctx context.Context, items []scan.Item, credential string, opts scan.Options) []scan.BatchItem {
	args := m.Called(ctx, items, credential, opts)
	return args.Get(0).([]scan.BatchItem)
}

// Quota mocks the Quota method
func (m *MockScanner) Quota(ctx context.Context, credential string) (*scanapi.Quota, error) {
	args := m.Called(ctx, credential)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*scanapi.Quota), args.Error(1)
}
