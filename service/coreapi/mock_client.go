package coreapi

import (
	"github.com/dukapos/service-mpesa/service/models"
	"github.com/stretchr/testify/mock"
)

// MockClient is a mock implementation of MpesaApiClient.
type MockClient struct {
	mock.Mock
}

// GenerateAccessToken mocks the GenerateAccessToken method.
func (m *MockClient) GenerateAccessToken() (*AccessTokenResponse, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*AccessTokenResponse), args.Error(1)
}

// InitiateSTKPush mocks the InitiateSTKPush method.
func (m *MockClient) InitiateSTKPush(request models.STKPushRequest, accessToken string) (*models.STKPushResponse, error) {
	args := m.Called(request, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.STKPushResponse), args.Error(1)
}

// RegisterC2BURLs mocks the RegisterC2BURLs method.
func (m *MockClient) RegisterC2BURLs(request models.C2BRegisterRequest, accessToken string) (*models.C2BRegisterResponse, error) {
	args := m.Called(request, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.C2BRegisterResponse), args.Error(1)
}
