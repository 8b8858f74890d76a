package coreapi

import "github.com/dukapos/service-mpesa/service/models"

//nolint:revive // MpesaApiClient follows external API naming convention
type MpesaApiClient interface {
	GenerateAccessToken() (*AccessTokenResponse, error)
	InitiateSTKPush(request models.STKPushRequest, accessToken string) (*models.STKPushResponse, error)
	RegisterC2BURLs(request models.C2BRegisterRequest, accessToken string) (*models.C2BRegisterResponse, error)
}
