package coreapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dukapos/service-mpesa/service/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SimulatorClient stands in for the live provider during demos. It mints its
// own correlation pair and, after a configured hold, posts a synthetic
// success callback to the service's own callback URL. Reconciliation runs
// the exact same path as a real confirmation; nothing is short circuited.
type SimulatorClient struct {
	CallbackURL string
	Hold        time.Duration
	HttpClient  *http.Client //nolint:staticcheck // API field name
}

func NewSimulator(callbackURL string, hold time.Duration) *SimulatorClient {
	return &SimulatorClient{
		CallbackURL: callbackURL,
		Hold:        hold,
		HttpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SimulatorClient) GenerateAccessToken() (*AccessTokenResponse, error) {
	return &AccessTokenResponse{AccessToken: "simulated-" + uuid.NewString(), ExpiresIn: "3599"}, nil
}

func (s *SimulatorClient) InitiateSTKPush(request models.STKPushRequest, _ string) (*models.STKPushResponse, error) {
	merchantRequestID := uuid.NewString()
	checkoutRequestID := "ws_CO_" + uuid.NewString()

	time.AfterFunc(s.Hold, func() {
		s.deliverCallback(merchantRequestID, checkoutRequestID, request)
	})

	return &models.STKPushResponse{
		MerchantRequestID:   merchantRequestID,
		CheckoutRequestID:   checkoutRequestID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

func (s *SimulatorClient) RegisterC2BURLs(request models.C2BRegisterRequest, _ string) (*models.C2BRegisterResponse, error) {
	return &models.C2BRegisterResponse{
		OriginatorCoversationID: uuid.NewString(),
		ResponseCode:            "0",
		ResponseDescription:     "Success",
	}, nil
}

func (s *SimulatorClient) deliverCallback(merchantRequestID, checkoutRequestID string, request models.STKPushRequest) {
	receipt := simulatedReceipt()

	envelope := models.StkCallbackEnvelope{}
	envelope.Body.StkCallback = models.StkCallback{
		MerchantRequestID: merchantRequestID,
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		CallbackMetadata: &models.CallbackMetadata{
			Item: []models.MetadataItem{
				{Name: "Amount", Value: request.Amount},
				{Name: "MpesaReceiptNumber", Value: receipt},
				{Name: "PhoneNumber", Value: request.PhoneNumber},
			},
		},
	}

	logger := logrus.WithField("type", "mpesa.simulator").
		WithField("checkoutRequestID", checkoutRequestID)

	body, err := json.Marshal(envelope)
	if err != nil {
		logger.WithError(err).Error("could not marshal simulated callback")
		return
	}

	resp, err := s.HttpClient.Post(s.CallbackURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		logger.WithError(err).Error("could not deliver simulated callback")
		return
	}
	if closeErr := resp.Body.Close(); closeErr != nil {
		logger.WithError(closeErr).Warn("could not close callback response body")
	}
}

func simulatedReceipt() string {
	compact := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "SIM" + compact[:7]
}
