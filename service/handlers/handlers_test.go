package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dukapos/service-mpesa/service/business"
	"github.com/dukapos/service-mpesa/service/handlers"
	"github.com/dukapos/service-mpesa/service/models"
	"github.com/dukapos/service-mpesa/service/repository"
	"github.com/dukapos/service-mpesa/service/router"
	"github.com/pitabwire/frame"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakePaymentRepo backs the webhook handlers with an in memory record. Only
// the methods the direct callback path touches are implemented.
type fakePaymentRepo struct {
	repository.PendingPaymentRepository

	mu      sync.Mutex
	payment *models.PendingPayment
}

func (repo *fakePaymentRepo) GetByCheckoutRequestID(_ context.Context, checkoutRequestID string) (*models.PendingPayment, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if checkoutRequestID == "" || repo.payment == nil || repo.payment.CheckoutRequestID != checkoutRequestID {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *repo.payment
	return &clone, nil
}

func (repo *fakePaymentRepo) TransitionStatus(_ context.Context, id string, fromStatuses []string, updates map[string]any) (bool, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.payment == nil || repo.payment.GetID() != id || repo.payment.ClaimedBySaleID != "" {
		return false, nil
	}
	matched := false
	for _, status := range fromStatuses {
		if repo.payment.Status == status {
			matched = true
		}
	}
	if !matched {
		return false, nil
	}
	if status, ok := updates["status"].(string); ok {
		repo.payment.Status = status
	}
	if claimed, ok := updates["claimed_by_sale_id"].(string); ok {
		repo.payment.ClaimedBySaleID = claimed
	}
	if receipt, ok := updates["provider_receipt"].(string); ok {
		repo.payment.ProviderReceipt = receipt
	}
	return true, nil
}

type fakeUnclaimedRepo struct {
	repository.UnclaimedPaymentRepository
}

func (repo *fakeUnclaimedRepo) GetByTransID(_ context.Context, _ string) (*models.UnclaimedPayment, error) {
	return nil, gorm.ErrRecordNotFound
}

// mockBusiness mocks business.PaymentBusiness for the operator endpoints.
type mockBusiness struct {
	mock.Mock
}

func (m *mockBusiness) Initiate(ctx context.Context, request business.InitiateRequest) (*business.InitiateResponse, error) {
	args := m.Called(ctx, request)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*business.InitiateResponse), args.Error(1)
}

func (m *mockBusiness) GetStatus(ctx context.Context, paymentID string) (*business.StatusResponse, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*business.StatusResponse), args.Error(1)
}

func (m *mockBusiness) Cancel(ctx context.Context, paymentID, operator string) (*business.StatusResponse, error) {
	args := m.Called(ctx, paymentID, operator)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*business.StatusResponse), args.Error(1)
}

func (m *mockBusiness) CompleteLater(ctx context.Context, request business.InitiateRequest, operator string) (*business.InitiateResponse, error) {
	args := m.Called(ctx, request, operator)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*business.InitiateResponse), args.Error(1)
}

func (m *mockBusiness) ManualVerify(ctx context.Context, saleReference, receiptCode string, expectedAmount decimal.Decimal, operator string) (*business.Resolution, error) {
	args := m.Called(ctx, saleReference, receiptCode, expectedAmount, operator)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*business.Resolution), args.Error(1)
}

func (m *mockBusiness) ForceVerify(ctx context.Context, paymentID, reason, operator, role string) (*business.Resolution, error) {
	args := m.Called(ctx, paymentID, reason, operator, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*business.Resolution), args.Error(1)
}

func (m *mockBusiness) ListUnclaimed(ctx context.Context, branchID string) ([]*models.UnclaimedPayment, error) {
	args := m.Called(ctx, branchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.UnclaimedPayment), args.Error(1)
}

func (m *mockBusiness) ClaimUnclaimed(ctx context.Context, unclaimedID, paymentID, operator string) (*business.Resolution, error) {
	args := m.Called(ctx, unclaimedID, paymentID, operator)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*business.Resolution), args.Error(1)
}

func (m *mockBusiness) ListFlagged(ctx context.Context, branchID string) ([]*models.PendingPayment, error) {
	args := m.Called(ctx, branchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PendingPayment), args.Error(1)
}

func (m *mockBusiness) History(ctx context.Context, paymentID string) ([]*models.StatusLog, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.StatusLog), args.Error(1)
}

func (m *mockBusiness) ListDeadLetters(ctx context.Context, channel string) ([]*models.DeadLetter, error) {
	args := m.Called(ctx, channel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.DeadLetter), args.Error(1)
}

func (m *mockBusiness) SearchPayments(ctx context.Context, query string) ([]*models.PendingPayment, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PendingPayment), args.Error(1)
}

func testServer(t *testing.T, payment business.PaymentBusiness, paymentRepo *fakePaymentRepo) *httptest.Server {
	t.Helper()

	ctx, srv := frame.NewService("payment tests")
	engine := business.NewReconciliationEngine(ctx, srv, paymentRepo, &fakeUnclaimedRepo{}, 5*time.Minute)

	ps := &handlers.PaymentServer{
		Service: srv,
		Payment: payment,
		Engine:  engine,
	}
	server := httptest.NewServer(router.NewRouter(ps))
	t.Cleanup(server.Close)
	return server
}

func TestHealthEndpoint(t *testing.T) {
	server := testServer(t, new(mockBusiness), &fakePaymentRepo{})

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestC2BValidation(t *testing.T) {
	tests := []struct {
		name       string
		billRef    string
		wantResult string
	}{
		{"valid sale reference", "SALE-001", models.C2BAcceptCode},
		{"empty reference", "", models.C2BRejectInvalidRef},
		{"too short", "AB", models.C2BRejectInvalidRef},
		{"illegal characters", "SALE 001!", models.C2BRejectInvalidRef},
	}

	server := testServer(t, new(mockBusiness), &fakePaymentRepo{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, _ := json.Marshal(models.C2BPayload{
				TransID:       "RKT0001AAA",
				TransAmount:   "100.00",
				BillRefNumber: tt.billRef,
			})
			resp, err := http.Post(server.URL+"/mpesa/c2b/validation", "application/json", bytes.NewReader(payload))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			var body models.C2BResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantResult, body.ResultCode)
		})
	}
}

func TestStkCallbackAlwaysAcknowledged(t *testing.T) {
	paymentRepo := &fakePaymentRepo{payment: &models.PendingPayment{
		BaseModel:         frame.BaseModel{ID: "pay-1"},
		CheckoutRequestID: "ws_CO_pay-1",
		SaleReference:     "SALE-001",
		Status:            models.StatusAwaitingConfirmation,
	}}
	server := testServer(t, new(mockBusiness), paymentRepo)

	envelope := map[string]any{
		"Body": map[string]any{
			"stkCallback": map[string]any{
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_pay-1",
				"ResultCode":        0,
				"ResultDesc":        "The service request is processed successfully.",
				"CallbackMetadata": map[string]any{
					"Item": []map[string]any{
						{"Name": "Amount", "Value": 100.0},
						{"Name": "MpesaReceiptNumber", "Value": "RKTQDM7W6S"},
					},
				},
			},
		},
	}
	payload, _ := json.Marshal(envelope)

	resp, err := http.Post(server.URL+"/mpesa/stk/callback", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ack models.StkAck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, 0, ack.ResultCode)

	assert.Equal(t, models.StatusConfirmed, paymentRepo.payment.Status)
	assert.Equal(t, "RKTQDM7W6S", paymentRepo.payment.ProviderReceipt)

	// Garbage is still acknowledged; redelivery storms help nobody.
	resp, err = http.Post(server.URL+"/mpesa/stk/callback", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInitiateEndpoint(t *testing.T) {
	payment := new(mockBusiness)
	payment.On("Initiate", mock.Anything, mock.AnythingOfType("business.InitiateRequest")).
		Return(&business.InitiateResponse{
			PaymentID:   "pay-2",
			Status:      models.StatusAwaitingConfirmation,
			MaskedPhone: "2547****678",
		}, nil)

	server := testServer(t, payment, &fakePaymentRepo{})

	body, _ := json.Marshal(map[string]any{
		"phoneNumber":   "0712345678",
		"amount":        "1500",
		"saleReference": "SALE-002",
		"branchId":      "branch-1",
	})
	resp, err := http.Post(server.URL+"/payments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var response business.InitiateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	assert.Equal(t, "pay-2", response.PaymentID)
	payment.AssertExpectations(t)
}

func TestErrorMapping(t *testing.T) {
	payment := new(mockBusiness)
	payment.On("GetStatus", mock.Anything, "missing").Return(nil, business.ErrorPaymentDoesNotExist)
	payment.On("ForceVerify", mock.Anything, "pay-3", "reason", "cashier-1", "cashier").
		Return(nil, business.ErrorRoleNotAllowed)
	payment.On("Initiate", mock.Anything, mock.Anything).Return(nil, business.ErrorInvalidPhoneNumber)

	server := testServer(t, payment, &fakePaymentRepo{})

	resp, err := http.Get(server.URL + "/payments/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, _ := json.Marshal(map[string]string{"reason": "reason", "operator": "cashier-1", "role": "cashier"})
	resp, err = http.Post(server.URL+"/payments/pay-3/force-verify", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body, _ = json.Marshal(map[string]string{"phoneNumber": "bad"})
	resp, err = http.Post(server.URL+"/payments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
