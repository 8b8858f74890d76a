package business

import (
	"context"
	"testing"
	"time"

	"github.com/dukapos/service-mpesa/service/coreapi"
	"github.com/dukapos/service-mpesa/service/models"
	"github.com/dukapos/service-mpesa/service/outcome"
	"github.com/dukapos/service-mpesa/service/phone"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testPaymentBusiness(t *testing.T, client coreapi.MpesaApiClient) (context.Context, PaymentBusiness, *memoryPaymentRepo, *memoryUnclaimedRepo) {
	t.Helper()

	ctx, engine, paymentRepo, unclaimedRepo := testEngine(t)
	pb, err := NewPaymentBusiness(ctx, engine.service, client, engine, paymentRepo, unclaimedRepo,
		&memoryStatusLogRepo{}, &memoryDeadLetterRepo{},
		"https://pos.example.com/callbacks/stk",
		[]phone.Carrier{phone.CarrierSafaricom, phone.CarrierAirtel},
		60*time.Second)
	require.NoError(t, err)
	return ctx, pb, paymentRepo, unclaimedRepo
}

func TestInitiateHappyPath(t *testing.T) {
	client := new(coreapi.MockClient)
	client.On("GenerateAccessToken").Return(&coreapi.AccessTokenResponse{AccessToken: "test-token"}, nil)
	client.On("InitiateSTKPush", mock.AnythingOfType("models.STKPushRequest"), "test-token").
		Return(&models.STKPushResponse{
			MerchantRequestID: "29115-34620561-1",
			CheckoutRequestID: "ws_CO_191220191020363925",
			ResponseCode:      "0",
		}, nil)

	ctx, pb, paymentRepo, _ := testPaymentBusiness(t, client)

	response, err := pb.Initiate(ctx, InitiateRequest{
		PhoneNumber:   "0712345678",
		Amount:        decimal.NewFromInt(1500),
		SaleReference: "SALE-001",
		BranchID:      "branch-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingConfirmation, response.Status)
	assert.Equal(t, "2547****678", response.MaskedPhone)
	assert.Equal(t, string(phone.CarrierSafaricom), response.Carrier)
	assert.Nil(t, response.Outcome)

	stored, err := paymentRepo.GetByCheckoutRequestID(ctx, "ws_CO_191220191020363925")
	require.NoError(t, err)
	assert.Equal(t, "254712345678", stored.PhoneNumber)
	assert.Equal(t, "SALE-001", stored.SaleReference)
	require.NotNil(t, stored.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), *stored.ExpiresAt, 5*time.Second)

	// The push request carries the canonical number and the sale reference,
	// never the raw local format.
	pushCall := client.Calls[1].Arguments.Get(0).(models.STKPushRequest)
	assert.Equal(t, "254712345678", pushCall.PhoneNumber)
	assert.Equal(t, "SALE-001", pushCall.AccountReference)
	client.AssertExpectations(t)
}

func TestInitiateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		request InitiateRequest
		wantErr error
	}{
		{
			name: "invalid phone",
			request: InitiateRequest{
				PhoneNumber: "12345", Amount: decimal.NewFromInt(100),
				SaleReference: "SALE-002", BranchID: "branch-1",
			},
			wantErr: ErrorInvalidPhoneNumber,
		},
		{
			name: "telkom number outside allowed carriers",
			request: InitiateRequest{
				PhoneNumber: "0770123456", Amount: decimal.NewFromInt(100),
				SaleReference: "SALE-003", BranchID: "branch-1",
			},
			wantErr: ErrorInvalidPhoneNumber,
		},
		{
			name: "zero amount",
			request: InitiateRequest{
				PhoneNumber: "0712345678", Amount: decimal.Zero,
				SaleReference: "SALE-004", BranchID: "branch-1",
			},
			wantErr: ErrorInvalidAmount,
		},
		{
			name: "fractional amount",
			request: InitiateRequest{
				PhoneNumber: "0712345678", Amount: decimal.RequireFromString("99.50"),
				SaleReference: "SALE-005", BranchID: "branch-1",
			},
			wantErr: ErrorInvalidAmount,
		},
		{
			name: "missing sale reference",
			request: InitiateRequest{
				PhoneNumber: "0712345678", Amount: decimal.NewFromInt(100),
				BranchID: "branch-1",
			},
			wantErr: ErrorInvalidPaymentRequest,
		},
	}

	client := new(coreapi.MockClient)
	ctx, pb, _, _ := testPaymentBusiness(t, client)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pb.Initiate(ctx, tt.request)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	// No provider call may happen before validation passes.
	client.AssertNotCalled(t, "GenerateAccessToken")
}

func TestInitiateProviderUnreachable(t *testing.T) {
	client := new(coreapi.MockClient)
	client.On("GenerateAccessToken").Return(nil, assert.AnError)

	ctx, pb, paymentRepo, _ := testPaymentBusiness(t, client)

	response, err := pb.Initiate(ctx, InitiateRequest{
		PhoneNumber:   "0712345678",
		Amount:        decimal.NewFromInt(500),
		SaleReference: "SALE-006",
		BranchID:      "branch-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, response.Status)
	require.NotNil(t, response.Outcome)
	assert.Equal(t, outcome.CategoryNetworkError, response.Outcome.Category)
	assert.True(t, response.Outcome.Retryable)

	stored, err := paymentRepo.GetByID(ctx, response.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestInitiatePushRejectionClassified(t *testing.T) {
	client := new(coreapi.MockClient)
	client.On("GenerateAccessToken").Return(&coreapi.AccessTokenResponse{AccessToken: "test-token"}, nil)
	client.On("InitiateSTKPush", mock.AnythingOfType("models.STKPushRequest"), "test-token").
		Return(&models.STKPushResponse{
			ResponseCode:        "1",
			ResponseDescription: "The balance is insufficient for the transaction",
		}, assert.AnError)

	ctx, pb, paymentRepo, _ := testPaymentBusiness(t, client)

	response, err := pb.Initiate(ctx, InitiateRequest{
		PhoneNumber:   "0712345678",
		Amount:        decimal.NewFromInt(700),
		SaleReference: "SALE-REJ",
		BranchID:      "branch-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, response.Status)
	require.NotNil(t, response.Outcome)
	assert.Equal(t, outcome.CategoryInsufficientFunds, response.Outcome.Category, "the provider's code drives the classification")
	assert.True(t, response.Outcome.Retryable)

	stored, err := paymentRepo.GetByID(ctx, response.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, string(outcome.CategoryInsufficientFunds), stored.FailureCategory)
}

func TestInitiatePushRejectionUnparsableCodeFallsBack(t *testing.T) {
	client := new(coreapi.MockClient)
	client.On("GenerateAccessToken").Return(&coreapi.AccessTokenResponse{AccessToken: "test-token"}, nil)
	client.On("InitiateSTKPush", mock.AnythingOfType("models.STKPushRequest"), "test-token").
		Return(&models.STKPushResponse{ResponseCode: "500.001.1001"}, assert.AnError)

	ctx, pb, _, _ := testPaymentBusiness(t, client)

	response, err := pb.Initiate(ctx, InitiateRequest{
		PhoneNumber:   "0712345678",
		Amount:        decimal.NewFromInt(700),
		SaleReference: "SALE-REJ2",
		BranchID:      "branch-1",
	})
	require.NoError(t, err)
	require.NotNil(t, response.Outcome)
	assert.Equal(t, outcome.CategorySystemBusy, response.Outcome.Category)
	assert.True(t, response.Outcome.Retryable)
}

func TestInitiateRetryMintsFreshAttempt(t *testing.T) {
	client := new(coreapi.MockClient)
	client.On("GenerateAccessToken").Return(&coreapi.AccessTokenResponse{AccessToken: "test-token"}, nil)
	client.On("InitiateSTKPush", mock.AnythingOfType("models.STKPushRequest"), "test-token").
		Return(&models.STKPushResponse{
			MerchantRequestID: "29115-34620561-2",
			CheckoutRequestID: "ws_CO_first",
			ResponseCode:      "0",
		}, nil).Once()
	client.On("InitiateSTKPush", mock.AnythingOfType("models.STKPushRequest"), "test-token").
		Return(&models.STKPushResponse{
			MerchantRequestID: "29115-34620561-3",
			CheckoutRequestID: "ws_CO_second",
			ResponseCode:      "0",
		}, nil).Once()

	ctx, pb, _, _ := testPaymentBusiness(t, client)

	request := InitiateRequest{
		PhoneNumber:   "0712345678",
		Amount:        decimal.NewFromInt(1500),
		SaleReference: "SALE-007",
		BranchID:      "branch-1",
	}

	first, err := pb.Initiate(ctx, request)
	require.NoError(t, err)
	second, err := pb.Initiate(ctx, request)
	require.NoError(t, err)

	assert.NotEqual(t, first.PaymentID, second.PaymentID, "a retry is a new attempt with its own correlation key")
}

func TestGetStatusExpiresOverdueOnRead(t *testing.T) {
	client := new(coreapi.MockClient)
	ctx, pb, paymentRepo, _ := testPaymentBusiness(t, client)

	expiry := time.Now().Add(-time.Minute)
	overdue := awaitingPayment("pay-20", "SALE-020", "branch-1", 700)
	overdue.ExpiresAt = &expiry
	paymentRepo.put(overdue)

	status, err := pb.GetStatus(ctx, "pay-20")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, status.Status)
	require.NotNil(t, status.Outcome)
	assert.Equal(t, outcome.CategoryTimeout, status.Outcome.Category)
}

func TestGetStatusUnknownPayment(t *testing.T) {
	client := new(coreapi.MockClient)
	ctx, pb, _, _ := testPaymentBusiness(t, client)

	_, err := pb.GetStatus(ctx, "no-such-payment")
	assert.ErrorIs(t, err, ErrorPaymentDoesNotExist)
}

func TestGetStatusFlagsSupportEscalation(t *testing.T) {
	client := new(coreapi.MockClient)
	ctx, pb, paymentRepo, _ := testPaymentBusiness(t, client)

	blocked := awaitingPayment("pay-21", "SALE-021", "branch-1", 700)
	blocked.Status = models.StatusFailed
	blocked.ResultCode = 8006
	paymentRepo.put(blocked)

	status, err := pb.GetStatus(ctx, "pay-21")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status.Status)
	assert.True(t, status.RequiresSupport)
}

func TestCancelOnlyWhileAwaiting(t *testing.T) {
	client := new(coreapi.MockClient)
	ctx, pb, paymentRepo, _ := testPaymentBusiness(t, client)

	paymentRepo.put(awaitingPayment("pay-22", "SALE-022", "branch-1", 300))

	status, err := pb.Cancel(ctx, "pay-22", "cashier-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status.Status)
	assert.Equal(t, outcome.CategoryUserCancelled, status.Outcome.Category)

	_, err = pb.Cancel(ctx, "pay-22", "cashier-1")
	assert.ErrorIs(t, err, ErrorPaymentAlreadyProcessed)

	confirmed := awaitingPayment("pay-23", "SALE-023", "branch-1", 300)
	confirmed.Status = models.StatusConfirmed
	confirmed.ClaimedBySaleID = "SALE-023"
	paymentRepo.put(confirmed)

	_, err = pb.Cancel(ctx, "pay-23", "cashier-1")
	assert.ErrorIs(t, err, ErrorPaymentAlreadyProcessed)
}

func TestCompleteLaterFlagsFromBirth(t *testing.T) {
	client := new(coreapi.MockClient)
	ctx, pb, paymentRepo, _ := testPaymentBusiness(t, client)

	response, err := pb.CompleteLater(ctx, InitiateRequest{
		Amount:        decimal.NewFromInt(1800),
		SaleReference: "SALE-024",
		BranchID:      "branch-1",
	}, "cashier-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFlaggedForReview, response.Status)

	stored, err := paymentRepo.GetByID(ctx, response.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceDeferred, stored.ConfirmationSource)
	client.AssertNotCalled(t, "InitiateSTKPush")
}

func TestManualVerifyCodeFormat(t *testing.T) {
	client := new(coreapi.MockClient)
	ctx, pb, paymentRepo, _ := testPaymentBusiness(t, client)

	paymentRepo.put(awaitingPayment("pay-24", "SALE-025", "branch-1", 950))

	for _, code := range []string{"", "SHORT", "rktqdm7w6s", "RKTQDM7W6!"} {
		_, err := pb.ManualVerify(ctx, "SALE-025", code, decimal.NewFromInt(950), "cashier-1")
		assert.ErrorIs(t, err, ErrorInvalidReceiptCode, "code %q must be rejected", code)
	}

	resolution, err := pb.ManualVerify(ctx, "SALE-025", "RKTQDM7W6S", decimal.NewFromInt(950), "cashier-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, resolution.Status)

	stored, err := paymentRepo.GetByID(ctx, "pay-24")
	require.NoError(t, err)
	assert.Equal(t, models.SourceManualCode, stored.ConfirmationSource)
	assert.Equal(t, "RKTQDM7W6S", stored.ProviderReceipt)
	assert.Equal(t, "cashier-1", stored.VerifiedBy)
}

func TestForceVerifyRoleGate(t *testing.T) {
	client := new(coreapi.MockClient)
	ctx, pb, paymentRepo, _ := testPaymentBusiness(t, client)

	flagged := awaitingPayment("pay-25", "SALE-026", "branch-1", 600)
	flagged.Status = models.StatusFlaggedForReview
	flagged.ConfirmationSource = models.SourceDeferred
	paymentRepo.put(flagged)

	_, err := pb.ForceVerify(ctx, "pay-25", "customer paid in person", "cashier-1", "cashier")
	assert.ErrorIs(t, err, ErrorRoleNotAllowed)

	_, err = pb.ForceVerify(ctx, "pay-25", "", "manager-1", "manager")
	assert.ErrorIs(t, err, ErrorVerifyReasonRequired)

	resolution, err := pb.ForceVerify(ctx, "pay-25", "customer paid in person", "manager-1", "manager")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, resolution.Status)
}
