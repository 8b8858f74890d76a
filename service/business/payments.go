package business

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/dukapos/service-mpesa/service/coreapi"
	"github.com/dukapos/service-mpesa/service/models"
	"github.com/dukapos/service-mpesa/service/outcome"
	"github.com/dukapos/service-mpesa/service/phone"
	"github.com/dukapos/service-mpesa/service/repository"
	"github.com/dukapos/service-mpesa/service/utility"
	"github.com/pitabwire/frame"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Roles allowed to force verify a flagged sale without a receipt code.
var elevatedRoles = map[string]bool{
	"manager": true,
	"admin":   true,
}

// Provider receipts are ten character alphanumeric codes.
var receiptCodePattern = regexp.MustCompile(`^[A-Z0-9]{10,}$`)

// InitiateRequest is what the till sends to open a charge attempt.
type InitiateRequest struct {
	PhoneNumber   string
	Amount        decimal.Decimal
	SaleReference string
	BranchID      string
}

// InitiateResponse hands the till its correlation handle and, if the attempt
// already failed, the classified outcome.
type InitiateResponse struct {
	PaymentID   string           `json:"paymentId"`
	Status      string           `json:"status"`
	MaskedPhone string           `json:"maskedPhone"`
	Carrier     string           `json:"carrier"`
	Outcome     *outcome.Outcome `json:"outcome,omitempty"`
}

// StatusResponse is the poll answer for a payment handle.
type StatusResponse struct {
	PaymentID          string           `json:"paymentId"`
	Status             string           `json:"status"`
	ConfirmationSource string           `json:"confirmationSource,omitempty"`
	ProviderReceipt    string           `json:"providerReceipt,omitempty"`
	Outcome            *outcome.Outcome `json:"outcome,omitempty"`
	RequiresSupport    bool             `json:"requiresSupport"`
}

type PaymentBusiness interface {
	Initiate(ctx context.Context, request InitiateRequest) (*InitiateResponse, error)
	GetStatus(ctx context.Context, paymentID string) (*StatusResponse, error)
	Cancel(ctx context.Context, paymentID, operator string) (*StatusResponse, error)
	CompleteLater(ctx context.Context, request InitiateRequest, operator string) (*InitiateResponse, error)
	ManualVerify(ctx context.Context, saleReference, receiptCode string, expectedAmount decimal.Decimal, operator string) (*Resolution, error)
	ForceVerify(ctx context.Context, paymentID, reason, operator, role string) (*Resolution, error)
	ListUnclaimed(ctx context.Context, branchID string) ([]*models.UnclaimedPayment, error)
	ClaimUnclaimed(ctx context.Context, unclaimedID, paymentID, operator string) (*Resolution, error)
	ListFlagged(ctx context.Context, branchID string) ([]*models.PendingPayment, error)
	History(ctx context.Context, paymentID string) ([]*models.StatusLog, error)
	ListDeadLetters(ctx context.Context, channel string) ([]*models.DeadLetter, error)
	SearchPayments(ctx context.Context, query string) ([]*models.PendingPayment, error)
}

type paymentBusiness struct {
	service        *frame.Service
	client         coreapi.MpesaApiClient
	engine         *ReconciliationEngine
	paymentRepo    repository.PendingPaymentRepository
	unclaimedRepo  repository.UnclaimedPaymentRepository
	statusLogRepo  repository.StatusLogRepository
	deadLetterRepo repository.DeadLetterRepository

	callbackURL        string
	allowedCarriers    []phone.Carrier
	confirmationWindow time.Duration
	now                func() time.Time
}

func NewPaymentBusiness(_ context.Context, service *frame.Service, client coreapi.MpesaApiClient,
	engine *ReconciliationEngine,
	paymentRepo repository.PendingPaymentRepository,
	unclaimedRepo repository.UnclaimedPaymentRepository,
	statusLogRepo repository.StatusLogRepository,
	deadLetterRepo repository.DeadLetterRepository,
	callbackURL string, allowedCarriers []phone.Carrier,
	confirmationWindow time.Duration) (PaymentBusiness, error) {

	if service == nil || client == nil || engine == nil || paymentRepo == nil || unclaimedRepo == nil {
		return nil, ErrorInitializationFail
	}
	return &paymentBusiness{
		service:            service,
		client:             client,
		engine:             engine,
		paymentRepo:        paymentRepo,
		unclaimedRepo:      unclaimedRepo,
		statusLogRepo:      statusLogRepo,
		deadLetterRepo:     deadLetterRepo,
		callbackURL:        callbackURL,
		allowedCarriers:    allowedCarriers,
		confirmationWindow: confirmationWindow,
		now:                time.Now,
	}, nil
}

// Initiate opens exactly one provider charge per invocation. A retry mints a
// brand new record and correlation key; terminal records are never replayed.
func (pb *paymentBusiness) Initiate(ctx context.Context, request InitiateRequest) (*InitiateResponse, error) {
	logger := pb.service.Log(ctx).
		WithField("type", "payment.initiate").
		WithField("saleReference", request.SaleReference)

	canonical, carrier, err := phone.ValidateForCarriers(request.PhoneNumber, pb.allowedCarriers)
	if err != nil {
		logger.WithError(err).Info("rejected phone number")
		return nil, ErrorInvalidPhoneNumber
	}

	amount, err := utility.ValidateChargeAmount(request.Amount)
	if err != nil {
		logger.WithError(err).Info("rejected amount")
		return nil, ErrorInvalidAmount
	}

	if request.SaleReference == "" || request.BranchID == "" {
		return nil, ErrorInvalidPaymentRequest
	}

	payment := &models.PendingPayment{
		SaleReference:  request.SaleReference,
		BranchID:       request.BranchID,
		ExpectedAmount: decimal.NullDecimal{Valid: true, Decimal: amount},
		Currency:       utility.DefaultCurrency,
		PhoneNumber:    canonical,
		Status:         models.StatusInitiating,
	}
	payment.GenID(ctx)

	if err = pb.paymentRepo.Save(ctx, payment); err != nil {
		return nil, err
	}

	response := &InitiateResponse{
		PaymentID:   payment.GetID(),
		MaskedPhone: phone.Mask(canonical),
		Carrier:     string(carrier),
	}

	token, err := pb.client.GenerateAccessToken()
	if err != nil {
		logger.WithError(err).Error("could not reach provider for token")
		return pb.failInitiation(ctx, payment, response, outcome.NetworkOutcome())
	}

	pushResponse, err := pb.client.InitiateSTKPush(models.STKPushRequest{
		Amount:           amount.String(),
		PartyA:           canonical,
		PhoneNumber:      canonical,
		CallBackURL:      pb.callbackURL,
		AccountReference: request.SaleReference,
		TransactionDesc:  "POS sale " + request.SaleReference,
	}, token.AccessToken)
	if err != nil {
		logger.WithError(err).Error("provider rejected the push request")
		if pushResponse != nil && pushResponse.ResponseCode != "" && pushResponse.ResponseCode != "0" {
			return pb.failInitiation(ctx, payment, response, rejectionOutcome(pushResponse.ResponseCode))
		}
		return pb.failInitiation(ctx, payment, response, outcome.NetworkOutcome())
	}

	expiresAt := pb.now().Add(pb.confirmationWindow)
	won, err := pb.paymentRepo.TransitionStatus(ctx, payment.GetID(),
		[]string{models.StatusInitiating}, map[string]any{
			"status":              models.StatusAwaitingConfirmation,
			"merchant_request_id": pushResponse.MerchantRequestID,
			"checkout_request_id": pushResponse.CheckoutRequestID,
			"expires_at":          expiresAt,
		})
	if err != nil {
		return nil, err
	}
	if won {
		pb.engine.logTransition(ctx, payment.GetID(), models.StatusInitiating, models.StatusAwaitingConfirmation, "", "")
	}

	logger.WithField("checkoutRequestId", pushResponse.CheckoutRequestID).Info("push request accepted")
	response.Status = models.StatusAwaitingConfirmation
	return response, nil
}

// rejectionOutcome classifies a synchronous push rejection by the code the
// provider returned. Non numeric codes have no classification and fall back
// to a busy outcome the operator can retry.
func rejectionOutcome(responseCode string) outcome.Outcome {
	if code, err := strconv.Atoi(responseCode); err == nil {
		return outcome.Classify(code)
	}
	return outcome.Classify(1025)
}

func (pb *paymentBusiness) failInitiation(ctx context.Context, payment *models.PendingPayment,
	response *InitiateResponse, classified outcome.Outcome) (*InitiateResponse, error) {

	_, err := pb.paymentRepo.TransitionStatus(ctx, payment.GetID(),
		[]string{models.StatusInitiating}, map[string]any{
			"status":           models.StatusFailed,
			"failure_category": string(classified.Category),
		})
	if err != nil {
		return nil, err
	}
	pb.engine.logTransition(ctx, payment.GetID(), models.StatusInitiating, models.StatusFailed, "", "")

	response.Status = models.StatusFailed
	response.Outcome = &classified
	return response, nil
}

// GetStatus polls a handle. Overdue records are expired on read so a payment
// is never left pending forever even without the background sweep.
func (pb *paymentBusiness) GetStatus(ctx context.Context, paymentID string) (*StatusResponse, error) {
	payment, err := pb.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrorPaymentDoesNotExist
		}
		return nil, err
	}

	effectiveStatus, err := pb.engine.ExpireIfOverdue(ctx, payment)
	if err != nil {
		return nil, err
	}

	response := &StatusResponse{
		PaymentID:          payment.GetID(),
		Status:             effectiveStatus,
		ConfirmationSource: payment.ConfirmationSource,
		ProviderReceipt:    payment.ProviderReceipt,
	}

	switch effectiveStatus {
	case models.StatusFailed:
		classified := outcome.Classify(payment.ResultCode)
		response.Outcome = &classified
		response.RequiresSupport = outcome.RequiresSupport(classified.Category)
	case models.StatusExpired:
		classified := outcome.TimeoutOutcome()
		response.Outcome = &classified
		response.RequiresSupport = outcome.RequiresSupport(classified.Category)
	}

	return response, nil
}

// Cancel is the explicit operator action for an in-flight attempt; it is
// only valid while the record still awaits confirmation.
func (pb *paymentBusiness) Cancel(ctx context.Context, paymentID, operator string) (*StatusResponse, error) {
	payment, err := pb.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrorPaymentDoesNotExist
		}
		return nil, err
	}

	if payment.IsTerminal() {
		return nil, ErrorPaymentAlreadyProcessed
	}

	classified := outcome.Classify(1032)
	won, err := pb.paymentRepo.TransitionStatus(ctx, paymentID,
		[]string{models.StatusInitiating, models.StatusAwaitingConfirmation}, map[string]any{
			"status":           models.StatusFailed,
			"failure_category": string(classified.Category),
		})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrorPaymentNotCancellable
	}

	pb.engine.logTransition(ctx, paymentID, payment.Status, models.StatusFailed, "", operator)
	return &StatusResponse{
		PaymentID: paymentID,
		Status:    models.StatusFailed,
		Outcome:   &classified,
	}, nil
}

// CompleteLater records the sale without confirmed payment. The record is
// flagged from birth and only an explicit verification clears it.
func (pb *paymentBusiness) CompleteLater(ctx context.Context, request InitiateRequest, operator string) (*InitiateResponse, error) {
	amount, err := utility.ValidateChargeAmount(request.Amount)
	if err != nil {
		return nil, ErrorInvalidAmount
	}
	if request.SaleReference == "" || request.BranchID == "" {
		return nil, ErrorInvalidPaymentRequest
	}

	var canonical string
	if request.PhoneNumber != "" {
		canonical, _, err = phone.ValidateForCarriers(request.PhoneNumber, pb.allowedCarriers)
		if err != nil {
			return nil, ErrorInvalidPhoneNumber
		}
	}

	payment := &models.PendingPayment{
		SaleReference:      request.SaleReference,
		BranchID:           request.BranchID,
		ExpectedAmount:     decimal.NullDecimal{Valid: true, Decimal: amount},
		Currency:           utility.DefaultCurrency,
		PhoneNumber:        canonical,
		Status:             models.StatusFlaggedForReview,
		ConfirmationSource: models.SourceDeferred,
	}
	payment.GenID(ctx)

	if err = pb.paymentRepo.Save(ctx, payment); err != nil {
		return nil, err
	}
	pb.engine.logTransition(ctx, payment.GetID(), "", models.StatusFlaggedForReview, models.SourceDeferred, operator)

	response := &InitiateResponse{
		PaymentID: payment.GetID(),
		Status:    models.StatusFlaggedForReview,
	}
	if canonical != "" {
		response.MaskedPhone = phone.Mask(canonical)
	}
	return response, nil
}

// ManualVerify trusts the operator's receipt code after a format gate; the
// code is stamped on the record as the auditable receipt.
func (pb *paymentBusiness) ManualVerify(ctx context.Context, saleReference, receiptCode string,
	expectedAmount decimal.Decimal, operator string) (*Resolution, error) {

	if !receiptCodePattern.MatchString(receiptCode) {
		return nil, ErrorInvalidReceiptCode
	}

	payment, err := pb.paymentRepo.GetBySaleReference(ctx, saleReference)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrorPaymentDoesNotExist
		}
		return nil, err
	}

	return pb.engine.Reconcile(ctx, NewManualCodeEvent(payment.GetID(), receiptCode, operator, expectedAmount))
}

// ForceVerify clears a flagged sale without a receipt code. Restricted to
// elevated roles and always records who cleared it and why.
func (pb *paymentBusiness) ForceVerify(ctx context.Context, paymentID, reason, operator, role string) (*Resolution, error) {
	if !elevatedRoles[role] {
		return nil, ErrorRoleNotAllowed
	}
	if reason == "" {
		return nil, ErrorVerifyReasonRequired
	}

	return pb.engine.Reconcile(ctx, NewForceVerifyEvent(paymentID, operator, reason))
}

func (pb *paymentBusiness) ListUnclaimed(ctx context.Context, branchID string) ([]*models.UnclaimedPayment, error) {
	return pb.unclaimedRepo.ListUnresolved(ctx, branchID)
}

func (pb *paymentBusiness) ClaimUnclaimed(ctx context.Context, unclaimedID, paymentID, operator string) (*Resolution, error) {
	return pb.engine.ClaimUnclaimed(ctx, unclaimedID, paymentID, operator)
}

func (pb *paymentBusiness) ListFlagged(ctx context.Context, branchID string) ([]*models.PendingPayment, error) {
	return pb.paymentRepo.ListFlagged(ctx, branchID)
}

// History returns the audit trail of state transitions for one payment.
func (pb *paymentBusiness) History(ctx context.Context, paymentID string) ([]*models.StatusLog, error) {
	if _, err := pb.paymentRepo.GetByID(ctx, paymentID); err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrorPaymentDoesNotExist
		}
		return nil, err
	}
	return pb.statusLogRepo.ListByPaymentID(ctx, paymentID)
}

func (pb *paymentBusiness) ListDeadLetters(ctx context.Context, channel string) ([]*models.DeadLetter, error) {
	return pb.deadLetterRepo.ListByChannel(ctx, channel)
}

// SearchPayments looks payments up by id, sale reference or receipt for the
// back office.
func (pb *paymentBusiness) SearchPayments(ctx context.Context, query string) ([]*models.PendingPayment, error) {
	return pb.paymentRepo.Search(ctx, query)
}
