package business

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukapos/service-mpesa/service/models"
	"github.com/dukapos/service-mpesa/service/outcome"
	"github.com/dukapos/service-mpesa/service/repository"
	"github.com/pitabwire/frame"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Event topics the engine publishes audit records on.
const (
	EventStatusLog     = "payment.status.log"
	EventDeadLetter    = "payment.dead.letter"
	EventUnclaimedSave = "payment.unclaimed.save"
)

// Unclaimed payment reasons.
const (
	ReasonNoCandidate         = "no_candidate"
	ReasonAmbiguousCandidates = "ambiguous_candidates"
	ReasonLostClaimRace       = "lost_claim_race"
)

// ConfirmationEvent is the tagged variant every confirmation channel is
// folded into before it reaches the engine. Source selects which fields are
// meaningful.
type ConfirmationEvent struct {
	Source string

	// Direct push callback.
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDescription string
	ProviderReceipt   string

	// Unsolicited till payment.
	TransID     string
	Amount      decimal.Decimal
	PhoneNumber string
	BillRef     string
	BranchID    string
	TransTime   time.Time

	// Manual code entry and force verification.
	PaymentID      string
	ReceiptCode    string
	ExpectedAmount decimal.Decimal
	Operator       string
	Comment        string

	// RawPayload is kept for dead letter records.
	RawPayload []byte
}

// ForceVerifySource is an internal event source; it is not a confirmation
// source of its own, a force verified deferred sale keeps SourceDeferred.
const ForceVerifySource = "FORCE_VERIFY"

// NewDirectCallbackEvent folds a provider STK callback into the engine's
// event shape.
func NewDirectCallbackEvent(callback *models.StkCallback, raw []byte) ConfirmationEvent {
	return ConfirmationEvent{
		Source:            models.SourceDirectCallback,
		MerchantRequestID: callback.MerchantRequestID,
		CheckoutRequestID: callback.CheckoutRequestID,
		ResultCode:        callback.ResultCode,
		ResultDescription: callback.ResultDesc,
		ProviderReceipt:   callback.MetadataString("MpesaReceiptNumber"),
		RawPayload:        raw,
	}
}

// NewUnsolicitedEvent folds a C2B confirmation into the engine's event shape.
func NewUnsolicitedEvent(payload *models.C2BPayload, amount decimal.Decimal, transTime time.Time, branchID string, raw []byte) ConfirmationEvent {
	return ConfirmationEvent{
		Source:      models.SourceUnsolicitedMatch,
		TransID:     payload.TransID,
		Amount:      amount,
		PhoneNumber: payload.MSISDN,
		BillRef:     payload.BillRefNumber,
		BranchID:    branchID,
		TransTime:   transTime,
		RawPayload:  raw,
	}
}

// NewManualCodeEvent represents an operator entered receipt code.
func NewManualCodeEvent(paymentID, receiptCode, operator string, expectedAmount decimal.Decimal) ConfirmationEvent {
	return ConfirmationEvent{
		Source:         models.SourceManualCode,
		PaymentID:      paymentID,
		ReceiptCode:    receiptCode,
		ExpectedAmount: expectedAmount,
		Operator:       operator,
	}
}

// NewForceVerifyEvent represents an elevated role clearing a flagged sale
// without a receipt code.
func NewForceVerifyEvent(paymentID, operator, comment string) ConfirmationEvent {
	return ConfirmationEvent{
		Source:    ForceVerifySource,
		PaymentID: paymentID,
		Operator:  operator,
		Comment:   comment,
	}
}

// Resolution is what a confirmation channel gets back from the engine.
type Resolution struct {
	PaymentID string          `json:"paymentId"`
	Status    string          `json:"status"`
	Outcome   outcome.Outcome `json:"outcome"`
}

// ReconciliationEngine serialises every attempt to transition or claim a
// pending payment. All claims share one compare and set primitive in the
// repository, so two channels racing for the same record always yield one
// winner and one rejected duplicate.
type ReconciliationEngine struct {
	service       *frame.Service
	paymentRepo   repository.PendingPaymentRepository
	unclaimedRepo repository.UnclaimedPaymentRepository
	matchWindow   time.Duration
	now           func() time.Time
}

func NewReconciliationEngine(_ context.Context, service *frame.Service,
	paymentRepo repository.PendingPaymentRepository,
	unclaimedRepo repository.UnclaimedPaymentRepository,
	matchWindow time.Duration) *ReconciliationEngine {
	return &ReconciliationEngine{
		service:       service,
		paymentRepo:   paymentRepo,
		unclaimedRepo: unclaimedRepo,
		matchWindow:   matchWindow,
		now:           time.Now,
	}
}

// Reconcile is the single entry point every confirmation channel dispatches
// through.
func (engine *ReconciliationEngine) Reconcile(ctx context.Context, ev ConfirmationEvent) (*Resolution, error) {
	switch ev.Source {
	case models.SourceDirectCallback:
		return engine.reconcileDirectCallback(ctx, ev)
	case models.SourceUnsolicitedMatch:
		return engine.reconcileUnsolicited(ctx, ev)
	case models.SourceManualCode:
		return engine.reconcileManualCode(ctx, ev)
	case ForceVerifySource:
		return engine.reconcileForceVerify(ctx, ev)
	default:
		return nil, ErrorInvalidPaymentRequest
	}
}

func (engine *ReconciliationEngine) reconcileDirectCallback(ctx context.Context, ev ConfirmationEvent) (*Resolution, error) {
	logger := engine.service.Log(ctx).
		WithField("type", "reconcile.direct").
		WithField("checkoutRequestId", ev.CheckoutRequestID)

	payment, err := engine.paymentRepo.GetByCheckoutRequestID(ctx, ev.CheckoutRequestID)
	if err != nil {
		// Unknown correlation key: record and acknowledge so the provider
		// does not hammer the endpoint with retries.
		if err == gorm.ErrRecordNotFound {
			logger.Warn("callback references no known payment")
			engine.deadLetter(ctx, models.SourceDirectCallback, ev.CheckoutRequestID, "unknown_correlation_key", ev.RawPayload)
			return &Resolution{Outcome: outcome.DuplicateOutcome()}, nil
		}
		return nil, err
	}

	if payment.IsTerminal() {
		logger.WithField("status", payment.Status).Info("duplicate callback delivery for terminal payment")
		engine.deadLetter(ctx, models.SourceDirectCallback, ev.CheckoutRequestID, "duplicate_delivery", ev.RawPayload)
		return &Resolution{PaymentID: payment.GetID(), Status: payment.Status, Outcome: outcome.DuplicateOutcome()}, nil
	}

	if ev.ResultCode == outcome.ResultCodeSuccess {
		return engine.confirmPayment(ctx, payment, models.SourceDirectCallback, ev.ProviderReceipt, "", ev)
	}
	return engine.failPayment(ctx, payment, ev.ResultCode, ev.ResultDescription, ev)
}

func (engine *ReconciliationEngine) reconcileUnsolicited(ctx context.Context, ev ConfirmationEvent) (*Resolution, error) {
	logger := engine.service.Log(ctx).
		WithField("type", "reconcile.unsolicited").
		WithField("transId", ev.TransID)

	// Idempotent redelivery: a till payment already parked or already bound
	// is acknowledged without creating anything.
	if existing, lookupErr := engine.unclaimedRepo.GetByTransID(ctx, ev.TransID); lookupErr == nil && existing != nil {
		logger.Info("duplicate unsolicited delivery")
		return &Resolution{Status: models.StatusFlaggedForReview, Outcome: outcome.DuplicateOutcome()}, nil
	}
	if bound, lookupErr := engine.paymentRepo.GetByProviderReceipt(ctx, ev.TransID); lookupErr == nil && bound != nil {
		logger.Info("unsolicited payment already bound to a sale")
		return &Resolution{PaymentID: bound.GetID(), Status: bound.Status, Outcome: outcome.DuplicateOutcome()}, nil
	}

	since := engine.now().Add(-engine.matchWindow)
	candidates, err := engine.paymentRepo.CandidatesForUnsolicited(ctx, ev.BranchID, ev.Amount, since)
	if err != nil {
		return nil, err
	}

	// Several candidates with identical amounts: the bill reference is the
	// join key a till payment should carry back, try narrowing on it.
	if len(candidates) > 1 && ev.BillRef != "" {
		var narrowed []*models.PendingPayment
		for _, candidate := range candidates {
			if candidate.SaleReference == ev.BillRef {
				narrowed = append(narrowed, candidate)
			}
		}
		if len(narrowed) == 1 {
			candidates = narrowed
		}
	}

	switch len(candidates) {
	case 1:
		resolution, confirmErr := engine.confirmPayment(ctx, candidates[0], models.SourceUnsolicitedMatch, ev.TransID, "", ev)
		if confirmErr != nil {
			return nil, confirmErr
		}
		if resolution.Outcome.Category == outcome.CategoryDuplicateRequest {
			// The money arrived but another channel claimed the sale first;
			// park it for manual review rather than dropping it.
			engine.parkUnclaimed(ctx, ev, ReasonLostClaimRace)
		}
		return resolution, nil
	case 0:
		logger.Info("no matching sale for unsolicited payment")
		engine.parkUnclaimed(ctx, ev, ReasonNoCandidate)
	default:
		logger.WithField("candidates", len(candidates)).Warn("ambiguous unsolicited payment, never guessing")
		engine.parkUnclaimed(ctx, ev, ReasonAmbiguousCandidates)
	}

	return &Resolution{Status: models.StatusFlaggedForReview, Outcome: outcome.Outcome{
		Category:        outcome.CategoryUnknown,
		UserMessage:     "Payment received but not matched to a sale; it is queued for review.",
		Retryable:       false,
		SuggestedAction: "Reconcile it from the unclaimed payments list.",
	}}, nil
}

func (engine *ReconciliationEngine) reconcileManualCode(ctx context.Context, ev ConfirmationEvent) (*Resolution, error) {
	payment, err := engine.paymentRepo.GetByID(ctx, ev.PaymentID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrorPaymentDoesNotExist
		}
		return nil, err
	}

	if payment.IsTerminal() {
		return nil, ErrorPaymentAlreadyProcessed
	}
	if payment.ExpectedAmount.Valid && !payment.ExpectedAmount.Decimal.Equal(ev.ExpectedAmount) {
		return nil, ErrorAmountMismatch
	}

	return engine.confirmPayment(ctx, payment, models.SourceManualCode, ev.ReceiptCode, ev.Operator, ev)
}

func (engine *ReconciliationEngine) reconcileForceVerify(ctx context.Context, ev ConfirmationEvent) (*Resolution, error) {
	payment, err := engine.paymentRepo.GetByID(ctx, ev.PaymentID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrorPaymentDoesNotExist
		}
		return nil, err
	}

	if payment.Status != models.StatusFlaggedForReview {
		return nil, ErrorPaymentNotVerifiable
	}

	// A force verified deferred sale keeps its DEFERRED source; there is no
	// receipt to record, only who cleared it and why.
	now := engine.now()
	updates := map[string]any{
		"status":              models.StatusConfirmed,
		"confirmation_source": models.SourceDeferred,
		"claimed_by_sale_id":  payment.SaleReference,
		"claimed_at":          now,
		"verified_by":         ev.Operator,
		"verified_at":         now,
		"verify_comment":      ev.Comment,
	}

	won, err := engine.paymentRepo.TransitionStatus(ctx, payment.GetID(),
		[]string{models.StatusFlaggedForReview}, updates)
	if err != nil {
		return nil, err
	}
	if !won {
		return &Resolution{PaymentID: payment.GetID(), Status: payment.Status, Outcome: outcome.DuplicateOutcome()}, nil
	}

	engine.logTransition(ctx, payment.GetID(), payment.Status, models.StatusConfirmed, ForceVerifySource, ev.Operator)
	return &Resolution{
		PaymentID: payment.GetID(),
		Status:    models.StatusConfirmed,
		Outcome:   outcome.Classify(outcome.ResultCodeSuccess),
	}, nil
}

// confirmPayment performs the atomic winning claim. Losing a race is a
// duplicate outcome, not an error.
func (engine *ReconciliationEngine) confirmPayment(ctx context.Context, payment *models.PendingPayment,
	source, receipt, operator string, ev ConfirmationEvent) (*Resolution, error) {

	now := engine.now()
	updates := map[string]any{
		"status":              models.StatusConfirmed,
		"confirmation_source": source,
		"provider_receipt":    receipt,
		"claimed_by_sale_id":  payment.SaleReference,
		"claimed_at":          now,
		"result_code":         outcome.ResultCodeSuccess,
	}
	if operator != "" {
		updates["verified_by"] = operator
		updates["verified_at"] = now
	}

	fromStatuses := []string{
		models.StatusInitiating,
		models.StatusAwaitingConfirmation,
	}
	// A flagged sale only clears through a receipt code entry or an operator
	// attended claim; the automatic channels never touch one.
	if source == models.SourceManualCode || operator != "" {
		fromStatuses = append(fromStatuses, models.StatusFlaggedForReview)
	}

	won, err := engine.paymentRepo.TransitionStatus(ctx, payment.GetID(), fromStatuses, updates)
	if err != nil {
		return nil, err
	}
	if !won {
		engine.service.Log(ctx).
			WithField("paymentId", payment.GetID()).
			WithField("source", source).
			Info("confirmation lost the claim race")
		engine.deadLetter(ctx, source, payment.GetID(), "lost_claim_race", ev.RawPayload)
		return &Resolution{PaymentID: payment.GetID(), Status: payment.Status, Outcome: outcome.DuplicateOutcome()}, nil
	}

	engine.logTransition(ctx, payment.GetID(), payment.Status, models.StatusConfirmed, source, operator)
	return &Resolution{
		PaymentID: payment.GetID(),
		Status:    models.StatusConfirmed,
		Outcome:   outcome.Classify(outcome.ResultCodeSuccess),
	}, nil
}

func (engine *ReconciliationEngine) failPayment(ctx context.Context, payment *models.PendingPayment,
	resultCode int, resultDescription string, ev ConfirmationEvent) (*Resolution, error) {

	classified := outcome.Classify(resultCode)
	updates := map[string]any{
		"status":             models.StatusFailed,
		"result_code":        resultCode,
		"result_description": resultDescription,
		"failure_category":   string(classified.Category),
	}

	won, err := engine.paymentRepo.TransitionStatus(ctx, payment.GetID(),
		[]string{models.StatusInitiating, models.StatusAwaitingConfirmation}, updates)
	if err != nil {
		return nil, err
	}
	if !won {
		engine.deadLetter(ctx, models.SourceDirectCallback, payment.GetID(), "lost_claim_race", ev.RawPayload)
		return &Resolution{PaymentID: payment.GetID(), Status: payment.Status, Outcome: outcome.DuplicateOutcome()}, nil
	}

	engine.logTransition(ctx, payment.GetID(), payment.Status, models.StatusFailed, models.SourceDirectCallback, "")
	return &Resolution{PaymentID: payment.GetID(), Status: models.StatusFailed, Outcome: classified}, nil
}

// ExpireIfOverdue applies the on-read expiry check. It returns the record's
// effective status after the check.
func (engine *ReconciliationEngine) ExpireIfOverdue(ctx context.Context, payment *models.PendingPayment) (string, error) {
	if !payment.IsOverdue(engine.now()) {
		return payment.Status, nil
	}
	won, err := engine.expireRecord(ctx, payment)
	if err != nil {
		return payment.Status, err
	}
	if won {
		return models.StatusExpired, nil
	}
	// Someone else transitioned it first; re-read for the fresh status.
	fresh, err := engine.paymentRepo.GetByID(ctx, payment.GetID())
	if err != nil {
		return payment.Status, err
	}
	return fresh.Status, nil
}

// SweepExpired moves every overdue awaiting record to EXPIRED. The compare
// and set guarantees each record is reported as timed out exactly once even
// when the sweep races the on-read check.
func (engine *ReconciliationEngine) SweepExpired(ctx context.Context) (int, error) {
	overdue, err := engine.paymentRepo.ListAwaitingBefore(ctx, engine.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, payment := range overdue {
		won, expireErr := engine.expireRecord(ctx, payment)
		if expireErr != nil {
			return expired, expireErr
		}
		if won {
			expired++
		}
	}
	return expired, nil
}

func (engine *ReconciliationEngine) expireRecord(ctx context.Context, payment *models.PendingPayment) (bool, error) {
	timeout := outcome.TimeoutOutcome()
	won, err := engine.paymentRepo.TransitionStatus(ctx, payment.GetID(),
		[]string{models.StatusAwaitingConfirmation}, map[string]any{
			"status":           models.StatusExpired,
			"failure_category": string(timeout.Category),
		})
	if err != nil {
		return false, err
	}
	if won {
		engine.logTransition(ctx, payment.GetID(), models.StatusAwaitingConfirmation, models.StatusExpired, "", "")
	}
	return won, nil
}

// ClaimUnclaimed binds a reviewed till payment to a flagged sale, reusing
// the same claim discipline on both records.
func (engine *ReconciliationEngine) ClaimUnclaimed(ctx context.Context, unclaimedID, paymentID, operator string) (*Resolution, error) {
	unclaimed, err := engine.unclaimedRepo.GetByID(ctx, unclaimedID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrorPaymentDoesNotExist
		}
		return nil, err
	}
	if unclaimed.IsResolved() {
		return nil, ErrorUnclaimedAlreadyResolved
	}

	payment, err := engine.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrorPaymentDoesNotExist
		}
		return nil, err
	}
	if payment.IsTerminal() {
		return nil, ErrorPaymentAlreadyProcessed
	}
	if payment.ExpectedAmount.Valid && !payment.ExpectedAmount.Decimal.Equal(unclaimed.Amount.Decimal) {
		return nil, ErrorAmountMismatch
	}

	resolution, err := engine.confirmPayment(ctx, payment, models.SourceUnsolicitedMatch, unclaimed.TransID, operator, ConfirmationEvent{})
	if err != nil {
		return nil, err
	}
	if resolution.Status != models.StatusConfirmed {
		return resolution, nil
	}

	now := engine.now()
	bound, err := engine.unclaimedRepo.MarkClaimed(ctx, unclaimedID, payment.GetID(), map[string]any{"claimed_at": now})
	if err != nil {
		return nil, err
	}
	if !bound {
		// The pending payment claim won but the unclaimed row was resolved
		// concurrently; park the inconsistency for inspection.
		engine.deadLetter(ctx, models.SourceUnsolicitedMatch, unclaimedID, "unclaimed_double_resolution", nil)
	}

	return resolution, nil
}

func (engine *ReconciliationEngine) parkUnclaimed(ctx context.Context, ev ConfirmationEvent, reason string) {
	logger := engine.service.Log(ctx).WithField("transId", ev.TransID)

	transTime := ev.TransTime
	unclaimed := &models.UnclaimedPayment{
		TransID:     ev.TransID,
		Amount:      decimal.NullDecimal{Valid: true, Decimal: ev.Amount},
		Currency:    "KES",
		PhoneNumber: ev.PhoneNumber,
		BillRef:     ev.BillRef,
		BranchID:    ev.BranchID,
		TransTime:   &transTime,
		Reason:      reason,
	}
	unclaimed.GenID(ctx)

	if err := engine.service.Emit(ctx, EventUnclaimedSave, unclaimed); err != nil {
		logger.WithError(err).Warn("could not emit unclaimed payment event")
	}
}

func (engine *ReconciliationEngine) logTransition(ctx context.Context, paymentID, fromStatus, toStatus, source, actor string) {
	log := &models.StatusLog{
		PaymentID:  paymentID,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Source:     source,
		Actor:      actor,
	}
	log.GenID(ctx)

	if err := engine.service.Emit(ctx, EventStatusLog, log); err != nil {
		engine.service.Log(ctx).WithError(err).Warn("could not emit status log event")
	}
}

func (engine *ReconciliationEngine) deadLetter(ctx context.Context, channel, reference, reason string, payload []byte) {
	letter := &models.DeadLetter{
		Channel:   channel,
		Reference: reference,
		Reason:    reason,
	}
	if len(payload) > 0 && json.Valid(payload) {
		letter.Payload = payload
	}
	letter.GenID(ctx)

	if err := engine.service.Emit(ctx, EventDeadLetter, letter); err != nil {
		engine.service.Log(ctx).WithError(err).Warn("could not emit dead letter event")
	}
}
