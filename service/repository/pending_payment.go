package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dukapos/service-mpesa/service/models"
	"github.com/pitabwire/frame"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PendingPaymentRepository interface {
	GetByID(ctx context.Context, id string) (*models.PendingPayment, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PendingPayment, error)
	GetBySaleReference(ctx context.Context, saleReference string) (*models.PendingPayment, error)
	GetByProviderReceipt(ctx context.Context, receipt string) (*models.PendingPayment, error)
	Search(ctx context.Context, query string) ([]*models.PendingPayment, error)
	Save(ctx context.Context, payment *models.PendingPayment) error

	// TransitionStatus commits updates only if the record is still in one of
	// the expected pre-states and unclaimed. Returns false when a concurrent
	// transition won the race; the caller treats that as a duplicate, not an
	// error.
	TransitionStatus(ctx context.Context, id string, fromStatuses []string, updates map[string]any) (bool, error)

	// CandidatesForUnsolicited lists unclaimed payments whose expected amount
	// exactly equals the confirmed amount, within the match window. An empty
	// branch matches every branch.
	CandidatesForUnsolicited(ctx context.Context, branchID string, amount decimal.Decimal, since time.Time) ([]*models.PendingPayment, error)

	ListAwaitingBefore(ctx context.Context, cutoff time.Time) ([]*models.PendingPayment, error)
	ListFlagged(ctx context.Context, branchID string) ([]*models.PendingPayment, error)
}

type pendingPaymentRepository struct {
	abstractRepository
}

func NewPendingPaymentRepository(_ context.Context, service *frame.Service) PendingPaymentRepository {
	return &pendingPaymentRepository{abstractRepository{service: service}}
}

func (repo *pendingPaymentRepository) GetByID(ctx context.Context, id string) (*models.PendingPayment, error) {
	payment := models.PendingPayment{}
	err := repo.readDb(ctx).First(&payment, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repo *pendingPaymentRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.PendingPayment, error) {
	// Records without a correlation pair store an empty key; a malformed
	// callback envelope must never match one of those.
	if checkoutRequestID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	payment := models.PendingPayment{}
	err := repo.readDb(ctx).First(&payment, "checkout_request_id = ?", checkoutRequestID).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repo *pendingPaymentRepository) GetBySaleReference(ctx context.Context, saleReference string) (*models.PendingPayment, error) {
	payment := models.PendingPayment{}
	err := repo.readDb(ctx).
		Order("created_at DESC").
		First(&payment, "sale_reference = ?", saleReference).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repo *pendingPaymentRepository) GetByProviderReceipt(ctx context.Context, receipt string) (*models.PendingPayment, error) {
	payment := models.PendingPayment{}
	err := repo.readDb(ctx).First(&payment, "provider_receipt = ?", receipt).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repo *pendingPaymentRepository) Search(ctx context.Context, query string) ([]*models.PendingPayment, error) {
	query = strings.TrimSpace(query)
	var payments []*models.PendingPayment
	paymentQuery := repo.readDb(ctx)
	if query != "" {
		searchQ := fmt.Sprintf("%%%s%%", query)
		paymentQuery = paymentQuery.
			Where(" id ILIKE ? OR sale_reference ILIKE ? OR provider_receipt ILIKE ?", searchQ, searchQ, searchQ)
	}

	err := paymentQuery.Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (repo *pendingPaymentRepository) Save(ctx context.Context, payment *models.PendingPayment) error {
	return repo.writeDb(ctx).Save(payment).Error
}

func (repo *pendingPaymentRepository) TransitionStatus(ctx context.Context, id string, fromStatuses []string, updates map[string]any) (bool, error) {
	result := repo.writeDb(ctx).
		Model(&models.PendingPayment{}).
		Where("id = ? AND status IN ? AND claimed_by_sale_id = ''", id, fromStatuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (repo *pendingPaymentRepository) CandidatesForUnsolicited(ctx context.Context, branchID string, amount decimal.Decimal, since time.Time) ([]*models.PendingPayment, error) {
	var payments []*models.PendingPayment
	// Deferred sales are excluded: only awaiting records may be auto matched,
	// a flagged sale clears exclusively through an explicit verification.
	candidateQuery := repo.readDb(ctx).
		Where("expected_amount = ? AND claimed_by_sale_id = '' AND created_at >= ?", amount, since).
		Where("status = ?", models.StatusAwaitingConfirmation)
	if branchID != "" {
		candidateQuery = candidateQuery.Where("branch_id = ?", branchID)
	}
	err := candidateQuery.Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (repo *pendingPaymentRepository) ListAwaitingBefore(ctx context.Context, cutoff time.Time) ([]*models.PendingPayment, error) {
	var payments []*models.PendingPayment
	err := repo.readDb(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?",
			models.StatusAwaitingConfirmation, cutoff).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (repo *pendingPaymentRepository) ListFlagged(ctx context.Context, branchID string) ([]*models.PendingPayment, error) {
	var payments []*models.PendingPayment
	flaggedQuery := repo.readDb(ctx).Where("status = ?", models.StatusFlaggedForReview)
	if branchID != "" {
		flaggedQuery = flaggedQuery.Where("branch_id = ?", branchID)
	}
	err := flaggedQuery.Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}
