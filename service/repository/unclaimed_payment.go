package repository

import (
	"context"

	"github.com/dukapos/service-mpesa/service/models"
	"github.com/pitabwire/frame"
)

type UnclaimedPaymentRepository interface {
	GetByID(ctx context.Context, id string) (*models.UnclaimedPayment, error)
	GetByTransID(ctx context.Context, transID string) (*models.UnclaimedPayment, error)
	ListUnresolved(ctx context.Context, branchID string) ([]*models.UnclaimedPayment, error)
	Save(ctx context.Context, payment *models.UnclaimedPayment) error

	// MarkClaimed binds an unclaimed payment to a pending payment record,
	// succeeding only if nothing claimed it first.
	MarkClaimed(ctx context.Context, id string, paymentID string, updates map[string]any) (bool, error)
}

type unclaimedPaymentRepository struct {
	abstractRepository
}

func NewUnclaimedPaymentRepository(_ context.Context, service *frame.Service) UnclaimedPaymentRepository {
	return &unclaimedPaymentRepository{abstractRepository{service: service}}
}

func (repo *unclaimedPaymentRepository) GetByID(ctx context.Context, id string) (*models.UnclaimedPayment, error) {
	payment := models.UnclaimedPayment{}
	err := repo.readDb(ctx).First(&payment, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repo *unclaimedPaymentRepository) GetByTransID(ctx context.Context, transID string) (*models.UnclaimedPayment, error) {
	payment := models.UnclaimedPayment{}
	err := repo.readDb(ctx).First(&payment, "trans_id = ?", transID).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repo *unclaimedPaymentRepository) ListUnresolved(ctx context.Context, branchID string) ([]*models.UnclaimedPayment, error) {
	var payments []*models.UnclaimedPayment
	unresolvedQuery := repo.readDb(ctx).Where("claimed_by_payment_id = ''")
	if branchID != "" {
		unresolvedQuery = unresolvedQuery.Where("branch_id = ?", branchID)
	}
	err := unresolvedQuery.Order("created_at DESC").Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (repo *unclaimedPaymentRepository) Save(ctx context.Context, payment *models.UnclaimedPayment) error {
	return repo.writeDb(ctx).Save(payment).Error
}

func (repo *unclaimedPaymentRepository) MarkClaimed(ctx context.Context, id string, paymentID string, updates map[string]any) (bool, error) {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["claimed_by_payment_id"] = paymentID

	result := repo.writeDb(ctx).
		Model(&models.UnclaimedPayment{}).
		Where("id = ? AND claimed_by_payment_id = ''", id).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
