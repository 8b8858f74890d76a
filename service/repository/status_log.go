package repository

import (
	"context"

	"github.com/dukapos/service-mpesa/service/models"
	"github.com/pitabwire/frame"
)

type StatusLogRepository interface {
	ListByPaymentID(ctx context.Context, paymentID string) ([]*models.StatusLog, error)
	Save(ctx context.Context, log *models.StatusLog) error
}

type statusLogRepository struct {
	abstractRepository
}

func NewStatusLogRepository(_ context.Context, service *frame.Service) StatusLogRepository {
	return &statusLogRepository{abstractRepository{service: service}}
}

func (repo *statusLogRepository) ListByPaymentID(ctx context.Context, paymentID string) ([]*models.StatusLog, error) {
	var logs []*models.StatusLog
	err := repo.readDb(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (repo *statusLogRepository) Save(ctx context.Context, log *models.StatusLog) error {
	return repo.writeDb(ctx).Save(log).Error
}
