package repository

import (
	"context"

	"github.com/dukapos/service-mpesa/service/models"
	"github.com/pitabwire/frame"
)

type DeadLetterRepository interface {
	ListByChannel(ctx context.Context, channel string) ([]*models.DeadLetter, error)
	Save(ctx context.Context, letter *models.DeadLetter) error
}

type deadLetterRepository struct {
	abstractRepository
}

func NewDeadLetterRepository(_ context.Context, service *frame.Service) DeadLetterRepository {
	return &deadLetterRepository{abstractRepository{service: service}}
}

func (repo *deadLetterRepository) ListByChannel(ctx context.Context, channel string) ([]*models.DeadLetter, error) {
	var letters []*models.DeadLetter
	letterQuery := repo.readDb(ctx)
	if channel != "" {
		letterQuery = letterQuery.Where("channel = ?", channel)
	}
	err := letterQuery.Order("created_at DESC").Find(&letters).Error
	if err != nil {
		return nil, err
	}
	return letters, nil
}

func (repo *deadLetterRepository) Save(ctx context.Context, letter *models.DeadLetter) error {
	return repo.writeDb(ctx).Save(letter).Error
}
