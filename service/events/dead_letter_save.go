package events

import (
	"context"
	"errors"

	"github.com/dukapos/service-mpesa/service/models"
	"github.com/pitabwire/frame"
	"gorm.io/gorm/clause"
)

// DeadLetterSave parks webhook deliveries that could not be applied. The
// engine acknowledges them to the provider first, so persistence failures
// here never trigger provider retries.
type DeadLetterSave struct {
	Service *frame.Service
}

func (e *DeadLetterSave) Name() string {
	return "payment.dead.letter"
}

func (e *DeadLetterSave) PayloadType() any {
	return &models.DeadLetter{}
}

func (e *DeadLetterSave) Validate(_ context.Context, payload any) error {
	letter, ok := payload.(*models.DeadLetter)
	if !ok {
		return errors.New("payload is not of type models.DeadLetter")
	}
	if letter.GetID() == "" {
		return errors.New("dead letter id should already have been set")
	}
	return nil
}

func (e *DeadLetterSave) Execute(ctx context.Context, payload any) error {
	letter := payload.(*models.DeadLetter)

	logger := e.Service.Log(ctx).
		WithField("type", e.Name()).
		WithField("reference", letter.Reference).
		WithField("reason", letter.Reason)

	result := e.Service.DB(ctx, false).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(letter)
	if result.Error != nil {
		logger.WithError(result.Error).Warn("could not save dead letter")
		return result.Error
	}
	logger.Debug("dead letter parked")
	return nil
}
