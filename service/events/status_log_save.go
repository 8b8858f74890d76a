package events

import (
	"context"
	"errors"

	"github.com/dukapos/service-mpesa/service/models"
	"github.com/pitabwire/frame"
	"gorm.io/gorm/clause"
)

// StatusLogSave persists the append only audit trail of payment state
// transitions off the request path.
type StatusLogSave struct {
	Service *frame.Service
}

func (e *StatusLogSave) Name() string {
	return "payment.status.log"
}

func (e *StatusLogSave) PayloadType() any {
	return &models.StatusLog{}
}

func (e *StatusLogSave) Validate(_ context.Context, payload any) error {
	log, ok := payload.(*models.StatusLog)
	if !ok {
		return errors.New("payload is not of type models.StatusLog")
	}
	if log.GetID() == "" {
		return errors.New("status log id should already have been set")
	}
	if log.ToStatus == "" {
		return errors.New("status log requires a target status")
	}
	return nil
}

func (e *StatusLogSave) Execute(ctx context.Context, payload any) error {
	log := payload.(*models.StatusLog)

	logger := e.Service.Log(ctx).WithField("type", e.Name()).WithField("paymentId", log.PaymentID)

	result := e.Service.DB(ctx, false).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(log)
	if result.Error != nil {
		logger.WithError(result.Error).Warn("could not save status log")
		return result.Error
	}
	return nil
}
