package events

import (
	"context"
	"errors"

	"github.com/dukapos/service-mpesa/service/models"
	"github.com/pitabwire/frame"
	"gorm.io/gorm/clause"
)

// UnclaimedPaymentSave persists a till payment that arrived with no single
// matching sale. The trans id carries a unique index, so a redelivered
// confirmation collapses into the already parked row.
type UnclaimedPaymentSave struct {
	Service *frame.Service
}

func (e *UnclaimedPaymentSave) Name() string {
	return "payment.unclaimed.save"
}

func (e *UnclaimedPaymentSave) PayloadType() any {
	return &models.UnclaimedPayment{}
}

func (e *UnclaimedPaymentSave) Validate(_ context.Context, payload any) error {
	unclaimed, ok := payload.(*models.UnclaimedPayment)
	if !ok {
		return errors.New("payload is not of type models.UnclaimedPayment")
	}
	if unclaimed.GetID() == "" {
		return errors.New("unclaimed payment id should already have been set")
	}
	if unclaimed.TransID == "" {
		return errors.New("unclaimed payment requires a provider trans id")
	}
	return nil
}

func (e *UnclaimedPaymentSave) Execute(ctx context.Context, payload any) error {
	unclaimed := payload.(*models.UnclaimedPayment)

	logger := e.Service.Log(ctx).
		WithField("type", e.Name()).
		WithField("transId", unclaimed.TransID)

	result := e.Service.DB(ctx, false).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trans_id"}},
		DoNothing: true,
	}).Create(unclaimed)
	if result.Error != nil {
		logger.WithError(result.Error).Warn("could not save unclaimed payment")
		return result.Error
	}
	if result.RowsAffected == 0 {
		logger.Debug("unclaimed payment already parked")
	}
	return nil
}
