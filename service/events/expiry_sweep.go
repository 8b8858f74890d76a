package events

import (
	"context"

	"github.com/dukapos/service-mpesa/service/business"
	"github.com/pitabwire/frame"
)

// ExpirySweep walks all overdue awaiting payments and expires them. It is
// triggered on a timer from main; the compare and set in the engine keeps a
// sweep that races a late callback harmless.
type ExpirySweep struct {
	Service *frame.Service
	Engine  *business.ReconciliationEngine
}

func (e *ExpirySweep) Name() string {
	return "payment.expiry.sweep"
}

func (e *ExpirySweep) PayloadType() any {
	return ""
}

func (e *ExpirySweep) Validate(_ context.Context, _ any) error {
	return nil
}

func (e *ExpirySweep) Execute(ctx context.Context, _ any) error {
	logger := e.Service.Log(ctx).WithField("type", e.Name())

	expired, err := e.Engine.SweepExpired(ctx)
	if err != nil {
		logger.WithError(err).Warn("expiry sweep did not complete")
		return err
	}
	if expired > 0 {
		logger.WithField("expired", expired).Info("expired overdue payments")
	}
	return nil
}
