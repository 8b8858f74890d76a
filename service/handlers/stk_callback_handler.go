package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/dukapos/service-mpesa/service/business"
	"github.com/dukapos/service-mpesa/service/models"
)

// HandleStkCallback receives the direct push result. The provider is always
// acknowledged with a 200 whatever happens downstream; a failure here would
// only trigger redeliveries the engine treats as duplicates anyway.
func (ps *PaymentServer) HandleStkCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := ps.Service.Log(ctx).WithField("type", "StkCallbackHandler")

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WithError(err).Error("could not read callback body")
		writeJSON(w, http.StatusOK, models.StkAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	var envelope models.StkCallbackEnvelope
	if err = json.NewDecoder(bytes.NewReader(raw)).Decode(&envelope); err != nil {
		logger.WithError(err).Error("could not decode callback envelope")
		writeJSON(w, http.StatusOK, models.StkAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	callback := envelope.Body.StkCallback
	logger = logger.
		WithField("checkoutRequestId", callback.CheckoutRequestID).
		WithField("resultCode", callback.ResultCode)

	resolution, err := ps.Engine.Reconcile(ctx, business.NewDirectCallbackEvent(&callback, raw))
	if err != nil {
		logger.WithError(err).Error("callback reconciliation failed")
	} else {
		logger.WithField("status", resolution.Status).Info("callback reconciled")
	}

	writeJSON(w, http.StatusOK, models.StkAck{ResultCode: 0, ResultDesc: "Accepted"})
}
