package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/dukapos/service-mpesa/service/business"
	"github.com/dukapos/service-mpesa/service/models"
	"github.com/dukapos/service-mpesa/service/utility"
)

// billRefPattern is the shape a POS sale reference takes; anything else is
// rejected before the customer is debited.
var billRefPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,49}$`)

// HandleC2BValidation answers the provider's pre-debit check. It must stay
// fast and side effect free: a shape check on the bill reference only, no
// database reads and no downstream calls.
func (ps *PaymentServer) HandleC2BValidation(w http.ResponseWriter, r *http.Request) {
	logger := ps.Service.Log(r.Context()).WithField("type", "C2BValidationHandler")

	var payload models.C2BPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		logger.WithError(err).Warn("could not decode validation payload")
		writeJSON(w, http.StatusOK, models.C2BResponse{
			ResultCode: models.C2BRejectInvalidRef,
			ResultDesc: "Rejected",
		})
		return
	}

	if !billRefPattern.MatchString(payload.BillRefNumber) {
		logger.WithField("billRef", payload.BillRefNumber).Info("rejected bill reference")
		writeJSON(w, http.StatusOK, models.C2BResponse{
			ResultCode: models.C2BRejectInvalidRef,
			ResultDesc: "Rejected",
		})
		return
	}

	writeJSON(w, http.StatusOK, models.C2BResponse{
		ResultCode: models.C2BAcceptCode,
		ResultDesc: "Accepted",
	})
}

// HandleC2BConfirmation receives money that has already moved. It is always
// acknowledged; matching failures park the payment for review instead of
// bouncing the webhook.
func (ps *PaymentServer) HandleC2BConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := ps.Service.Log(ctx).WithField("type", "C2BConfirmationHandler")

	ack := models.C2BResponse{ResultCode: models.C2BAcceptCode, ResultDesc: "Accepted"}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WithError(err).Error("could not read confirmation body")
		writeJSON(w, http.StatusOK, ack)
		return
	}

	var payload models.C2BPayload
	if err = json.NewDecoder(bytes.NewReader(raw)).Decode(&payload); err != nil {
		logger.WithError(err).Error("could not decode confirmation payload")
		writeJSON(w, http.StatusOK, ack)
		return
	}

	logger = logger.WithField("transId", payload.TransID)

	amount, err := utility.ParseChargeAmount(payload.TransAmount)
	if err != nil {
		logger.WithError(err).Error("confirmation carries an unusable amount")
		writeJSON(w, http.StatusOK, ack)
		return
	}

	transTime, err := time.Parse(models.C2BTransTimeLayout, payload.TransTime)
	if err != nil {
		transTime = time.Now()
	}

	resolution, err := ps.Engine.Reconcile(ctx,
		business.NewUnsolicitedEvent(&payload, amount, transTime, "", raw))
	if err != nil {
		logger.WithError(err).Error("confirmation reconciliation failed")
	} else {
		logger.WithField("status", resolution.Status).Info("confirmation reconciled")
	}

	writeJSON(w, http.StatusOK, ack)
}
