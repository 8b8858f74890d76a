package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dukapos/service-mpesa/service/business"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

type initiateBody struct {
	PhoneNumber   string          `json:"phoneNumber"`
	Amount        decimal.Decimal `json:"amount"`
	SaleReference string          `json:"saleReference"`
	BranchID      string          `json:"branchId"`
	Operator      string          `json:"operator"`
}

// InitiatePayment opens a charge attempt for a sale at the till.
func (ps *PaymentServer) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var body initiateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	response, err := ps.Payment.Initiate(r.Context(), business.InitiateRequest{
		PhoneNumber:   body.PhoneNumber,
		Amount:        body.Amount,
		SaleReference: body.SaleReference,
		BranchID:      body.BranchID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, response)
}

// GetPaymentStatus is the poll endpoint the till loops on during the
// confirmation countdown.
func (ps *PaymentServer) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["paymentID"]

	response, err := ps.Payment.GetStatus(r.Context(), paymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// CancelPayment abandons an in-flight attempt.
func (ps *PaymentServer) CancelPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["paymentID"]

	var body struct {
		Operator string `json:"operator"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	response, err := ps.Payment.Cancel(r.Context(), paymentID, body.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// CompleteLaterPayment records the sale without confirmed payment, flagged
// for review.
func (ps *PaymentServer) CompleteLaterPayment(w http.ResponseWriter, r *http.Request) {
	var body initiateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	response, err := ps.Payment.CompleteLater(r.Context(), business.InitiateRequest{
		PhoneNumber:   body.PhoneNumber,
		Amount:        body.Amount,
		SaleReference: body.SaleReference,
		BranchID:      body.BranchID,
	}, body.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, response)
}

type verifyBody struct {
	SaleReference string          `json:"saleReference"`
	ReceiptCode   string          `json:"receiptCode"`
	Amount        decimal.Decimal `json:"amount"`
	Operator      string          `json:"operator"`
}

// VerifyPayment applies an operator entered receipt code to a sale.
func (ps *PaymentServer) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	resolution, err := ps.Payment.ManualVerify(r.Context(), body.SaleReference, body.ReceiptCode, body.Amount, body.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

type forceVerifyBody struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
	Role     string `json:"role"`
}

// ForceVerifyPayment clears a flagged sale without a receipt code.
func (ps *PaymentServer) ForceVerifyPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["paymentID"]

	var body forceVerifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	resolution, err := ps.Payment.ForceVerify(r.Context(), paymentID, body.Reason, body.Operator, body.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

// ListUnclaimedPayments lists parked till payments awaiting manual binding.
func (ps *PaymentServer) ListUnclaimedPayments(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branchId")

	unclaimed, err := ps.Payment.ListUnclaimed(r.Context(), branchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unclaimed)
}

// ClaimUnclaimedPayment binds a reviewed till payment to a flagged sale.
func (ps *PaymentServer) ClaimUnclaimedPayment(w http.ResponseWriter, r *http.Request) {
	unclaimedID := mux.Vars(r)["unclaimedID"]

	var body struct {
		PaymentID string `json:"paymentId"`
		Operator  string `json:"operator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	resolution, err := ps.Payment.ClaimUnclaimed(r.Context(), unclaimedID, body.PaymentID, body.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

// SearchPayments finds payments by id, sale reference or receipt fragment.
func (ps *PaymentServer) SearchPayments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	payments, err := ps.Payment.SearchPayments(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// GetPaymentHistory returns the audit trail of one payment's transitions.
func (ps *PaymentServer) GetPaymentHistory(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["paymentID"]

	history, err := ps.Payment.History(r.Context(), paymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// ListDeadLetters exposes parked webhook deliveries for inspection.
func (ps *PaymentServer) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")

	letters, err := ps.Payment.ListDeadLetters(r.Context(), channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, letters)
}

// ListFlaggedPayments lists sales waiting on an explicit verification.
func (ps *PaymentServer) ListFlaggedPayments(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branchId")

	flagged, err := ps.Payment.ListFlagged(r.Context(), branchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flagged)
}
