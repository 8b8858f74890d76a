package router

import (
	handlers "github.com/dukapos/service-mpesa/service/handlers"
	"github.com/gorilla/mux"
)

func NewRouter(ps *handlers.PaymentServer) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	// Health check endpoint
	router.HandleFunc("/health", handlers.HealthHandler).Methods("GET")

	// Provider webhooks
	router.HandleFunc("/mpesa/stk/callback", ps.HandleStkCallback).Methods("POST")
	router.HandleFunc("/mpesa/c2b/validation", ps.HandleC2BValidation).Methods("POST")
	router.HandleFunc("/mpesa/c2b/confirmation", ps.HandleC2BConfirmation).Methods("POST")

	// Till and back office endpoints. Fixed paths go before the variable
	// ones so "flagged" is never read as a payment id.
	router.HandleFunc("/payments", ps.InitiatePayment).Methods("POST")
	router.HandleFunc("/payments", ps.SearchPayments).Methods("GET")
	router.HandleFunc("/payments/complete-later", ps.CompleteLaterPayment).Methods("POST")
	router.HandleFunc("/payments/verify", ps.VerifyPayment).Methods("POST")
	router.HandleFunc("/payments/flagged", ps.ListFlaggedPayments).Methods("GET")
	router.HandleFunc("/payments/{paymentID}", ps.GetPaymentStatus).Methods("GET")
	router.HandleFunc("/payments/{paymentID}/cancel", ps.CancelPayment).Methods("POST")
	router.HandleFunc("/payments/{paymentID}/force-verify", ps.ForceVerifyPayment).Methods("POST")
	router.HandleFunc("/payments/{paymentID}/history", ps.GetPaymentHistory).Methods("GET")

	// Parked webhook deliveries
	router.HandleFunc("/deadletters", ps.ListDeadLetters).Methods("GET")

	// Unclaimed till payments
	router.HandleFunc("/unclaimed", ps.ListUnclaimedPayments).Methods("GET")
	router.HandleFunc("/unclaimed/{unclaimedID}/claim", ps.ClaimUnclaimedPayment).Methods("POST")

	return router
}
