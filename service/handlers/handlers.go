package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dukapos/service-mpesa/service/business"
	"github.com/pitabwire/frame"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PaymentServer carries the dependencies every HTTP handler needs.
type PaymentServer struct {
	Service *frame.Service
	Payment business.PaymentBusiness
	Engine  *business.ReconciliationEngine
}

// HealthHandler reports liveness.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError translates business errors into HTTP responses. Unknown errors
// stay opaque to the caller.
func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	message := "internal error"

	if st, ok := status.FromError(err); ok {
		message = st.Message()
		switch st.Code() {
		case codes.InvalidArgument:
			statusCode = http.StatusBadRequest
		case codes.NotFound:
			statusCode = http.StatusNotFound
		case codes.FailedPrecondition:
			statusCode = http.StatusConflict
		case codes.PermissionDenied:
			statusCode = http.StatusForbidden
		default:
			statusCode = http.StatusInternalServerError
			message = "internal error"
		}
	}

	writeJSON(w, statusCode, map[string]string{"error": message})
}
