// Package outcome maps provider result codes onto a stable failure taxonomy
// that the operator UI can act on without ever seeing raw provider wording.
package outcome

// Category is a provider independent failure classification.
type Category string

const (
	CategorySuccess           Category = "SUCCESS"
	CategoryInsufficientFunds Category = "INSUFFICIENT_FUNDS"
	CategoryInvalidPin        Category = "INVALID_PIN"
	CategoryUserCancelled     Category = "USER_CANCELLED"
	CategoryTimeout           Category = "TIMEOUT"
	CategoryDuplicateRequest  Category = "DUPLICATE_REQUEST"
	CategorySystemBusy        Category = "SYSTEM_BUSY"
	CategoryAccountBlocked    Category = "ACCOUNT_BLOCKED"
	CategoryInvalidAmount     Category = "INVALID_AMOUNT"
	CategoryInvalidPhone      Category = "INVALID_PHONE"
	CategoryNetworkError      Category = "NETWORK_ERROR"
	CategoryUnknown           Category = "UNKNOWN"
)

// Outcome is what the UI layer consumes for a terminal payment result.
type Outcome struct {
	Category        Category `json:"category"`
	UserMessage     string   `json:"userMessage"`
	Retryable       bool     `json:"retryable"`
	SuggestedAction string   `json:"suggestedAction"`
}

// ResultCodeSuccess is the provider code for a completed charge.
const ResultCodeSuccess = 0

var codeOutcomes = map[int]Outcome{
	ResultCodeSuccess: {
		Category:        CategorySuccess,
		UserMessage:     "Payment received successfully.",
		Retryable:       false,
		SuggestedAction: "Print the receipt and hand over the goods.",
	},
	1: {
		Category:        CategoryInsufficientFunds,
		UserMessage:     "The customer does not have enough money on their M-Pesa account.",
		Retryable:       true,
		SuggestedAction: "Ask the customer to top up and try again.",
	},
	1001: {
		Category:        CategoryDuplicateRequest,
		UserMessage:     "Another payment request is already in progress on this phone.",
		Retryable:       true,
		SuggestedAction: "Wait for the current prompt to clear, then retry.",
	},
	1019: {
		Category:        CategoryTimeout,
		UserMessage:     "The payment request expired before the customer responded.",
		Retryable:       true,
		SuggestedAction: "Retry and ask the customer to respond promptly.",
	},
	1025: {
		Category:        CategorySystemBusy,
		UserMessage:     "The payment service is busy at the moment.",
		Retryable:       true,
		SuggestedAction: "Wait a moment and retry the payment.",
	},
	1026: {
		Category:        CategorySystemBusy,
		UserMessage:     "The payment service is busy at the moment.",
		Retryable:       true,
		SuggestedAction: "Wait a moment and retry the payment.",
	},
	1032: {
		Category:        CategoryUserCancelled,
		UserMessage:     "The customer cancelled the payment request on their phone.",
		Retryable:       true,
		SuggestedAction: "Confirm with the customer and retry if they want to pay.",
	},
	1037: {
		Category:        CategoryTimeout,
		UserMessage:     "The customer's phone could not be reached.",
		Retryable:       true,
		SuggestedAction: "Check the phone is on and within coverage, then retry.",
	},
	2001: {
		Category:        CategoryInvalidPin,
		UserMessage:     "The customer entered a wrong M-Pesa PIN.",
		Retryable:       true,
		SuggestedAction: "Ask the customer to retry with the correct PIN.",
	},
	8006: {
		Category:        CategoryAccountBlocked,
		UserMessage:     "The customer's M-Pesa account cannot make payments right now.",
		Retryable:       false,
		SuggestedAction: "The customer should contact their provider; take another payment method.",
	},
	4001: {
		Category:        CategoryInvalidAmount,
		UserMessage:     "The payment amount was not accepted.",
		Retryable:       false,
		SuggestedAction: "Check the sale amount and start a new payment.",
	},
	4002: {
		Category:        CategoryInvalidPhone,
		UserMessage:     "The phone number was not accepted by the payment service.",
		Retryable:       false,
		SuggestedAction: "Confirm the customer's number and start a new payment.",
	},
}

var unknownOutcome = Outcome{
	Category:        CategoryUnknown,
	UserMessage:     "The payment could not be completed.",
	Retryable:       true,
	SuggestedAction: "Retry the payment; if it keeps failing contact support.",
}

// Classify is total over all integer result codes; anything unmapped comes
// back as a retryable UNKNOWN with a generic message.
func Classify(resultCode int) Outcome {
	if o, ok := codeOutcomes[resultCode]; ok {
		return o
	}
	return unknownOutcome
}

// TimeoutOutcome is used when our own confirmation window lapses without any
// provider signal, so there is no result code to classify.
func TimeoutOutcome() Outcome {
	return Classify(1037)
}

// DuplicateOutcome is returned to the loser of a reconciliation race. It is a
// neutral already-processed message, not an error.
func DuplicateOutcome() Outcome {
	return Outcome{
		Category:        CategoryDuplicateRequest,
		UserMessage:     "This payment has already been processed.",
		Retryable:       false,
		SuggestedAction: "Check the sale's payment status before retrying.",
	}
}

// NetworkOutcome covers transport failures reaching the provider.
func NetworkOutcome() Outcome {
	return Outcome{
		Category:        CategoryNetworkError,
		UserMessage:     "Could not reach the payment service.",
		Retryable:       true,
		SuggestedAction: "Check connectivity and retry the payment.",
	}
}

// RequiresSupport reports whether a failure category needs escalation beyond
// the till. Customer caused failures resolve at the counter.
func RequiresSupport(category Category) bool {
	switch category {
	case CategoryAccountBlocked, CategorySystemBusy, CategoryNetworkError, CategoryUnknown:
		return true
	default:
		return false
	}
}
