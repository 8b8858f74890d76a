package models

import (
	"time"

	"github.com/pitabwire/frame"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PendingPayment statuses. A record reaches CONFIRMED, FAILED or EXPIRED at
// most once; FLAGGED_FOR_REVIEW only clears through an explicit verification.
const (
	StatusInitiating           = "INITIATING"
	StatusAwaitingConfirmation = "AWAITING_CONFIRMATION"
	StatusConfirmed            = "CONFIRMED"
	StatusFailed               = "FAILED"
	StatusExpired              = "EXPIRED"
	StatusFlaggedForReview     = "FLAGGED_FOR_REVIEW"
)

// Confirmation sources record which channel won the claim.
const (
	SourceDirectCallback   = "DIRECT_CALLBACK"
	SourceUnsolicitedMatch = "UNSOLICITED_MATCH"
	SourceManualCode       = "MANUAL_CODE"
	SourceDeferred         = "DEFERRED"
)

// PendingPayment tracks one initiated charge attempt from the moment the
// prompt is pushed until a single confirmation channel claims it.
type PendingPayment struct {
	frame.BaseModel

	// Correlation pair issued by the provider for the direct push channel.
	// Deferred sales and attempts that fail before the provider ack never
	// get one, so uniqueness is only enforced on non empty keys.
	MerchantRequestID string `gorm:"type:varchar(100);index"`
	CheckoutRequestID string `gorm:"type:varchar(100);uniqueIndex:idx_pending_payments_checkout_request_id,where:checkout_request_id <> ''"`

	// Business level reference an unsolicited till payment carries back.
	SaleReference string `gorm:"type:varchar(100);index"`
	BranchID      string `gorm:"type:varchar(50);index"`

	ExpectedAmount decimal.NullDecimal `gorm:"type:numeric" json:"expectedAmount"`
	Currency       string              `gorm:"type:varchar(10)"`
	PhoneNumber    string              `gorm:"type:varchar(15)"`

	Status             string `gorm:"type:varchar(30);index"`
	ConfirmationSource string `gorm:"type:varchar(30)"`
	ProviderReceipt    string `gorm:"type:varchar(50)"`

	// ClaimedBySaleID is set by exactly one winning confirmation signal.
	ClaimedBySaleID string `gorm:"type:varchar(50)"`
	ClaimedAt       *time.Time

	ResultCode        int    `gorm:"type:integer"`
	ResultDescription string `gorm:"type:varchar(255)"`
	FailureCategory   string `gorm:"type:varchar(30)"`

	ExpiresAt *time.Time

	VerifiedBy    string `gorm:"type:varchar(50)"`
	VerifiedAt    *time.Time
	VerifyComment string `gorm:"type:varchar(255)"`

	Extra datatypes.JSONMap `gorm:"index:,type:gin,option:jsonb_path_ops" json:"extra"`
}

// IsTerminal reports whether no further state transition is permitted.
func (model *PendingPayment) IsTerminal() bool {
	switch model.Status {
	case StatusConfirmed, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// IsClaimed reports whether a confirmation channel has already bound this
// payment to a sale.
func (model *PendingPayment) IsClaimed() bool {
	return model.ClaimedBySaleID != ""
}

// IsOverdue reports whether the confirmation window has lapsed for a record
// still awaiting a direct push confirmation.
func (model *PendingPayment) IsOverdue(now time.Time) bool {
	return model.Status == StatusAwaitingConfirmation &&
		model.ExpiresAt != nil && now.After(*model.ExpiresAt)
}

// UnclaimedPayment stores a till payment that arrived with zero or multiple
// candidate sales. It waits for manual reconciliation; automatic matching
// never guesses.
type UnclaimedPayment struct {
	frame.BaseModel

	TransID     string              `gorm:"type:varchar(50);uniqueIndex"`
	Amount      decimal.NullDecimal `gorm:"type:numeric" json:"amount"`
	Currency    string              `gorm:"type:varchar(10)"`
	PhoneNumber string              `gorm:"type:varchar(15)"`
	BillRef     string              `gorm:"type:varchar(100)"`
	BranchID    string              `gorm:"type:varchar(50)"`
	TransTime   *time.Time

	// Reason records why automatic matching declined: no candidate,
	// ambiguous candidates or amount mismatch.
	Reason string `gorm:"type:varchar(50)"`

	ClaimedByPaymentID string `gorm:"type:varchar(50)"`
	ClaimedAt          *time.Time

	Extra datatypes.JSONMap `gorm:"index:,type:gin,option:jsonb_path_ops" json:"extra"`
}

func (model *UnclaimedPayment) IsResolved() bool {
	return model.ClaimedByPaymentID != ""
}

// StatusLog is an append only audit row for every payment state transition.
type StatusLog struct {
	frame.BaseModel

	PaymentID  string            `gorm:"type:varchar(50);index"`
	FromStatus string            `gorm:"type:varchar(30)"`
	ToStatus   string            `gorm:"type:varchar(30)"`
	Source     string            `gorm:"type:varchar(30)"`
	Actor      string            `gorm:"type:varchar(50)"`
	Extra      datatypes.JSONMap `gorm:"index:,type:gin,option:jsonb_path_ops" json:"extra"`
}

// DeadLetter keeps webhook deliveries that could not be matched or that lost
// a claim race. They are acknowledged to the provider and parked here for
// inspection instead of being dropped.
type DeadLetter struct {
	frame.BaseModel

	Channel   string            `gorm:"type:varchar(30)"`
	Reference string            `gorm:"type:varchar(100);index"`
	Reason    string            `gorm:"type:varchar(100)"`
	Payload   datatypes.JSON    `gorm:"type:jsonb"`
	Extra     datatypes.JSONMap `gorm:"index:,type:gin,option:jsonb_path_ops" json:"extra"`
}
