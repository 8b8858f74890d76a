package models

// Wire payloads for the provider's webhooks. Schemas are closed: handlers
// decode into these shapes and reject anything that does not fit instead of
// carrying loosely typed maps into the reconciliation path.

// StkCallbackEnvelope is the direct push result delivered to the callback URL.
type StkCallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// MetadataString extracts a named metadata value rendered as a string.
func (c *StkCallback) MetadataString(name string) string {
	if c.CallbackMetadata == nil {
		return ""
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name != name {
			continue
		}
		if s, ok := item.Value.(string); ok {
			return s
		}
	}
	return ""
}

// C2BPayload is delivered to both the validation and confirmation URLs for
// till payments the customer initiates on their own phone.
type C2BPayload struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	LastName          string `json:"LastName"`
}

// C2BResponse is the synchronous accept or reject payload the provider
// expects from both C2B endpoints.
type C2BResponse struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Provider convention: "0" accepts, "C2B00012" rejects an invalid account
// reference before the customer is debited.
const (
	C2BAcceptCode       = "0"
	C2BRejectInvalidRef = "C2B00012"
	C2BTransTimeLayout  = "20060102150405"
)

// StkAck is always returned to the direct push callback regardless of the
// matching outcome so provider retries do not flood the endpoint.
type StkAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}
