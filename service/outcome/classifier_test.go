package outcome

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKnownCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		category  Category
		retryable bool
	}{
		{"success", 0, CategorySuccess, false},
		{"insufficient funds", 1, CategoryInsufficientFunds, true},
		{"duplicate session", 1001, CategoryDuplicateRequest, true},
		{"request expired", 1019, CategoryTimeout, true},
		{"push error", 1025, CategorySystemBusy, true},
		{"system internal", 1026, CategorySystemBusy, true},
		{"user cancelled", 1032, CategoryUserCancelled, true},
		{"unreachable", 1037, CategoryTimeout, true},
		{"wrong pin", 2001, CategoryInvalidPin, true},
		{"account blocked", 8006, CategoryAccountBlocked, false},
		{"invalid amount", 4001, CategoryInvalidAmount, false},
		{"invalid phone", 4002, CategoryInvalidPhone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Classify(tt.code)
			assert.Equal(t, tt.category, o.Category)
			assert.Equal(t, tt.retryable, o.Retryable)
			assert.NotEmpty(t, o.UserMessage)
			assert.NotEmpty(t, o.SuggestedAction)
		})
	}
}

func TestClassifyTotality(t *testing.T) {
	// Arbitrary unmapped codes must classify without panicking and never
	// leak the raw code into the user message.
	for _, code := range []int{-1, 2, 3, 17, 999, 1000000, math.MinInt32, math.MaxInt32} {
		o := Classify(code)
		assert.Equal(t, CategoryUnknown, o.Category)
		assert.True(t, o.Retryable)
		assert.NotEmpty(t, o.UserMessage)
		assert.NotContains(t, o.UserMessage, "code")
	}
}

func TestTimeoutOutcome(t *testing.T) {
	o := TimeoutOutcome()
	assert.Equal(t, CategoryTimeout, o.Category)
	assert.True(t, o.Retryable)
}

func TestDuplicateOutcome(t *testing.T) {
	o := DuplicateOutcome()
	assert.Equal(t, CategoryDuplicateRequest, o.Category)
	assert.False(t, o.Retryable)
}

func TestRequiresSupport(t *testing.T) {
	assert.True(t, RequiresSupport(CategoryAccountBlocked))
	assert.True(t, RequiresSupport(CategoryUnknown))
	assert.True(t, RequiresSupport(CategoryNetworkError))
	assert.True(t, RequiresSupport(CategorySystemBusy))

	assert.False(t, RequiresSupport(CategoryInsufficientFunds))
	assert.False(t, RequiresSupport(CategoryUserCancelled))
	assert.False(t, RequiresSupport(CategoryInvalidPin))
	assert.False(t, RequiresSupport(CategoryTimeout))
}
