// Package facilitator verifies and settles signed payment authorizations,
// either by delegating to a remote x402 facilitator or, in development, by
// checking them locally without settlement.
package facilitator

import (
	"strings"

	"github.com/chronicle-labs/chronicle/internal/x402"
)

// Outcome is the facilitator's classification of a payment.
type Outcome string

const (
	OutcomeVerified          Outcome = "VERIFIED"
	OutcomeExpired           Outcome = "EXPIRED"
	OutcomeInvalidSignature  Outcome = "INVALID_SIGNATURE"
	OutcomeInsufficientValue Outcome = "INSUFFICIENT_VALUE"
	OutcomeUnavailable       Outcome = "UNAVAILABLE"
)

// Reason strings shared with x402 facilitators.
const (
	ReasonInvalidScheme        = "invalid_scheme"
	ReasonInvalidNetwork       = "invalid_network"
	ReasonTimeWindow           = "invalid_authorization_time_window"
	ReasonValidAfter           = "invalid_authorization_valid_after"
	ReasonValidBefore          = "invalid_authorization_valid_before"
	ReasonValue                = "invalid_authorization_value"
	ReasonToAddressMismatch    = "invalid_authorization_to_address_mismatch"
	ReasonNonceLength          = "invalid_authorization_nonce_length"
	ReasonSignature            = "invalid_authorization_signature"
	ReasonSenderMismatch       = "invalid_authorization_sender_mismatch"
	ReasonInsufficientFunds    = "insufficient_funds"
	ReasonNonceAlreadyUsed     = "nonce_already_used"
	ReasonRequirementsMismatch = "invalid_payment_requirements"
)

// Request is what the admission controller submits: the decoded envelope and
// the requirement the server itself computed for this request.
type Request struct {
	Payment      *x402.PaymentPayload
	Requirements x402.PaymentRequirements
}

// Verdict is the result of Verify. Reason is the facilitator's own wording
// when it gave one.
type Verdict struct {
	Outcome     Outcome
	Reason      string
	Payer       string
	Transaction string
	Network     string
}

// OutcomeForReason classifies a facilitator reason string.
func OutcomeForReason(reason string) Outcome {
	r := strings.ToLower(reason)
	switch {
	case r == "":
		return OutcomeInvalidSignature
	case strings.Contains(r, "expired"),
		strings.Contains(r, "valid_before"),
		strings.Contains(r, "valid_after"),
		strings.Contains(r, "time_window"):
		return OutcomeExpired
	case strings.Contains(r, "insufficient"),
		strings.Contains(r, "authorization_value"),
		strings.Contains(r, "amount"):
		return OutcomeInsufficientValue
	default:
		return OutcomeInvalidSignature
	}
}
