package payclient

import (
	"errors"
	"fmt"
	"time"
)

// ErrSigningRejected is returned by a Signer when the user declines.
var ErrSigningRejected = errors.New("signing rejected by user")

// Kind classifies a failed operation.
type Kind string

const (
	KindNoRequirements         Kind = "no_requirements"
	KindUnsupportedOption      Kind = "unsupported_option"
	KindRejected               Kind = "rejected"
	KindPaymentFailed          Kind = "payment_failed"
	KindPaymentExpired         Kind = "payment_expired"
	KindRateLimited            Kind = "rate_limited"
	KindFacilitatorUnavailable Kind = "facilitator_unavailable"
	KindRequestFailed          Kind = "request_failed"
)

// Error is the terminal failure of Do.
type Error struct {
	Kind    Kind
	Status  int       // HTTP status of the last response, 0 if none
	Code    string    // server error code, when the body carried one
	Reason  string    // server or facilitator message
	ResetAt time.Time // set for KindRateLimited when the server said
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the user-facing wording for each kind.
func (e *Error) Message() string {
	switch e.Kind {
	case KindRejected:
		return "Payment was cancelled in your wallet. Nothing was charged."
	case KindNoRequirements:
		return "The server asked for payment but did not say how to pay."
	case KindUnsupportedOption:
		return "None of the payment options offered can be used with this wallet."
	case KindPaymentExpired:
		return "The payment authorization expired before it was accepted. Please try again."
	case KindRateLimited:
		if !e.ResetAt.IsZero() {
			return fmt.Sprintf("Rate limit reached. Try again after %s.", e.ResetAt.Local().Format(time.Kitchen))
		}
		return "Rate limit reached. Please try again later."
	case KindFacilitatorUnavailable:
		return "The payment service is temporarily unavailable. Please try again later."
	case KindPaymentFailed:
		if e.Reason != "" {
			return "Payment failed: " + e.Reason
		}
		return "Payment failed."
	default:
		return "Request failed."
	}
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
