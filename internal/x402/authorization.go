package x402

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/chronicle-labs/chronicle/internal/clock"
)

// ValidityWindow is the lifetime of an authorization in seconds:
// validBefore = validAfter + ValidityWindow.
const ValidityWindow = 300

// NonceSource yields a fresh 32-byte nonce per call.
type NonceSource interface {
	Nonce() ([32]byte, error)
}

// RandomNonces draws nonces from crypto/rand.
type RandomNonces struct{}

func (RandomNonces) Nonce() ([32]byte, error) {
	var n [32]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("nonce: %w", err)
	}
	return n, nil
}

// UnsupportedOptionError means no accepted option in a challenge can be
// serviced by the caller.
type UnsupportedOptionError struct {
	Options []PaymentRequirements
}

func (e *UnsupportedOptionError) Error() string {
	if len(e.Options) == 0 {
		return "no serviceable payment option: challenge offered none"
	}
	return fmt.Sprintf("no serviceable payment option among %d offered (first: %s on %s)",
		len(e.Options), e.Options[0].Scheme, e.Options[0].Network)
}

// SelectOption returns the index of the first option for which supports is
// true.
func SelectOption(ch *PaymentRequired, supports func(PaymentRequirements) bool) (int, error) {
	if ch == nil {
		return -1, &UnsupportedOptionError{}
	}
	for i, opt := range ch.Accepts {
		if supports(opt) {
			return i, nil
		}
	}
	return -1, &UnsupportedOptionError{Options: ch.Accepts}
}

// BuildAuthorization fills a transfer authorization for ch.Accepts[index]
// paid by from. It does not sign.
func BuildAuthorization(ch *PaymentRequired, index int, from string, nonces NonceSource, clk clock.Clock) (Authorization, error) {
	if ch == nil || index < 0 || index >= len(ch.Accepts) {
		return Authorization{}, &UnsupportedOptionError{}
	}
	opt := ch.Accepts[index]
	nonce, err := nonces.Nonce()
	if err != nil {
		return Authorization{}, err
	}
	validAfter := clk.Now().Unix()
	return Authorization{
		From:        from,
		To:          opt.PayTo,
		Value:       opt.Amount,
		ValidAfter:  strconv.FormatInt(validAfter, 10),
		ValidBefore: strconv.FormatInt(validAfter+ValidityWindow, 10),
		Nonce:       "0x" + hex.EncodeToString(nonce[:]),
	}, nil
}
