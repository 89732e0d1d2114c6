package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrEmptyAccepts       = errors.New("challenge has no accepted payment options")
	ErrUnsupportedScheme  = errors.New("unsupported payment scheme")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// DecodeError reports why a header could not be decoded.
type DecodeError struct {
	What string // "challenge", "payment", "settlement"
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeChallenge serializes a challenge for the Payment-Required header.
func EncodeChallenge(pr PaymentRequired) (string, error) {
	return encode(pr)
}

// DecodeChallenge parses and validates a Payment-Required header value.
func DecodeChallenge(header string) (*PaymentRequired, error) {
	var pr PaymentRequired
	if err := decode(header, &pr); err != nil {
		return nil, &DecodeError{What: "challenge", Err: err}
	}
	if pr.X402Version != Version {
		return nil, &DecodeError{What: "challenge", Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, pr.X402Version)}
	}
	if len(pr.Accepts) == 0 {
		return nil, &DecodeError{What: "challenge", Err: ErrEmptyAccepts}
	}
	for i := range pr.Accepts {
		if err := pr.Accepts[i].validate(); err != nil {
			return nil, &DecodeError{What: "challenge", Err: fmt.Errorf("accepts[%d]: %w", i, err)}
		}
	}
	return &pr, nil
}

// EncodePaymentHeader builds the Payment-Signature value for a signed
// authorization against the chosen option.
func EncodePaymentHeader(option PaymentRequirements, sp SignedPayment) (string, error) {
	return encode(PaymentPayload{
		X402Version: Version,
		Scheme:      option.Scheme,
		Network:     option.Network,
		Accepted:    option,
		Payload:     sp,
		Extensions:  map[string]any{},
	})
}

// DecodePaymentHeader parses a Payment-Signature header value. It checks
// shape only; whether the payment is acceptable is the verifier's decision.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	var p PaymentPayload
	if err := decode(header, &p); err != nil {
		return nil, &DecodeError{What: "payment", Err: err}
	}
	if p.X402Version != Version {
		return nil, &DecodeError{What: "payment", Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.X402Version)}
	}
	if err := p.Accepted.validate(); err != nil {
		return nil, &DecodeError{What: "payment", Err: fmt.Errorf("accepted: %w", err)}
	}
	if p.Scheme != p.Accepted.Scheme || p.Network != p.Accepted.Network {
		return nil, &DecodeError{What: "payment", Err: errors.New("envelope scheme/network differ from accepted option")}
	}
	if err := p.Payload.validate(); err != nil {
		return nil, &DecodeError{What: "payment", Err: err}
	}
	return &p, nil
}

func EncodeSettlement(s SettlementResponse) (string, error) {
	return encode(s)
}

func DecodeSettlement(header string) (*SettlementResponse, error) {
	var s SettlementResponse
	if err := decode(header, &s); err != nil {
		return nil, &DecodeError{What: "settlement", Err: err}
	}
	return &s, nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decode(header string, v any) error {
	if header == "" {
		return errors.New("empty header")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func (r PaymentRequirements) validate() error {
	if !r.Scheme.Known() {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, r.Scheme)
	}
	if r.Network == "" {
		return errors.New("missing network")
	}
	if !isUint(r.Amount) {
		return fmt.Errorf("amount %q is not a non-negative integer", r.Amount)
	}
	if !common.IsHexAddress(r.PayTo) {
		return fmt.Errorf("payTo %q is not an address", r.PayTo)
	}
	switch {
	case r.Asset == "":
		return errors.New("missing asset")
	case !common.IsHexAddress(r.Asset):
		// exact is settled with EIP-3009, which only token contracts implement.
		return fmt.Errorf("%w: %s needs a token contract, got asset %q", ErrUnsupportedScheme, r.Scheme, r.Asset)
	}
	return nil
}

func (sp SignedPayment) validate() error {
	if sp.Signature == "" {
		return errors.New("missing signature")
	}
	a := sp.Authorization
	if !common.IsHexAddress(a.From) {
		return fmt.Errorf("authorization.from %q is not an address", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return fmt.Errorf("authorization.to %q is not an address", a.To)
	}
	for name, v := range map[string]string{"value": a.Value, "validAfter": a.ValidAfter, "validBefore": a.ValidBefore} {
		if !isUint(v) {
			return fmt.Errorf("authorization.%s %q is not a non-negative integer", name, v)
		}
	}
	if a.Nonce == "" {
		return errors.New("missing authorization.nonce")
	}
	return nil
}

func isUint(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() >= 0
}
