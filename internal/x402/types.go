// Package x402 implements the wire messages of the HTTP 402 payment
// handshake: the challenge a server issues, the transfer authorization a
// caller signs, and the envelope carried back on the retry.
package x402

// Version is the protocol version written on every message.
const Version = 2

// HTTP header names.
const (
	HeaderPaymentRequired  = "Payment-Required"
	HeaderPaymentSignature = "Payment-Signature"
	HeaderPaymentResponse  = "Payment-Response"
)

// Scheme identifies a payment scheme. The set is closed: decoding rejects any
// scheme not listed here.
type Scheme string

const (
	SchemeExact Scheme = "exact"
)

func (s Scheme) Known() bool {
	switch s {
	case SchemeExact:
		return true
	}
	return false
}

// Resource describes the protected endpoint a challenge is for.
type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// AssetInfo carries the EIP-712 domain name and version of the token contract.
type AssetInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentRequirements is one accepted payment option.
type PaymentRequirements struct {
	Scheme            Scheme     `json:"scheme"`
	Network           string     `json:"network"`
	Amount            string     `json:"amount"`
	Asset             string     `json:"asset"`
	PayTo             string     `json:"payTo"`
	MaxTimeoutSeconds int64      `json:"maxTimeoutSeconds"`
	Description       string     `json:"description,omitempty"`
	MimeType          string     `json:"mimeType,omitempty"`
	Extra             *AssetInfo `json:"extra,omitempty"`
}

// PaymentRequired is the challenge sent with a 402.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    *Resource             `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// Authorization is an EIP-3009 TransferWithAuthorization message. Numeric
// fields are decimal strings and the nonce is 0x-prefixed hex.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SignedPayment pairs an authorization with the signature over its typed data.
type SignedPayment struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the envelope carried in the Payment-Signature header.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Scheme      Scheme              `json:"scheme"`
	Network     string              `json:"network"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     SignedPayment       `json:"payload"`
	Extensions  map[string]any      `json:"extensions"`
}

// SettlementResponse is carried in the Payment-Response header of an
// admitted request.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}
