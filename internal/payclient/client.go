// Package payclient drives the caller side of the 402 handshake: send,
// receive a challenge, authorize, sign, and retry exactly once.
package payclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/clock"
	"github.com/chronicle-labs/chronicle/internal/x402"
)

// State of one operation.
type State string

const (
	StateInit                  State = "INIT"
	StateSending               State = "SENDING"
	StateChallengeReceived     State = "CHALLENGE_RECEIVED"
	StateBuildingAuthorization State = "BUILDING_AUTHORIZATION"
	StateAwaitingSignature     State = "AWAITING_SIGNATURE"
	StateEncodingHeader        State = "ENCODING_HEADER"
	StateRetrying              State = "RETRYING"
	StateDone                  State = "DONE"
	StateFailed                State = "FAILED"
)

// Signer is the caller's signing capability, typically a wallet. It may
// block on user interaction; it should return ErrSigningRejected when the
// user declines.
type Signer interface {
	Address() string
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

// Request is replayable: the body is held in memory so the retry resends
// the same bytes.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Result of Do. Attempts counts HTTP round trips (1 or 2).
type Result struct {
	State      State
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Amount     string // atomic amount authorized, empty if no payment was made
	Settlement *x402.SettlementResponse
}

// Client is safe for concurrent use; every Do gets its own nonce.
type Client struct {
	HTTP   *http.Client
	Signer Signer
	// Identity is the authorization's "from"; defaults to Signer.Address().
	Identity string
	// Authorization is sent as the Authorization header on both legs.
	Authorization string
	Nonces        x402.NonceSource
	Clock         clock.Clock
	Networks      *x402.Networks
	// MaxAmount, when set, refuses options asking for more atomic units.
	MaxAmount *big.Int
	// OnState observes every transition.
	OnState func(State)
	Log     *zap.Logger
}

// Do runs one logical operation. On failure the returned Result still
// reports the state and attempt count alongside an *Error.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	c.set(res, StateInit)

	c.set(res, StateSending)
	resp, err := c.send(ctx, req, "", res)
	if err != nil {
		return c.fail(res, &Error{Kind: KindRequestFailed, Err: err})
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.set(res, StateDone)
			return res, nil
		}
		code, msg := errorBody(resp.body)
		return c.fail(res, &Error{Kind: KindRequestFailed, Status: resp.StatusCode, Code: code, Reason: msg})
	}

	c.set(res, StateChallengeReceived)
	ch, err := x402.DecodeChallenge(resp.Header.Get(x402.HeaderPaymentRequired))
	if err != nil {
		return c.fail(res, &Error{Kind: KindNoRequirements, Status: resp.StatusCode, Err: err})
	}

	c.set(res, StateBuildingAuthorization)
	idx, err := x402.SelectOption(ch, c.supports)
	if err != nil {
		return c.fail(res, &Error{Kind: KindUnsupportedOption, Err: err})
	}
	opt := ch.Accepts[idx]
	chainID, _ := c.networks().ChainID(opt.Network)
	auth, err := x402.BuildAuthorization(ch, idx, c.identity(), c.nonces(), c.clk())
	if err != nil {
		return c.fail(res, &Error{Kind: KindUnsupportedOption, Err: err})
	}
	td, err := x402.TypedData(auth, opt, chainID)
	if err != nil {
		return c.fail(res, &Error{Kind: KindUnsupportedOption, Err: err})
	}

	c.set(res, StateAwaitingSignature)
	sig, err := c.sign(ctx, td)
	if err != nil {
		return c.fail(res, &Error{Kind: KindRejected, Err: err})
	}

	c.set(res, StateEncodingHeader)
	header, err := x402.EncodePaymentHeader(opt, x402.SignedPayment{
		Signature:     x402.FormatSignature(sig),
		Authorization: auth,
	})
	if err != nil {
		return c.fail(res, &Error{Kind: KindPaymentFailed, Err: err})
	}
	res.Amount = opt.Amount

	c.set(res, StateRetrying)
	resp, err = c.send(ctx, req, header, res)
	if err != nil {
		return c.fail(res, &Error{Kind: KindPaymentFailed, Err: err})
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if h := resp.Header.Get(x402.HeaderPaymentResponse); h != "" {
			if s, err := x402.DecodeSettlement(h); err == nil {
				res.Settlement = s
			}
		}
		c.set(res, StateDone)
		return res, nil
	}
	return c.fail(res, classify(resp))
}

type response struct {
	StatusCode int
	Header     http.Header
	body       []byte
}

func (c *Client) send(ctx context.Context, req Request, paymentHeader string, res *Result) (*response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if c.Authorization != "" {
		hr.Header.Set("Authorization", c.Authorization)
	}
	if paymentHeader != "" {
		hr.Header.Set(x402.HeaderPaymentSignature, paymentHeader)
	}

	res.Attempts++
	resp, err := c.httpClient().Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	res.StatusCode = resp.StatusCode
	res.Header = resp.Header
	res.Body = b
	return &response{StatusCode: resp.StatusCode, Header: resp.Header, body: b}, nil
}

// sign runs the signer in its own goroutine so a cancelled ctx ends the wait
// even if the signer ignores it. The buffered channel lets an abandoned
// signer finish without leaking.
func (c *Client) sign(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := c.Signer.SignTypedData(ctx, td)
		done <- result{sig, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrSigningRejected, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, ErrSigningRejected) {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: %v", ErrSigningRejected, r.err)
		}
		if len(r.sig) == 0 {
			return nil, fmt.Errorf("%w: empty signature", ErrSigningRejected)
		}
		return r.sig, nil
	}
}

func (c *Client) supports(opt x402.PaymentRequirements) bool {
	if !c.networks().Supports(opt) {
		return false
	}
	if c.MaxAmount != nil {
		amt, ok := new(big.Int).SetString(opt.Amount, 10)
		if !ok || amt.Cmp(c.MaxAmount) > 0 {
			return false
		}
	}
	return true
}

// classify maps the retry leg's failure response onto an error kind. The
// body's error code wins over the bare status so that a handler's own 502
// is not mistaken for the facilitator's.
func classify(resp *response) *Error {
	code, msg := errorBody(resp.body)
	e := &Error{Status: resp.StatusCode, Code: code, Reason: msg}
	switch {
	case code == "PAYMENT_EXPIRED":
		e.Kind = KindPaymentExpired
	case code == "RATE_LIMITED" || (code == "" && resp.StatusCode == http.StatusTooManyRequests):
		e.Kind = KindRateLimited
		var body struct {
			ResetAt time.Time `json:"reset_at"`
		}
		if json.Unmarshal(resp.body, &body) == nil {
			e.ResetAt = body.ResetAt
		}
	case code == "FACILITATOR_UNAVAILABLE" || (code == "" && resp.StatusCode == http.StatusBadGateway):
		e.Kind = KindFacilitatorUnavailable
	case resp.StatusCode == http.StatusPaymentRequired, resp.StatusCode < 500:
		e.Kind = KindPaymentFailed
	default:
		e.Kind = KindRequestFailed
	}
	return e
}

func errorBody(b []byte) (code, message string) {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &body) != nil {
		return "", ""
	}
	return body.Error, body.Message
}

func (c *Client) set(res *Result, s State) {
	res.State = s
	if c.Log != nil {
		c.Log.Debug("payclient state", zap.String("state", string(s)), zap.Int("attempts", res.Attempts))
	}
	if c.OnState != nil {
		c.OnState(s)
	}
}

func (c *Client) fail(res *Result, e *Error) (*Result, error) {
	if c.Log != nil {
		c.Log.Warn("payclient failed", zap.String("kind", string(e.Kind)), zap.Int("status", e.Status), zap.Error(e))
	}
	c.set(res, StateFailed)
	return res, e
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) identity() string {
	if c.Identity != "" {
		return c.Identity
	}
	return c.Signer.Address()
}

func (c *Client) nonces() x402.NonceSource {
	if c.Nonces != nil {
		return c.Nonces
	}
	return x402.RandomNonces{}
}

func (c *Client) clk() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.System{}
}

func (c *Client) networks() *x402.Networks {
	if c.Networks != nil {
		return c.Networks
	}
	return x402.DefaultNetworks()
}
