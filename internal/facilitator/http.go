package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/x402"
)

// HTTP talks to a remote x402 facilitator: POST /verify, then POST /settle
// when the payment is valid.
type HTTP struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func NewHTTP(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type requestBody struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Verify returns a non-nil error only when the facilitator could not be
// reached or answered with something unusable; the verdict is then
// UNAVAILABLE.
func (f *HTTP) Verify(ctx context.Context, req Request) (Verdict, error) {
	body := requestBody{
		X402Version:         x402.Version,
		PaymentPayload:      req.Payment,
		PaymentRequirements: req.Requirements,
	}

	var vr verifyResponse
	if err := f.post(ctx, "/verify", body, &vr, func() bool { return vr.InvalidReason != "" }); err != nil {
		return unavailable(err), err
	}
	if !vr.IsValid {
		return Verdict{Outcome: OutcomeForReason(vr.InvalidReason), Reason: vr.InvalidReason, Payer: vr.Payer}, nil
	}

	var sr settleResponse
	if err := f.post(ctx, "/settle", body, &sr, func() bool { return sr.ErrorReason != "" }); err != nil {
		f.log.Warn("settle failed after successful verify",
			zap.String("payer", vr.Payer), zap.Error(err))
		return unavailable(err), err
	}
	if !sr.Success {
		return Verdict{Outcome: OutcomeForReason(sr.ErrorReason), Reason: sr.ErrorReason, Payer: vr.Payer}, nil
	}

	payer := sr.Payer
	if payer == "" {
		payer = vr.Payer
	}
	network := sr.Network
	if network == "" {
		network = req.Requirements.Network
	}
	return Verdict{
		Outcome:     OutcomeVerified,
		Payer:       payer,
		Transaction: sr.Transaction,
		Network:     network,
	}, nil
}

// post decodes the JSON reply into out. Non-2xx replies are accepted only
// when they decode and classified reports a reason.
func (f *HTTP) post(ctx context.Context, path string, body any, out any, classified func() bool) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("facilitator %s: read body: %w", path, err)
	}
	decodeErr := json.Unmarshal(raw, out)
	if resp.StatusCode >= 300 {
		if decodeErr == nil && classified() {
			return nil
		}
		return fmt.Errorf("facilitator %s: status %d", path, resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("facilitator %s: decode: %w", path, decodeErr)
	}
	return nil
}

func unavailable(err error) Verdict {
	return Verdict{Outcome: OutcomeUnavailable, Reason: err.Error()}
}
