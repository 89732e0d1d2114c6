package payclient

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/chronicle-labs/chronicle/internal/x402"
)

const (
	testPayTo = "0x00000000000000000000000000000000000000aa"
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testFrom  = "0x00000000000000000000000000000000000000bb"
)

// ── Mocks ─────────────────────────────────────────────────────────────────────

type mockSigner struct {
	calls  atomic.Int32
	err    error
	block  bool
	lastTD apitypes.TypedData
	mu     sync.Mutex
}

func (s *mockSigner) Address() string { return testFrom }

func (s *mockSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.lastTD = td
	s.mu.Unlock()
	if s.block {
		// Simulates a wallet popup that never answers and ignores ctx.
		select {}
	}
	if s.err != nil {
		return nil, s.err
	}
	sig := make([]byte, 65)
	sig[64] = 27
	return sig, nil
}

func challenge(accepts ...x402.PaymentRequirements) x402.PaymentRequired {
	if len(accepts) == 0 {
		accepts = []x402.PaymentRequirements{{
			Scheme:            x402.SchemeExact,
			Network:           "net-1",
			Amount:            "10000",
			Asset:             testAsset,
			PayTo:             testPayTo,
			MaxTimeoutSeconds: 300,
		}}
	}
	return x402.PaymentRequired{X402Version: x402.Version, Accepts: accepts}
}

// paidServer answers 402 with ch until a payment header arrives, then calls
// onPaid.
type paidServer struct {
	attempts atomic.Int32
	headers  []string
	mu       sync.Mutex
}

func newPaidServer(t *testing.T, ch x402.PaymentRequired, onPaid func(w http.ResponseWriter, p *x402.PaymentPayload)) (*paidServer, *httptest.Server) {
	t.Helper()
	ps := &paidServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.attempts.Add(1)
		h := r.Header.Get(x402.HeaderPaymentSignature)
		ps.mu.Lock()
		ps.headers = append(ps.headers, h)
		ps.mu.Unlock()
		if h == "" {
			enc, _ := x402.EncodeChallenge(ch)
			w.Header().Set(x402.HeaderPaymentRequired, enc)
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]string{"error": "PAYMENT_REQUIRED"})
			return
		}
		p, err := x402.DecodePaymentHeader(h)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "INVALID_PAYMENT", "message": err.Error()})
			return
		}
		onPaid(w, p)
	}))
	t.Cleanup(srv.Close)
	return ps, srv
}

func testNetworks() *x402.Networks {
	n := x402.DefaultNetworks()
	n.Register("net-1", 31337)
	return n
}

func newClient(s Signer, states *[]State) *Client {
	return &Client{
		Signer:        s,
		Authorization: "Bearer " + testFrom + ":sig",
		Networks:      testNetworks(),
		OnState:       func(st State) { *states = append(*states, st) },
	}
}

func ok(w http.ResponseWriter, _ *x402.PaymentPayload) {
	enc, _ := x402.EncodeSettlement(x402.SettlementResponse{Success: true, Transaction: "0xtx", Network: "net-1"})
	w.Header().Set(x402.HeaderPaymentResponse, enc)
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	return e.Kind
}

// ── Scenario A: challenge, sign, single retry, success ───────────────────────

func TestDo_PaysAndRetriesOnce(t *testing.T) {
	var got *x402.PaymentPayload
	ps, srv := newPaidServer(t, challenge(), func(w http.ResponseWriter, p *x402.PaymentPayload) {
		got = p
		ok(w, p)
	})
	var states []State
	signer := &mockSigner{}
	c := newClient(signer, &states)

	res, err := c.Do(context.Background(), Request{Method: http.MethodPost, URL: srv.URL, Body: []byte(`{"data":"x"}`)})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.State != StateDone || res.StatusCode != http.StatusOK {
		t.Fatalf("result = %+v", res)
	}
	if n := ps.attempts.Load(); n != 2 || res.Attempts != 2 {
		t.Errorf("attempts: server saw %d, result says %d; want 2", n, res.Attempts)
	}
	if signer.calls.Load() != 1 {
		t.Errorf("signer calls = %d", signer.calls.Load())
	}
	if res.Amount != "10000" {
		t.Errorf("amount = %q", res.Amount)
	}
	if res.Settlement == nil || res.Settlement.Transaction != "0xtx" {
		t.Errorf("settlement = %+v", res.Settlement)
	}

	a := got.Payload.Authorization
	if a.From != testFrom || a.To != testPayTo || a.Value != "10000" {
		t.Errorf("authorization = %+v", a)
	}
	if got.Accepted.Network != "net-1" {
		t.Errorf("accepted = %+v", got.Accepted)
	}

	want := []State{StateInit, StateSending, StateChallengeReceived, StateBuildingAuthorization,
		StateAwaitingSignature, StateEncodingHeader, StateRetrying, StateDone}
	if len(states) != len(want) {
		t.Fatalf("states = %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestDo_NoChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var states []State
	signer := &mockSigner{}
	res, err := newClient(signer, &states).Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateDone || res.Attempts != 1 || signer.calls.Load() != 0 {
		t.Errorf("result = %+v, signer calls %d", res, signer.calls.Load())
	}
}

// ── Scenario B: user rejects signing ──────────────────────────────────────────

func TestDo_SigningRejected(t *testing.T) {
	ps, srv := newPaidServer(t, challenge(), ok)
	var states []State
	c := newClient(&mockSigner{err: ErrSigningRejected}, &states)

	res, err := c.Do(context.Background(), Request{Method: http.MethodPost, URL: srv.URL})
	if kindOf(t, err) != KindRejected {
		t.Fatalf("kind = %s", kindOf(t, err))
	}
	if !errors.Is(err, ErrSigningRejected) {
		t.Error("expected ErrSigningRejected in chain")
	}
	if res.State != StateFailed {
		t.Errorf("state = %s", res.State)
	}
	if n := ps.attempts.Load(); n != 1 {
		t.Errorf("server attempts = %d, want 1", n)
	}
	if states[len(states)-2] != StateAwaitingSignature {
		t.Errorf("failed from %s, want AWAITING_SIGNATURE", states[len(states)-2])
	}
}

func TestDo_SigningCancelled(t *testing.T) {
	ps, srv := newPaidServer(t, challenge(), ok)
	var states []State
	c := newClient(&mockSigner{block: true}, &states)

	ctx, cancel := context.WithCancel(context.Background())
	c.OnState = func(st State) {
		if st == StateAwaitingSignature {
			go func() {
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, Request{URL: srv.URL})
		done <- err
	}()
	select {
	case err := <-done:
		if kindOf(t, err) != KindRejected {
			t.Errorf("kind = %s", kindOf(t, err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do hung on a cancelled signature request")
	}
	if n := ps.attempts.Load(); n != 1 {
		t.Errorf("server attempts = %d, want 1", n)
	}
}

// ── Challenge problems ────────────────────────────────────────────────────────

func TestDo_NoRequirements(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"missing header": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
		},
		"empty accepts": func(w http.ResponseWriter, r *http.Request) {
			enc, _ := x402.EncodeChallenge(x402.PaymentRequired{X402Version: x402.Version, Accepts: []x402.PaymentRequirements{}})
			w.Header().Set(x402.HeaderPaymentRequired, enc)
			w.WriteHeader(http.StatusPaymentRequired)
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(x402.HeaderPaymentRequired, "###")
			w.WriteHeader(http.StatusPaymentRequired)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				h(w, r)
			}))
			defer srv.Close()

			var states []State
			signer := &mockSigner{}
			_, err := newClient(signer, &states).Do(context.Background(), Request{URL: srv.URL})
			if kindOf(t, err) != KindNoRequirements {
				t.Fatalf("kind = %s", kindOf(t, err))
			}
			if attempts.Load() != 1 || signer.calls.Load() != 0 {
				t.Errorf("attempts=%d signer=%d", attempts.Load(), signer.calls.Load())
			}
		})
	}
}

func TestDo_UnsupportedOption(t *testing.T) {
	opt := challenge().Accepts[0]
	opt.Network = "solana"
	_, srv := newPaidServer(t, challenge(opt), ok)

	var states []State
	signer := &mockSigner{}
	_, err := newClient(signer, &states).Do(context.Background(), Request{URL: srv.URL})
	if kindOf(t, err) != KindUnsupportedOption {
		t.Fatalf("kind = %s", kindOf(t, err))
	}
	var uoe *x402.UnsupportedOptionError
	if !errors.As(err, &uoe) {
		t.Error("expected *x402.UnsupportedOptionError in chain")
	}
	if signer.calls.Load() != 0 {
		t.Error("signer asked for an unserviceable option")
	}
}

func TestDo_MaxAmount(t *testing.T) {
	cheap := challenge().Accepts[0]
	cheap.Amount = "5000"
	dear := challenge().Accepts[0]
	dear.Amount = "20000"

	t.Run("skips options above the cap", func(t *testing.T) {
		var paid string
		_, srv := newPaidServer(t, challenge(dear, cheap), func(w http.ResponseWriter, p *x402.PaymentPayload) {
			paid = p.Accepted.Amount
			ok(w, p)
		})
		var states []State
		c := newClient(&mockSigner{}, &states)
		c.MaxAmount = big.NewInt(10000)
		if _, err := c.Do(context.Background(), Request{URL: srv.URL}); err != nil {
			t.Fatal(err)
		}
		if paid != "5000" {
			t.Errorf("paid option %q, want 5000", paid)
		}
	})
	t.Run("refuses when nothing fits", func(t *testing.T) {
		_, srv := newPaidServer(t, challenge(dear), ok)
		var states []State
		c := newClient(&mockSigner{}, &states)
		c.MaxAmount = big.NewInt(10000)
		_, err := c.Do(context.Background(), Request{URL: srv.URL})
		if kindOf(t, err) != KindUnsupportedOption {
			t.Fatalf("kind = %s", kindOf(t, err))
		}
	})
}

// ── Retry leg outcomes ────────────────────────────────────────────────────────

func TestDo_RetryOutcomes(t *testing.T) {
	reset := time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		status int
		body   map[string]string
		kind   Kind
	}{
		{"second 402", http.StatusPaymentRequired, map[string]string{"error": "PAYMENT_REJECTED", "message": "invalid_authorization_signature"}, KindPaymentFailed},
		{"expired", http.StatusPaymentRequired, map[string]string{"error": "PAYMENT_EXPIRED"}, KindPaymentExpired},
		{"invalid payment", http.StatusBadRequest, map[string]string{"error": "INVALID_PAYMENT"}, KindPaymentFailed},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"error": "RATE_LIMITED", "reset_at": reset.Format(time.RFC3339)}, KindRateLimited},
		{"facilitator down", http.StatusBadGateway, map[string]string{"error": "FACILITATOR_UNAVAILABLE"}, KindFacilitatorUnavailable},
		{"storage down", http.StatusBadGateway, map[string]string{"error": "UPLOAD_FAILED"}, KindRequestFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ps, srv := newPaidServer(t, challenge(), func(w http.ResponseWriter, _ *x402.PaymentPayload) {
				if tc.status == http.StatusPaymentRequired {
					enc, _ := x402.EncodeChallenge(challenge())
					w.Header().Set(x402.HeaderPaymentRequired, enc)
				}
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(tc.body)
			})
			var states []State
			signer := &mockSigner{}
			res, err := newClient(signer, &states).Do(context.Background(), Request{URL: srv.URL})
			if kindOf(t, err) != tc.kind {
				t.Fatalf("kind = %s, want %s", kindOf(t, err), tc.kind)
			}
			if ps.attempts.Load() != 2 || res.Attempts != 2 {
				t.Errorf("attempts = %d/%d, want exactly 2", ps.attempts.Load(), res.Attempts)
			}
			if signer.calls.Load() != 1 {
				t.Errorf("signer calls = %d, want 1", signer.calls.Load())
			}
			var e *Error
			errors.As(err, &e)
			if e.Status != tc.status {
				t.Errorf("status = %d", e.Status)
			}
			if tc.kind == KindRateLimited && !e.ResetAt.Equal(reset) {
				t.Errorf("resetAt = %v", e.ResetAt)
			}
		})
	}
}

func TestDo_RetryNetworkError(t *testing.T) {
	var srv *httptest.Server
	var attempts atomic.Int32
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			enc, _ := x402.EncodeChallenge(challenge())
			w.Header().Set(x402.HeaderPaymentRequired, enc)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		// Drop the connection mid-response.
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	var states []State
	_, err := newClient(&mockSigner{}, &states).Do(context.Background(), Request{URL: srv.URL})
	if kindOf(t, err) != KindPaymentFailed {
		t.Fatalf("kind = %s", kindOf(t, err))
	}
}

func TestDo_FirstLegFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "AUTH_REQUIRED", "message": "Missing or invalid authorization header"})
	}))
	defer srv.Close()

	var states []State
	_, err := newClient(&mockSigner{}, &states).Do(context.Background(), Request{URL: srv.URL})
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindRequestFailed || e.Code != "AUTH_REQUIRED" || e.Status != http.StatusUnauthorized {
		t.Fatalf("err = %#v", err)
	}

	srv.Close()
	_, err = newClient(&mockSigner{}, &states).Do(context.Background(), Request{URL: srv.URL})
	if kindOf(t, err) != KindRequestFailed {
		t.Fatalf("unreachable: kind = %s", kindOf(t, err))
	}
}

// ── Independence of concurrent operations ─────────────────────────────────────

func TestDo_ConcurrentOperationsUseDistinctNonces(t *testing.T) {
	var mu sync.Mutex
	nonces := map[string]bool{}
	_, srv := newPaidServer(t, challenge(), func(w http.ResponseWriter, p *x402.PaymentPayload) {
		mu.Lock()
		nonces[p.Payload.Authorization.Nonce] = true
		mu.Unlock()
		ok(w, p)
	})
	c := &Client{Signer: &mockSigner{}, Networks: testNetworks()}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Do(context.Background(), Request{URL: srv.URL}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if len(nonces) != 20 {
		t.Errorf("distinct nonces = %d, want 20", len(nonces))
	}
}

func TestError_Message(t *testing.T) {
	if m := (&Error{Kind: KindRejected}).Message(); m == (&Error{Kind: KindPaymentFailed}).Message() {
		t.Error("rejected and payment_failed must read differently")
	}
	e := &Error{Kind: KindRateLimited, ResetAt: time.Now().Add(time.Hour)}
	if m := e.Message(); len(m) == 0 {
		t.Error("empty message")
	}
	if !IsKind(e, KindRateLimited) || IsKind(e, KindRejected) {
		t.Error("IsKind mismatch")
	}
}
