// Package admission gates protected routes behind an x402 payment and a
// per-identity rate limit.
//
// Per request the controller either issues a challenge (no payment header),
// rejects the payment, or admits the request to the handler. It never
// retries; the second leg of the handshake is a fresh request from the
// caller.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/auth"
	"github.com/chronicle-labs/chronicle/internal/clock"
	"github.com/chronicle-labs/chronicle/internal/facilitator"
	"github.com/chronicle-labs/chronicle/internal/metrics"
	"github.com/chronicle-labs/chronicle/internal/pricing"
	"github.com/chronicle-labs/chronicle/internal/ratelimit"
	"github.com/chronicle-labs/chronicle/internal/x402"
)

// Gin context keys set on admitted requests.
const (
	ContextPayer       = "payment_payer"
	ContextPriceUSD    = "payment_price_usd"
	ContextTransaction = "payment_transaction"
)

// Error codes written in {"error": CODE, "message": ...} bodies.
const (
	CodePaymentRequired        = "PAYMENT_REQUIRED"
	CodeInvalidPayment         = "INVALID_PAYMENT"
	CodePaymentExpired         = "PAYMENT_EXPIRED"
	CodePaymentRejected        = "PAYMENT_REJECTED"
	CodeFacilitatorUnavailable = "FACILITATOR_UNAVAILABLE"
	CodeRateLimited            = "RATE_LIMITED"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeInternal               = "INTERNAL_ERROR"
)

// Policy fixes the order of settlement and rate limiting.
type Policy string

const (
	// PolicySettleThenLimit settles first; a caller over quota has paid and
	// the charge is handed to the UnservedRecorder.
	PolicySettleThenLimit Policy = "settle-then-limit"
	// PolicyLimitThenSettle consumes quota first; a payment that then fails
	// still spends the slot, but nobody is charged without service.
	PolicyLimitThenSettle Policy = "limit-then-settle"
)

func (p Policy) Valid() bool {
	return p == PolicySettleThenLimit || p == PolicyLimitThenSettle
}

// Facilitator verifies and settles a payment.
type Facilitator interface {
	Verify(ctx context.Context, req facilitator.Request) (facilitator.Verdict, error)
}

// UnservedRecorder is told about charges that settled but were refused
// service.
type UnservedRecorder interface {
	RecordUnserved(ctx context.Context, identity, resource string, priceUSD float64, transaction string) error
}

type Config struct {
	Network            string
	PayTo              string
	Asset              string
	AssetName          string
	AssetVersion       string
	Decimals           int
	MaxTimeout         time.Duration
	FacilitatorTimeout time.Duration
	Policy             Policy
	Clock              clock.Clock
	Metrics            *metrics.Metrics
}

// Route describes one protected endpoint.
type Route struct {
	Resource    string // defaults to the request path
	Description string
	MimeType    string
	Class       ratelimit.Class
	// Quote prices the request in USD. It may read the body, but must leave
	// it readable for the handler.
	Quote func(c *gin.Context) (float64, error)
}

// FixedPrice is a Quote for flat-priced routes.
func FixedPrice(usd float64) func(*gin.Context) (float64, error) {
	return func(*gin.Context) (float64, error) { return usd, nil }
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg      Config
	fac      Facilitator
	limiter  ratelimit.Limiter
	unserved UnservedRecorder
	log      *zap.Logger
}

func NewController(cfg Config, fac Facilitator, limiter ratelimit.Limiter, unserved UnservedRecorder, log *zap.Logger) (*Controller, error) {
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, fmt.Errorf("admission: payTo %q is not an address", cfg.PayTo)
	}
	if !common.IsHexAddress(cfg.Asset) {
		return nil, fmt.Errorf("admission: asset %q is not an address", cfg.Asset)
	}
	if cfg.Network == "" {
		return nil, errors.New("admission: network is required")
	}
	if cfg.Decimals < 2 {
		return nil, fmt.Errorf("admission: asset decimals %d too small", cfg.Decimals)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicySettleThenLimit
	}
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("admission: unknown policy %q", cfg.Policy)
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = x402.ValidityWindow * time.Second
	}
	if cfg.FacilitatorTimeout <= 0 {
		cfg.FacilitatorTimeout = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.AssetName == "" {
		cfg.AssetName = x402.DefaultAssetName
	}
	if cfg.AssetVersion == "" {
		cfg.AssetVersion = x402.DefaultAssetVersion
	}
	return &Controller{cfg: cfg, fac: fac, limiter: limiter, unserved: unserved, log: log}, nil
}

// Requirements is the payment option the server accepts for a price.
func (ctl *Controller) Requirements(rt Route, resource string, priceUSD float64) (x402.PaymentRequirements, error) {
	amount, err := pricing.AtomicAmount(priceUSD, ctl.cfg.Decimals)
	if err != nil {
		return x402.PaymentRequirements{}, err
	}
	desc := rt.Description
	if desc == "" {
		desc = resource
	}
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           ctl.cfg.Network,
		Amount:            amount,
		Asset:             ctl.cfg.Asset,
		PayTo:             ctl.cfg.PayTo,
		MaxTimeoutSeconds: int64(ctl.cfg.MaxTimeout / time.Second),
		Description:       desc,
		MimeType:          rt.MimeType,
		Extra:             &x402.AssetInfo{Name: ctl.cfg.AssetName, Version: ctl.cfg.AssetVersion},
	}, nil
}

// Require returns middleware admitting only paid requests within quota.
// The identity middleware must run first.
func (ctl *Controller) Require(rt Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := rt.Resource
		if resource == "" {
			resource = c.Request.URL.Path
		}
		identity := c.GetString(auth.ContextWallet)
		log := ctl.log.With(
			zap.String("identity", identity),
			zap.String("resource", resource),
			zap.String("class", string(rt.Class)),
		)

		class := string(rt.Class)
		m := ctl.cfg.Metrics

		price, err := rt.Quote(c)
		if err != nil {
			m.Decision(class, "invalid_request")
			abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		req, err := ctl.Requirements(rt, resource, price)
		if err != nil {
			log.Error("build requirements", zap.Float64("price_usd", price), zap.Error(err))
			m.Decision(class, "internal_error")
			abort(c, http.StatusInternalServerError, CodeInternal, "could not price request")
			return
		}
		challenge := x402.PaymentRequired{
			X402Version: x402.Version,
			Resource:    &x402.Resource{URL: resource, Description: req.Description, MimeType: rt.MimeType},
			Accepts:     []x402.PaymentRequirements{req},
		}

		header := c.GetHeader(x402.HeaderPaymentSignature)
		if header == "" {
			challenge.Error = "payment required"
			ctl.writeChallenge(c, challenge, price, CodePaymentRequired,
				fmt.Sprintf("payment of %s required", pricing.FormatUSD(price)))
			log.Info("challenge issued", zap.String("outcome", "challenge"), zap.String("amount", req.Amount))
			m.Decision(class, "challenge")
			return
		}

		payment, err := x402.DecodePaymentHeader(header)
		if err != nil {
			log.Warn("payment header rejected", zap.String("outcome", "invalid_payment"), zap.Error(err))
			m.Decision(class, "invalid_payment")
			abort(c, http.StatusBadRequest, CodeInvalidPayment, err.Error())
			return
		}
		if reason := mismatch(payment.Accepted, req); reason != "" {
			log.Warn("payment does not match requirements", zap.String("outcome", "rejected"), zap.String("reason", reason))
			m.Decision(class, "rejected")
			challenge.Error = reason
			ctl.writeChallenge(c, challenge, price, CodePaymentRejected, reason)
			return
		}
		// Quota follows the wallet that signs the payment, not the bearer
		// identity, which is unauthenticated unless signatures are verified.
		signer := payerKey(payment.Payload.Authorization.From)

		if ctl.cfg.Policy == PolicyLimitThenSettle {
			if !ctl.consume(c, log, signer, rt.Class, resource, price, "") {
				return
			}
		}

		verdict := ctl.verify(c.Request.Context(), payment, req)
		switch verdict.Outcome {
		case facilitator.OutcomeVerified:
		case facilitator.OutcomeExpired:
			log.Warn("payment expired", zap.String("outcome", "expired"), zap.String("reason", verdict.Reason))
			m.Decision(class, "expired")
			challenge.Error = verdict.Reason
			ctl.writeChallenge(c, challenge, price, CodePaymentExpired, reasonOr(verdict.Reason, "payment authorization expired"))
			return
		case facilitator.OutcomeInvalidSignature, facilitator.OutcomeInsufficientValue:
			log.Warn("payment rejected", zap.String("outcome", "rejected"),
				zap.String("verdict", string(verdict.Outcome)), zap.String("reason", verdict.Reason))
			m.Decision(class, "rejected")
			challenge.Error = verdict.Reason
			ctl.writeChallenge(c, challenge, price, CodePaymentRejected, reasonOr(verdict.Reason, "payment rejected"))
			return
		default:
			log.Warn("facilitator unavailable", zap.String("outcome", "unavailable"), zap.String("reason", verdict.Reason))
			m.Decision(class, "unavailable")
			abort(c, http.StatusBadGateway, CodeFacilitatorUnavailable, "payment facilitator unavailable, try again later")
			return
		}

		payer := signer
		if verdict.Payer != "" {
			payer = payerKey(verdict.Payer)
		}
		if ctl.cfg.Policy == PolicySettleThenLimit {
			if !ctl.consume(c, log, payer, rt.Class, resource, price, verdict.Transaction) {
				return
			}
		}
		if receipt, err := x402.EncodeSettlement(x402.SettlementResponse{
			Success:     true,
			Transaction: verdict.Transaction,
			Network:     req.Network,
			Payer:       payer,
		}); err == nil {
			c.Header(x402.HeaderPaymentResponse, receipt)
		}
		c.Set(ContextPayer, payer)
		c.Set(ContextPriceUSD, price)
		c.Set(ContextTransaction, verdict.Transaction)
		log.Info("admitted", zap.String("outcome", "admitted"),
			zap.String("payer", payer), zap.Float64("price_usd", price), zap.String("transaction", verdict.Transaction))
		m.Decision(class, "admitted")
		m.Admitted(class, price)
		c.Next()
	}
}

// verify bounds the facilitator call; an error or timeout is UNAVAILABLE.
func (ctl *Controller) verify(ctx context.Context, payment *x402.PaymentPayload, req x402.PaymentRequirements) facilitator.Verdict {
	ctx, cancel := context.WithTimeout(ctx, ctl.cfg.FacilitatorTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := ctl.fac.Verify(ctx, facilitator.Request{Payment: payment, Requirements: req})
	switch {
	case err != nil:
		verdict = facilitator.Verdict{Outcome: facilitator.OutcomeUnavailable, Reason: err.Error()}
	case ctx.Err() != nil:
		verdict = facilitator.Verdict{Outcome: facilitator.OutcomeUnavailable, Reason: ctx.Err().Error()}
	}
	ctl.cfg.Metrics.Facilitator(string(verdict.Outcome), time.Since(start))
	return verdict
}

// consume spends one slot of quota, writing the 429 itself when denied. A
// non-empty transaction means the caller has already paid.
func (ctl *Controller) consume(c *gin.Context, log *zap.Logger, identity string, class ratelimit.Class, resource string, price float64, transaction string) bool {
	d, err := ctl.limiter.CheckAndConsume(c.Request.Context(), identity, class)
	if err != nil {
		log.Error("rate limiter", zap.Error(err))
		ctl.cfg.Metrics.Decision(string(class), "internal_error")
		ctl.recordUnserved(c.Request.Context(), log, identity, resource, price, transaction)
		abort(c, http.StatusInternalServerError, CodeInternal, "rate limiter unavailable")
		return false
	}
	if d.Allowed {
		return true
	}

	log.Warn("rate limited", zap.String("outcome", "rate_limited"),
		zap.Int("count", d.Count), zap.Int("quota", d.Quota), zap.Time("reset_at", d.ResetAt))
	ctl.cfg.Metrics.Decision(string(class), "rate_limited")
	ctl.recordUnserved(c.Request.Context(), log, identity, resource, price, transaction)

	retry := int(math.Ceil(d.ResetAt.Sub(ctl.cfg.Clock.Now()).Seconds()))
	if retry < 1 {
		retry = 1
	}
	c.Header("Retry-After", strconv.Itoa(retry))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":    CodeRateLimited,
		"message":  fmt.Sprintf("rate limit of %d per window reached, resets at %s", d.Quota, d.ResetAt.UTC().Format(time.RFC3339)),
		"reset_at": d.ResetAt.UTC().Format(time.RFC3339),
	})
	return false
}

func (ctl *Controller) recordUnserved(ctx context.Context, log *zap.Logger, identity, resource string, price float64, transaction string) {
	if transaction == "" && ctl.cfg.Policy == PolicyLimitThenSettle {
		return
	}
	log.Warn("charge settled without service", zap.Float64("price_usd", price), zap.String("transaction", transaction))
	if ctl.unserved == nil {
		return
	}
	if err := ctl.unserved.RecordUnserved(ctx, identity, resource, price, transaction); err != nil {
		log.Error("record unserved charge", zap.Error(err))
	}
}

func (ctl *Controller) writeChallenge(c *gin.Context, ch x402.PaymentRequired, price float64, code, message string) {
	enc, err := x402.EncodeChallenge(ch)
	if err != nil {
		abort(c, http.StatusInternalServerError, CodeInternal, "could not encode challenge")
		return
	}
	c.Header(x402.HeaderPaymentRequired, enc)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":    code,
		"message":  message,
		"priceUsd": price,
	})
}

// mismatch compares what the caller signed for with what the server asks.
func mismatch(accepted, want x402.PaymentRequirements) string {
	switch {
	case accepted.Scheme != want.Scheme:
		return "scheme mismatch"
	case accepted.Network != want.Network:
		return "network mismatch"
	case !strings.EqualFold(accepted.PayTo, want.PayTo):
		return "payTo mismatch"
	case !strings.EqualFold(accepted.Asset, want.Asset):
		return "asset mismatch"
	case accepted.Amount != want.Amount:
		return fmt.Sprintf("amount mismatch: signed %s, required %s", accepted.Amount, want.Amount)
	}
	return ""
}

// payerKey canonicalises an address so that case variants share a quota.
func payerKey(addr string) string {
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return strings.ToLower(addr)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
