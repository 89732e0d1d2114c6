package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/clock"
	"github.com/chronicle-labs/chronicle/internal/x402"
)

const nonceKeyPrefix = "x402:nonce:"

// Local checks authorizations in-process without touching any chain. It is
// meant for development: nothing is settled, and the replay guard is only as
// global as the Redis it is given.
type Local struct {
	networks *x402.Networks
	rdb      *redis.Client // nil disables the replay guard
	clk      clock.Clock
	log      *zap.Logger
}

func NewLocal(networks *x402.Networks, rdb *redis.Client, clk clock.Clock, log *zap.Logger) *Local {
	return &Local{networks: networks, rdb: rdb, clk: clk, log: log}
}

func (l *Local) Verify(ctx context.Context, req Request) (Verdict, error) {
	p := req.Payment
	r := req.Requirements
	a := p.Payload.Authorization

	reject := func(reason string) (Verdict, error) {
		return Verdict{Outcome: OutcomeForReason(reason), Reason: reason, Payer: a.From}, nil
	}

	if p.Scheme != x402.SchemeExact || p.Accepted.Scheme != r.Scheme {
		return reject(ReasonInvalidScheme)
	}
	chainID, ok := l.networks.ChainID(r.Network)
	if !ok || p.Network != r.Network {
		return reject(ReasonInvalidNetwork)
	}

	validAfter, err1 := strconv.ParseInt(a.ValidAfter, 10, 64)
	validBefore, err2 := strconv.ParseInt(a.ValidBefore, 10, 64)
	if err1 != nil || err2 != nil || validAfter >= validBefore {
		return reject(ReasonTimeWindow)
	}
	now := l.clk.Now().Unix()
	if now < validAfter {
		return reject(ReasonValidAfter)
	}
	if now >= validBefore {
		return reject(ReasonValidBefore)
	}

	if !common.IsHexAddress(a.To) || common.HexToAddress(a.To) != common.HexToAddress(r.PayTo) {
		return reject(ReasonToAddressMismatch)
	}

	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok {
		return reject(ReasonValue)
	}
	required, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return reject(ReasonRequirementsMismatch)
	}
	if value.Cmp(required) < 0 {
		return reject(ReasonInsufficientFunds)
	}

	if _, err := x402.ParseNonce(a.Nonce); err != nil {
		return reject(ReasonNonceLength)
	}

	sig, err := x402.ParseSignature(p.Payload.Signature)
	if err != nil {
		return reject(ReasonSignature)
	}
	td, err := x402.TypedData(a, r, chainID)
	if err != nil {
		return reject(ReasonSignature)
	}
	signer, err := x402.RecoverSigner(td, sig)
	if err != nil {
		return reject(ReasonSignature)
	}
	if signer != common.HexToAddress(a.From) {
		return reject(ReasonSenderMismatch)
	}

	if l.rdb != nil {
		ttl := time.Duration(validBefore-now) * time.Second
		key := nonceKeyPrefix + strings.ToLower(signer.Hex()) + ":" + strings.ToLower(a.Nonce)
		fresh, err := l.rdb.SetNX(ctx, key, "1", ttl).Result()
		if err != nil {
			return unavailable(fmt.Errorf("nonce guard: %w", err)), fmt.Errorf("nonce guard: %w", err)
		}
		if !fresh {
			l.log.Warn("authorization nonce replayed",
				zap.String("payer", signer.Hex()), zap.String("nonce", a.Nonce))
			return reject(ReasonNonceAlreadyUsed)
		}
	}

	return Verdict{
		Outcome: OutcomeVerified,
		Payer:   signer.Hex(),
		Network: r.Network,
	}, nil
}
