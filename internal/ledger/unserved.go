package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/clock"
)

// UnservedKey lists charges that settled but were refused service.
const UnservedKey = "ledger:unserved"

// Charge is one unserved payment, kept for refunds.
type Charge struct {
	Identity    string    `json:"identity"`
	Resource    string    `json:"resource"`
	PriceUSD    float64   `json:"price_usd"`
	Transaction string    `json:"transaction"`
	At          time.Time `json:"at"`
}

// Unserved appends to the unserved-charge log.
type Unserved struct {
	rdb *redis.Client
	clk clock.Clock
	log *zap.Logger
}

func NewUnserved(rdb *redis.Client, clk clock.Clock, log *zap.Logger) *Unserved {
	return &Unserved{rdb: rdb, clk: clk, log: log}
}

func (u *Unserved) RecordUnserved(ctx context.Context, identity, resource string, priceUSD float64, transaction string) error {
	ch := Charge{
		Identity:    identity,
		Resource:    resource,
		PriceUSD:    priceUSD,
		Transaction: transaction,
		At:          u.clk.Now().UTC(),
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	if err := u.rdb.RPush(ctx, UnservedKey, raw).Err(); err != nil {
		return fmt.Errorf("ledger: record unserved charge: %w", err)
	}
	u.log.Warn("unserved charge recorded",
		zap.String("identity", identity),
		zap.String("resource", resource),
		zap.Float64("price_usd", priceUSD),
		zap.String("transaction", transaction),
	)
	return nil
}

// Charges returns the oldest n unserved charges.
func (u *Unserved) Charges(ctx context.Context, n int64) ([]Charge, error) {
	raws, err := u.rdb.LRange(ctx, UnservedKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: read unserved charges: %w", err)
	}
	out := make([]Charge, 0, len(raws))
	for _, raw := range raws {
		var ch Charge
		if err := json.Unmarshal([]byte(raw), &ch); err != nil {
			return nil, fmt.Errorf("ledger: decode unserved charge: %w", err)
		}
		out = append(out, ch)
	}
	return out, nil
}
