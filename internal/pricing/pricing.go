// Package pricing is the single price formula shared by the server (which
// sets the amount of every payment challenge), the public price endpoint and
// the CLI estimate. Any component quoting a price must go through Engine so
// that the client preview and the signed amount never diverge.
package pricing

import (
	"fmt"
	"math"
	"math/big"
)

const bytesPerMiB = 1 << 20

// Engine holds the formula constants:
//
//	price = max(BasePriceUSD, sizeMiB * CostPerMiBUSD * MarkupMultiplier)
//
// rounded to the nearest cent.
type Engine struct {
	BasePriceUSD     float64
	CostPerMiBUSD    float64
	MarkupMultiplier float64
}

// Quote is a transient breakdown of a computed price. It is never persisted.
type Quote struct {
	SizeBytes        int64   `json:"sizeBytes"`
	BasePriceUSD     float64 `json:"basePriceUsd"`
	MarkupPercent    float64 `json:"markupPercent"`
	ComputedPriceUSD float64 `json:"computedPriceUsd"`
	Cents            int64   `json:"cents"`
}

// Default returns the production constants.
func Default() Engine {
	return Engine{
		BasePriceUSD:     0.01,
		CostPerMiBUSD:    0.01,
		MarkupMultiplier: 1.25,
	}
}

// Price returns the cent-rounded USD price for a payload of sizeBytes.
// Negative sizes are priced as empty payloads.
func (e Engine) Price(sizeBytes int64) float64 {
	return float64(e.cents(sizeBytes)) / 100
}

// Quote returns the full breakdown for sizeBytes.
func (e Engine) Quote(sizeBytes int64) Quote {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	cents := e.cents(sizeBytes)
	return Quote{
		SizeBytes:        sizeBytes,
		BasePriceUSD:     e.BasePriceUSD,
		MarkupPercent:    math.Round((e.MarkupMultiplier-1)*10000) / 100,
		ComputedPriceUSD: float64(cents) / 100,
		Cents:            cents,
	}
}

func (e Engine) cents(sizeBytes int64) int64 {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	sizeMiB := float64(sizeBytes) / bytesPerMiB
	usd := math.Max(e.BasePriceUSD, sizeMiB*e.CostPerMiBUSD*e.MarkupMultiplier)
	return int64(math.Round(usd * 100))
}

// Validate rejects constants that would make the formula meaningless.
func (e Engine) Validate() error {
	if e.BasePriceUSD <= 0 {
		return fmt.Errorf("pricing: base price must be positive, got %v", e.BasePriceUSD)
	}
	if e.CostPerMiBUSD < 0 {
		return fmt.Errorf("pricing: cost per MiB must be non-negative, got %v", e.CostPerMiBUSD)
	}
	if e.MarkupMultiplier < 1 {
		return fmt.Errorf("pricing: markup multiplier must be >= 1, got %v", e.MarkupMultiplier)
	}
	return nil
}

// AtomicAmount converts a USD price into the integer base units of a token
// with the given number of decimals. The price is first rounded to cents, so
// $0.01 with 6 decimals (USDC) is "10000".
func AtomicAmount(priceUSD float64, decimals int) (string, error) {
	if priceUSD < 0 {
		return "", fmt.Errorf("pricing: negative price %v", priceUSD)
	}
	if decimals < 2 {
		return "", fmt.Errorf("pricing: token decimals %d cannot represent cents", decimals)
	}
	cents := big.NewInt(int64(math.Round(priceUSD * 100)))
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
	return new(big.Int).Mul(cents, scale).String(), nil
}

// FormatUSD renders a price the way the frontend displays it.
func FormatUSD(priceUSD float64) string {
	return fmt.Sprintf("$%.2f USD", priceUSD)
}
