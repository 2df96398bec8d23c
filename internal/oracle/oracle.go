// Package oracle abstracts spot and historical price discovery. The ledger
// core treats prices as inputs; a failed lookup must abort the calling
// operation before any balance mutation.
package oracle

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrUnavailable   = errors.New("price upstream unavailable")
)

// Quote is a USD price observation for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	USD    float64   `json:"usd"`
	At     time.Time `json:"at"`
}

// PriceOracle returns spot and historical prices. Implementations must fail
// clearly rather than return a zero price.
type PriceOracle interface {
	GetSpot(ctx context.Context, symbol string) (Quote, error)
	GetHistorical(ctx context.Context, symbol string, at time.Time) (Quote, error)
}
