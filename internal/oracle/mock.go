package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mock is an in-memory oracle for tests and local runs.
type Mock struct {
	mu     sync.RWMutex
	prices map[string]float64
	err    error
}

func NewMock() *Mock {
	return &Mock{prices: make(map[string]float64)}
}

// SetPrice sets the quoted price for a symbol.
func (m *Mock) SetPrice(symbol string, usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[strings.ToUpper(symbol)] = usd
}

// Fail makes every lookup return err until cleared with Fail(nil).
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Mock) quote(symbol string) (Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return Quote{}, m.err
	}
	usd, ok := m.prices[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return Quote{Symbol: strings.ToUpper(symbol), USD: usd, At: time.Now().UTC()}, nil
}

func (m *Mock) GetSpot(_ context.Context, symbol string) (Quote, error) {
	return m.quote(symbol)
}

func (m *Mock) GetHistorical(_ context.Context, symbol string, at time.Time) (Quote, error) {
	q, err := m.quote(symbol)
	if err != nil {
		return Quote{}, err
	}
	q.At = at
	return q, nil
}
