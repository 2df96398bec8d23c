// Package trade implements the trade lifecycle: open (debit stake, snapshot
// price) and the three resolution paths (admin decision, scheduled sweep,
// close at market). A trade transitions exactly once from PENDING to a
// terminal status; the status guard inside each transaction enforces it.
package trade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-core/internal/ledger"
	"ledger-core/internal/oracle"
	"ledger-core/pkg/db"
)

const (
	DirectionUp   = "UP"
	DirectionDown = "DOWN"

	StatusPending = "PENDING"
	StatusWon     = "WON"
	StatusLost    = "LOST"
	StatusClosed  = "CLOSED"

	// Timeframe bounds in seconds.
	MinTimeframe = 30
	MaxTimeframe = 3600
)

// Reference price modes for CloseAtMarket.
const (
	RefSpot     = "spot"
	RefOpenTime = "openTime"
)

// Engine coordinates trade operations against the ledger store.
type Engine struct {
	DB      *db.Database
	Ledger  *ledger.Ledger
	Oracle  oracle.PriceOracle
	Payouts PayoutTable
}

func NewEngine(database *db.Database, ldg *ledger.Ledger, pxOracle oracle.PriceOracle, payouts PayoutTable) *Engine {
	return &Engine{DB: database, Ledger: ldg, Oracle: pxOracle, Payouts: payouts}
}

// Open debits the stake and creates a PENDING trade with an open-price
// snapshot, all in one transaction. The oracle call happens before the
// transaction starts so no locks are held across the network.
func (e *Engine) Open(ctx context.Context, userID, coin, direction string, amount decimal.Decimal, timeframe int) (*db.Trade, error) {
	if coin == "" {
		return nil, fmt.Errorf("coin is required: %w", ledger.ErrValidation)
	}
	if direction != DirectionUp && direction != DirectionDown {
		return nil, fmt.Errorf("direction must be UP or DOWN: %w", ledger.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be greater than 0: %w", ledger.ErrValidation)
	}
	if timeframe < MinTimeframe || timeframe > MaxTimeframe {
		return nil, fmt.Errorf("timeframe must be between %d and %d seconds: %w", MinTimeframe, MaxTimeframe, ledger.ErrValidation)
	}

	spot, err := e.Oracle.GetSpot(ctx, coin)
	if err != nil {
		return nil, wrapOracleErr(err)
	}

	now := time.Now().UTC()
	trade := db.Trade{
		ID:          uuid.NewString(),
		UserID:      userID,
		Coin:        strings.ToUpper(coin),
		Direction:   direction,
		Amount:      amount,
		Timeframe:   timeframe,
		ReturnPct:   e.Payouts.ReturnPct(timeframe),
		PriceOpen:   spot.USD,
		PriceOpenAt: spot.At,
		Status:      StatusPending,
		CreatedAt:   now,
	}

	err = e.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Ledger.DebitTx(ctx, tx, userID, amount); err != nil {
			return err
		}
		return db.CreateTrade(ctx, tx, trade)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[TRADE] opened id=%s user=%s coin=%s dir=%s amount=%s tf=%ds pct=%d",
		trade.ID, userID, trade.Coin, direction, amount, timeframe, trade.ReturnPct)
	return &trade, nil
}

// Resolve applies an admin WON/LOST decision. The stake was debited at open,
// so a LOST resolution credits nothing; a WON resolution credits the stake
// plus the payout. priceClose falls back to the open price when not supplied.
func (e *Engine) Resolve(ctx context.Context, tradeID, result string, priceClose *float64, actorID string) (*db.Trade, error) {
	if result != StatusWon && result != StatusLost {
		return nil, fmt.Errorf("result must be WON or LOST: %w", ledger.ErrValidation)
	}

	var resolved *db.Trade
	err := e.DB.WithTx(ctx, func(tx *sql.Tx) error {
		trade, err := db.GetTradeByID(ctx, tx, tradeID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("trade %s: %w", tradeID, ledger.ErrNotFound)
			}
			return err
		}

		closePx := trade.PriceOpen
		if priceClose != nil {
			closePx = *priceClose
		}
		resolved, err = e.settleTx(ctx, tx, trade, result, closePx, time.Now().UTC(), actorID, "TRADE_RESOLVE")
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[TRADE] resolved id=%s result=%s pnl=%s by=%s", tradeID, result, resolved.Pnl.Decimal, actorID)
	return resolved, nil
}

// ScheduleResult stores a deferred WON/LOST outcome on a PENDING trade for
// the sweep to apply once the timeframe elapses. No balance change here.
func (e *Engine) ScheduleResult(ctx context.Context, tradeID, result, actorID string) (*db.Trade, error) {
	if result != StatusWon && result != StatusLost {
		return nil, fmt.Errorf("result must be WON or LOST: %w", ledger.ErrValidation)
	}

	var scheduled *db.Trade
	err := e.DB.WithTx(ctx, func(tx *sql.Tx) error {
		trade, err := db.GetTradeByID(ctx, tx, tradeID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("trade %s: %w", tradeID, ledger.ErrNotFound)
			}
			return err
		}
		if trade.Status != StatusPending {
			return fmt.Errorf("trade %s is %s: %w", tradeID, trade.Status, ledger.ErrAlreadyResolved)
		}

		ok, err := db.SetTradeAdminResult(ctx, tx, tradeID, result)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("trade %s: %w", tradeID, ledger.ErrAlreadyResolved)
		}
		if err := e.Ledger.AuditTx(ctx, tx, actorID, "TRADE_SCHEDULE", "Trade", tradeID, map[string]any{
			"result": result,
		}); err != nil {
			return err
		}

		trade.AdminResult = sql.NullString{String: result, Valid: true}
		scheduled = trade
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scheduled, nil
}

// SweepError records a single failed settlement inside a sweep.
type SweepError struct {
	TradeID string `json:"trade_id"`
	Error   string `json:"error"`
}

// SweepReport summarizes an AutoResolveDue pass.
type SweepReport struct {
	Resolved []string     `json:"resolved"`
	Errors   []SweepError `json:"errors"`
}

// AutoResolveDue settles every PENDING trade whose scheduled result has come
// due. Each trade is its own transaction boundary: one failure is recorded
// and the sweep moves on, leaving the failed trade PENDING for the next pass.
func (e *Engine) AutoResolveDue(ctx context.Context, now time.Time) (SweepReport, error) {
	report := SweepReport{Resolved: []string{}, Errors: []SweepError{}}

	candidates, err := db.ListScheduledPendingTrades(ctx, e.DB.DB)
	if err != nil {
		return report, err
	}

	for _, t := range candidates {
		expiresAt := t.PriceOpenAt.Add(time.Duration(t.Timeframe) * time.Second)
		if expiresAt.After(now) {
			continue
		}

		result := t.AdminResult.String
		if result != StatusWon && result != StatusLost {
			report.Errors = append(report.Errors, SweepError{
				TradeID: t.ID,
				Error:   fmt.Sprintf("invalid scheduled result: %q", result),
			})
			continue
		}

		tradeID := t.ID
		err := e.DB.WithTx(ctx, func(tx *sql.Tx) error {
			trade, err := db.GetTradeByID(ctx, tx, tradeID)
			if err != nil {
				return err
			}
			_, err = e.settleTx(ctx, tx, trade, result, trade.PriceOpen, now, "", "TRADE_RESOLVE")
			return err
		})
		if err != nil {
			report.Errors = append(report.Errors, SweepError{TradeID: tradeID, Error: err.Error()})
			continue
		}
		report.Resolved = append(report.Resolved, tradeID)
	}

	log.Printf("[SWEEP] auto-resolve resolved=%d errors=%d", len(report.Resolved), len(report.Errors))
	return report, nil
}

// CloseAtMarket settles a trade against actual market movement. The
// reference price is either the current spot or the historical price at the
// original open timestamp.
func (e *Engine) CloseAtMarket(ctx context.Context, tradeID, actorID, refMode string) (*db.Trade, error) {
	if refMode != RefSpot && refMode != RefOpenTime {
		return nil, fmt.Errorf("reference mode must be %q or %q: %w", RefSpot, RefOpenTime, ledger.ErrValidation)
	}

	// Pre-read for the oracle call; status is re-checked inside the
	// transaction so a concurrent resolution still loses exactly one race.
	trade, err := db.GetTradeByID(ctx, e.DB.DB, tradeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("trade %s: %w", tradeID, ledger.ErrNotFound)
		}
		return nil, err
	}
	if trade.Status != StatusPending {
		return nil, fmt.Errorf("trade %s is %s: %w", tradeID, trade.Status, ledger.ErrAlreadyResolved)
	}

	var quote oracle.Quote
	if refMode == RefOpenTime {
		quote, err = e.Oracle.GetHistorical(ctx, trade.Coin, trade.PriceOpenAt)
	} else {
		quote, err = e.Oracle.GetSpot(ctx, trade.Coin)
	}
	if err != nil {
		return nil, wrapOracleErr(err)
	}

	var closed *db.Trade
	err = e.DB.WithTx(ctx, func(tx *sql.Tx) error {
		fresh, err := db.GetTradeByID(ctx, tx, tradeID)
		if err != nil {
			return err
		}

		movedUp := quote.USD >= fresh.PriceOpen
		won := (fresh.Direction == DirectionUp) == movedUp
		result := StatusLost
		if won {
			result = StatusWon
		}
		closed, err = e.settleTx(ctx, tx, fresh, result, quote.USD, quote.At, actorID, "TRADE_CLOSE")
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[TRADE] closed at market id=%s ref=%s pnl=%s by=%s", tradeID, refMode, closed.Pnl.Decimal, actorID)
	return closed, nil
}

// settleTx is the single settlement formula for every resolution path:
// pnl = +stake*pct/100 on a win, -stake on a loss; the balance credit is
// stake+pnl, which nets to zero on a loss since the stake was debited at
// open. Terminal status is CLOSED for market closes, else the result itself.
func (e *Engine) settleTx(ctx context.Context, tx *sql.Tx, trade *db.Trade, result string, priceClose float64, closeAt time.Time, actorID, action string) (*db.Trade, error) {
	if trade.Status != StatusPending {
		return nil, fmt.Errorf("trade %s is %s: %w", trade.ID, trade.Status, ledger.ErrAlreadyResolved)
	}

	returnAmount := trade.Amount.Mul(decimal.NewFromInt(int64(trade.ReturnPct))).Div(decimal.NewFromInt(100))
	pnl := returnAmount
	credit := trade.Amount.Add(returnAmount)
	if result == StatusLost {
		pnl = trade.Amount.Neg()
		credit = decimal.Zero
	}

	status := result
	if action == "TRADE_CLOSE" {
		status = StatusClosed
	}

	resolvedAt := time.Now().UTC()
	ok, err := db.FinalizeTrade(ctx, tx, trade.ID, status, priceClose, closeAt, pnl, resolvedAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", trade.ID, ledger.ErrAlreadyResolved)
	}

	if err := e.Ledger.CreditTx(ctx, tx, trade.UserID, credit); err != nil {
		return nil, err
	}
	if err := e.Ledger.AuditTx(ctx, tx, actorID, action, "Trade", trade.ID, map[string]any{
		"coin":        trade.Coin,
		"direction":   trade.Direction,
		"result":      result,
		"price_open":  trade.PriceOpen,
		"price_close": priceClose,
		"pnl":         pnl.String(),
		"credit":      credit.String(),
	}); err != nil {
		return nil, err
	}

	settled := *trade
	settled.Status = status
	settled.PriceClose = sql.NullFloat64{Float64: priceClose, Valid: true}
	settled.PriceCloseAt = sql.NullTime{Time: closeAt, Valid: true}
	settled.Pnl = decimal.NullDecimal{Decimal: pnl, Valid: true}
	settled.ResolvedAt = sql.NullTime{Time: resolvedAt, Valid: true}
	return &settled, nil
}

func wrapOracleErr(err error) error {
	if errors.Is(err, oracle.ErrUnknownSymbol) {
		return fmt.Errorf("%v: %w", err, ledger.ErrValidation)
	}
	return fmt.Errorf("%v: %w", err, ledger.ErrUpstream)
}
