// Package db provides the durable ledger store: users, trades, withdrawal
// requests, deposits and the append-only audit log, all over SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so reads and writes can run
// inside or outside an explicit transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// User represents an application user. Balance is the authoritative
// single-writer field; it is only ever mutated inside a ledger transaction.
type User struct {
	ID            string          `json:"id"`
	Email         string          `json:"email"`
	PasswordHash  string          `json:"-"`
	Role          string          `json:"role"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Trade represents a binary up/down trade. The stake is debited at creation
// and the row transitions exactly once from PENDING to a terminal status.
type Trade struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	Coin         string              `json:"coin"`
	Direction    string              `json:"direction"`
	Amount       decimal.Decimal     `json:"amount"`
	Timeframe    int                 `json:"timeframe"`
	ReturnPct    int                 `json:"return_pct"`
	PriceOpen    float64             `json:"price_open"`
	PriceOpenAt  time.Time           `json:"price_open_at"`
	PriceClose   sql.NullFloat64     `json:"-"`
	PriceCloseAt sql.NullTime        `json:"-"`
	Pnl          decimal.NullDecimal `json:"-"`
	Status       string              `json:"status"`
	AdminResult  sql.NullString      `json:"-"`
	ResolvedAt   sql.NullTime        `json:"-"`
	CreatedAt    time.Time           `json:"created_at"`
}

// WithdrawRequest reserves funds at creation and is decided exactly once.
type WithdrawRequest struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	ToAddress  string          `json:"to_address"`
	Status     string          `json:"status"`
	AdminNotes sql.NullString  `json:"-"`
	TxHash     sql.NullString  `json:"-"`
	ResolvedAt sql.NullTime    `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Deposit tracks an inbound payment. Only CONFIRMED deposits credit balance.
type Deposit struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Token           string          `json:"token"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionHash sql.NullString  `json:"-"`
	EventID         sql.NullString  `json:"-"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// AuditEntry is an immutable record of a balance-affecting decision.
type AuditEntry struct {
	ID          int64          `json:"id"`
	ActorUserID sql.NullString `json:"-"`
	Action      string         `json:"action"`
	Entity      string         `json:"entity"`
	EntityID    string         `json:"entity_id"`
	Metadata    string         `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ----------------------------------------
// User queries
// ----------------------------------------

const userColumns = `id, email, password_hash, role, COALESCE(wallet_address, ''), balance, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.WalletAddress, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a new user row.
func CreateUser(ctx context.Context, q DBTX, u User) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role, wallet_address, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, u.Role, u.WalletAddress, u.Balance, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUserByID returns the user or nil when absent.
func GetUserByID(ctx context.Context, q DBTX, id string) (*User, error) {
	return scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail returns the user or nil when absent.
func GetUserByEmail(ctx context.Context, q DBTX, email string) (*User, error) {
	return scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

// SetUserBalance overwrites the balance. Callers must hold a transaction and
// pair this with a domain record or an audit entry.
func SetUserBalance(ctx context.Context, q DBTX, userID string, balance decimal.Decimal) error {
	res, err := q.ExecContext(ctx, `
		UPDATE users SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, balance, userID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Trade queries
// ----------------------------------------

const tradeColumns = `id, user_id, coin, direction, amount, timeframe, return_pct,
	price_open, price_open_at, price_close, price_close_at, pnl, status, admin_result, resolved_at, created_at`

func scanTradeRow(scan func(dest ...any) error) (*Trade, error) {
	var t Trade
	err := scan(&t.ID, &t.UserID, &t.Coin, &t.Direction, &t.Amount, &t.Timeframe, &t.ReturnPct,
		&t.PriceOpen, &t.PriceOpenAt, &t.PriceClose, &t.PriceCloseAt, &t.Pnl, &t.Status, &t.AdminResult, &t.ResolvedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTrade inserts a new trade row.
func CreateTrade(ctx context.Context, q DBTX, t Trade) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO trades (id, user_id, coin, direction, amount, timeframe, return_pct,
			price_open, price_open_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Coin, t.Direction, t.Amount, t.Timeframe, t.ReturnPct,
		t.PriceOpen, t.PriceOpenAt, t.Status, t.CreatedAt)
	return err
}

// GetTradeByID returns the trade or ErrNotFound.
func GetTradeByID(ctx context.Context, q DBTX, id string) (*Trade, error) {
	t, err := scanTradeRow(q.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trade: %w", err)
	}
	return t, nil
}

// FinalizeTrade moves a PENDING trade to a terminal status. The status guard
// in the WHERE clause is the optimistic lock: zero rows affected means some
// other transaction already resolved this trade.
func FinalizeTrade(ctx context.Context, q DBTX, id, status string, priceClose float64, priceCloseAt time.Time, pnl decimal.Decimal, resolvedAt time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, price_close = ?, price_close_at = ?, pnl = ?, resolved_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, status, priceClose, priceCloseAt, pnl, resolvedAt, id)
	if err != nil {
		return false, fmt.Errorf("finalize trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTradeAdminResult schedules a deferred outcome on a PENDING trade.
func SetTradeAdminResult(ctx context.Context, q DBTX, id, result string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE trades SET admin_result = ? WHERE id = ? AND status = 'PENDING'
	`, result, id)
	if err != nil {
		return false, fmt.Errorf("schedule trade result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListScheduledPendingTrades returns PENDING trades carrying an admin result.
// Due filtering happens in the sweep, which owns the clock.
func ListScheduledPendingTrades(ctx context.Context, q DBTX) ([]Trade, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status = 'PENDING' AND admin_result IS NOT NULL
		ORDER BY price_open_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTradeRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// Withdrawal queries
// ----------------------------------------

const withdrawColumns = `id, user_id, amount, to_address, status, admin_notes, tx_hash, resolved_at, created_at`

func scanWithdrawRow(scan func(dest ...any) error) (*WithdrawRequest, error) {
	var w WithdrawRequest
	err := scan(&w.ID, &w.UserID, &w.Amount, &w.ToAddress, &w.Status, &w.AdminNotes, &w.TxHash, &w.ResolvedAt, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWithdrawRequest inserts a new withdrawal request row.
func CreateWithdrawRequest(ctx context.Context, q DBTX, w WithdrawRequest) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO withdraw_requests (id, user_id, amount, to_address, status, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)
	`, w.ID, w.UserID, w.Amount, w.ToAddress, w.Status, w.TxHash.String, w.CreatedAt)
	return err
}

// GetWithdrawRequestByID returns the request or ErrNotFound.
func GetWithdrawRequestByID(ctx context.Context, q DBTX, id string) (*WithdrawRequest, error) {
	w, err := scanWithdrawRow(q.QueryRowContext(ctx, `SELECT `+withdrawColumns+` FROM withdraw_requests WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query withdraw request: %w", err)
	}
	return w, nil
}

// DecideWithdrawRequest moves a PENDING request to a terminal status; the
// status guard makes the decision exactly-once.
func DecideWithdrawRequest(ctx context.Context, q DBTX, id, status, adminNotes, txHash string, resolvedAt time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE withdraw_requests
		SET status = ?, admin_notes = NULLIF(?, ''), tx_hash = COALESCE(NULLIF(?, ''), tx_hash), resolved_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, status, adminNotes, txHash, resolvedAt, id)
	if err != nil {
		return false, fmt.Errorf("decide withdraw request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ----------------------------------------
// Deposit queries
// ----------------------------------------

const depositColumns = `id, user_id, token, amount, transaction_hash, event_id, status, created_at`

func scanDepositRow(scan func(dest ...any) error) (*Deposit, error) {
	var d Deposit
	err := scan(&d.ID, &d.UserID, &d.Token, &d.Amount, &d.TransactionHash, &d.EventID, &d.Status, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDeposit inserts a new deposit row.
func CreateDeposit(ctx context.Context, q DBTX, d Deposit) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO deposits (id, user_id, token, amount, transaction_hash, event_id, status, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
	`, d.ID, d.UserID, d.Token, d.Amount, d.TransactionHash.String, d.EventID.String, d.Status, d.CreatedAt)
	return err
}

// GetDepositByEventID returns the deposit recorded for an external event id,
// or nil when the event has not been seen. Used for webhook de-duplication.
func GetDepositByEventID(ctx context.Context, q DBTX, eventID string) (*Deposit, error) {
	d, err := scanDepositRow(q.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM deposits WHERE event_id = ?`, eventID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query deposit by event: %w", err)
	}
	return d, nil
}

// ----------------------------------------
// Audit log
// ----------------------------------------

// AppendAudit writes an immutable audit entry. There is deliberately no
// update or delete counterpart.
func AppendAudit(ctx context.Context, q DBTX, e AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (actor_user_id, action, entity, entity_id, metadata, created_at)
		VALUES (NULLIF(?, ''), ?, ?, ?, ?, ?)
	`, e.ActorUserID.String, e.Action, e.Entity, e.EntityID, e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
