package db

import (
	"context"
	"database/sql"
	"fmt"
)

// UserQueries provides user-isolated read queries for the API layer.
type UserQueries struct {
	db *sql.DB
}

// Queries returns the user-isolated query helper.
func (d *Database) Queries() *UserQueries {
	return &UserQueries{db: d.DB}
}

// GetTradesByUser returns trades for a specific user, newest first.
func (q *UserQueries) GetTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

// GetWithdrawRequestsByUser returns withdrawal requests for a specific user.
func (q *UserQueries) GetWithdrawRequestsByUser(ctx context.Context, userID string, limit int) ([]WithdrawRequest, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+withdrawColumns+`
		FROM withdraw_requests
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query withdraw requests: %w", err)
	}
	defer rows.Close()

	return collectWithdrawRequests(rows)
}

// GetDepositsByUser returns deposits for a specific user.
func (q *UserQueries) GetDepositsByUser(ctx context.Context, userID string, limit int) ([]Deposit, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	return collectDeposits(rows)
}

// ----------------------------------------
// Admin-wide listings
// ----------------------------------------

// ListUsers returns all users, newest first.
func (d *Database) ListUsers(ctx context.Context, limit int) ([]User, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.WalletAddress, &u.Balance, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListTrades returns trades across all users, optionally filtered by status.
func (d *Database) ListTrades(ctx context.Context, status string, limit int) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

// ListWithdrawRequests returns withdrawal requests across all users.
func (d *Database) ListWithdrawRequests(ctx context.Context, status string, limit int) ([]WithdrawRequest, error) {
	query := `SELECT ` + withdrawColumns + ` FROM withdraw_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query withdraw requests: %w", err)
	}
	defer rows.Close()

	return collectWithdrawRequests(rows)
}

// ListDeposits returns deposits across all users.
func (d *Database) ListDeposits(ctx context.Context, limit int) ([]Deposit, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	return collectDeposits(rows)
}

// ListAuditEntries returns the newest audit entries.
func (d *Database) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, actor_user_id, action, entity, entity_id, COALESCE(metadata, ''), created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.Action, &e.Entity, &e.EntityID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func collectTrades(rows *sql.Rows) ([]Trade, error) {
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

func collectWithdrawRequests(rows *sql.Rows) ([]WithdrawRequest, error) {
	var reqs []WithdrawRequest
	for rows.Next() {
		w, err := scanWithdrawRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan withdraw request: %w", err)
		}
		reqs = append(reqs, *w)
	}
	return reqs, rows.Err()
}

func collectDeposits(rows *sql.Rows) ([]Deposit, error) {
	var deposits []Deposit
	for rows.Next() {
		d, err := scanDepositRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}
