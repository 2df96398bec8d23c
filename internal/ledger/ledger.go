// Package ledger holds the balance-mutation primitives shared by the trade,
// withdrawal and deposit engines. Every mutation re-reads the authoritative
// user row inside the surrounding transaction and pairs the balance write
// with an audit entry, so total ledger value only moves through explicit,
// audited operations.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"ledger-core/pkg/db"
)

// Balance adjustment modes for the admin override.
const (
	AdjustSet   = "set"
	AdjustDelta = "delta"
)

// Ledger provides transactional balance mutations over the store.
type Ledger struct {
	DB *db.Database
}

func New(database *db.Database) *Ledger {
	return &Ledger{DB: database}
}

// DebitTx subtracts amount from the user's balance using a fresh in-tx read.
// Fails with ErrInsufficientFunds when the current balance cannot cover it.
func (l *Ledger) DebitTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal) error {
	user, err := db.GetUserByID(ctx, tx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if user.Balance.LessThan(amount) {
		return fmt.Errorf("balance %s < %s: %w", user.Balance, amount, ErrInsufficientFunds)
	}
	return db.SetUserBalance(ctx, tx, userID, user.Balance.Sub(amount))
}

// CreditTx adds amount to the user's balance using a fresh in-tx read.
func (l *Ledger) CreditTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	user, err := db.GetUserByID(ctx, tx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return db.SetUserBalance(ctx, tx, userID, user.Balance.Add(amount))
}

// AuditTx appends an audit entry in the same transaction as the balance
// change it describes. actorID is empty for system-initiated actions.
func (l *Ledger) AuditTx(ctx context.Context, tx *sql.Tx, actorID, action, entity, entityID string, metadata map[string]any) error {
	payload := ""
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		payload = string(raw)
	}
	return db.AppendAudit(ctx, tx, db.AuditEntry{
		ActorUserID: sql.NullString{String: actorID, Valid: actorID != ""},
		Action:      action,
		Entity:      entity,
		EntityID:    entityID,
		Metadata:    payload,
		CreatedAt:   time.Now().UTC(),
	})
}

// AdjustBalance is the admin escape hatch outside the normal debit/credit
// pairing: "set" replaces the balance, "delta" increments it (possibly by a
// negative amount). The audit entry is the only domain record, so it carries
// both the before and after values.
func (l *Ledger) AdjustBalance(ctx context.Context, userID, mode string, amount decimal.Decimal, actorID string) (*db.User, error) {
	if mode != AdjustSet && mode != AdjustDelta {
		return nil, fmt.Errorf("mode must be %q or %q: %w", AdjustSet, AdjustDelta, ErrValidation)
	}

	var updated *db.User
	err := l.DB.WithTx(ctx, func(tx *sql.Tx) error {
		user, err := db.GetUserByID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}

		before := user.Balance
		next := amount
		if mode == AdjustDelta {
			next = before.Add(amount)
		}
		if err := db.SetUserBalance(ctx, tx, userID, next); err != nil {
			return err
		}
		if err := l.AuditTx(ctx, tx, actorID, "BALANCE_ADJUST", "User", userID, map[string]any{
			"mode":   mode,
			"amount": amount.String(),
			"before": before.String(),
			"after":  next.String(),
		}); err != nil {
			return err
		}

		user.Balance = next
		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[LEDGER] balance adjusted user=%s mode=%s amount=%s by=%s", userID, mode, amount, actorID)
	return updated, nil
}
