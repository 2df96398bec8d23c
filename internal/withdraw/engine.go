// Package withdraw implements the withdrawal-request lifecycle. Funds are
// reserved by debiting the balance at request time; a rejection refunds the
// exact reserved amount, an approval changes nothing further because the
// funds already left the ledger.
package withdraw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-core/internal/ledger"
	"ledger-core/pkg/db"
)

const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// Engine coordinates withdrawal operations against the ledger store.
type Engine struct {
	DB     *db.Database
	Ledger *ledger.Ledger
}

func NewEngine(database *db.Database, ldg *ledger.Ledger) *Engine {
	return &Engine{DB: database, Ledger: ldg}
}

// Create reserves amount by debiting it immediately and records a PENDING
// request in the same transaction.
func (e *Engine) Create(ctx context.Context, userID string, amount decimal.Decimal, toAddress string) (*db.WithdrawRequest, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be greater than 0: %w", ledger.ErrValidation)
	}
	if len(toAddress) < 4 {
		return nil, fmt.Errorf("destination address is required: %w", ledger.ErrValidation)
	}

	req := db.WithdrawRequest{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		ToAddress: toAddress,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	err := e.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Ledger.DebitTx(ctx, tx, userID, amount); err != nil {
			return err
		}
		return db.CreateWithdrawRequest(ctx, tx, req)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[WITHDRAW] created id=%s user=%s amount=%s", req.ID, userID, amount)
	return &req, nil
}

// Decide applies an admin APPROVED/REJECTED decision exactly once. REJECTED
// refunds the reservation; APPROVED records the external payout details only.
func (e *Engine) Decide(ctx context.Context, requestID, decision, actorID, notes, txHash string) (*db.WithdrawRequest, error) {
	if decision != StatusApproved && decision != StatusRejected {
		return nil, fmt.Errorf("decision must be APPROVED or REJECTED: %w", ledger.ErrValidation)
	}

	var decided *db.WithdrawRequest
	err := e.DB.WithTx(ctx, func(tx *sql.Tx) error {
		req, err := db.GetWithdrawRequestByID(ctx, tx, requestID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("withdraw request %s: %w", requestID, ledger.ErrNotFound)
			}
			return err
		}
		if req.Status != StatusPending {
			return fmt.Errorf("withdraw request %s is %s: %w", requestID, req.Status, ledger.ErrAlreadyProcessed)
		}

		resolvedAt := time.Now().UTC()
		ok, err := db.DecideWithdrawRequest(ctx, tx, requestID, decision, notes, txHash, resolvedAt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("withdraw request %s: %w", requestID, ledger.ErrAlreadyProcessed)
		}

		if decision == StatusRejected {
			if err := e.Ledger.CreditTx(ctx, tx, req.UserID, req.Amount); err != nil {
				return err
			}
		}

		if err := e.Ledger.AuditTx(ctx, tx, actorID, "WITHDRAW_"+decision, "WithdrawRequest", requestID, map[string]any{
			"amount":      req.Amount.String(),
			"to_address":  req.ToAddress,
			"tx_hash":     txHash,
			"admin_notes": notes,
		}); err != nil {
			return err
		}

		req.Status = decision
		req.ResolvedAt = sql.NullTime{Time: resolvedAt, Valid: true}
		if notes != "" {
			req.AdminNotes = sql.NullString{String: notes, Valid: true}
		}
		if txHash != "" {
			req.TxHash = sql.NullString{String: txHash, Valid: true}
		}
		decided = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[WITHDRAW] decided id=%s decision=%s by=%s", requestID, decision, actorID)
	return decided, nil
}
