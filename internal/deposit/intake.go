// Package deposit implements deposit intake. User-submitted proofs are
// recorded uncredited; the signed payment webhook is the only path that
// credits balance, and it is idempotent against redelivery via the external
// event id.
package deposit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-core/internal/ledger"
	"ledger-core/pkg/db"
)

const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"

	eventChargeConfirmed = "charge:confirmed"
)

// Intake handles deposit recording and webhook confirmation.
type Intake struct {
	DB            *db.Database
	Ledger        *ledger.Ledger
	WebhookSecret string
}

func NewIntake(database *db.Database, ldg *ledger.Ledger, webhookSecret string) *Intake {
	return &Intake{DB: database, Ledger: ldg, WebhookSecret: webhookSecret}
}

// RecordProof stores a user-submitted deposit claim as PENDING. No balance
// effect; confirmation is a separate, verified step.
func (i *Intake) RecordProof(ctx context.Context, userID, token string, amount decimal.Decimal, txHash string) (*db.Deposit, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required: %w", ledger.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be greater than 0: %w", ledger.ErrValidation)
	}

	dep := db.Deposit{
		ID:              uuid.NewString(),
		UserID:          userID,
		Token:           strings.ToUpper(token),
		Amount:          amount,
		TransactionHash: sql.NullString{String: txHash, Valid: txHash != ""},
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := db.CreateDeposit(ctx, i.DB.DB, dep); err != nil {
		return nil, err
	}

	log.Printf("[DEPOSIT] proof recorded id=%s user=%s token=%s amount=%s", dep.ID, userID, dep.Token, amount)
	return &dep, nil
}

// webhookEvent is the subset of the payment provider payload we act on.
type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID       string `json:"id"`
		Metadata struct {
			UserID string `json:"userId"`
			Token  string `json:"token"`
			Amount string `json:"amount"`
		} `json:"metadata"`
		Payments []struct {
			TransactionID string `json:"transaction_id"`
		} `json:"payments"`
	} `json:"data"`
}

// VerifySignature checks the HMAC-SHA256 hex signature over the raw body
// using constant-time comparison.
func (i *Intake) VerifySignature(rawBody []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(i.WebhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ConfirmFromWebhook processes a signed provider notification. On a
// recognized charge-confirmed event it inserts a CONFIRMED deposit, credits
// the balance, and writes the audit entry in one transaction. Redelivery of
// an already-seen event id credits nothing and returns the original deposit.
// Unrecognized event types are acknowledged with no side effects (nil, nil).
func (i *Intake) ConfirmFromWebhook(ctx context.Context, rawBody []byte, signature string) (*db.Deposit, error) {
	if i.WebhookSecret == "" {
		return nil, fmt.Errorf("webhook secret not configured: %w", ledger.ErrSignatureInvalid)
	}
	if !i.VerifySignature(rawBody, signature) {
		return nil, ledger.ErrSignatureInvalid
	}

	var event webhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", ledger.ErrValidation)
	}
	if event.Type != eventChargeConfirmed {
		return nil, nil
	}

	meta := event.Data.Metadata
	amount, err := decimal.NewFromString(meta.Amount)
	if err != nil || !amount.IsPositive() || meta.UserID == "" {
		return nil, fmt.Errorf("webhook metadata missing userId or positive amount: %w", ledger.ErrValidation)
	}

	eventID := event.Data.ID
	if eventID == "" {
		eventID = event.ID
	}
	if eventID == "" {
		return nil, fmt.Errorf("webhook event id missing: %w", ledger.ErrValidation)
	}

	token := meta.Token
	if token == "" {
		token = "USDC"
	}
	txHash := ""
	if len(event.Data.Payments) > 0 {
		txHash = event.Data.Payments[0].TransactionID
	}

	var confirmed *db.Deposit
	var duplicate bool
	err = i.DB.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := db.GetDepositByEventID(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if existing != nil {
			confirmed = existing
			duplicate = true
			return nil
		}

		user, err := db.GetUserByID(ctx, tx, meta.UserID)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user %s: %w", meta.UserID, ledger.ErrNotFound)
		}

		dep := db.Deposit{
			ID:              uuid.NewString(),
			UserID:          meta.UserID,
			Token:           strings.ToUpper(token),
			Amount:          amount,
			TransactionHash: sql.NullString{String: txHash, Valid: txHash != ""},
			EventID:         sql.NullString{String: eventID, Valid: true},
			Status:          StatusConfirmed,
			CreatedAt:       time.Now().UTC(),
		}
		if err := db.CreateDeposit(ctx, tx, dep); err != nil {
			return err
		}
		if err := i.Ledger.CreditTx(ctx, tx, meta.UserID, amount); err != nil {
			return err
		}
		if err := i.Ledger.AuditTx(ctx, tx, "", "DEPOSIT_CONFIRMED", "Deposit", dep.ID, map[string]any{
			"token":    dep.Token,
			"amount":   amount.String(),
			"tx_hash":  txHash,
			"event_id": eventID,
		}); err != nil {
			return err
		}

		confirmed = &dep
		return nil
	})
	if err != nil {
		return nil, err
	}

	if duplicate {
		log.Printf("[WEBHOOK] duplicate delivery ignored event=%s deposit=%s", eventID, confirmed.ID)
	} else {
		log.Printf("[WEBHOOK] deposit confirmed id=%s user=%s amount=%s event=%s", confirmed.ID, meta.UserID, amount, eventID)
	}
	return confirmed, nil
}
