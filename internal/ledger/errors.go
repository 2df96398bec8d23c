package ledger

import "errors"

// Error kinds surfaced by the ledger engines. The API layer maps these to
// HTTP statuses with errors.Is; engines wrap them with context via fmt.Errorf.
var (
	ErrValidation        = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("record not found")
	ErrAlreadyResolved   = errors.New("trade already resolved")
	ErrAlreadyProcessed  = errors.New("withdraw request already processed")
	ErrSignatureInvalid  = errors.New("invalid webhook signature")
	ErrUpstream          = errors.New("price oracle unavailable")
)
