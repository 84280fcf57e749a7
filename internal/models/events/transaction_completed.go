package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionCompleted is published after a ledger entry commits.
type TransactionCompleted struct {
	TransactionID string          `json:"transaction_id"`
	Kind          string          `json:"kind"`
	FromAccount   string          `json:"from_account,omitempty"`
	ToAccount     string          `json:"to_account"`
	AmountMinor   int64           `json:"amount_minor"`
	Amount        decimal.Decimal `json:"amount"`
	Memo          string          `json:"memo,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
