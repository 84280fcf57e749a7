package models

import "time"

// EntryKind is the kind of value movement an entry records.
type EntryKind string

const (
	KindDeposit  EntryKind = "DEPOSIT"
	KindTransfer EntryKind = "TRANSFER"
)

// EntryStatus is the settlement status of an entry. Only completed
// entries are ever persisted.
type EntryStatus string

const (
	StatusCompleted EntryStatus = "COMPLETED"
	StatusFailed    EntryStatus = "FAILED"
)

// LedgerEntry represents one immutable ledger record.
type LedgerEntry struct {
	ID             string      `json:"id"` // UUIDv7, ordered by creation
	Kind           EntryKind   `json:"kind"`
	SourceAccount  string      `json:"sourceAccount,omitempty"` // empty for deposits
	DestAccount    string      `json:"destAccount"`
	Amount         int64       `json:"amount"` // minor units, always > 0
	Memo           string      `json:"memo,omitempty"`
	Status         EntryStatus `json:"status"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"` // scoped to the initiator
	CreatedAt      time.Time   `json:"createdAt"`
}

// Initiator returns the account that requested the movement.
func (e LedgerEntry) Initiator() string {
	if e.Kind == KindDeposit {
		return e.DestAccount
	}
	return e.SourceAccount
}

// Touches reports whether the entry moved value into or out of accountID.
func (e LedgerEntry) Touches(accountID string) bool {
	return e.SourceAccount == accountID || e.DestAccount == accountID
}

// Delta returns the signed balance change the entry caused on accountID.
func (e LedgerEntry) Delta(accountID string) int64 {
	var d int64
	if e.DestAccount == accountID {
		d += e.Amount
	}
	if e.SourceAccount == accountID {
		d -= e.Amount
	}
	return d
}

// HistoryQuery bounds a QueryByAccount call.
type HistoryQuery struct {
	Limit  int    // page size
	Before string // entry id cursor; only older entries are returned
}
