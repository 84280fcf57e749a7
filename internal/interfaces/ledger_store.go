package interfaces

import (
	"context"
	"iter"

	"github.com/Komala-2k/Payment-wallet-week2/internal/models"
)

type AccountReader interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
}

// AccountStore is the account side of an atomic scope. ApplyDelta is the
// only way a balance ever changes.
type AccountStore interface {
	AccountReader
	ApplyDelta(ctx context.Context, id string, delta int64, pre models.Precondition) (models.Account, error)
}

// LedgerReader returns an account's entries newest first. The sequence is
// lazy and can be ranged over again to re-run the query.
type LedgerReader interface {
	QueryByAccount(ctx context.Context, accountID string, q models.HistoryQuery) iter.Seq2[models.LedgerEntry, error]
}

type LedgerAppender interface {
	Append(ctx context.Context, entry models.LedgerEntry) (string, error)
	FindByIdempotencyKey(ctx context.Context, initiator, key string) (models.LedgerEntry, error)
}

// Tx is what an atomic scope sees of both stores. Nothing written through
// a Tx is visible to anyone else until the scope commits.
type Tx interface {
	AccountStore
	LedgerAppender
}

// UnitOfWork runs fn in an atomic scope covering accountIDs. If fn returns
// an error, or the context ends, every write made through tx is discarded.
type UnitOfWork interface {
	Atomically(ctx context.Context, accountIDs []string, fn func(ctx context.Context, tx Tx) error) error
}

// AccountRegistry creates accounts and resolves payment aliases.
type AccountRegistry interface {
	CreateAccount(ctx context.Context, account models.Account) error
	ResolveAlias(ctx context.Context, alias string) (models.Account, error)
}

// Backend is a complete storage engine for the wallet.
type Backend interface {
	UnitOfWork
	AccountReader
	LedgerReader
	AccountRegistry
	Close() error
}
