package ledger

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	interfaces "github.com/Komala-2k/Payment-wallet-week2/internal/interfaces"
	"github.com/Komala-2k/Payment-wallet-week2/internal/logger"
	"github.com/Komala-2k/Payment-wallet-week2/internal/models"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage"
)

// Direction says whether an entry added to or took from an account.
type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

// HistoryItem is a ledger entry seen from one account.
type HistoryItem struct {
	models.LedgerEntry
	Direction    Direction `json:"direction"`
	Counterparty *Party    `json:"counterparty,omitempty"`
}

// Reconciliation compares a stored balance with the sum of the ledger.
type Reconciliation struct {
	AccountID     string `json:"accountId"`
	StoredBalance int64  `json:"storedBalance"`
	LedgerBalance int64  `json:"ledgerBalance"`
	Drift         int64  `json:"drift"` // stored minus ledger
	Entries       int    `json:"entries"`
}

// Balanced reports whether the ledger explains the stored balance.
func (r Reconciliation) Balanced() bool { return r.Drift == 0 }

const reconcileAttempts = 3

// Query is the read-only side of the wallet. It never opens an atomic
// scope and sees only committed state.
type Query struct {
	accounts     interfaces.AccountReader
	ledger       interfaces.LedgerReader
	historyLimit int
	log          *logger.Logger
	tracer       trace.Tracer
}

func NewQuery(backend interfaces.Backend, historyLimit int, log *logger.Logger) *Query {
	if log == nil {
		log = logger.NewNop()
	}
	return &Query{
		accounts:     backend,
		ledger:       backend,
		historyLimit: storage.PageSize(historyLimit),
		log:          log.With("service", "Query"),
		tracer:       otel.Tracer("github.com/Komala-2k/Payment-wallet-week2/internal/ledger"),
	}
}

func (q *Query) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	account, err := q.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return models.Account{}, classify(notFoundAs(err, ErrAccountNotFound))
	}
	return account, nil
}

func (q *Query) GetBalance(ctx context.Context, accountID string) (int64, error) {
	account, err := q.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// GetHistory returns up to limit entries touching accountID, newest first.
// A non-empty before continues from an earlier page. Counterparty names
// are looked up now, not copied from the time of the transfer.
func (q *Query) GetHistory(ctx context.Context, accountID string, limit int, before string) ([]HistoryItem, error) {
	ctx, span := q.tracer.Start(ctx, "query.GetHistory", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	if _, err := q.GetAccount(ctx, accountID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if limit <= 0 || limit > q.historyLimit {
		limit = q.historyLimit
	}

	parties := make(map[string]*Party)
	items := make([]HistoryItem, 0, limit)
	for entry, err := range q.ledger.QueryByAccount(ctx, accountID, models.HistoryQuery{Limit: limit, Before: before}) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, classify(err)
		}

		item := HistoryItem{LedgerEntry: entry, Direction: Credit}
		other := entry.SourceAccount
		if entry.SourceAccount == accountID {
			item.Direction = Debit
			other = entry.DestAccount
		}
		if other != "" {
			party, err := q.party(ctx, parties, other)
			if err != nil {
				return nil, classify(err)
			}
			item.Counterparty = party
		}
		items = append(items, item)
	}

	span.SetAttributes(attribute.Int("items", len(items)))
	return items, nil
}

// party resolves an account's display identity once per call.
func (q *Query) party(ctx context.Context, cache map[string]*Party, accountID string) (*Party, error) {
	if p, ok := cache[accountID]; ok {
		return p, nil
	}
	account, err := q.accounts.GetAccount(ctx, accountID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		q.log.Warn("Counterparty missing from account store", "accountID", accountID)
		cache[accountID] = nil
		return nil, nil
	case err != nil:
		return nil, err
	}
	p := &Party{AccountID: account.ID, Name: account.Name, Alias: account.Alias}
	cache[accountID] = p
	return p, nil
}

// Reconcile recomputes an account's balance from every entry that touches
// it. The ledger is paged without a lock, so the walk is repeated if the
// account changed underneath it.
func (q *Query) Reconcile(ctx context.Context, accountID string) (Reconciliation, error) {
	ctx, span := q.tracer.Start(ctx, "query.Reconcile", trace.WithAttributes(
		attribute.String("account.id", accountID),
	))
	defer span.End()

	for attempt := 1; ; attempt++ {
		start, err := q.GetAccount(ctx, accountID)
		if err != nil {
			return Reconciliation{}, err
		}

		sum, n, err := q.sumLedger(ctx, accountID)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Reconciliation{}, classify(err)
		}

		end, err := q.GetAccount(ctx, accountID)
		if err != nil {
			return Reconciliation{}, err
		}
		if end.Version != start.Version && attempt < reconcileAttempts {
			continue
		}

		r := Reconciliation{
			AccountID:     accountID,
			StoredBalance: end.Balance,
			LedgerBalance: sum,
			Drift:         end.Balance - sum,
			Entries:       n,
		}
		if !r.Balanced() {
			q.log.Warn("Balance drift detected", "accountID", accountID, "stored", r.StoredBalance, "ledger", r.LedgerBalance)
		}
		span.SetAttributes(attribute.Int64("drift", r.Drift))
		return r, nil
	}
}

func (q *Query) sumLedger(ctx context.Context, accountID string) (int64, int, error) {
	var (
		sum    int64
		n      int
		cursor string
	)
	for {
		page := 0
		for entry, err := range q.ledger.QueryByAccount(ctx, accountID, models.HistoryQuery{Limit: storage.MaxPageSize, Before: cursor}) {
			if err != nil {
				return 0, 0, err
			}
			sum += entry.Delta(accountID)
			cursor = entry.ID
			page++
		}
		n += page
		if page < storage.MaxPageSize {
			return sum, n, nil
		}
	}
}
