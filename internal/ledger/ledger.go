package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	interfaces "github.com/Komala-2k/Payment-wallet-week2/internal/interfaces"
	"github.com/Komala-2k/Payment-wallet-week2/internal/logger"
	"github.com/Komala-2k/Payment-wallet-week2/internal/models"
	"github.com/Komala-2k/Payment-wallet-week2/internal/models/events"
	"github.com/Komala-2k/Payment-wallet-week2/internal/money"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage"
)

const (
	depositMemo  = "Added money to wallet"
	transferMemo = "Money transfer"
)

// Config bounds what the engine accepts and how long it tries.
type Config struct {
	MinAmount          int64
	MaxMemoLength      int
	OperationTimeout   time.Duration
	MaxConflictRetries int
	RetryBaseDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinAmount:          1,
		MaxMemoLength:      200,
		OperationTimeout:   5 * time.Second,
		MaxConflictRetries: 5,
		RetryBaseDelay:     10 * time.Millisecond,
	}
}

// Party identifies the other side of a transfer for display.
type Party struct {
	AccountID string `json:"-"`
	Name      string `json:"name"`
	Alias     string `json:"upiId"`
}

// Result is what a committed (or replayed) operation returns.
type Result struct {
	Balance      int64
	Entry        models.LedgerEntry
	Counterparty *Party
	Replayed     bool // the idempotency key matched an earlier commit
}

// Ledger is the transfer engine. Every Deposit and Transfer runs as one
// atomic scope over the accounts it touches: either the balance changes
// and the ledger entry all commit, or none of them do.
type Ledger struct {
	uow       interfaces.UnitOfWork
	accounts  interfaces.AccountReader
	directory interfaces.AccountRegistry
	publisher interfaces.EventPublisher
	money     money.Converter
	cfg       Config
	log       *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Ledger)

func WithPublisher(p interfaces.EventPublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithLogger(log *logger.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func WithConverter(c money.Converter) Option {
	return func(l *Ledger) { l.money = c }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a transfer engine on top of a storage backend.
func NewLedger(backend interfaces.Backend, cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		uow:       backend,
		accounts:  backend,
		directory: backend,
		money:     money.Default(),
		cfg:       cfg,
		log:       logger.NewNop(),
		tracer:    otel.Tracer("github.com/Komala-2k/Payment-wallet-week2/internal/ledger"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("service", "Ledger")
	l.cfg = cfg.withDefaults()
	return l
}

// withDefaults fills every unset or unusable field from DefaultConfig, so
// a partial Config still gives a working engine.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinAmount < 1 {
		c.MinAmount = def.MinAmount
	}
	if c.MaxMemoLength <= 0 {
		c.MaxMemoLength = def.MaxMemoLength
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = def.OperationTimeout
	}
	if c.MaxConflictRetries < 0 {
		c.MaxConflictRetries = def.MaxConflictRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	return c
}

// Deposit credits outside funds to an account.
func (l *Ledger) Deposit(ctx context.Context, req models.DepositRequest) (Result, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Deposit", trace.WithAttributes(
		attribute.String("account.id", req.AccountID),
		attribute.Int64("amount", req.Amount),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.OperationTimeout)
	defer cancel()

	// Basic validation: nothing is read or locked for a bad request
	if err := l.checkAmount(req.Amount); err != nil {
		return Result{}, l.abort(span, "deposit", phaseValidating, err)
	}
	if req.AccountID == "" {
		return Result{}, l.abort(span, "deposit", phaseValidating, ErrAccountNotFound)
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	var res Result
	err := l.withRetry(ctx, func() error {
		return l.uow.Atomically(ctx, []string{req.AccountID}, func(ctx context.Context, tx interfaces.Tx) error {
			// Read the account as it is now that it is locked
			account, err := tx.GetAccount(ctx, req.AccountID)
			if err != nil {
				return notFoundAs(err, ErrAccountNotFound)
			}

			// Idempotency check: a key seen before returns the earlier entry
			if key != "" {
				prior, found, err := l.replay(ctx, tx, req.AccountID, key)
				if err != nil {
					return err
				}
				if found {
					if prior.Kind != models.KindDeposit || prior.Amount != req.Amount {
						return newError(ErrInvalidInput, "idempotencyKey", "idempotency key was already used for a different request", nil)
					}
					res = Result{Balance: account.Balance, Entry: prior, Replayed: true}
					return nil
				}
			}

			entry, err := l.newEntry(models.KindDeposit, "", req.AccountID, req.Amount, depositMemo, key)
			if err != nil {
				return err
			}

			// Credit the balance, then record the entry in the same scope
			span.AddEvent(string(phaseApplying))
			updated, err := tx.ApplyDelta(ctx, req.AccountID, req.Amount, models.Precondition{ExpectedVersion: account.Version})
			if err != nil {
				return err
			}
			if _, err := tx.Append(ctx, entry); err != nil {
				return err
			}

			res = Result{Balance: updated.Balance, Entry: entry}
			return nil
		})
	})
	if err != nil {
		return Result{}, l.abort(span, "deposit", phaseApplying, err)
	}

	l.committed(ctx, span, res)
	return res, nil
}

// Transfer moves money from the caller's account to the account behind
// destAlias. Checks run in a fixed order and the first failure wins:
// amount, memo, sender, receiver, self-transfer, then balance. The balance
// is checked inside the atomic scope against the committed balance, never
// against an earlier read.
func (l *Ledger) Transfer(ctx context.Context, req models.TransferRequest) (Result, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Transfer", trace.WithAttributes(
		attribute.String("account.id", req.SourceAccountID),
		attribute.String("dest.alias", req.DestAlias),
		attribute.Int64("amount", req.Amount),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.OperationTimeout)
	defer cancel()

	// Amount and memo are checked before any account is looked up
	if err := l.checkAmount(req.Amount); err != nil {
		return Result{}, l.abort(span, "transfer", phaseValidating, err)
	}
	memo := strings.TrimSpace(req.Memo)
	if n := utf8.RuneCountInString(memo); n > l.cfg.MaxMemoLength {
		err := newError(ErrInvalidInput, "memo", fmt.Sprintf("memo cannot exceed %d characters", l.cfg.MaxMemoLength), nil)
		return Result{}, l.abort(span, "transfer", phaseValidating, err)
	}
	if memo == "" {
		memo = transferMemo
	}

	// Resolve both parties outside the scope; balances are re-read once locked
	source, err := l.accounts.GetAccount(ctx, req.SourceAccountID)
	if err != nil {
		return Result{}, l.abort(span, "transfer", phaseValidating, notFoundAs(err, ErrSourceNotFound))
	}
	dest, err := l.directory.ResolveAlias(ctx, strings.ToLower(strings.TrimSpace(req.DestAlias)))
	if err != nil {
		return Result{}, l.abort(span, "transfer", phaseValidating, notFoundAs(err, ErrDestNotFound))
	}
	if dest.ID == source.ID {
		return Result{}, l.abort(span, "transfer", phaseValidating, ErrSelfTransfer)
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	party := &Party{AccountID: dest.ID, Name: dest.Name, Alias: dest.Alias}

	var res Result
	err = l.withRetry(ctx, func() error {
		return l.uow.Atomically(ctx, []string{source.ID, dest.ID}, func(ctx context.Context, tx interfaces.Tx) error {
			// Both accounts are locked (or watched) from here on
			from, err := tx.GetAccount(ctx, source.ID)
			if err != nil {
				return notFoundAs(err, ErrSourceNotFound)
			}

			if key != "" {
				prior, found, err := l.replay(ctx, tx, source.ID, key)
				if err != nil {
					return err
				}
				if found {
					if prior.Kind != models.KindTransfer || prior.Amount != req.Amount || prior.DestAccount != dest.ID {
						return newError(ErrInvalidInput, "idempotencyKey", "idempotency key was already used for a different request", nil)
					}
					res = Result{Balance: from.Balance, Entry: prior, Counterparty: party, Replayed: true}
					return nil
				}
			}

			// Balance check against the committed balance
			if from.Balance < req.Amount {
				return ErrInsufficientFunds
			}
			to, err := tx.GetAccount(ctx, dest.ID)
			if err != nil {
				return notFoundAs(err, ErrDestNotFound)
			}

			entry, err := l.newEntry(models.KindTransfer, source.ID, dest.ID, req.Amount, memo, key)
			if err != nil {
				return err
			}

			// Move the money, then record the entry.
			// Nothing is visible until every write succeeds.
			span.AddEvent(string(phaseApplying))
			debited, err := tx.ApplyDelta(ctx, source.ID, -req.Amount, models.Precondition{ExpectedVersion: from.Version})
			if err != nil {
				return err
			}
			if _, err := tx.ApplyDelta(ctx, dest.ID, req.Amount, models.Precondition{ExpectedVersion: to.Version}); err != nil {
				return err
			}
			if _, err := tx.Append(ctx, entry); err != nil {
				return err
			}

			res = Result{Balance: debited.Balance, Entry: entry, Counterparty: party}
			return nil
		})
	})
	if err != nil {
		return Result{}, l.abort(span, "transfer", phaseApplying, err)
	}

	l.committed(ctx, span, res)
	return res, nil
}

func (l *Ledger) checkAmount(amount int64) error {
	if amount < l.cfg.MinAmount {
		return newError(ErrInvalidAmount, "amount", fmt.Sprintf("amount must be at least %d minor units", l.cfg.MinAmount), nil)
	}
	return nil
}

func (l *Ledger) newEntry(kind models.EntryKind, source, dest string, amount int64, memo, key string) (models.LedgerEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("generate entry id: %w", err)
	}
	return models.LedgerEntry{
		ID:             id.String(),
		Kind:           kind,
		SourceAccount:  source,
		DestAccount:    dest,
		Amount:         amount,
		Memo:           memo,
		Status:         models.StatusCompleted,
		IdempotencyKey: key,
		CreatedAt:      l.now().UTC(),
	}, nil
}

// replay looks up an entry committed earlier under the same key.
func (l *Ledger) replay(ctx context.Context, tx interfaces.Tx, initiator, key string) (models.LedgerEntry, bool, error) {
	prior, err := tx.FindByIdempotencyKey(ctx, initiator, key)
	if errors.Is(err, storage.ErrNotFound) {
		return models.LedgerEntry{}, false, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, err
	}
	return prior, true, nil
}

// withRetry runs op again only when it lost an optimistic-concurrency
// race. Business failures and storage errors are returned at once.
func (l *Ledger) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryBaseDelay
	b.MaxInterval = 50 * l.cfg.RetryBaseDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op()
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, storage.ErrConflict):
			l.log.Debug("Lost optimistic race, retrying", "attempt", attempt)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(l.cfg.MaxConflictRetries, 0))+1),
	)
	return err
}

type phase string

const (
	phaseValidating phase = "validating"
	phaseApplying   phase = "applying"
)

func (l *Ledger) abort(span trace.Span, op string, at phase, err error) error {
	e := classify(err)
	span.SetAttributes(attribute.String("error.code", string(e.Code)))
	span.SetStatus(codes.Error, e.Message)

	if e.Code == CodeStorage {
		span.RecordError(err)
		l.log.Error("Operation aborted", "op", op, "phase", at, "code", e.Code, "error", err)
	} else {
		l.log.Debug("Operation rejected", "op", op, "phase", at, "code", e.Code, "reason", e.Message)
	}
	return e
}

func (l *Ledger) committed(ctx context.Context, span trace.Span, res Result) {
	span.SetAttributes(
		attribute.String("entry.id", res.Entry.ID),
		attribute.Bool("replayed", res.Replayed),
	)
	if res.Replayed {
		l.log.Info("Idempotent replay", "entryID", res.Entry.ID, "key", res.Entry.IdempotencyKey)
		return
	}
	l.log.Info("Ledger entry committed",
		"entryID", res.Entry.ID,
		"kind", res.Entry.Kind,
		"from", res.Entry.SourceAccount,
		"to", res.Entry.DestAccount,
		"amount", l.money.Format(res.Entry.Amount),
	)
	l.publish(ctx, res.Entry)
}

// publish announces a committed entry. The entry is already durable, so a
// failure here is logged and otherwise ignored.
func (l *Ledger) publish(ctx context.Context, entry models.LedgerEntry) {
	if l.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.OperationTimeout)
	defer cancel()

	event := events.TransactionCompleted{
		TransactionID: entry.ID,
		Kind:          string(entry.Kind),
		FromAccount:   entry.SourceAccount,
		ToAccount:     entry.DestAccount,
		AmountMinor:   entry.Amount,
		Amount:        l.money.ToMajor(entry.Amount),
		Memo:          entry.Memo,
		OccurredAt:    entry.CreatedAt,
	}
	if err := l.publisher.Publish(ctx, entry.Initiator(), event); err != nil {
		l.log.Warn("Failed to publish transaction event", "entryID", entry.ID, "error", err)
	}
}

func notFoundAs(err error, as *Error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return newError(as, "", "", err)
	}
	return err
}
