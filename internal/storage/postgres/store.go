package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/lib/pq"

	interfaces "github.com/Komala-2k/Payment-wallet-week2/internal/interfaces"
	"github.com/Komala-2k/Payment-wallet-week2/internal/models"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage"
)

const (
	accountColumns = `id, alias, name, username, balance, version, created_at, updated_at`
	entryColumns   = `id, kind, source_account, dest_account, amount, memo, status, idempotency_key, created_at`
)

// PostgresStore keeps accounts and the ledger in one database so an atomic
// scope is a single SQL transaction. Rows in scope are locked with
// SELECT ... FOR UPDATE in id order.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db: db,
	}
}

// Open connects to dsn, applies migrations and returns a ready store.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(dsn); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

func (p *PostgresStore) Atomically(ctx context.Context, accountIDs []string, fn func(ctx context.Context, tx interfaces.Tx) error) (err error) {
	order := storage.LockOrder(accountIDs)

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin", err)
	}

	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	const lock = `SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	rows, err := dbTx.QueryContext(ctx, lock, pq.Array(order))
	if err != nil {
		return mapErr("lock accounts", err)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return mapErr("lock accounts", err)
	}

	if err = fn(ctx, &pgTx{tx: dbTx, scope: order}); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	if err = dbTx.Commit(); err != nil {
		return mapErr("commit", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Alias, &a.Name, &a.Username, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanEntry(row scanner) (models.LedgerEntry, error) {
	var (
		e      models.LedgerEntry
		source sql.NullString
		key    sql.NullString
	)
	err := row.Scan(&e.ID, &e.Kind, &source, &e.DestAccount, &e.Amount, &e.Memo, &e.Status, &key, &e.CreatedAt)
	e.SourceAccount = source.String
	e.IdempotencyKey = key.String
	return e, err
}

func getAccount(ctx context.Context, q queryer, id string) (models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, fmt.Errorf("postgres: account %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return models.Account{}, mapErr("get account", err)
	}
	return a, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return getAccount(ctx, p.db, id)
}

func (p *PostgresStore) QueryByAccount(ctx context.Context, accountID string, q models.HistoryQuery) iter.Seq2[models.LedgerEntry, error] {
	const query = `SELECT ` + entryColumns + ` FROM ledger_entries
	WHERE (source_account = $1 OR dest_account = $1) AND ($2 = '' OR id < $2)
	ORDER BY id DESC
	LIMIT $3`

	return func(yield func(models.LedgerEntry, error) bool) {
		rows, err := p.db.QueryContext(ctx, query, accountID, q.Before, storage.PageSize(q.Limit))
		if err != nil {
			yield(models.LedgerEntry{}, mapErr("query ledger", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scanEntry(rows)
			if err != nil {
				yield(models.LedgerEntry{}, mapErr("scan entry", err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.LedgerEntry{}, mapErr("query ledger", err))
		}
	}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, account models.Account) error {
	const query = `INSERT INTO accounts (` + accountColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := p.db.ExecContext(ctx, query,
		account.ID, account.Alias, account.Name, account.Username,
		account.Balance, account.Version, account.CreatedAt, account.UpdatedAt,
	)
	return mapErr("create account", err)
}

func (p *PostgresStore) ResolveAlias(ctx context.Context, alias string) (models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE alias = $1`

	a, err := scanAccount(p.db.QueryRowContext(ctx, query, alias))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, fmt.Errorf("postgres: alias %s: %w", alias, storage.ErrNotFound)
	}
	if err != nil {
		return models.Account{}, mapErr("resolve alias", err)
	}
	return a, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

type pgTx struct {
	tx    *sql.Tx
	scope []string
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return getAccount(ctx, t.tx, id)
}

// ApplyDelta changes the balance in one statement. When no row comes back
// the account is read again to report why.
func (t *pgTx) ApplyDelta(ctx context.Context, id string, delta int64, pre models.Precondition) (models.Account, error) {
	if _, inScope := slices.BinarySearch(t.scope, id); !inScope {
		return models.Account{}, fmt.Errorf("postgres: account %s is not locked by this scope", id)
	}

	const query = `UPDATE accounts
	SET balance = balance + $2, version = version + 1, updated_at = now()
	WHERE id = $1 AND ($3::bigint = 0 OR version = $3) AND balance + $2 >= 0
	RETURNING ` + accountColumns

	a, err := scanAccount(t.tx.QueryRowContext(ctx, query, id, delta, pre.ExpectedVersion))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, mapErr("apply delta", err)
	}

	current, err := getAccount(ctx, t.tx, id)
	if err != nil {
		return models.Account{}, err
	}
	if pre.ExpectedVersion != 0 && current.Version != pre.ExpectedVersion {
		return models.Account{}, fmt.Errorf("postgres: account %s version %d: %w", id, current.Version, storage.ErrConflict)
	}
	return models.Account{}, fmt.Errorf("postgres: account %s: %w", id, storage.ErrInsufficientFunds)
}

func (t *pgTx) Append(ctx context.Context, entry models.LedgerEntry) (string, error) {
	const query = `INSERT INTO ledger_entries (` + entryColumns + `, initiator)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := t.tx.ExecContext(ctx, query,
		entry.ID, entry.Kind, nullable(entry.SourceAccount), entry.DestAccount,
		entry.Amount, entry.Memo, entry.Status, nullable(entry.IdempotencyKey),
		entry.CreatedAt, entry.Initiator(),
	)
	if err != nil {
		return "", mapErr("append entry", err)
	}
	return entry.ID, nil
}

func (t *pgTx) FindByIdempotencyKey(ctx context.Context, initiator, key string) (models.LedgerEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM ledger_entries
	WHERE initiator = $1 AND idempotency_key = $2`

	e, err := scanEntry(t.tx.QueryRowContext(ctx, query, initiator, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, fmt.Errorf("postgres: idempotency key %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return models.LedgerEntry{}, mapErr("find idempotency key", err)
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// mapErr wraps a driver error with the storage sentinel it stands for.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("postgres: %s: %w: %w", op, storage.ErrConflict, err)
		case "23505": // unique_violation
			return fmt.Errorf("postgres: %s: %w: %w", op, storage.ErrDuplicate, err)
		case "23514": // check_violation
			return fmt.Errorf("postgres: %s: %w: %w", op, storage.ErrInsufficientFunds, err)
		case "22003": // numeric_value_out_of_range
			return fmt.Errorf("postgres: %s: %w: %w", op, storage.ErrBalanceOverflow, err)
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

var _ interfaces.Backend = (*PostgresStore)(nil)
