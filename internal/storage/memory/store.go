package memory

import (
	"context"
	"fmt"
	"iter"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	interfaces "github.com/Komala-2k/Payment-wallet-week2/internal/interfaces"
	"github.com/Komala-2k/Payment-wallet-week2/internal/models"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage"
)

// MemoryStore is an in-memory wallet backend. Atomic scopes hold a
// per-account lock for every account they touch; writes are staged in the
// scope and installed all at once on commit.
type MemoryStore struct {
	mapMu sync.Mutex                     // protects locks
	locks map[string]*semaphore.Weighted // one single-slot lock per account

	mu        sync.RWMutex // write-held only while a commit is installed
	accounts  map[string]models.Account
	aliases   map[string]string // alias -> account id
	entries   map[string]models.LedgerEntry
	byAccount map[string][]string // account id -> entry ids, oldest first
	idem      map[idemKey]string  // (initiator, key) -> entry id
}

type idemKey struct {
	initiator string
	key       string
}

// NewMemoryStore creates and returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     make(map[string]*semaphore.Weighted),
		accounts:  make(map[string]models.Account),
		aliases:   make(map[string]string),
		entries:   make(map[string]models.LedgerEntry),
		byAccount: make(map[string][]string),
		idem:      make(map[idemKey]string),
	}
}

func (m *MemoryStore) accountLock(accountID string) *semaphore.Weighted {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	if _, exists := m.locks[accountID]; !exists {
		m.locks[accountID] = semaphore.NewWeighted(1)
	}
	return m.locks[accountID]
}

// Atomically implements interfaces.UnitOfWork.
func (m *MemoryStore) Atomically(ctx context.Context, accountIDs []string, fn func(ctx context.Context, tx interfaces.Tx) error) error {
	order := storage.LockOrder(accountIDs)

	held := make([]*semaphore.Weighted, 0, len(order))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}()

	// Lock in id order to avoid deadlocks
	for _, id := range order {
		lock := m.accountLock(id)
		if err := lock.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("memory: lock account %s: %w", id, err)
		}
		held = append(held, lock)
	}

	// Writes go to the tx until fn returns
	tx := &memoryTx{
		store:    m,
		scope:    order,
		accounts: make(map[string]models.Account, len(order)),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	// A scope whose deadline passed while fn ran is aborted, not committed.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: commit: %w", err)
	}

	// Commit: install every staged write at once
	m.install(tx)
	return nil
}

func (m *MemoryStore) install(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Balances first, then the entries and their per-account indexes
	for id, account := range tx.accounts {
		m.accounts[id] = account
	}
	for _, entry := range tx.entries {
		m.entries[entry.ID] = entry
		m.byAccount[entry.DestAccount] = append(m.byAccount[entry.DestAccount], entry.ID)
		if entry.SourceAccount != "" {
			m.byAccount[entry.SourceAccount] = append(m.byAccount[entry.SourceAccount], entry.ID)
		}
		if entry.IdempotencyKey != "" {
			m.idem[idemKey{initiator: entry.Initiator(), key: entry.IdempotencyKey}] = entry.ID
		}
	}
}

// GetAccount returns the last committed state of an account.
func (m *MemoryStore) GetAccount(ctx context.Context, id string) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("memory: account %s: %w", id, storage.ErrNotFound)
	}
	return account, nil
}

// QueryByAccount implements interfaces.LedgerReader. Each range over the
// returned sequence reads one page from the committed state.
func (m *MemoryStore) QueryByAccount(ctx context.Context, accountID string, q models.HistoryQuery) iter.Seq2[models.LedgerEntry, error] {
	return func(yield func(models.LedgerEntry, error) bool) {
		page := m.page(accountID, q)
		for _, entry := range page {
			if err := ctx.Err(); err != nil {
				yield(models.LedgerEntry{}, err)
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) page(accountID string, q models.HistoryQuery) []models.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Entry ids are time-ordered and appended in commit order, so each
	// account's list is sorted and the cursor need not belong to it.
	ids := m.byAccount[accountID]
	end := len(ids)
	if q.Before != "" {
		end, _ = slices.BinarySearch(ids, q.Before)
	}

	limit := storage.PageSize(q.Limit)
	out := make([]models.LedgerEntry, 0, min(limit, end))
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[ids[i]])
	}
	return out
}

// CreateAccount implements interfaces.AccountRegistry.
func (m *MemoryStore) CreateAccount(ctx context.Context, account models.Account) error {
	if account.Balance < 0 {
		return fmt.Errorf("memory: create account %s: %w", account.ID, storage.ErrInsufficientFunds)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.ID]; exists {
		return fmt.Errorf("memory: account %s: %w", account.ID, storage.ErrDuplicate)
	}
	if _, exists := m.aliases[account.Alias]; exists {
		return fmt.Errorf("memory: alias %s: %w", account.Alias, storage.ErrDuplicate)
	}
	m.accounts[account.ID] = account
	m.aliases[account.Alias] = account.ID
	return nil
}

// ResolveAlias implements interfaces.AccountRegistry.
func (m *MemoryStore) ResolveAlias(ctx context.Context, alias string) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.aliases[alias]
	if !ok {
		return models.Account{}, fmt.Errorf("memory: alias %s: %w", alias, storage.ErrNotFound)
	}
	return m.accounts[id], nil
}

// TotalBalance sums every committed balance. Commits are installed under
// the write lock, so the sum never includes half of a transfer.
func (m *MemoryStore) TotalBalance() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, account := range m.accounts {
		total += account.Balance
	}
	return total
}

func (m *MemoryStore) Close() error { return nil }

// memoryTx stages writes for one atomic scope.
type memoryTx struct {
	store    *MemoryStore
	scope    []string
	accounts map[string]models.Account
	entries  []models.LedgerEntry
}

func (tx *memoryTx) GetAccount(ctx context.Context, id string) (models.Account, error) {
	if account, ok := tx.accounts[id]; ok {
		return account, nil
	}
	return tx.store.GetAccount(ctx, id)
}

func (tx *memoryTx) ApplyDelta(ctx context.Context, id string, delta int64, pre models.Precondition) (models.Account, error) {
	if _, inScope := slices.BinarySearch(tx.scope, id); !inScope {
		return models.Account{}, fmt.Errorf("memory: account %s is not locked by this scope", id)
	}

	// Start from the staged state if this scope already changed the account
	account, err := tx.GetAccount(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	if pre.ExpectedVersion != 0 && account.Version != pre.ExpectedVersion {
		return models.Account{}, fmt.Errorf("memory: account %s version %d: %w", id, account.Version, storage.ErrConflict)
	}
	if delta > 0 && account.Balance > math.MaxInt64-delta {
		return models.Account{}, fmt.Errorf("memory: account %s: %w", id, storage.ErrBalanceOverflow)
	}
	if account.Balance+delta < 0 {
		return models.Account{}, fmt.Errorf("memory: account %s: %w", id, storage.ErrInsufficientFunds)
	}

	// Stage the new balance; the version bump marks the change
	account.Balance += delta
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	tx.accounts[id] = account
	return account, nil
}

func (tx *memoryTx) Append(ctx context.Context, entry models.LedgerEntry) (string, error) {
	if entry.IdempotencyKey != "" {
		_, err := tx.FindByIdempotencyKey(ctx, entry.Initiator(), entry.IdempotencyKey)
		if err == nil {
			return "", fmt.Errorf("memory: idempotency key %s: %w", entry.IdempotencyKey, storage.ErrDuplicate)
		}
	}

	// Entry ids are unique across the whole store
	tx.store.mu.RLock()
	_, exists := tx.store.entries[entry.ID]
	tx.store.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("memory: entry %s: %w", entry.ID, storage.ErrDuplicate)
	}

	tx.entries = append(tx.entries, entry)
	return entry.ID, nil
}

func (tx *memoryTx) FindByIdempotencyKey(ctx context.Context, initiator, key string) (models.LedgerEntry, error) {
	// Staged entries first, then the committed index
	for _, entry := range tx.entries {
		if entry.IdempotencyKey == key && entry.Initiator() == initiator {
			return entry, nil
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	if id, ok := tx.store.idem[idemKey{initiator: initiator, key: key}]; ok {
		return tx.store.entries[id], nil
	}
	return models.LedgerEntry{}, fmt.Errorf("memory: idempotency key %s: %w", key, storage.ErrNotFound)
}

// Compile-time check: ensure MemoryStore implements Backend
var _ interfaces.Backend = (*MemoryStore)(nil)
