package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	interfaces "github.com/Komala-2k/Payment-wallet-week2/internal/interfaces"
	"github.com/Komala-2k/Payment-wallet-week2/internal/models"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage"
)

// Key layout:
//
//	account:{id}         hash, see accountHash
//	alias:{alias}        account id
//	ledger:{account}     sorted set of entry ids, all score 0 (ordered by id)
//	entry:{id}           JSON LedgerEntry
//	idem:{initiator}:{k} entry id
func accountKey(id string) string          { return "account:" + id }
func aliasKey(alias string) string         { return "alias:" + alias }
func ledgerKey(accountID string) string    { return "ledger:" + accountID }
func entryKey(id string) string            { return "entry:" + id }
func idemKey(initiator, key string) string { return "idem:" + initiator + ":" + key }

type accountHash struct {
	ID        string `redis:"id"`
	Alias     string `redis:"alias"`
	Name      string `redis:"name"`
	Username  string `redis:"username"`
	Balance   int64  `redis:"balance"`
	Version   int64  `redis:"version"`
	CreatedAt int64  `redis:"created_at"` // unix nanos
	UpdatedAt int64  `redis:"updated_at"`
}

func (h accountHash) account() models.Account {
	return models.Account{
		ID:        h.ID,
		Alias:     h.Alias,
		Name:      h.Name,
		Username:  h.Username,
		Balance:   h.Balance,
		Version:   h.Version,
		CreatedAt: time.Unix(0, h.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, h.UpdatedAt).UTC(),
	}
}

func accountFields(a models.Account) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"alias":      a.Alias,
		"name":       a.Name,
		"username":   a.Username,
		"balance":    a.Balance,
		"version":    a.Version,
		"created_at": a.CreatedAt.UnixNano(),
		"updated_at": a.UpdatedAt.UnixNano(),
	}
}

// RedisStore keeps accounts and the ledger in Redis. Atomic scopes are
// optimistic: the accounts in scope are WATCHed, every write is queued,
// and MULTI/EXEC applies them only if none of those accounts changed.
// A lost race surfaces as storage.ErrConflict.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Connect dials addr and pings it.
func Connect(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return NewRedisStore(client), nil
}

func (s *RedisStore) Atomically(ctx context.Context, accountIDs []string, fn func(ctx context.Context, tx interfaces.Tx) error) error {
	order := storage.LockOrder(accountIDs)
	keys := make([]string, len(order))
	for i, id := range order {
		keys[i] = accountKey(id)
	}

	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		tx := &redisTx{
			rtx:      rtx,
			scope:    order,
			accounts: make(map[string]models.Account, len(order)),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: commit: %w", err)
		}
		if len(tx.accounts) == 0 && len(tx.entries) == 0 {
			return nil
		}

		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return tx.flush(ctx, pipe)
		})
		return err
	}, keys...)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redis: scope %v: %w", order, storage.ErrConflict)
	}
	return err
}

func (s *RedisStore) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return readAccount(ctx, s.client, id)
}

// reader is the read side shared by the client and a watching *redis.Tx.
type reader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readAccount(ctx context.Context, c reader, id string) (models.Account, error) {
	cmd := c.HGetAll(ctx, accountKey(id))
	fields, err := cmd.Result()
	if err != nil {
		return models.Account{}, fmt.Errorf("redis: get account %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Account{}, fmt.Errorf("redis: account %s: %w", id, storage.ErrNotFound)
	}
	var h accountHash
	if err := cmd.Scan(&h); err != nil {
		return models.Account{}, fmt.Errorf("redis: decode account %s: %w", id, err)
	}
	return h.account(), nil
}

func readEntry(ctx context.Context, c reader, id string) (models.LedgerEntry, error) {
	raw, err := c.Get(ctx, entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.LedgerEntry{}, fmt.Errorf("redis: entry %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("redis: get entry %s: %w", id, err)
	}
	var entry models.LedgerEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("redis: decode entry %s: %w", id, err)
	}
	return entry, nil
}

func (s *RedisStore) QueryByAccount(ctx context.Context, accountID string, q models.HistoryQuery) iter.Seq2[models.LedgerEntry, error] {
	return func(yield func(models.LedgerEntry, error) bool) {
		page, err := s.page(ctx, accountID, q)
		if err != nil {
			yield(models.LedgerEntry{}, err)
			return
		}
		for _, entry := range page {
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (s *RedisStore) page(ctx context.Context, accountID string, q models.HistoryQuery) ([]models.LedgerEntry, error) {
	upper := "+"
	if q.Before != "" {
		upper = "(" + q.Before
	}
	ids, err := s.client.ZRevRangeByLex(ctx, ledgerKey(accountID), &redis.ZRangeBy{
		Max:   upper,
		Min:   "-",
		Count: int64(storage.PageSize(q.Limit)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: query ledger %s: %w", accountID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load entries %s: %w", accountID, err)
	}

	out := make([]models.LedgerEntry, 0, len(raws))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("redis: entry %s: %w", ids[i], storage.ErrNotFound)
		}
		var entry models.LedgerEntry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			return nil, fmt.Errorf("redis: decode entry %s: %w", ids[i], err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// CreateAccount claims the alias first, then writes the account hash. The
// alias claim is released again if the account cannot be written.
func (s *RedisStore) CreateAccount(ctx context.Context, account models.Account) error {
	if account.Balance < 0 {
		return fmt.Errorf("redis: create account %s: %w", account.ID, storage.ErrInsufficientFunds)
	}

	claimed, err := s.client.SetNX(ctx, aliasKey(account.Alias), account.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: claim alias %s: %w", account.Alias, err)
	}
	if !claimed {
		return fmt.Errorf("redis: alias %s: %w", account.Alias, storage.ErrDuplicate)
	}

	key := accountKey(account.ID)
	err = s.client.Watch(ctx, func(rtx *redis.Tx) error {
		n, err := rtx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis: check account %s: %w", account.ID, err)
		}
		if n > 0 {
			return fmt.Errorf("redis: account %s: %w", account.ID, storage.ErrDuplicate)
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, accountFields(account))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = fmt.Errorf("redis: account %s: %w", account.ID, storage.ErrDuplicate)
	}
	if err != nil {
		_ = s.client.Del(context.WithoutCancel(ctx), aliasKey(account.Alias)).Err()
		return err
	}
	return nil
}

func (s *RedisStore) ResolveAlias(ctx context.Context, alias string) (models.Account, error) {
	id, err := s.client.Get(ctx, aliasKey(alias)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Account{}, fmt.Errorf("redis: alias %s: %w", alias, storage.ErrNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("redis: resolve alias %s: %w", alias, err)
	}
	return s.GetAccount(ctx, id)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// redisTx reads through the watching connection and stages writes until
// the scope commits.
type redisTx struct {
	rtx      *redis.Tx
	scope    []string
	accounts map[string]models.Account
	entries  []models.LedgerEntry
}

func (tx *redisTx) GetAccount(ctx context.Context, id string) (models.Account, error) {
	if account, ok := tx.accounts[id]; ok {
		return account, nil
	}
	return readAccount(ctx, tx.rtx, id)
}

func (tx *redisTx) ApplyDelta(ctx context.Context, id string, delta int64, pre models.Precondition) (models.Account, error) {
	if _, inScope := slices.BinarySearch(tx.scope, id); !inScope {
		return models.Account{}, fmt.Errorf("redis: account %s is not watched by this scope", id)
	}

	account, err := tx.GetAccount(ctx, id)
	if err != nil {
		return models.Account{}, err
	}
	if pre.ExpectedVersion != 0 && account.Version != pre.ExpectedVersion {
		return models.Account{}, fmt.Errorf("redis: account %s version %d: %w", id, account.Version, storage.ErrConflict)
	}
	if delta > 0 && account.Balance > math.MaxInt64-delta {
		return models.Account{}, fmt.Errorf("redis: account %s: %w", id, storage.ErrBalanceOverflow)
	}
	if account.Balance+delta < 0 {
		return models.Account{}, fmt.Errorf("redis: account %s: %w", id, storage.ErrInsufficientFunds)
	}

	account.Balance += delta
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	tx.accounts[id] = account
	return account, nil
}

func (tx *redisTx) Append(ctx context.Context, entry models.LedgerEntry) (string, error) {
	if entry.IdempotencyKey != "" {
		_, err := tx.FindByIdempotencyKey(ctx, entry.Initiator(), entry.IdempotencyKey)
		if err == nil {
			return "", fmt.Errorf("redis: idempotency key %s: %w", entry.IdempotencyKey, storage.ErrDuplicate)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}

	n, err := tx.rtx.Exists(ctx, entryKey(entry.ID)).Result()
	if err != nil {
		return "", fmt.Errorf("redis: check entry %s: %w", entry.ID, err)
	}
	if n > 0 {
		return "", fmt.Errorf("redis: entry %s: %w", entry.ID, storage.ErrDuplicate)
	}

	tx.entries = append(tx.entries, entry)
	return entry.ID, nil
}

func (tx *redisTx) FindByIdempotencyKey(ctx context.Context, initiator, key string) (models.LedgerEntry, error) {
	for _, entry := range tx.entries {
		if entry.IdempotencyKey == key && entry.Initiator() == initiator {
			return entry, nil
		}
	}

	id, err := tx.rtx.Get(ctx, idemKey(initiator, key)).Result()
	if errors.Is(err, redis.Nil) {
		return models.LedgerEntry{}, fmt.Errorf("redis: idempotency key %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("redis: idempotency key %s: %w", key, err)
	}
	return readEntry(ctx, tx.rtx, id)
}

func (tx *redisTx) flush(ctx context.Context, pipe redis.Pipeliner) error {
	for id, account := range tx.accounts {
		pipe.HSet(ctx, accountKey(id),
			"balance", account.Balance,
			"version", account.Version,
			"updated_at", account.UpdatedAt.UnixNano(),
		)
	}
	for _, entry := range tx.entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("redis: encode entry %s: %w", entry.ID, err)
		}
		pipe.Set(ctx, entryKey(entry.ID), raw, 0)
		pipe.ZAdd(ctx, ledgerKey(entry.DestAccount), redis.Z{Member: entry.ID})
		if entry.SourceAccount != "" {
			pipe.ZAdd(ctx, ledgerKey(entry.SourceAccount), redis.Z{Member: entry.ID})
		}
		if entry.IdempotencyKey != "" {
			pipe.Set(ctx, idemKey(entry.Initiator(), entry.IdempotencyKey), entry.ID, 0)
		}
	}
	return nil
}

var _ interfaces.Backend = (*RedisStore)(nil)
