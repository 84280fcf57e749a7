package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interfaces "github.com/Komala-2k/Payment-wallet-week2/internal/interfaces"
	"github.com/Komala-2k/Payment-wallet-week2/internal/models"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage"
)

func seed(t *testing.T, m *MemoryStore, id string, balance int64) {
	t.Helper()
	require.NoError(t, m.CreateAccount(context.Background(), models.Account{
		ID:      id,
		Alias:   id + "@wallet",
		Name:    id,
		Balance: balance,
	}))
}

func collect(t *testing.T, seq func(func(models.LedgerEntry, error) bool)) []models.LedgerEntry {
	t.Helper()
	var out []models.LedgerEntry
	for entry, err := range seq {
		require.NoError(t, err)
		out = append(out, entry)
	}
	return out
}

func TestApplyDeltaCommits(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "a", 100)

	err := m.Atomically(ctx, []string{"a"}, func(ctx context.Context, tx interfaces.Tx) error {
		acc, err := tx.ApplyDelta(ctx, "a", -40, models.Precondition{})
		require.NoError(t, err)
		assert.Equal(t, int64(60), acc.Balance)
		assert.Equal(t, int64(1), acc.Version)

		// Writes are not visible outside the scope until commit.
		committed, err := m.GetAccount(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(100), committed.Balance)
		return nil
	})
	require.NoError(t, err)

	acc, err := m.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(60), acc.Balance)
}

func TestApplyDeltaPreconditions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "a", 10)

	cases := []struct {
		name    string
		delta   int64
		pre     models.Precondition
		wantErr error
	}{
		{name: "negative result", delta: -11, wantErr: storage.ErrInsufficientFunds},
		{name: "stale version", delta: 1, pre: models.Precondition{ExpectedVersion: 7}, wantErr: storage.ErrConflict},
		{name: "overflow", delta: 1<<63 - 1, wantErr: storage.ErrBalanceOverflow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Atomically(ctx, []string{"a"}, func(ctx context.Context, tx interfaces.Tx) error {
				_, err := tx.ApplyDelta(ctx, "a", tc.delta, tc.pre)
				return err
			})
			require.ErrorIs(t, err, tc.wantErr)

			acc, err := m.GetAccount(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, int64(10), acc.Balance)
		})
	}
}

func TestApplyDeltaOutsideScope(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "a", 10)
	seed(t, m, "b", 10)

	err := m.Atomically(ctx, []string{"a"}, func(ctx context.Context, tx interfaces.Tx) error {
		_, err := tx.ApplyDelta(ctx, "b", 1, models.Precondition{})
		return err
	})
	require.Error(t, err)
}

func TestFailedScopeDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "a", 100)
	seed(t, m, "b", 0)
	boom := errors.New("disk on fire")

	err := m.Atomically(ctx, []string{"a", "b"}, func(ctx context.Context, tx interfaces.Tx) error {
		_, err := tx.ApplyDelta(ctx, "a", -50, models.Precondition{})
		require.NoError(t, err)
		_, err = tx.Append(ctx, models.LedgerEntry{ID: "e1", Kind: models.KindTransfer, SourceAccount: "a", DestAccount: "b", Amount: 50})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, _ := m.GetAccount(ctx, "a")
	b, _ := m.GetAccount(ctx, "b")
	assert.Equal(t, int64(100), a.Balance)
	assert.Equal(t, int64(0), b.Balance)
	assert.Empty(t, collect(t, m.QueryByAccount(ctx, "a", models.HistoryQuery{})))
}

func TestQueryByAccountNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "a", 0)

	for _, id := range []string{"e1", "e2", "e3"} {
		err := m.Atomically(ctx, []string{"a"}, func(ctx context.Context, tx interfaces.Tx) error {
			_, err := tx.Append(ctx, models.LedgerEntry{ID: id, Kind: models.KindDeposit, DestAccount: "a", Amount: 1})
			return err
		})
		require.NoError(t, err)
	}

	seq := m.QueryByAccount(ctx, "a", models.HistoryQuery{Limit: 2})
	first := collect(t, seq)
	require.Len(t, first, 2)
	assert.Equal(t, "e3", first[0].ID)
	assert.Equal(t, "e2", first[1].ID)

	// Ranging again re-runs the query.
	assert.Equal(t, first, collect(t, seq))

	rest := collect(t, m.QueryByAccount(ctx, "a", models.HistoryQuery{Limit: 2, Before: "e2"}))
	require.Len(t, rest, 1)
	assert.Equal(t, "e1", rest[0].ID)
}

func TestIdempotencyKeyIsUniquePerInitiator(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "a", 0)

	appendDeposit := func(id string) error {
		return m.Atomically(ctx, []string{"a"}, func(ctx context.Context, tx interfaces.Tx) error {
			_, err := tx.Append(ctx, models.LedgerEntry{ID: id, Kind: models.KindDeposit, DestAccount: "a", Amount: 1, IdempotencyKey: "k1"})
			return err
		})
	}
	require.NoError(t, appendDeposit("e1"))
	require.ErrorIs(t, appendDeposit("e2"), storage.ErrDuplicate)

	err := m.Atomically(ctx, []string{"a"}, func(ctx context.Context, tx interfaces.Tx) error {
		entry, err := tx.FindByIdempotencyKey(ctx, "a", "k1")
		require.NoError(t, err)
		assert.Equal(t, "e1", entry.ID)

		_, err = tx.FindByIdempotencyKey(ctx, "b", "k1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "a", 0)

	acc, err := m.ResolveAlias(ctx, "a@wallet")
	require.NoError(t, err)
	assert.Equal(t, "a", acc.ID)

	_, err = m.ResolveAlias(ctx, "nobody@wallet")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = m.CreateAccount(ctx, models.Account{ID: "z", Alias: "a@wallet"})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = m.GetAccount(ctx, "z")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLockWaitHonoursContext(t *testing.T) {
	m := NewMemoryStore()
	seed(t, m, "a", 0)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.Atomically(context.Background(), []string{"a"}, func(ctx context.Context, tx interfaces.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Atomically(ctx, []string{"a"}, func(ctx context.Context, tx interfaces.Tx) error {
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOppositeTransfersDoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "a", 1000)
	seed(t, m, "b", 1000)

	move := func(from, to string) {
		err := m.Atomically(ctx, []string{from, to}, func(ctx context.Context, tx interfaces.Tx) error {
			if _, err := tx.ApplyDelta(ctx, from, -1, models.Precondition{}); err != nil {
				return err
			}
			_, err := tx.ApplyDelta(ctx, to, 1, models.Precondition{})
			return err
		})
		assert.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); move("a", "b") }()
		go func() { defer wg.Done(); move("b", "a") }()
	}
	wg.Wait()

	assert.Equal(t, int64(2000), m.TotalBalance())
}

func TestReadersNeverSeeHalfAppliedTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seed(t, m, "a", 1000)
	seed(t, m, "b", 1000)

	move := func(from, to string) {
		err := m.Atomically(ctx, []string{from, to}, func(ctx context.Context, tx interfaces.Tx) error {
			if _, err := tx.ApplyDelta(ctx, from, -1, models.Precondition{}); err != nil {
				return err
			}
			_, err := tx.ApplyDelta(ctx, to, 1, models.Precondition{})
			return err
		})
		assert.NoError(t, err)
	}

	done := make(chan struct{})
	var (
		reads    int
		torn     int
		readerWg sync.WaitGroup
	)
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		for {
			if m.TotalBalance() != 2000 {
				torn++
			}
			reads++
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); move("a", "b") }()
		go func() { defer wg.Done(); move("b", "a") }()
	}
	wg.Wait()
	close(done)
	readerWg.Wait()

	assert.Positive(t, reads)
	assert.Zero(t, torn, "total balance changed mid-transfer in %d of %d reads", torn, reads)
	assert.Equal(t, int64(2000), m.TotalBalance())
}
