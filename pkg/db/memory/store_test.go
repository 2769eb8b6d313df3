package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

func record(height uint64, before, after string, cp string) *ledger.BalanceChange {
	c := ledger.NewChange("alice.near", ledger.NativeToken, height,
		decimal.RequireFromString(before), decimal.RequireFromString(after))
	c.Counterparty = cp
	return c
}

func TestInsertIfAbsentKeepsFirstWriter(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	ok, err := s.InsertIfAbsent(ctx, record(10, "0", "5", "bob.near"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.InsertIfAbsent(ctx, record(10, "0", "7", "carol.near"))
	require.NoError(t, err)
	require.False(t, ok)

	rows, err := s.Changes(ctx, "alice.near", ledger.NativeToken, ledger.ChangeFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "bob.near", rows[0].Counterparty)
}

func TestConcurrentInsertsProduceOneRow(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	inserted := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertIfAbsent(context.Background(), record(42, "1", "2", "bob.near"))
			assert.NoError(t, err)
			inserted <- ok
		}()
	}
	wg.Wait()
	close(inserted)
	n := 0
	for ok := range inserted {
		if ok {
			n++
		}
	}
	require.Equal(t, 1, n)
}

func TestInsertRejectsInvalidSnapshot(t *testing.T) {
	s := NewStore()
	_, err := s.InsertIfAbsent(context.Background(), record(10, "1", "2", ledger.CounterpartySnapshot))
	require.ErrorIs(t, err, ledger.ErrSnapshotMismatch)
}

func TestChangesAreOrderedAndFiltered(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for _, c := range []*ledger.BalanceChange{
		record(30, "5", "9", "bob.near"),
		record(10, "0", "5", "bob.near"),
		record(20, "5", "5", ledger.CounterpartySnapshot),
		record(40, "9", "1", "bob.near"),
	} {
		_, err := s.InsertIfAbsent(ctx, c)
		require.NoError(t, err)
	}

	rows, err := s.Changes(ctx, "alice.near", ledger.NativeToken, ledger.ChangeFilter{UpTo: 30, ExcludeSnapshots: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.EqualValues(t, 10, rows[0].BlockHeight)
	require.EqualValues(t, 30, rows[1].BlockHeight)

	latest, err := s.Latest(ctx, "alice.near", ledger.NativeToken, 35)
	require.NoError(t, err)
	require.EqualValues(t, 30, latest.BlockHeight)

	earliest, err := s.Earliest(ctx, "alice.near", ledger.NativeToken)
	require.NoError(t, err)
	require.EqualValues(t, 10, earliest.BlockHeight)

	none, err := s.Earliest(ctx, "alice.near", "usdt.tether-token.near")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestClearDirtyComparesClaimedValue(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 123456789, time.UTC)
	t2 := t1.Add(time.Minute)

	require.NoError(t, s.MarkDirty(ctx, "alice.near", t1))
	require.NoError(t, s.MarkDirty(ctx, "alice.near", t2))

	cleared, err := s.ClearDirty(ctx, "alice.near", t1)
	require.NoError(t, err)
	require.False(t, cleared)

	a, err := s.Account(ctx, "alice.near")
	require.NoError(t, err)
	require.True(t, a.DirtyAt.Equal(ledger.DirtyTimestamp(t2)))

	cleared, err = s.ClearDirty(ctx, "alice.near", t2)
	require.NoError(t, err)
	require.True(t, cleared)

	a, err = s.Account(ctx, "alice.near")
	require.NoError(t, err)
	require.Nil(t, a.DirtyAt)
	require.NotNil(t, a.LastSyncedAt)
}

func TestListDirtySkipsDisabled(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.MarkDirty(ctx, "b.near", now))
	require.NoError(t, s.MarkDirty(ctx, "a.near", now.Add(-time.Hour)))
	require.NoError(t, s.MarkDirty(ctx, "off.near", now))
	require.NoError(t, s.UpsertAccount(ctx, "off.near", false))

	dirty, err := s.ListDirty(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 2)
	require.Equal(t, "a.near", dirty[0].AccountID)
}
