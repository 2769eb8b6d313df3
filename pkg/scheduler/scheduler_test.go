package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ledgerfill/ledgerfill/pkg/db/memory"
	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/reconcile"
)

type call struct {
	account string
	opts    reconcile.Options
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   []call
	running map[string]int
	maxSeen int
	err     error
	failed  []string

	// When gate is set every call blocks until a value is received from it.
	gate    chan struct{}
	entered chan string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: map[string]int{}, entered: make(chan string, 16)}
}

func (f *fakeEngine) ReconcileAccount(ctx context.Context, account string, opts reconcile.Options) (reconcile.Summary, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{account, opts})
	f.running[account]++
	if f.running[account] > f.maxSeen {
		f.maxSeen = f.running[account]
	}
	gate, err, failed := f.gate, f.err, f.failed
	f.mu.Unlock()

	f.entered <- account
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.running[account]--
	f.mu.Unlock()
	return reconcile.Summary{AccountID: account, Filled: map[string]int{ledger.NativeToken: 1}, Failed: failed}, err
}

func (f *fakeEngine) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeSignal struct {
	mu       sync.Mutex
	notified []string
	ch       chan string
}

func (f *fakeSignal) Notify(_ context.Context, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, account)
	return nil
}

func (f *fakeSignal) Listen(context.Context) (<-chan string, error) { return f.ch, nil }

func newScheduler(t *testing.T, store *memory.Store, engine Reconciler, cfg Config) *Scheduler {
	return New(store, engine, nil, zaptest.NewLogger(t), nil, cfg)
}

// settle waits until every task reported back.
func settle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.reap()
		return s.Running() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func dirtyAt(t *testing.T, store *memory.Store, account string) *time.Time {
	t.Helper()
	acc, err := store.Account(context.Background(), account)
	require.NoError(t, err)
	return acc.DirtyAt
}

func clean(store *memory.Store, account string) bool {
	acc, err := store.Account(context.Background(), account)
	return err == nil && acc.DirtyAt == nil
}

func TestDirtyAccountIsReconciledAndCleared(t *testing.T) {
	store := memory.NewStore()
	engine := newFakeEngine()
	s := newScheduler(t, store, engine, Config{})
	ctx := context.Background()

	since := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	require.NoError(t, s.MarkDirty(ctx, "alice.near", since))
	require.Equal(t, 1, s.Tick(ctx))
	settle(t, s)

	calls := engine.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, TriggerDirty, calls[0].opts.Trigger)
	require.True(t, calls[0].opts.Since.Equal(ledger.DirtyTimestamp(since)))
	require.False(t, calls[0].opts.SampleStaking)

	require.Nil(t, dirtyAt(t, store, "alice.near"))
	acc, err := store.Account(ctx, "alice.near")
	require.NoError(t, err)
	require.NotNil(t, acc.LastSyncedAt)

	require.Zero(t, s.Tick(ctx), "clean accounts are not picked up")
}

func TestMarkWhileRunningSurvivesTheClear(t *testing.T) {
	store := memory.NewStore()
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	s := newScheduler(t, store, engine, Config{})
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	require.NoError(t, s.MarkDirty(ctx, "alice.near", t1))
	require.Equal(t, 1, s.Tick(ctx))
	<-engine.entered

	require.NoError(t, s.MarkDirty(ctx, "alice.near", t2))
	require.Zero(t, s.Tick(ctx), "already in flight")
	require.True(t, s.InFlight("alice.near"))

	engine.gate <- struct{}{}
	settle(t, s)
	require.NotNil(t, dirtyAt(t, store, "alice.near"))
	require.True(t, dirtyAt(t, store, "alice.near").Equal(t2))

	require.Equal(t, 1, s.Tick(ctx))
	<-engine.entered
	engine.gate <- struct{}{}
	settle(t, s)
	require.Nil(t, dirtyAt(t, store, "alice.near"))

	calls := engine.snapshot()
	require.Len(t, calls, 2)
	require.True(t, calls[1].opts.Since.Equal(t2))
}

func TestAtMostOneTaskPerAccount(t *testing.T) {
	store := memory.NewStore()
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	s := newScheduler(t, store, engine, Config{MaxParallelism: 4})
	ctx := context.Background()

	require.NoError(t, s.MarkDirty(ctx, "alice.near", time.Now()))
	require.NoError(t, s.MarkDirty(ctx, "bob.near", time.Now()))
	require.Equal(t, 2, s.Tick(ctx))
	<-engine.entered
	<-engine.entered

	for i := 0; i < 5; i++ {
		require.NoError(t, s.MarkDirty(ctx, "alice.near", time.Now()))
		require.Zero(t, s.Tick(ctx))
	}
	require.Equal(t, 2, s.Running())

	close(engine.gate)
	settle(t, s)
	require.Equal(t, 1, engine.maxSeen)
	require.Len(t, engine.snapshot(), 2)
}

func TestFailedRunKeepsAccountDirty(t *testing.T) {
	store := memory.NewStore()
	engine := newFakeEngine()
	engine.err = errors.New("ledger store failure: connection refused")
	s := newScheduler(t, store, engine, Config{})
	ctx := context.Background()

	require.NoError(t, s.MarkDirty(ctx, "alice.near", time.Now()))
	require.Equal(t, 1, s.Tick(ctx))
	settle(t, s)
	require.NotNil(t, dirtyAt(t, store, "alice.near"))

	require.Equal(t, 1, s.Tick(ctx), "retried on the next tick")
	settle(t, s)
}

func TestFailedTokenKeepsAccountDirty(t *testing.T) {
	store := memory.NewStore()
	engine := newFakeEngine()
	engine.failed = []string{ledger.NativeToken}
	s := newScheduler(t, store, engine, Config{})
	ctx := context.Background()

	require.NoError(t, s.MarkDirty(ctx, "alice.near", time.Now()))
	require.Equal(t, 1, s.Tick(ctx))
	settle(t, s)
	require.NotNil(t, dirtyAt(t, store, "alice.near"))

	engine.mu.Lock()
	engine.failed = nil
	engine.mu.Unlock()
	require.Equal(t, 1, s.Tick(ctx), "retried on the next tick")
	settle(t, s)
	require.Nil(t, dirtyAt(t, store, "alice.near"))
}

func TestLowPriorityTickCoversCleanAccounts(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertAccount(ctx, "bob.near", true))
	require.NoError(t, store.UpsertAccount(ctx, "carol.near", false))
	engine := newFakeEngine()
	s := newScheduler(t, store, engine, Config{LowPriorityEvery: 2})

	require.Zero(t, s.Tick(ctx))
	require.Equal(t, 1, s.Tick(ctx))
	settle(t, s)

	calls := engine.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "bob.near", calls[0].account)
	require.Equal(t, TriggerLowPriority, calls[0].opts.Trigger)
	require.True(t, calls[0].opts.SampleStaking)
	require.True(t, calls[0].opts.RecheckZeroSnapshots)

	acc, err := store.Account(ctx, "bob.near")
	require.NoError(t, err)
	require.NotNil(t, acc.LastSyncedAt)
}

func TestMarkDirtyValidatesAndNotifies(t *testing.T) {
	store := memory.NewStore()
	sig := &fakeSignal{}
	s := New(store, newFakeEngine(), sig, zaptest.NewLogger(t), nil, Config{})
	ctx := context.Background()

	require.ErrorIs(t, s.MarkDirty(ctx, "Bad Account", time.Now()), ledger.ErrInvalidAccount)
	require.NoError(t, s.MarkDirty(ctx, "alice.near", time.Time{}))
	require.Equal(t, []string{"alice.near"}, sig.notified)

	acc, err := store.Account(ctx, "alice.near")
	require.NoError(t, err)
	require.True(t, acc.Enabled)
	require.NotNil(t, acc.DirtyAt)
}

func TestRunWakesOnMark(t *testing.T) {
	store := memory.NewStore()
	engine := newFakeEngine()
	sig := &fakeSignal{ch: make(chan string, 1)}
	s := New(store, engine, sig, zaptest.NewLogger(t), nil, Config{CronSpec: "@every 1h"})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.NoError(t, s.MarkDirty(context.Background(), "alice.near", time.Now()))
	require.Eventually(t, func() bool { return clean(store, "alice.near") }, 2*time.Second, 5*time.Millisecond)

	// A mark written by another process arrives only as a notification.
	require.NoError(t, store.MarkDirty(context.Background(), "bob.near", time.Now()))
	sig.ch <- "bob.near"
	require.Eventually(t, func() bool { return clean(store, "bob.near") }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.Len(t, engine.snapshot(), 2)
}
