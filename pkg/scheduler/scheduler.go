// Package scheduler re-reconciles accounts that were marked dirty, ahead of the steady-state sweep.
//
// An account moves from dirty to in flight when a tick claims it, and back to clean only when
// the dirty_at value read at claim time is still the stored one. A mark that arrives while the
// task runs therefore survives for the next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/logging"
	"github.com/ledgerfill/ledgerfill/pkg/metrics"
	"github.com/ledgerfill/ledgerfill/pkg/reconcile"
)

const (
	DefaultCronSpec         = "*/5 * * * * *"
	DefaultMaxParallelism   = 8
	DefaultLowPriorityEvery = 60
	DefaultTaskTimeout      = 15 * time.Minute

	TriggerDirty       = "dirty"
	TriggerLowPriority = "low_priority"
)

// Reconciler runs one account to completion. *reconcile.Engine implements it.
type Reconciler interface {
	ReconcileAccount(ctx context.Context, account string, opts reconcile.Options) (reconcile.Summary, error)
}

// Signal carries wake-ups between processes sharing one account store.
type Signal interface {
	Notify(ctx context.Context, account string) error
	Listen(ctx context.Context) (<-chan string, error)
}

type Config struct {
	// CronSpec is a six-field (with seconds) cron expression for the tick.
	CronSpec       string
	MaxParallelism int
	// LowPriorityEvery makes every Nth tick also sample staking positions and recheck zero
	// snapshots for every enabled account. Zero disables it.
	LowPriorityEvery int
	TaskTimeout      time.Duration
}

func (c *Config) defaults() {
	if c.CronSpec == "" {
		c.CronSpec = DefaultCronSpec
	}
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = DefaultMaxParallelism
	}
	if c.LowPriorityEvery < 0 {
		c.LowPriorityEvery = 0
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
}

// task is one claimed account. claimed is nil for low-priority runs of clean accounts.
type task struct {
	account string
	claimed *time.Time
	opts    reconcile.Options
	started time.Time
}

type Scheduler struct {
	accounts ledger.AccountStore
	engine   Reconciler
	signal   Signal
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config

	pool pond.Pool
	// inflight is written only by the loop goroutine; tasks report back through done.
	inflight *xsync.Map[string, *task]
	done     chan string
	wake     chan struct{}
	stopped  chan struct{}
	ticks    uint64
}

// New builds a scheduler. signal may be nil when a single process owns the account store.
func New(accounts ledger.AccountStore, engine Reconciler, signal Signal, logger *zap.Logger, m *metrics.Metrics, cfg Config) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		accounts: accounts,
		engine:   engine,
		signal:   signal,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		pool:     pond.NewPool(cfg.MaxParallelism),
		inflight: xsync.NewMap[string, *task](),
		done:     make(chan string, cfg.MaxParallelism),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
}

// MarkDirty flags account for re-reconciliation from since onward and wakes the loop.
// A zero since means now. The account is enrolled if it was not monitored yet.
func (s *Scheduler) MarkDirty(ctx context.Context, account string, since time.Time) error {
	if err := ledger.ValidateAccountID(account); err != nil {
		return err
	}
	if since.IsZero() {
		since = time.Now()
	}
	if err := s.accounts.MarkDirty(ctx, account, since); err != nil {
		return fmt.Errorf("mark %s dirty: %w", account, err)
	}
	s.poke()
	if s.signal != nil {
		if err := s.signal.Notify(ctx, account); err != nil {
			s.logger.Warn("dirty notification not delivered", zap.String("account", account), zap.Error(err))
		}
	}
	return nil
}

// InFlight reports whether a task for account is running.
func (s *Scheduler) InFlight(account string) bool {
	_, ok := s.inflight.Load(account)
	return ok
}

// Running is the number of accounts in flight.
func (s *Scheduler) Running() int { return s.inflight.Size() }

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run ticks on the cron schedule and on wake-ups until ctx is done, then waits for running
// tasks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logging.CronLogger{L: s.logger})))
	if _, err := c.AddFunc(s.cfg.CronSpec, s.poke); err != nil {
		return fmt.Errorf("scheduler cron spec %q: %w", s.cfg.CronSpec, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	if s.signal != nil {
		remote, err := s.signal.Listen(ctx)
		if err != nil {
			s.logger.Warn("dirty notifications unavailable, relying on cron", zap.Error(err))
		} else {
			go func() {
				for range remote {
					s.poke()
				}
			}()
		}
	}

	s.logger.Info("scheduler started",
		zap.String("cron_spec", s.cfg.CronSpec),
		zap.Int("max_parallelism", s.cfg.MaxParallelism),
		zap.Int("low_priority_every", s.cfg.LowPriorityEvery))

	for {
		select {
		case <-ctx.Done():
			close(s.stopped)
			s.pool.StopAndWait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case account := <-s.done:
			s.inflight.Delete(account)
		case <-s.wake:
			s.Tick(ctx)
		}
	}
}

// Tick claims every dirty account that is not already in flight and submits a task for it.
// It returns how many tasks it started. Tick must only be called from the goroutine that
// owns the scheduler loop.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.reap()
	s.ticks++
	low := s.cfg.LowPriorityEvery > 0 && s.ticks%uint64(s.cfg.LowPriorityEvery) == 0

	dirty, err := s.accounts.ListDirty(ctx)
	if err != nil {
		s.logger.Error("listing dirty accounts failed", zap.Error(err))
		return 0
	}

	started := 0
	seen := make(map[string]struct{}, len(dirty))
	for _, acc := range dirty {
		seen[acc.AccountID] = struct{}{}
		claimed := *acc.DirtyAt
		opts := reconcile.Options{Since: claimed, Trigger: TriggerDirty}
		if low {
			opts.SampleStaking, opts.RecheckZeroSnapshots = true, true
		}
		if s.spawn(ctx, &task{account: acc.AccountID, claimed: &claimed, opts: opts}) {
			started++
		}
	}

	if low {
		enabled, err := s.accounts.ListEnabled(ctx)
		if err != nil {
			s.logger.Error("listing enabled accounts failed", zap.Error(err))
			return started
		}
		for _, acc := range enabled {
			if _, ok := seen[acc.AccountID]; ok {
				continue
			}
			opts := reconcile.Options{SampleStaking: true, RecheckZeroSnapshots: true, Trigger: TriggerLowPriority}
			if s.spawn(ctx, &task{account: acc.AccountID, opts: opts}) {
				started++
			}
		}
	}

	if started > 0 {
		s.logger.Debug("scheduler tick", zap.Uint64("tick", s.ticks), zap.Bool("low_priority", low), zap.Int("started", started))
	}
	return started
}

// reap drops finished tasks from the registry.
func (s *Scheduler) reap() {
	for {
		select {
		case account := <-s.done:
			s.inflight.Delete(account)
		default:
			return
		}
	}
}

func (s *Scheduler) spawn(ctx context.Context, t *task) bool {
	if _, busy := s.inflight.Load(t.account); busy {
		return false
	}
	t.started = time.Now()
	s.inflight.Store(t.account, t)
	s.metrics.TaskStarted()
	s.pool.Submit(func() { s.run(ctx, t) })
	return true
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	requeued := true
	defer func() {
		s.metrics.TaskFinished(requeued)
		select {
		case s.done <- t.account:
		case <-s.stopped:
		}
	}()

	logger := s.logger.With(zap.String("account", t.account), zap.String("trigger", t.opts.Trigger))
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	sum, err := s.engine.ReconcileAccount(tctx, t.account, t.opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("reconciliation interrupted, account stays dirty")
			return
		}
		logger.Error("reconciliation failed, account stays dirty", zap.Error(err))
		return
	}
	if len(sum.Failed) > 0 {
		if t.claimed == nil {
			requeued = false
		}
		logger.Warn("some tokens failed, account stays dirty", zap.Strings("tokens", sum.Failed))
		return
	}

	if t.claimed == nil {
		requeued = false
		if err := s.accounts.TouchSynced(ctx, t.account); err != nil {
			logger.Warn("touch synced failed", zap.Error(err))
		}
		return
	}

	cleared, err := s.accounts.ClearDirty(ctx, t.account, *t.claimed)
	switch {
	case err != nil:
		logger.Error("clearing dirty marker failed", zap.Error(err))
	case !cleared:
		logger.Info("account re-marked while running, keeping it dirty")
	default:
		requeued = false
	}
	logger.Info("dirty account reconciled",
		zap.Int("records", sum.Total()),
		zap.Duration("took", time.Since(t.started)),
		zap.Bool("requeued", requeued))
}
