package reconciler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/app/reconciler/activity"
	"github.com/ledgerfill/ledgerfill/app/reconciler/types"
	"github.com/ledgerfill/ledgerfill/app/reconciler/workflow"
	"github.com/ledgerfill/ledgerfill/pkg/db/clickhouse"
	"github.com/ledgerfill/ledgerfill/pkg/db/memory"
	"github.com/ledgerfill/ledgerfill/pkg/db/postgres"
	"github.com/ledgerfill/ledgerfill/pkg/db/postgres/ledgerstore"
	"github.com/ledgerfill/ledgerfill/pkg/hints"
	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/logging"
	"github.com/ledgerfill/ledgerfill/pkg/metrics"
	"github.com/ledgerfill/ledgerfill/pkg/oracle"
	"github.com/ledgerfill/ledgerfill/pkg/reconcile"
	"github.com/ledgerfill/ledgerfill/pkg/redis"
	"github.com/ledgerfill/ledgerfill/pkg/rpc"
	"github.com/ledgerfill/ledgerfill/pkg/scheduler"
	"github.com/ledgerfill/ledgerfill/pkg/temporal"
	"github.com/ledgerfill/ledgerfill/pkg/utils"
)

// store is what the reconciler needs from its ledger backend.
type store interface {
	ledger.Store
	ledger.AccountStore
}

type App struct {
	Logger         *zap.Logger
	Store          store
	Engine         *reconcile.Engine
	Scheduler      *scheduler.Scheduler
	Worker         worker.Worker
	TemporalClient *temporal.Client
	Server         *http.Server
	// DirtyConsumer turns upstream dirty requests into MarkDirty calls. Nil without Redis.
	DirtyConsumer *redis.StreamConsumer

	SweepInterval time.Duration
	SweepInput    types.SweepInput

	closers []func()
}

// Start starts the worker, the dirty-account scheduler and the ops server, then blocks until
// the context is canceled.
func (a *App) Start(ctx context.Context) {
	if err := a.Worker.Start(); err != nil {
		a.Logger.Fatal("Unable to start worker", zap.Error(err))
	}
	if err := a.EnsureSweepSchedule(ctx); err != nil {
		a.Logger.Fatal("Unable to ensure sweep schedule", zap.Error(err))
	}

	go func() {
		if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("Scheduler stopped", zap.Error(err))
		}
	}()

	if a.DirtyConsumer != nil {
		go func() {
			handler := redis.DirtyRequestHandler(a.Scheduler.MarkDirty, a.Logger.Named("dirty_requests"))
			if err := a.DirtyConsumer.Run(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("Dirty request consumer stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	a.Stop()
}

// Stop drains the server and the worker, then closes every connection.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("Server shutdown", zap.Error(err))
	}
	a.Worker.Stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.Logger.Info("Reconciler stopped")
	_ = a.Logger.Sync()
}

// EnsureSweepSchedule creates the ledger-sweep schedule if it does not exist yet.
func (a *App) EnsureSweepSchedule(ctx context.Context) error {
	_, err := a.TemporalClient.EnsureSchedule(ctx, client.ScheduleOptions{
		ID:      a.TemporalClient.SweepScheduleID,
		Spec:    temporal.GetScheduleSpec(a.SweepInterval),
		Overlap: enums.SCHEDULE_OVERLAP_POLICY_SKIP,
		Action: &client.ScheduleWorkflowAction{
			ID:                       a.TemporalClient.SweepScheduleID,
			Workflow:                 workflow.SweepWorkflowName,
			Args:                     []interface{}{a.SweepInput},
			TaskQueue:                a.TemporalClient.SweepQueue,
			WorkflowExecutionTimeout: 6 * time.Hour,
			WorkflowTaskTimeout:      time.Minute,
		},
	})
	return err
}

// Initialize builds the application from the environment. Postgres, ClickHouse, Redis and the
// explorer are optional; Temporal is required.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}
	app := &App{
		Logger:        logger,
		SweepInterval: utils.EnvDuration("SWEEP_INTERVAL", 15*time.Minute),
		SweepInput: types.SweepInput{
			BatchSize:            utils.EnvInt("SWEEP_BATCH_SIZE", workflow.DefaultBatchSize),
			SampleStaking:        utils.EnvBool("SWEEP_SAMPLE_STAKING", true),
			RecheckZeroSnapshots: utils.EnvBool("SWEEP_RECHECK_ZERO_SNAPSHOTS", true),
		},
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	checks := map[string]HealthCheck{}

	if utils.Env("POSTGRES_URL", "") != "" {
		pg, err := postgres.New(ctx, logger.Named("postgres"), utils.Env("LEDGER_DB_NAME", "ledgerfill"), postgres.PoolConfigFor("reconciler"))
		if err != nil {
			logger.Fatal("Unable to connect to postgres", zap.Error(err))
		}
		ls := ledgerstore.New(pg)
		if err := ls.Migrate(ctx); err != nil {
			logger.Fatal("Unable to migrate ledger schema", zap.Error(err))
		}
		app.Store = ls
		checks["postgres"] = pg.Health
		app.closers = append(app.closers, pg.Close)
	} else {
		logger.Warn("POSTGRES_URL not set, keeping the ledger in memory")
		app.Store = memory.NewStore()
	}

	var (
		sinks     ledger.Sinks
		providers []hints.Provider
		signal    scheduler.Signal
	)

	if clickhouse.Configured() {
		ch, err := clickhouse.New(ctx, logger.Named("clickhouse"), utils.Env("CLICKHOUSE_DB_NAME", "ledgerfill"), clickhouse.PoolConfigFor("mirror"))
		if err != nil {
			logger.Fatal("Unable to connect to clickhouse", zap.Error(err))
		}
		mirror := clickhouse.NewMirror(ch)
		if err := mirror.Migrate(ctx); err != nil {
			logger.Fatal("Unable to create mirror table", zap.Error(err))
		}
		sinks = append(sinks, mirror)
		checks["clickhouse"] = ch.Health
		app.closers = append(app.closers, func() { _ = ch.Close() })
	}

	if redis.Configured() {
		rc, err := redis.NewClient(ctx, logger.Named("redis"))
		if err != nil {
			logger.Fatal("Unable to connect to redis", zap.Error(err))
		}
		signal = redis.NewDirtySignal(rc, utils.Env("REDIS_DIRTY_CHANNEL", redis.DefaultDirtyChannel))
		sinks = append(sinks, redis.NewRecordStream(rc, utils.Env("REDIS_RECORD_STREAM", redis.DefaultRecordStream)))
		providers = append(providers, hints.NewRedisFeed(rc.Raw(), utils.Env("REDIS_HINT_PREFIX", hints.DefaultFeedPrefix)))

		hostname, _ := os.Hostname()
		dirtyStream := utils.Env("REDIS_DIRTY_STREAM", redis.DefaultDirtyStream)
		if backlog, err := rc.XLen(ctx, dirtyStream); err == nil {
			logger.Info("Dirty request stream", zap.String("stream", dirtyStream), zap.Int64("entries", backlog))
		}
		app.DirtyConsumer, err = redis.NewStreamConsumer(rc, redis.StreamConsumerConfig{
			Stream:   dirtyStream,
			Group:    "ledgerfill-reconciler",
			Consumer: utils.Env("REDIS_CONSUMER_NAME", hostname),
			Logger:   logger.Named("dirty_requests"),
		})
		if err != nil {
			logger.Fatal("Unable to build dirty request consumer", zap.Error(err))
		}
		checks["redis"] = rc.Health
		app.closers = append(app.closers, func() { _ = rc.Close() })
	}

	rpcOpts := rpc.Opts{
		RPS:             utils.EnvInt("RPC_RPS", 20),
		Burst:           utils.EnvInt("RPC_BURST", 40),
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
	if explorerURL := utils.Env("EXPLORER_URL", ""); explorerURL != "" {
		explorerOpts := rpcOpts
		explorerOpts.Endpoints = []string{explorerURL}
		providers = append(providers, hints.NewExplorer(explorerOpts))
	}

	chain := rpc.NewHTTPFactory(rpcOpts).NewClient(utils.EnvList("RPC_URLS", []string{"https://archival-rpc.mainnet.near.org"}))
	orc := oracle.New(chain, logger.Named("oracle"),
		oracle.WithWalkBack(utils.EnvInt("ORACLE_WALKBACK_ATTEMPTS", oracle.DefaultWalkBack)),
		oracle.WithMetrics(m),
	)
	checks["rpc"] = func(ctx context.Context) error {
		_, err := chain.ChainHead(ctx)
		return err
	}

	app.Engine = reconcile.NewEngine(reconcile.Deps{
		Store:   app.Store,
		Chain:   chain,
		Oracle:  orc,
		Hints:   hints.NewRegistry(logger.Named("hints"), providers...),
		Sink:    sinks,
		Logger:  logger.Named("reconcile"),
		Metrics: m,
	}, reconcile.Config{
		LookbackBlocks:       utils.EnvUint64("LOOKBACK_BLOCKS", reconcile.DefaultLookbackBlocks),
		InteriorPasses:       utils.EnvInt("INTERIOR_PASSES", reconcile.DefaultInteriorPasses),
		UnresolvedRetryAfter: utils.EnvDuration("UNRESOLVED_RETRY_AFTER", reconcile.DefaultUnresolvedRetryAfter),
	})

	app.Scheduler = scheduler.New(app.Store, app.Engine, signal, logger.Named("scheduler"), m, scheduler.Config{
		CronSpec:         utils.Env("DIRTY_CRON_SPEC", scheduler.DefaultCronSpec),
		MaxParallelism:   utils.EnvInt("SCHEDULER_MAX_PARALLELISM", scheduler.DefaultMaxParallelism),
		LowPriorityEvery: utils.EnvInt("LOW_PRIORITY_EVERY", scheduler.DefaultLowPriorityEvery),
		TaskTimeout:      utils.EnvDuration("SCHEDULER_TASK_TIMEOUT", scheduler.DefaultTaskTimeout),
	})

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}
	if err := temporalClient.EnsureNamespace(ctx, utils.EnvDuration("TEMPORAL_RETENTION", 72*time.Hour)); err != nil {
		logger.Fatal("Unable to ensure temporal namespace", zap.Error(err))
	}
	app.TemporalClient = temporalClient
	app.closers = append(app.closers, temporalClient.Close)
	checks["temporal"] = func(ctx context.Context) error {
		_, err := temporalClient.Health(ctx)
		return err
	}

	activityContext := &activity.Context{
		Logger:   logger.Named("sweep"),
		Accounts: app.Store,
		Engine:   app.Engine,
	}
	workflowContext := workflow.Context{
		ActivityContext: activityContext,
		Config: workflow.Config{
			BatchSize:      app.SweepInput.BatchSize,
			AccountTimeout: utils.EnvDuration("SWEEP_ACCOUNT_TIMEOUT", workflow.DefaultAccountTimeout),
		},
	}

	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.SweepQueue,
		worker.Options{
			MaxConcurrentActivityExecutionSize: utils.EnvInt("SWEEP_MAX_ACTIVITIES", 32),
			WorkerStopTimeout:                  time.Minute,
		},
	)
	wkr.RegisterWorkflowWithOptions(
		workflowContext.SweepWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.SweepWorkflowName},
	)
	wkr.RegisterActivity(activityContext.ListEnabledAccounts)
	wkr.RegisterActivity(activityContext.ReconcileAccount)
	app.Worker = wkr

	app.Server = NewServer(&Controller{
		Logger:      logger.Named("api"),
		Engine:      app.Engine,
		Marker:      app.Scheduler,
		Accounts:    app.Store,
		Checks:      checks,
		Gatherer:    reg,
		FillTimeout: utils.EnvDuration("FILL_TIMEOUT", 10*time.Minute),
	})

	return app
}
