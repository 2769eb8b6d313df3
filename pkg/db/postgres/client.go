package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/retry"
	"github.com/ledgerfill/ledgerfill/pkg/utils"
)

// Executor is an interface that both *pgxpool.Pool and pgx.Tx implement.
// This allows methods to work with either a connection pool or a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client wraps a PostgreSQL connection pool and provides helper methods
type Client struct {
	Logger         *zap.Logger
	Pool           *pgxpool.Pool
	TargetDatabase string
}

// PoolConfig defines connection pool settings for a specific component
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string // For logging/debugging
}

// New connects to the database named in POSTGRES_URL, creates dbName there if it does not
// exist, then returns a pool connected to dbName. Connection attempts are retried with backoff
// so the service can start before the database is reachable.
func New(ctx context.Context, logger *zap.Logger, dbName string, poolConfig *PoolConfig) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbURL := utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres")
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse POSTGRES_URL: %w", err)
	}

	if poolConfig == nil {
		poolConfig = PoolConfigFor("")
	}
	config.MinConns = poolConfig.MinConns
	config.MaxConns = poolConfig.MaxConns
	config.MaxConnLifetime = poolConfig.ConnMaxLifetime
	config.MaxConnIdleTime = poolConfig.ConnMaxIdleTime

	if dbName != "" && dbName != config.ConnConfig.Database {
		admin, err := connect(connCtx, logger, config.Copy(), poolConfig.Component)
		if err != nil {
			return nil, err
		}
		createErr := (&Client{Logger: logger, Pool: admin}).CreateDbIfNotExists(connCtx, dbName)
		admin.Close()
		if createErr != nil {
			return nil, createErr
		}
		config.ConnConfig.Database = dbName
	}

	pool, err := connect(connCtx, logger, config, poolConfig.Component)
	if err != nil {
		return nil, err
	}

	logger.Info("PostgreSQL connection pool configured",
		zap.String("database", config.ConnConfig.Database),
		zap.String("component", poolConfig.Component),
		zap.Int32("min_conns", poolConfig.MinConns),
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Duration("conn_max_lifetime", poolConfig.ConnMaxLifetime),
		zap.Duration("conn_max_idle_time", poolConfig.ConnMaxIdleTime),
	)
	return &Client{Logger: logger, Pool: pool, TargetDatabase: config.ConnConfig.Database}, nil
}

func connect(ctx context.Context, logger *zap.Logger, config *pgxpool.Config, component string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := retry.WithBackoff(ctx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		p, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", err)
		}
		logger.Debug("Pinging PostgreSQL connection",
			zap.String("db", config.ConnConfig.Database),
			zap.String("component", component))
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("failed to ping postgres: %w", err)
		}
		pool = p
		return nil
	})
	return pool, err
}

// CreateDbIfNotExists ensures that the specified database exists by creating it if it does not already exist.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	var exists bool
	err := c.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE takes no parameters
	c.Logger.Info("Creating database", zap.String("database", dbName))
	if _, err := c.Pool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize())); err != nil {
		var pgErr *pgconn.PgError
		// lost a race with another replica
		if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// Health pings the pool.
func (c *Client) Health(ctx context.Context) error {
	return c.Pool.Ping(ctx)
}

// BeginFunc executes a function within a transaction
// If the function returns an error, the transaction is rolled back
// Otherwise, the transaction is committed
func (c *Client) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, fn)
}

// Close closes the connection pool
func (c *Client) Close() {
	c.Pool.Close()
}

// ctxKey is the type used for context keys to avoid collisions
type ctxKey string

const txKey ctxKey = "pgx_tx"

// WithTx returns a new context with the transaction embedded
// This allows methods to automatically use the transaction when present
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// GetExecutor returns the transaction stored in ctx, or the pool when there is none.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

// IsNoRows checks if the error is a "no rows" error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// PoolConfigFor returns pool settings for a component, overridable with POSTGRES_MAX_CONNS.
func PoolConfigFor(component string) *PoolConfig {
	var minConns, maxConns int32
	switch component {
	case "reconciler":
		// scheduler tasks + sweep activities + ops API
		minConns, maxConns = 4, 32
	case "api":
		minConns, maxConns = 2, 10
	default:
		minConns, maxConns = 2, 20
	}
	if v := utils.EnvInt("POSTGRES_MAX_CONNS", 0); v > 0 {
		maxConns = int32(v)
	}
	return &PoolConfig{
		MinConns:        minConns,
		MaxConns:        maxConns,
		ConnMaxLifetime: utils.EnvDuration("POSTGRES_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: 30 * time.Minute,
		Component:       component,
	}
}
