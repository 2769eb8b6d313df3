package ledgerstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Amounts are NUMERIC and travel as text so no precision is lost on either side.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS balance_changes (
		account_id         TEXT        NOT NULL,
		token_id           TEXT        NOT NULL,
		block_height       BIGINT      NOT NULL,
		block_timestamp    BIGINT      NOT NULL,
		amount             NUMERIC     NOT NULL,
		balance_before     NUMERIC     NOT NULL,
		balance_after      NUMERIC     NOT NULL,
		counterparty       TEXT        NOT NULL,
		signer_id          TEXT,
		receiver_id        TEXT,
		transaction_hashes TEXT[]      NOT NULL DEFAULT '{}',
		receipt_ids        TEXT[]      NOT NULL DEFAULT '{}',
		raw_data           JSONB,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (account_id, token_id, block_height),
		CHECK (counterparty <> 'SNAPSHOT' OR balance_before = balance_after)
	)`,
	`CREATE TABLE IF NOT EXISTS monitored_accounts (
		account_id     TEXT        PRIMARY KEY,
		enabled        BOOLEAN     NOT NULL DEFAULT TRUE,
		dirty_at       TIMESTAMPTZ,
		last_synced_at TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS monitored_accounts_dirty_idx
		ON monitored_accounts (dirty_at) WHERE dirty_at IS NOT NULL AND enabled`,
}

// Migrate creates the tables if they are missing. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate ledger schema: %w", err)
			}
		}
		return nil
	})
}
