// Package ledgerstore keeps the balance-change ledger and the monitored accounts in Postgres.
package ledgerstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ledgerfill/ledgerfill/pkg/db/postgres"
	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

type Store struct {
	db *postgres.Client
}

func New(db *postgres.Client) *Store {
	return &Store{db: db}
}

const changeColumns = `account_id, token_id, block_height, block_timestamp,
	amount::text, balance_before::text, balance_after::text, counterparty,
	COALESCE(signer_id, ''), COALESCE(receiver_id, ''), transaction_hashes, receipt_ids, raw_data, created_at`

func (s *Store) InsertIfAbsent(ctx context.Context, c *ledger.BalanceChange) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	var raw any
	if len(c.RawData) > 0 {
		raw = string(c.RawData)
	}
	tag, err := s.db.GetExecutor(ctx).Exec(ctx, `
		INSERT INTO balance_changes (
			account_id, token_id, block_height, block_timestamp,
			amount, balance_before, balance_after, counterparty,
			signer_id, receiver_id, transaction_hashes, receipt_ids, raw_data)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8,
			NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13::jsonb)
		ON CONFLICT (account_id, token_id, block_height) DO NOTHING`,
		c.AccountID, c.TokenID, int64(c.BlockHeight), int64(c.BlockTimestamp),
		c.Amount.String(), c.BalanceBefore.String(), c.BalanceAfter.String(), c.Counterparty,
		c.SignerID, c.ReceiverID, nonNil(c.TransactionHashes), nonNil(c.ReceiptIDs), raw)
	if err != nil {
		return false, fmt.Errorf("insert balance change %s/%s@%d: %w", c.AccountID, c.TokenID, c.BlockHeight, err)
	}
	return tag.RowsAffected() == 1, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Store) Changes(ctx context.Context, account, token string, f ledger.ChangeFilter) ([]*ledger.BalanceChange, error) {
	rows, err := s.db.GetExecutor(ctx).Query(ctx, `
		SELECT `+changeColumns+`
		FROM balance_changes
		WHERE account_id = $1 AND token_id = $2
		  AND ($3::bigint = 0 OR block_height <= $3::bigint)
		  AND (NOT $4::boolean OR counterparty NOT IN ('SNAPSHOT', 'STAKING_SNAPSHOT'))
		ORDER BY block_height`,
		account, token, int64(f.UpTo), f.ExcludeSnapshots)
	if err != nil {
		return nil, fmt.Errorf("query balance changes %s/%s: %w", account, token, err)
	}
	return pgx.CollectRows(rows, scanChange)
}

func (s *Store) Earliest(ctx context.Context, account, token string) (*ledger.BalanceChange, error) {
	return s.one(ctx, `
		SELECT `+changeColumns+` FROM balance_changes
		WHERE account_id = $1 AND token_id = $2
		ORDER BY block_height ASC LIMIT 1`, account, token)
}

func (s *Store) Latest(ctx context.Context, account, token string, upTo uint64) (*ledger.BalanceChange, error) {
	return s.one(ctx, `
		SELECT `+changeColumns+` FROM balance_changes
		WHERE account_id = $1 AND token_id = $2 AND ($3::bigint = 0 OR block_height <= $3::bigint)
		ORDER BY block_height DESC LIMIT 1`, account, token, int64(upTo))
}

func (s *Store) one(ctx context.Context, query string, args ...any) (*ledger.BalanceChange, error) {
	rows, err := s.db.GetExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	c, err := pgx.CollectOneRow(rows, scanChange)
	if postgres.IsNoRows(err) {
		return nil, nil
	}
	return c, err
}

func (s *Store) Tokens(ctx context.Context, account string) ([]string, error) {
	rows, err := s.db.GetExecutor(ctx).Query(ctx,
		`SELECT DISTINCT token_id FROM balance_changes WHERE account_id = $1 ORDER BY token_id`, account)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanChange(row pgx.CollectableRow) (*ledger.BalanceChange, error) {
	var (
		c                     ledger.BalanceChange
		height, ts            int64
		amount, before, after string
		raw                   []byte
	)
	err := row.Scan(&c.AccountID, &c.TokenID, &height, &ts, &amount, &before, &after, &c.Counterparty,
		&c.SignerID, &c.ReceiverID, &c.TransactionHashes, &c.ReceiptIDs, &raw, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.BlockHeight, c.BlockTimestamp = uint64(height), uint64(ts)
	c.RawData = raw
	for _, v := range []struct {
		dst *decimal.Decimal
		src string
	}{{&c.Amount, amount}, {&c.BalanceBefore, before}, {&c.BalanceAfter, after}} {
		if *v.dst, err = decimal.NewFromString(v.src); err != nil {
			return nil, fmt.Errorf("decode numeric %q: %w", v.src, err)
		}
	}
	return &c, nil
}

// Monitored accounts

const accountColumns = `account_id, enabled, dirty_at, last_synced_at, created_at`

func (s *Store) UpsertAccount(ctx context.Context, account string, enabled bool) error {
	_, err := s.db.GetExecutor(ctx).Exec(ctx, `
		INSERT INTO monitored_accounts (account_id, enabled) VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET enabled = EXCLUDED.enabled`, account, enabled)
	return err
}

func (s *Store) Account(ctx context.Context, account string) (*ledger.MonitoredAccount, error) {
	rows, err := s.db.GetExecutor(ctx).Query(ctx,
		`SELECT `+accountColumns+` FROM monitored_accounts WHERE account_id = $1`, account)
	if err != nil {
		return nil, err
	}
	a, err := pgx.CollectOneRow(rows, scanAccount)
	if postgres.IsNoRows(err) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListEnabled(ctx context.Context) ([]ledger.MonitoredAccount, error) {
	return s.list(ctx, `SELECT `+accountColumns+` FROM monitored_accounts WHERE enabled ORDER BY account_id`)
}

// ListDirty returns enabled accounts with a dirty marker, oldest marker first.
func (s *Store) ListDirty(ctx context.Context) ([]ledger.MonitoredAccount, error) {
	return s.list(ctx, `SELECT `+accountColumns+` FROM monitored_accounts
		WHERE enabled AND dirty_at IS NOT NULL ORDER BY dirty_at, account_id`)
}

func (s *Store) list(ctx context.Context, query string) ([]ledger.MonitoredAccount, error) {
	rows, err := s.db.GetExecutor(ctx).Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAccount)
}

func (s *Store) MarkDirty(ctx context.Context, account string, since time.Time) error {
	_, err := s.db.GetExecutor(ctx).Exec(ctx, `
		INSERT INTO monitored_accounts (account_id, enabled, dirty_at) VALUES ($1, TRUE, $2)
		ON CONFLICT (account_id) DO UPDATE SET dirty_at = EXCLUDED.dirty_at`,
		account, ledger.DirtyTimestamp(since))
	return err
}

// ClearDirty only clears the exact marker that was claimed; a newer mark stays.
func (s *Store) ClearDirty(ctx context.Context, account string, claimed time.Time) (bool, error) {
	tag, err := s.db.GetExecutor(ctx).Exec(ctx, `
		UPDATE monitored_accounts SET dirty_at = NULL, last_synced_at = now()
		WHERE account_id = $1 AND dirty_at = $2`,
		account, ledger.DirtyTimestamp(claimed))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) TouchSynced(ctx context.Context, account string) error {
	tag, err := s.db.GetExecutor(ctx).Exec(ctx,
		`UPDATE monitored_accounts SET last_synced_at = now() WHERE account_id = $1`, account)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.CollectableRow) (ledger.MonitoredAccount, error) {
	var a ledger.MonitoredAccount
	err := row.Scan(&a.AccountID, &a.Enabled, &a.DirtyAt, &a.LastSyncedAt, &a.CreatedAt)
	if a.DirtyAt != nil {
		t := ledger.DirtyTimestamp(*a.DirtyAt)
		a.DirtyAt = &t
	}
	return a, err
}

var (
	_ ledger.Store        = (*Store)(nil)
	_ ledger.AccountStore = (*Store)(nil)
)
