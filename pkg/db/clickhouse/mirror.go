package clickhouse

import (
	"context"
	"fmt"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

// MirrorTable holds a read-only copy of the ledger for analytics.
const MirrorTable = "balance_changes"

// Mirror copies committed ledger records into ClickHouse. It implements ledger.RecordSink.
// Rows are deduplicated on (account_id, token_id, block_height) by ReplacingMergeTree,
// so re-mirroring a record is harmless.
type Mirror struct {
	client *Client
}

func NewMirror(client *Client) *Mirror {
	return &Mirror{client: client}
}

// Migrate creates the mirror table.
func (m *Mirror) Migrate(ctx context.Context) error {
	return m.client.Exec(ctx, mirrorTableSQL(m.client))
}

func mirrorTableSQL(c *Client) string {
	// Decimal(76, 0) covers u128 yocto amounts with room to spare.
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" %s (
			account_id String,
			token_id LowCardinality(String),
			block_height UInt64,
			block_timestamp UInt64,
			amount Decimal(76, 0),
			balance_before Decimal(76, 0),
			balance_after Decimal(76, 0),
			counterparty String,
			signer_id String,
			receiver_id String,
			transaction_hashes Array(String),
			receipt_ids Array(String),
			raw_data String,
			created_at DateTime64(6)
		) ENGINE = %s
		ORDER BY (account_id, token_id, block_height)
	`, c.Database, MirrorTable, c.OnCluster(), c.Engine(ReplacingMergeTree, "created_at"))
}

// RecordInserted mirrors one record.
func (m *Mirror) RecordInserted(ctx context.Context, c *ledger.BalanceChange) error {
	return m.InsertChanges(ctx, []*ledger.BalanceChange{c})
}

// InsertChanges mirrors records in one batch.
func (m *Mirror) InsertChanges(ctx context.Context, changes []*ledger.BalanceChange) error {
	if len(changes) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`INSERT INTO "%s"."%s" (account_id, token_id, block_height, block_timestamp, amount, balance_before, balance_after, counterparty, signer_id, receiver_id, transaction_hashes, receipt_ids, raw_data, created_at) VALUES`,
		m.client.Database, MirrorTable,
	)
	batch, err := m.client.Db.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare mirror batch: %w", err)
	}
	defer func() { _ = batch.Close() }()

	for _, c := range changes {
		if err := batch.Append(mirrorRow(c)...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append %s/%s@%d: %w", c.AccountID, c.TokenID, c.BlockHeight, err)
		}
	}
	return batch.Send()
}

// mirrorRow flattens a record in column order. Nil slices become empty arrays.
func mirrorRow(c *ledger.BalanceChange) []any {
	hashes := c.TransactionHashes
	if hashes == nil {
		hashes = []string{}
	}
	receipts := c.ReceiptIDs
	if receipts == nil {
		receipts = []string{}
	}
	return []any{
		c.AccountID,
		c.TokenID,
		c.BlockHeight,
		c.BlockTimestamp,
		c.Amount,
		c.BalanceBefore,
		c.BalanceAfter,
		c.Counterparty,
		c.SignerID,
		c.ReceiverID,
		hashes,
		receipts,
		string(c.RawData),
		c.CreatedAt,
	}
}
