package ledger

import (
	"context"
	"errors"
	"time"
)

// ChangeFilter narrows a range scan over one (account, token) history.
type ChangeFilter struct {
	// UpTo bounds the scan to records at or below this height. Zero means unbounded.
	UpTo uint64
	// ExcludeSnapshots drops SNAPSHOT and STAKING_SNAPSHOT rows.
	ExcludeSnapshots bool
}

// Store is the ledger table: uniquely keyed by (account, token, height), insert-if-absent,
// scanned in ascending height order.
type Store interface {
	// InsertIfAbsent writes c unless the key exists. inserted is false on conflict.
	InsertIfAbsent(ctx context.Context, c *BalanceChange) (inserted bool, err error)
	Changes(ctx context.Context, account, token string, f ChangeFilter) ([]*BalanceChange, error)
	// Earliest and Latest return nil when the history is empty.
	Earliest(ctx context.Context, account, token string) (*BalanceChange, error)
	Latest(ctx context.Context, account, token string, upTo uint64) (*BalanceChange, error)
	Tokens(ctx context.Context, account string) ([]string, error)
}

// AccountStore holds the monitored accounts and their dirty markers.
type AccountStore interface {
	UpsertAccount(ctx context.Context, account string, enabled bool) error
	Account(ctx context.Context, account string) (*MonitoredAccount, error)
	ListEnabled(ctx context.Context) ([]MonitoredAccount, error)
	ListDirty(ctx context.Context) ([]MonitoredAccount, error)
	// MarkDirty sets dirty_at to since, registering the account if needed.
	MarkDirty(ctx context.Context, account string, since time.Time) error
	// ClearDirty resets dirty_at only while it still equals claimed.
	ClearDirty(ctx context.Context, account string, claimed time.Time) (cleared bool, err error)
	TouchSynced(ctx context.Context, account string) error
}

// RecordSink receives every record after it is committed to the ledger.
type RecordSink interface {
	RecordInserted(ctx context.Context, c *BalanceChange) error
}

// Sinks fans a record out to several sinks. Nil entries are skipped.
type Sinks []RecordSink

func (s Sinks) RecordInserted(ctx context.Context, c *BalanceChange) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.RecordInserted(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
