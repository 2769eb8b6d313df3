// Package gaps finds holes in a balance-change history.
package gaps

import (
	"context"
	"fmt"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

// Detector reports interior gaps. It never writes.
type Detector struct {
	store ledger.Store
}

func NewDetector(store ledger.Store) *Detector {
	return &Detector{store: store}
}

// FindGaps returns every adjacent pair of transfer records at or below upTo whose balances
// do not chain, in ascending block order. upTo of zero means the whole history.
// Snapshot rows are skipped: they record no movement and sit at search boundaries.
func (d *Detector) FindGaps(ctx context.Context, account, token string, upTo uint64) ([]ledger.BalanceGap, error) {
	changes, err := d.store.Changes(ctx, account, token, ledger.ChangeFilter{UpTo: upTo, ExcludeSnapshots: true})
	if err != nil {
		return nil, fmt.Errorf("%w: load %s/%s history: %w", ledger.ErrStore, account, token, err)
	}
	return Between(changes), nil
}

// Between computes the interior gaps of an ascending record sequence, ignoring snapshots.
func Between(changes []*ledger.BalanceChange) []ledger.BalanceGap {
	transfers := make([]*ledger.BalanceChange, 0, len(changes))
	for _, c := range changes {
		if !c.IsSnapshot() {
			transfers = append(transfers, c)
		}
	}

	var out []ledger.BalanceGap
	for i := 1; i < len(transfers); i++ {
		prev, next := transfers[i-1], transfers[i]
		if prev.BalanceAfter.Equal(next.BalanceBefore) {
			continue
		}
		out = append(out, ledger.BalanceGap{
			AccountID:             next.AccountID,
			TokenID:               next.TokenID,
			StartBlock:            prev.BlockHeight,
			EndBlock:              next.BlockHeight,
			ActualBalanceAfter:    prev.BalanceAfter,
			ExpectedBalanceBefore: next.BalanceBefore,
			EndTimestamp:          next.BlockTimestamp,
		})
	}
	return out
}
