package reconcile

import (
	"context"
	"fmt"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

// TokenCompleteness is the diagnostic for one token of an account.
type TokenCompleteness struct {
	HasGaps          bool `json:"has_gaps"`
	GapCount         int  `json:"gap_count"`
	ReachesBeginning bool `json:"reaches_beginning"`
	// Unresolved counts gaps the last run could not place and is waiting to retry.
	Unresolved int `json:"unresolved"`
}

// CheckCompleteness reports, per token in the ledger, whether the history up to upTo chains
// without gaps and whether it reaches back to the token's genesis for this account.
// It never writes. Staking positions are samples and are not reported.
func (e *Engine) CheckCompleteness(ctx context.Context, account string, upTo uint64) (map[string]TokenCompleteness, error) {
	tokens, err := e.store.Tokens(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: tokens of %s: %w", ledger.ErrStore, account, err)
	}

	out := make(map[string]TokenCompleteness, len(tokens))
	for _, token := range tokens {
		tok, err := ledger.ParseToken(token)
		if err != nil || !tok.GapFilled() {
			continue
		}
		found, err := e.detector.FindGaps(ctx, account, token, upTo)
		if err != nil {
			return nil, err
		}
		reaches, err := e.reachesBeginning(ctx, account, tok)
		if err != nil {
			return nil, err
		}
		unresolved := 0
		for _, g := range found {
			if e.parked(keyOf(account, token, g)) {
				unresolved++
			}
		}
		out[token] = TokenCompleteness{
			HasGaps:          len(found) > 0,
			GapCount:         len(found),
			ReachesBeginning: reaches,
			Unresolved:       unresolved,
		}
	}
	return out, nil
}

// reachesBeginning decides whether the earliest record is the first balance the account ever
// had for tok. A lookback boundary SNAPSHOT with a non-zero balance is an explicit "no".
//
// Native balances start when the account is created, so a first transfer from zero is the
// beginning. A fungible token balance of zero is not proof of no earlier history: the account
// must also not have been registered with the token contract just before.
func (e *Engine) reachesBeginning(ctx context.Context, account string, tok ledger.Token) (bool, error) {
	earliest, err := e.store.Earliest(ctx, account, tok.ID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ledger.ErrStore, err)
	}
	if earliest == nil {
		return false, nil
	}
	if earliest.Counterparty == ledger.CounterpartySnapshot && !earliest.BalanceBefore.IsZero() {
		return false, nil
	}

	transfers, err := e.store.Changes(ctx, account, tok.ID, ledger.ChangeFilter{ExcludeSnapshots: true})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ledger.ErrStore, err)
	}
	if len(transfers) == 0 {
		return false, nil
	}
	first := transfers[0]
	if !first.BalanceBefore.IsZero() {
		return false, nil
	}

	switch tok.Kind {
	case ledger.KindFungible:
		if first.BlockHeight == 0 {
			return true, nil
		}
		registered, err := e.oracle.IsRegistered(ctx, account, tok.Contract, first.BlockHeight-1)
		if err != nil {
			return false, err
		}
		return !registered, nil
	default:
		return true, nil
	}
}
