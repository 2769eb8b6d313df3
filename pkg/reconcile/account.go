package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

// Summary is the outcome of reconciling every token of one account.
type Summary struct {
	AccountID string         `json:"account_id"`
	UpTo      uint64         `json:"up_to"`
	Filled    map[string]int `json:"filled"`
	Sampled   int            `json:"sampled"`
	Failed    []string       `json:"failed,omitempty"`
}

// Total is the number of records written.
func (s Summary) Total() int {
	n := s.Sampled
	for _, v := range s.Filled {
		n += v
	}
	return n
}

// Tokens lists what to reconcile for account: the native token, tokens already in the ledger
// and tokens reported by discovering hint providers.
func (e *Engine) Tokens(ctx context.Context, account string) ([]string, error) {
	stored, err := e.store.Tokens(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: tokens of %s: %w", ledger.ErrStore, account, err)
	}
	set := map[string]struct{}{ledger.NativeToken: {}}
	for _, t := range stored {
		set[t] = struct{}{}
	}
	for _, t := range e.hints.DiscoverTokens(ctx, account) {
		if _, err := ledger.ParseToken(t); err != nil {
			e.logger.Debug("ignoring discovered token", zap.String("account", account), zap.String("token", t), zap.Error(err))
			continue
		}
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// ReconcileAccount fills gaps for every token of account up to the current head.
// A token that fails is reported in Summary.Failed and does not stop the others.
func (e *Engine) ReconcileAccount(ctx context.Context, account string, opts Options) (Summary, error) {
	started := time.Now()
	defer e.metrics.ObserveReconcile(opts.Trigger, started)

	sum := Summary{AccountID: account, Filled: map[string]int{}}
	head, err := e.oracle.Head(ctx)
	if err != nil {
		return sum, fmt.Errorf("chain head: %w", err)
	}
	sum.UpTo = head

	tokens, err := e.Tokens(ctx, account)
	if err != nil {
		return sum, err
	}

	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		tok, _ := ledger.ParseToken(token)
		if !tok.GapFilled() {
			if !opts.SampleStaking {
				continue
			}
			n, err := e.SampleStaking(ctx, account, token, head)
			if err != nil {
				if errors.Is(err, ledger.ErrStore) {
					return sum, err
				}
				sum.Failed = append(sum.Failed, token)
				e.logger.Error("staking sample failed", zap.String("account", account), zap.String("token", token), zap.Error(err))
				continue
			}
			sum.Sampled += n
			continue
		}

		n, err := e.FillGapsWithOptions(ctx, account, token, head, opts)
		if n > 0 {
			sum.Filled[token] = n
		}
		if err != nil {
			if errors.Is(err, ledger.ErrStore) || ctx.Err() != nil {
				return sum, err
			}
			sum.Failed = append(sum.Failed, token)
			e.logger.Error("token reconciliation failed", zap.String("account", account), zap.String("token", token), zap.Error(err))
		}
	}
	return sum, nil
}

// SampleStaking records a STAKING_SNAPSHOT at height when the staked balance differs from the
// last recorded sample.
func (e *Engine) SampleStaking(ctx context.Context, account, token string, height uint64) (int, error) {
	tok, err := ledger.ParseToken(token)
	if err != nil {
		return 0, err
	}
	if tok.Kind != ledger.KindStaking {
		return 0, fmt.Errorf("%w: %s is not a staking position", ledger.ErrUnsupportedToken, token)
	}

	current, err := e.oracle.Balance(ctx, account, token, height)
	if err != nil {
		return 0, err
	}
	latest, err := e.store.Latest(ctx, account, token, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ledger.ErrStore, err)
	}
	previous := decimal.Zero
	if latest != nil {
		if latest.BlockHeight >= height || latest.BalanceAfter.Equal(current) {
			return 0, nil
		}
		previous = latest.BalanceAfter
	} else if current.IsZero() {
		return 0, nil
	}

	_, inserted, err := e.synth.StakingSample(ctx, account, token, height, previous, current)
	if err != nil || !inserted {
		return 0, err
	}
	e.metrics.Gaps(PhaseStaking, 1)
	return 1, nil
}
