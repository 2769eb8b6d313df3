package activity

import (
	"context"
	"errors"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/app/reconciler/types"
	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/reconcile"
)

// TriggerSweep labels sweep runs in metrics.
const TriggerSweep = "sweep"

// ListEnabledAccounts returns the accounts the sweep should visit.
func (c *Context) ListEnabledAccounts(ctx context.Context) (types.ListAccountsOutput, error) {
	accounts, err := c.Accounts.ListEnabled(ctx)
	if err != nil {
		return types.ListAccountsOutput{}, sdktemporal.NewApplicationErrorWithCause("unable to list monitored accounts", "store_error", err)
	}
	out := types.ListAccountsOutput{Accounts: make([]string, 0, len(accounts))}
	for _, a := range accounts {
		out.Accounts = append(out.Accounts, a.AccountID)
	}
	return out, nil
}

// ReconcileAccount fills every gap-filled token of one account up to the current head.
// Tokens that fail are reported in the output and retried by the next sweep.
func (c *Context) ReconcileAccount(ctx context.Context, in types.ReconcileAccountInput) (types.ReconcileAccountOutput, error) {
	start := time.Now()

	summary, err := c.Engine.ReconcileAccount(ctx, in.AccountID, reconcile.Options{
		SampleStaking:        in.SampleStaking,
		RecheckZeroSnapshots: in.RecheckZeroSnapshots,
		Trigger:              TriggerSweep,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAccount):
			return types.ReconcileAccountOutput{}, sdktemporal.NewNonRetryableApplicationError("invalid account id", "invalid_account", err)
		case errors.Is(err, ledger.ErrStore):
			return types.ReconcileAccountOutput{}, sdktemporal.NewApplicationErrorWithCause("ledger store unavailable", "store_error", err)
		default:
			return types.ReconcileAccountOutput{}, sdktemporal.NewApplicationErrorWithCause("reconcile failed", "reconcile_error", err)
		}
	}

	if err := c.Accounts.TouchSynced(ctx, in.AccountID); err != nil {
		c.Logger.Warn("unable to record sync time", zap.String("account", in.AccountID), zap.Error(err))
	}

	return types.ReconcileAccountOutput{
		AccountID:    summary.AccountID,
		UpTo:         summary.UpTo,
		Filled:       summary.Filled,
		Sampled:      summary.Sampled,
		FailedTokens: summary.Failed,
		DurationMs:   float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}
