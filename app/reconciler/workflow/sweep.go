package workflow

import (
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ledgerfill/ledgerfill/app/reconciler/types"
)

// SweepWorkflow reconciles every enabled account in batches. A failed account is reported in
// the output and does not fail the sweep; only listing the accounts can.
func (wc *Context) SweepWorkflow(ctx workflow.Context, in types.SweepInput) (types.SweepOutput, error) {
	logger := workflow.GetLogger(ctx)

	listCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})

	timeout := wc.Config.AccountTimeout
	if timeout <= 0 {
		timeout = DefaultAccountTimeout
	}
	accountCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{"invalid_account"},
		},
	})

	var list types.ListAccountsOutput
	if err := workflow.ExecuteActivity(listCtx, wc.ActivityContext.ListEnabledAccounts).Get(listCtx, &list); err != nil {
		return types.SweepOutput{}, err
	}

	batch := in.BatchSize
	if batch <= 0 {
		batch = wc.Config.BatchSize
	}
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	out := types.SweepOutput{Accounts: len(list.Accounts)}
	for i := 0; i < len(list.Accounts); i += batch {
		accounts := list.Accounts[i:min(i+batch, len(list.Accounts))]

		futures := make([]workflow.Future, len(accounts))
		for j, account := range accounts {
			futures[j] = workflow.ExecuteActivity(accountCtx, wc.ActivityContext.ReconcileAccount, types.ReconcileAccountInput{
				AccountID:            account,
				SampleStaking:        in.SampleStaking,
				RecheckZeroSnapshots: in.RecheckZeroSnapshots,
			})
		}

		for j, f := range futures {
			var res types.ReconcileAccountOutput
			if err := f.Get(accountCtx, &res); err != nil {
				logger.Warn("Account reconcile failed", "account", accounts[j], "error", err)
				out.Failed = append(out.Failed, accounts[j])
				continue
			}
			out.Reconciled++
			out.Records += res.Records()
			if len(res.FailedTokens) > 0 {
				logger.Warn("Tokens left for the next sweep", "account", accounts[j], "tokens", res.FailedTokens)
			}
		}
	}

	logger.Info("Sweep finished",
		"accounts", out.Accounts,
		"reconciled", out.Reconciled,
		"records", out.Records,
		"failed", len(out.Failed))
	return out, nil
}
