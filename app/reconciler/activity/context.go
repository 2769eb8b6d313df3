package activity

import (
	"context"

	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/reconcile"
)

// Reconciler is the engine surface the sweep drives. *reconcile.Engine satisfies it.
type Reconciler interface {
	ReconcileAccount(ctx context.Context, account string, opts reconcile.Options) (reconcile.Summary, error)
}

type Context struct {
	Logger   *zap.Logger
	Accounts ledger.AccountStore
	Engine   Reconciler
}
