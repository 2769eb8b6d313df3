package workflow

import (
	"time"

	"github.com/ledgerfill/ledgerfill/app/reconciler/activity"
)

const (
	SweepWorkflowName = "SweepWorkflow"

	DefaultBatchSize      = 16
	DefaultAccountTimeout = 30 * time.Minute
)

// Config holds the workflow configuration.
type Config struct {
	// BatchSize is how many accounts are reconciled concurrently.
	BatchSize int
	// AccountTimeout bounds one ReconcileAccount activity attempt.
	AccountTimeout time.Duration
}

// Context holds the workflow context.
type Context struct {
	ActivityContext *activity.Context
	Config          Config
}
