package types

// SweepInput configures one steady-state pass over every enabled account.
type SweepInput struct {
	// BatchSize caps concurrent ReconcileAccount activities. Zero uses the workflow default.
	BatchSize            int  `json:"batch_size"`
	SampleStaking        bool `json:"sample_staking"`
	RecheckZeroSnapshots bool `json:"recheck_zero_snapshots"`
}

type SweepOutput struct {
	Accounts   int      `json:"accounts"`
	Reconciled int      `json:"reconciled"`
	Records    int      `json:"records"`
	Failed     []string `json:"failed,omitempty"`
}

type ListAccountsOutput struct {
	Accounts []string `json:"accounts"`
}

type ReconcileAccountInput struct {
	AccountID            string `json:"account_id"`
	SampleStaking        bool   `json:"sample_staking"`
	RecheckZeroSnapshots bool   `json:"recheck_zero_snapshots"`
}

type ReconcileAccountOutput struct {
	AccountID    string         `json:"account_id"`
	UpTo         uint64         `json:"up_to"`
	Filled       map[string]int `json:"filled"`
	Sampled      int            `json:"sampled"`
	FailedTokens []string       `json:"failed_tokens,omitempty"`
	DurationMs   float64        `json:"duration_ms"`
}

// Records is the number of ledger rows written by the run.
func (o ReconcileAccountOutput) Records() int {
	n := o.Sampled
	for _, v := range o.Filled {
		n += v
	}
	return n
}
