package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reserved counterparty values. Anything else is the account id of the other party.
const (
	// CounterpartySnapshot marks a verified balance with no change at that block.
	CounterpartySnapshot = "SNAPSHOT"
	// CounterpartyStakingSnapshot is a periodic sample of a staking position.
	CounterpartyStakingSnapshot = "STAKING_SNAPSHOT"
	// CounterpartyUnknown is a real change whose cause could not be resolved.
	CounterpartyUnknown = "UNKNOWN"
)

var (
	ErrSnapshotMismatch = errors.New("snapshot record must not change the balance")
	ErrAmountMismatch   = errors.New("amount must equal balance_after - balance_before")
	ErrUnknownNoChange  = errors.New("UNKNOWN record must carry a non-zero amount")
	ErrAccountNotFound  = errors.New("monitored account not found")
	// ErrStore marks failures of the ledger store itself. They abort a reconciliation run.
	ErrStore = errors.New("ledger store failure")
)

// BalanceChange is one row of the ledger. (AccountID, TokenID, BlockHeight) is unique.
type BalanceChange struct {
	AccountID         string          `json:"account_id"`
	TokenID           string          `json:"token_id"`
	BlockHeight       uint64          `json:"block_height"`
	BlockTimestamp    uint64          `json:"block_timestamp"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceBefore     decimal.Decimal `json:"balance_before"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	Counterparty      string          `json:"counterparty"`
	SignerID          string          `json:"signer_id,omitempty"`
	ReceiverID        string          `json:"receiver_id,omitempty"`
	TransactionHashes []string        `json:"transaction_hashes"`
	ReceiptIDs        []string        `json:"receipt_ids"`
	RawData           json.RawMessage `json:"raw_data,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// NewChange builds a record with Amount derived from the two balances.
func NewChange(account, token string, height uint64, before, after decimal.Decimal) *BalanceChange {
	return &BalanceChange{
		AccountID:     account,
		TokenID:       token,
		BlockHeight:   height,
		BalanceBefore: before,
		BalanceAfter:  after,
		Amount:        after.Sub(before),
	}
}

// IsSnapshot reports whether the record is a sample rather than a transfer.
func (c *BalanceChange) IsSnapshot() bool {
	return c.Counterparty == CounterpartySnapshot || c.Counterparty == CounterpartyStakingSnapshot
}

// Validate enforces the record-level rules every writer must respect.
func (c *BalanceChange) Validate() error {
	if c.AccountID == "" || c.TokenID == "" {
		return fmt.Errorf("record missing account or token (account=%q token=%q)", c.AccountID, c.TokenID)
	}
	if c.Counterparty == "" {
		return fmt.Errorf("record %s/%s@%d has no counterparty", c.AccountID, c.TokenID, c.BlockHeight)
	}
	if !c.Amount.Equal(c.BalanceAfter.Sub(c.BalanceBefore)) {
		return fmt.Errorf("%w: %s/%s@%d", ErrAmountMismatch, c.AccountID, c.TokenID, c.BlockHeight)
	}
	switch c.Counterparty {
	case CounterpartySnapshot:
		if !c.BalanceBefore.Equal(c.BalanceAfter) {
			return fmt.Errorf("%w: %s/%s@%d before=%s after=%s", ErrSnapshotMismatch,
				c.AccountID, c.TokenID, c.BlockHeight, c.BalanceBefore, c.BalanceAfter)
		}
	case CounterpartyUnknown:
		if c.Amount.IsZero() {
			return fmt.Errorf("%w: %s/%s@%d", ErrUnknownNoChange, c.AccountID, c.TokenID, c.BlockHeight)
		}
	}
	return nil
}

// BalanceGap is a detected hole between two known balance states. The block that produced
// ExpectedBalanceBefore lies strictly between StartBlock and EndBlock.
type BalanceGap struct {
	AccountID             string
	TokenID               string
	StartBlock            uint64
	EndBlock              uint64
	ActualBalanceAfter    decimal.Decimal
	ExpectedBalanceBefore decimal.Decimal
	// EndTimestamp is the chain time of the record at EndBlock.
	EndTimestamp uint64
}

func (g BalanceGap) String() string {
	return fmt.Sprintf("%s/%s (%d,%d] %s -> %s", g.AccountID, g.TokenID, g.StartBlock, g.EndBlock,
		g.ActualBalanceAfter, g.ExpectedBalanceBefore)
}

// TransferHint is advisory data from an external provider. It is never written as-is.
type TransferHint struct {
	BlockHeight         uint64
	Counterparty        string
	TransactionHash     string
	StartOfBlockBalance *decimal.Decimal
	EndOfBlockBalance   *decimal.Decimal
	Source              string
}

// ClaimsChange reports whether the provider asserts the balance moved inside this block.
func (h TransferHint) ClaimsChange() bool {
	return h.StartOfBlockBalance != nil && h.EndOfBlockBalance != nil &&
		!h.StartOfBlockBalance.Equal(*h.EndOfBlockBalance)
}

// MonitoredAccount carries the scheduling state of one account.
type MonitoredAccount struct {
	AccountID    string     `json:"account_id"`
	Enabled      bool       `json:"enabled"`
	DirtyAt      *time.Time `json:"dirty_at,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DirtyTimestamp truncates t to the precision the account store persists, so values read
// back compare equal to the value written.
func DirtyTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
