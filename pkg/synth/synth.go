// Package synth turns a located block into a ledger record.
package synth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/metrics"
	"github.com/ledgerfill/ledgerfill/pkg/rpc"
	"github.com/ledgerfill/ledgerfill/pkg/utils"
)

// ChainReader is the part of the chain client used to explain a change.
type ChainReader interface {
	AccountChanges(ctx context.Context, accounts []string, height uint64) ([]rpc.StateChange, error)
	DataChanges(ctx context.Context, accounts []string, height uint64) ([]rpc.StateChange, error)
	Receipt(ctx context.Context, receiptID string) (*rpc.Receipt, error)
	TxStatus(ctx context.Context, txHash, sender string) (*rpc.TxStatus, error)
}

// BalanceOracle is the part of the balance oracle used to price a block.
type BalanceOracle interface {
	BalanceChange(ctx context.Context, account, token string, height uint64) (before, after decimal.Decimal, err error)
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)
}

// Resolution names stored in raw_data.
const (
	ResolvedByHint           = "hint"
	ResolvedByAccountChanges = "account_changes"
	ResolvedByTokenReceipts  = "token_receipts"
	Unresolved               = "unresolved"
	NoChange                 = "no_change"
	Boundary                 = "boundary"
	StakingSample            = "staking_sample"
)

type Synthesizer struct {
	chain   ChainReader
	oracle  BalanceOracle
	store   ledger.Store
	sink    ledger.RecordSink
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a synthesizer. sink may be nil.
func New(chain ChainReader, oracle BalanceOracle, store ledger.Store, sink ledger.RecordSink, logger *zap.Logger, m *metrics.Metrics) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{chain: chain, oracle: oracle, store: store, sink: sink, logger: logger, metrics: m}
}

// Request identifies the block to record. Hint, when set, has already been verified.
type Request struct {
	AccountID string
	TokenID   string
	Height    uint64
	Hint      *ledger.TransferHint
}

// provenance is what we learned about the cause of a change.
type provenance struct {
	Resolution   string `json:"resolution"`
	HintSource   string `json:"hint_source,omitempty"`
	Method       string `json:"method,omitempty"`
	counterparty string
	signer       string
	receiver     string
	txs          []string
	receipts     []string
}

// Synthesize records the balance change of (account, token) at req.Height.
// The write is a no-op when a record already exists at that key; inserted reports which.
// A block where the balance did not move is recorded as a SNAPSHOT; a change whose cause
// cannot be found is recorded with counterparty UNKNOWN.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (rec *ledger.BalanceChange, inserted bool, err error) {
	tok, err := ledger.ParseToken(req.TokenID)
	if err != nil {
		return nil, false, err
	}
	before, after, err := s.oracle.BalanceChange(ctx, req.AccountID, req.TokenID, req.Height)
	if err != nil {
		return nil, false, fmt.Errorf("balance change at %d: %w", req.Height, err)
	}

	rec = ledger.NewChange(req.AccountID, req.TokenID, req.Height, before, after)
	var prov provenance
	if before.Equal(after) {
		prov = provenance{Resolution: NoChange, counterparty: ledger.CounterpartySnapshot}
	} else {
		prov = s.resolve(ctx, req, tok)
	}
	s.apply(rec, prov)
	return s.write(ctx, rec)
}

// Snapshot records that (account, token) held balance at height without a transfer there.
func (s *Synthesizer) Snapshot(ctx context.Context, account, token string, height uint64, balance decimal.Decimal) (*ledger.BalanceChange, bool, error) {
	rec := ledger.NewChange(account, token, height, balance, balance)
	s.apply(rec, provenance{Resolution: Boundary, counterparty: ledger.CounterpartySnapshot})
	return s.write(ctx, rec)
}

// StakingSample records a periodic reading of a staking position.
func (s *Synthesizer) StakingSample(ctx context.Context, account, token string, height uint64, previous, current decimal.Decimal) (*ledger.BalanceChange, bool, error) {
	rec := ledger.NewChange(account, token, height, previous, current)
	s.apply(rec, provenance{Resolution: StakingSample, counterparty: ledger.CounterpartyStakingSnapshot})
	return s.write(ctx, rec)
}

func (s *Synthesizer) apply(rec *ledger.BalanceChange, p provenance) {
	rec.Counterparty = p.counterparty
	rec.SignerID = p.signer
	rec.ReceiverID = p.receiver
	rec.TransactionHashes = utils.DedupStrings(p.txs)
	rec.ReceiptIDs = utils.DedupStrings(p.receipts)
	if raw, err := json.Marshal(p); err == nil {
		rec.RawData = raw
	}
}

func (s *Synthesizer) write(ctx context.Context, rec *ledger.BalanceChange) (*ledger.BalanceChange, bool, error) {
	ts, err := s.oracle.BlockTimestamp(ctx, rec.BlockHeight)
	if err != nil {
		return nil, false, fmt.Errorf("timestamp of %d: %w", rec.BlockHeight, err)
	}
	rec.BlockTimestamp = ts
	if err := rec.Validate(); err != nil {
		return nil, false, err
	}

	inserted, err := s.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("%w: insert %s/%s@%d: %w", ledger.ErrStore, rec.AccountID, rec.TokenID, rec.BlockHeight, err)
	}
	if !inserted {
		s.logger.Debug("record already present",
			zap.String("account", rec.AccountID),
			zap.String("token", rec.TokenID),
			zap.Uint64("height", rec.BlockHeight))
		return rec, false, nil
	}

	s.metrics.Inserted(class(rec))
	s.logger.Info("ledger record written",
		zap.String("account", rec.AccountID),
		zap.String("token", rec.TokenID),
		zap.Uint64("height", rec.BlockHeight),
		zap.String("counterparty", rec.Counterparty),
		zap.String("amount", rec.Amount.String()))

	if s.sink != nil {
		if err := s.sink.RecordInserted(ctx, rec); err != nil {
			s.logger.Warn("record sink failed", zap.Uint64("height", rec.BlockHeight), zap.Error(err))
		}
	}
	return rec, true, nil
}

func class(rec *ledger.BalanceChange) string {
	switch rec.Counterparty {
	case ledger.CounterpartySnapshot, ledger.CounterpartyStakingSnapshot, ledger.CounterpartyUnknown:
		return rec.Counterparty
	default:
		return "transfer"
	}
}
