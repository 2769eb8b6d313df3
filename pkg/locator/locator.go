// Package locator finds the block at which an account's balance became a given value.
package locator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/metrics"
)

// BalanceReader is the slice of the balance oracle the locator needs.
type BalanceReader interface {
	Balance(ctx context.Context, account, token string, height uint64) (decimal.Decimal, error)
	ReceiptBlocks(ctx context.Context, txHash, sender string) ([]uint64, error)
}

// Strategy names reported in Result.
const (
	StrategyHintChange = "hint_change"
	StrategyHintTx     = "hint_tx"
	StrategyHintDirect = "hint_direct"
	StrategyBinary     = "binary_search"
)

// Request describes one search. The balance is known not to equal Target at After and to
// equal Target at Through; the answer is a height in (After, Through].
type Request struct {
	AccountID string
	TokenID   string
	After     uint64
	Through   uint64
	Target    decimal.Decimal
	Hints     []ledger.TransferHint
}

// Result is a located transition: the balance equals Target at Height and differs at Height-1.
type Result struct {
	Height   uint64
	Hint     *ledger.TransferHint
	Strategy string
	Probes   int
}

type Locator struct {
	reader  BalanceReader
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(reader BalanceReader, logger *zap.Logger, m *metrics.Metrics) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{reader: reader, logger: logger, metrics: m}
}

// Locate tries the hints in req, then falls back to binary search over the whole window.
// A nil Result with a nil error means the window holds no transition into Target.
func (l *Locator) Locate(ctx context.Context, req Request) (*Result, error) {
	s := l.session(req)
	defer func() { l.metrics.Probes(len(s.seen)) }()

	if res := s.fromHints(ctx); res != nil {
		return s.done(res), nil
	}
	res, err := s.binarySearch(ctx)
	if err != nil || res == nil {
		return nil, err
	}
	return s.done(res), nil
}

// BinarySearch ignores hints.
func (l *Locator) BinarySearch(ctx context.Context, req Request) (*Result, error) {
	s := l.session(req)
	defer func() { l.metrics.Probes(len(s.seen)) }()

	res, err := s.binarySearch(ctx)
	if err != nil || res == nil {
		return nil, err
	}
	return s.done(res), nil
}

// session holds the per-call probe cache. Every block is read from the oracle at most once.
type session struct {
	l      *Locator
	req    Request
	seen   map[uint64]bool
	tried  map[uint64]bool
	logger *zap.Logger
}

func (l *Locator) session(req Request) *session {
	s := &session{
		l:     l,
		req:   req,
		seen:  map[uint64]bool{},
		tried: map[uint64]bool{},
	}
	s.logger = l.logger.With(
		zap.String("account", req.AccountID),
		zap.String("token", req.TokenID),
		zap.Uint64("after", req.After),
		zap.Uint64("through", req.Through),
	)
	return s
}

func (s *session) done(res *Result) *Result {
	res.Probes = len(s.seen)
	s.logger.Debug("located transition",
		zap.Uint64("height", res.Height),
		zap.String("strategy", res.Strategy),
		zap.Int("probes", res.Probes))
	return res
}

// at reports whether the balance at h equals the target.
func (s *session) at(ctx context.Context, h uint64) (bool, error) {
	if v, ok := s.seen[h]; ok {
		return v, nil
	}
	bal, err := s.l.reader.Balance(ctx, s.req.AccountID, s.req.TokenID, h)
	if err != nil {
		return false, err
	}
	v := bal.Equal(s.req.Target)
	s.seen[h] = v
	return v, nil
}

func (s *session) inWindow(h uint64) bool {
	return h > s.req.After && h <= s.req.Through
}

// transitionAt reports whether h is a block where the balance became the target.
// Each candidate is evaluated once per session.
func (s *session) transitionAt(ctx context.Context, h uint64) (bool, error) {
	if !s.inWindow(h) || s.tried[h] {
		return false, nil
	}
	s.tried[h] = true
	now, err := s.at(ctx, h)
	if err != nil || !now {
		return false, err
	}
	prev, err := s.at(ctx, h-1)
	if err != nil {
		return false, err
	}
	return !prev, nil
}

// binarySearch returns the lowest height in (After, Through] where the balance equals the target,
// provided the target holds at Through and not at After. It drives off the step predicate
// "balance(b) == target", never off numeric ordering, so it is correct for balances that rise
// and fall. The returned height always has balance(h-1) != target.
func (s *session) binarySearch(ctx context.Context) (*Result, error) {
	if s.req.Through <= s.req.After {
		return nil, nil
	}
	hiOK, err := s.at(ctx, s.req.Through)
	if err != nil {
		return nil, fmt.Errorf("probe %d: %w", s.req.Through, err)
	}
	if !hiOK {
		s.logger.Warn("target balance not present at end of window", zap.String("target", s.req.Target.String()))
		return nil, nil
	}
	loOK, err := s.at(ctx, s.req.After)
	if err != nil {
		return nil, fmt.Errorf("probe %d: %w", s.req.After, err)
	}
	if loOK {
		return nil, nil
	}

	lo, hi := s.req.After, s.req.Through
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		ok, err := s.at(ctx, mid)
		if err != nil {
			return nil, fmt.Errorf("probe %d: %w", mid, err)
		}
		if ok {
			hi = mid
		} else {
			lo = mid
		}
	}
	return &Result{Height: hi, Strategy: StrategyBinary}, nil
}
