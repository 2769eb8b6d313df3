package locator

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

// fromHints verifies hints in three passes: hints that claim an in-block change, hints whose
// transaction receipts executed in the window, then each hinted block as-is. A hint is
// accepted only when the oracle confirms a transition into the target at that block.
// Oracle failures here only disqualify the candidate; binary search remains.
func (s *session) fromHints(ctx context.Context) *Result {
	hints := make([]ledger.TransferHint, 0, len(s.req.Hints))
	for _, h := range s.req.Hints {
		if s.inWindow(h.BlockHeight) || h.TransactionHash != "" {
			hints = append(hints, h)
		}
	}
	if len(hints) == 0 {
		return nil
	}
	sort.SliceStable(hints, func(i, j int) bool { return hints[i].BlockHeight < hints[j].BlockHeight })

	for i := range hints {
		h := &hints[i]
		if !h.ClaimsChange() {
			continue
		}
		if s.check(ctx, h.BlockHeight) {
			return &Result{Height: h.BlockHeight, Hint: h, Strategy: StrategyHintChange}
		}
	}

	for i := range hints {
		h := &hints[i]
		if h.TransactionHash == "" {
			continue
		}
		blocks, err := s.l.reader.ReceiptBlocks(ctx, h.TransactionHash, s.req.AccountID)
		if err != nil {
			s.logger.Debug("hint transaction unresolved", zap.String("tx", h.TransactionHash), zap.Error(err))
			continue
		}
		for _, b := range blocks {
			if s.check(ctx, b) {
				return &Result{Height: b, Hint: h, Strategy: StrategyHintTx}
			}
		}
	}

	for i := range hints {
		h := &hints[i]
		if s.check(ctx, h.BlockHeight) {
			return &Result{Height: h.BlockHeight, Hint: h, Strategy: StrategyHintDirect}
		}
	}

	s.logger.Debug("no hint verified", zap.Int("hints", len(hints)))
	return nil
}

func (s *session) check(ctx context.Context, h uint64) bool {
	ok, err := s.transitionAt(ctx, h)
	if err != nil {
		s.logger.Debug("hint verification failed", zap.Uint64("height", h), zap.Error(err))
		return false
	}
	return ok
}
