package synth

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/rpc"
)

// resolve explains a real change at req.Height. It never fails: anything it cannot explain
// becomes UNKNOWN.
func (s *Synthesizer) resolve(ctx context.Context, req Request, tok ledger.Token) provenance {
	logger := s.logger.With(
		zap.String("account", req.AccountID),
		zap.String("token", req.TokenID),
		zap.Uint64("height", req.Height))

	if h := req.Hint; h != nil && h.Counterparty != "" {
		p := provenance{Resolution: ResolvedByHint, HintSource: h.Source, counterparty: h.Counterparty}
		if h.TransactionHash != "" {
			p.txs = []string{h.TransactionHash}
		}
		return p
	}

	switch tok.Kind {
	case ledger.KindNative, ledger.KindStaking:
		if p, ok := s.fromAccountChanges(ctx, req.AccountID, req.Height, logger); ok {
			return p
		}
	case ledger.KindFungible, ledger.KindIntents:
		if p, ok := s.fromTokenReceipts(ctx, req.AccountID, tok.Contract, req.Height, logger); ok {
			return p
		}
		// Storage deposits and refunds can still show up on the account itself.
		if p, ok := s.fromAccountChanges(ctx, req.AccountID, req.Height, logger); ok {
			return p
		}
	}

	logger.Warn("change cause unresolved, recording UNKNOWN")
	return provenance{Resolution: Unresolved, counterparty: ledger.CounterpartyUnknown}
}

// fromAccountChanges reads the account's own state changes at height and derives the other
// party from the transaction or receipt that caused them.
func (s *Synthesizer) fromAccountChanges(ctx context.Context, account string, height uint64, logger *zap.Logger) (provenance, bool) {
	changes, err := s.chain.AccountChanges(ctx, []string{account}, height)
	if err != nil {
		logger.Debug("account changes unavailable", zap.Error(err))
		return provenance{}, false
	}

	p := provenance{Resolution: ResolvedByAccountChanges}
	for _, ch := range changes {
		if ch.Change.AccountID != account {
			continue
		}
		switch {
		case ch.Cause.TxHash != "":
			p.txs = append(p.txs, ch.Cause.TxHash)
			if p.counterparty != "" {
				continue
			}
			tx, err := s.chain.TxStatus(ctx, ch.Cause.TxHash, account)
			if err != nil {
				logger.Debug("transaction lookup failed", zap.String("tx", ch.Cause.TxHash), zap.Error(err))
				continue
			}
			p.signer, p.receiver = tx.SignerID, tx.ReceiverID
			p.counterparty = otherParty(account, tx.SignerID, tx.ReceiverID)
		case ch.Cause.ReceiptHash != "":
			p.receipts = append(p.receipts, ch.Cause.ReceiptHash)
			if p.counterparty != "" {
				continue
			}
			r, err := s.chain.Receipt(ctx, ch.Cause.ReceiptHash)
			if err != nil {
				logger.Debug("receipt lookup failed", zap.String("receipt", ch.Cause.ReceiptHash), zap.Error(err))
				continue
			}
			p.signer, p.receiver = r.SignerID, r.ReceiverID
			p.counterparty = otherParty(account, r.PredecessorID, r.ReceiverID)
		}
	}
	return p, p.counterparty != ""
}

// fromTokenReceipts handles tokens whose ledger lives on another contract: the account itself
// has no state change, the token contract does. Each receipt that touched the contract at
// height is decoded to see whether the account was sender or receiver.
func (s *Synthesizer) fromTokenReceipts(ctx context.Context, account, contract string, height uint64, logger *zap.Logger) (provenance, bool) {
	changes, err := s.chain.DataChanges(ctx, []string{contract}, height)
	if err != nil {
		logger.Debug("contract data changes unavailable", zap.String("contract", contract), zap.Error(err))
		return provenance{}, false
	}

	seen := map[string]bool{}
	for _, ch := range changes {
		id := ch.Cause.ReceiptHash
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		r, err := s.chain.Receipt(ctx, id)
		if err != nil {
			logger.Debug("receipt lookup failed", zap.String("receipt", id), zap.Error(err))
			continue
		}
		for _, call := range r.Calls {
			cp, ok, err := transferParty(account, r, call)
			if err != nil {
				logger.Debug("undecodable call args",
					zap.String("receipt", id),
					zap.String("method", call.MethodName),
					zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			return provenance{
				Resolution:   ResolvedByTokenReceipts,
				Method:       call.MethodName,
				counterparty: cp,
				signer:       r.SignerID,
				receiver:     r.ReceiverID,
				receipts:     []string{id},
			}, true
		}
	}
	return provenance{}, false
}

type transferArgs struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	AccountID  string `json:"account_id"`
	OwnerID    string `json:"owner_id"`
}

// transferParty reports the counterparty of account in one token method call.
//
//	ft_transfer, ft_transfer_call, mt_transfer, mt_transfer_call, mt_batch_transfer:
//	    predecessor sends to receiver_id
//	ft_resolve_transfer, mt_resolve_transfer: refund from receiver_id back to sender_id
//	anything else called by the account (near_deposit, ft_withdraw, ...): the contract itself
//
// Calls whose non-empty args do not decode are skipped with an error.
func transferParty(account string, r *rpc.Receipt, call rpc.FunctionCall) (string, bool, error) {
	var args transferArgs
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "", false, fmt.Errorf("%s args: %w", call.MethodName, err)
		}
	}

	switch call.MethodName {
	case "ft_transfer", "ft_transfer_call", "mt_transfer", "mt_transfer_call", "mt_batch_transfer", "mt_batch_transfer_call":
		sender := r.PredecessorID
		if args.SenderID != "" {
			sender = args.SenderID
		}
		switch account {
		case sender:
			if args.ReceiverID != "" {
				return args.ReceiverID, true, nil
			}
		case args.ReceiverID:
			return sender, true, nil
		}
	case "ft_resolve_transfer", "mt_resolve_transfer":
		switch account {
		case args.SenderID:
			return args.ReceiverID, args.ReceiverID != "", nil
		case args.ReceiverID:
			return args.SenderID, args.SenderID != "", nil
		}
	default:
		if r.PredecessorID == account || args.AccountID == account || args.OwnerID == account {
			return r.ReceiverID, r.ReceiverID != "", nil
		}
	}
	return "", false, nil
}

// otherParty picks whichever of a, b is not account. Self-transfers report the account.
func otherParty(account, a, b string) string {
	switch {
	case a != "" && a != account:
		return a
	case b != "" && b != account:
		return b
	case a != "":
		return a
	default:
		return b
	}
}
