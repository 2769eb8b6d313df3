package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/metrics"
	"github.com/ledgerfill/ledgerfill/pkg/retry"
	"github.com/ledgerfill/ledgerfill/pkg/rpc"
)

// DefaultWalkBack is how many consecutive heights a read may step back through.
const DefaultWalkBack = 10

var ErrRetryBudgetExhausted = errors.New("balance walk-back budget exhausted")

// Oracle answers "what was the balance of (account, token) as of block h".
// It is stateless and safe for concurrent use.
type Oracle struct {
	client   rpc.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics
	walkBack int
	retry    retry.Config
}

type Option func(*Oracle)

// WithWalkBack sets the number of heights tried per read.
func WithWalkBack(n int) Option {
	return func(o *Oracle) {
		if n > 0 {
			o.walkBack = n
		}
	}
}

// WithRetryConfig sets the backoff used for transport failures at a single height.
func WithRetryConfig(cfg retry.Config) Option {
	return func(o *Oracle) { o.retry = cfg }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Oracle) { o.metrics = m }
}

func New(client rpc.Client, logger *zap.Logger, opts ...Option) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Oracle{
		client:   client,
		logger:   logger,
		walkBack: DefaultWalkBack,
		retry:    retry.RPCConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// absent reports errors meaning "no answer at this height" that may resolve at an earlier one.
func absent(err error) bool {
	return rpc.IsUnknownBlock(err) || rpc.IsUnknownAccount(err) || rpc.IsMethodNotFound(err)
}

// Balance returns the balance of token held by account as of height.
//
// A height the node cannot answer (skipped, unpinned, or before the account or contract
// existed) is retried at height-1, height-2 and so on, up to the walk-back budget; the
// first height that answers wins. When every attempt reports the account or contract as
// missing, the balance is zero. Malformed input and unsupported tokens fail immediately.
func (o *Oracle) Balance(ctx context.Context, account, token string, height uint64) (decimal.Decimal, error) {
	tok, err := ledger.ParseToken(token)
	if err != nil {
		return decimal.Zero, err
	}
	if err := ledger.ValidateAccountID(account); err != nil {
		return decimal.Zero, err
	}

	var lastErr error
	onlyMissing := true
	for i := 0; i < o.walkBack; i++ {
		if uint64(i) > height {
			break
		}
		h := height - uint64(i)

		bal, err := o.readWithRetry(ctx, account, tok, h)
		if err == nil {
			if i > 0 {
				o.metrics.OracleWalkBack()
			}
			o.metrics.OracleQuery(tok.Kind.String(), "ok")
			return bal, nil
		}
		if !absent(err) {
			o.metrics.OracleQuery(tok.Kind.String(), "error")
			return decimal.Zero, fmt.Errorf("balance %s/%s@%d: %w", account, token, h, err)
		}
		if rpc.IsUnknownBlock(err) {
			onlyMissing = false
		}
		lastErr = err
	}

	if onlyMissing {
		o.metrics.OracleQuery(tok.Kind.String(), "absent")
		return decimal.Zero, nil
	}
	o.metrics.OracleQuery(tok.Kind.String(), "exhausted")
	return decimal.Zero, fmt.Errorf("%w: %s/%s@%d after %d heights: %v",
		ErrRetryBudgetExhausted, account, token, height, o.walkBack, lastErr)
}

// BalanceChange returns the balances at the end of height-1 and height.
func (o *Oracle) BalanceChange(ctx context.Context, account, token string, height uint64) (before, after decimal.Decimal, err error) {
	after, err = o.Balance(ctx, account, token, height)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if height == 0 {
		return decimal.Zero, after, nil
	}
	before, err = o.Balance(ctx, account, token, height-1)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return before, after, nil
}

// readWithRetry reads one height, retrying transport failures. Node answers that classify
// the height itself (missing block, account, contract) or the request (malformed) are final.
func (o *Oracle) readWithRetry(ctx context.Context, account string, tok ledger.Token, h uint64) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := retry.WithBackoff(ctx, o.retry, o.logger, "balance", func() error {
		v, err := o.read(ctx, account, tok, h)
		if err != nil {
			if absent(err) || rpc.IsPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		bal = v
		return nil
	})
	return bal, err
}

func (o *Oracle) read(ctx context.Context, account string, tok ledger.Token, h uint64) (decimal.Decimal, error) {
	switch tok.Kind {
	case ledger.KindNative:
		return o.client.AccountBalance(ctx, account, h)
	case ledger.KindFungible:
		return o.viewAmount(ctx, tok.Contract, "ft_balance_of", map[string]string{"account_id": account}, h)
	case ledger.KindIntents:
		return o.viewAmount(ctx, tok.Contract, "mt_balance_of",
			map[string]string{"account_id": account, "token_id": tok.Asset}, h)
	case ledger.KindStaking:
		return o.viewAmount(ctx, tok.Contract, "get_account_total_balance", map[string]string{"account_id": account}, h)
	default:
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: %s", ledger.ErrUnsupportedToken, tok.ID))
	}
}

// viewAmount decodes a view method returning a decimal string, e.g. "1000".
func (o *Oracle) viewAmount(ctx context.Context, contract, method string, args any, h uint64) (decimal.Decimal, error) {
	raw, err := o.client.CallView(ctx, contract, method, args, h)
	if err != nil {
		return decimal.Zero, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Zero, retry.Permanent(fmt.Errorf("%s.%s returned %q: %w", contract, method, raw, err))
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, retry.Permanent(fmt.Errorf("%s.%s returned %q: %w", contract, method, s, err))
	}
	return v, nil
}

// IsRegistered reports whether account held a storage deposit on contract at height.
// A contract without code at that height has no registrations.
func (o *Oracle) IsRegistered(ctx context.Context, account, contract string, height uint64) (bool, error) {
	var registered bool
	err := retry.WithBackoff(ctx, o.retry, o.logger, "storage_balance_of", func() error {
		raw, err := o.client.CallView(ctx, contract, "storage_balance_of", map[string]string{"account_id": account}, height)
		if err != nil {
			if rpc.IsMethodNotFound(err) {
				registered = false
				return nil
			}
			if rpc.IsPermanent(err) || rpc.IsUnknownBlock(err) {
				return retry.Permanent(err)
			}
			return err
		}
		var v json.RawMessage
		if err := json.Unmarshal(raw, &v); err != nil {
			return retry.Permanent(err)
		}
		registered = string(v) != "null"
		return nil
	})
	return registered, err
}

// ReceiptBlocks returns the ascending heights at which the receipts of a transaction executed.
// A transaction's effects can land several blocks after its inclusion.
func (o *Oracle) ReceiptBlocks(ctx context.Context, txHash, sender string) ([]uint64, error) {
	var status *rpc.TxStatus
	err := retry.WithBackoff(ctx, o.retry, o.logger, "tx_status", func() error {
		s, err := o.client.TxStatus(ctx, txHash, sender)
		if err != nil {
			if rpc.IsNotFound(err) || rpc.IsPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		status = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	hashes := map[string]struct{}{}
	if status.TransactionOutcome.BlockHash != "" {
		hashes[status.TransactionOutcome.BlockHash] = struct{}{}
	}
	for _, out := range status.ReceiptsOutcome {
		if out.BlockHash != "" {
			hashes[out.BlockHash] = struct{}{}
		}
	}

	heights := make([]uint64, 0, len(hashes))
	for hash := range hashes {
		b, err := o.client.BlockByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("resolve block %s of tx %s: %w", hash, txHash, err)
		}
		heights = append(heights, b.Header.Height)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights, nil
}

// BlockTimestamp returns the chain time of height in nanoseconds, using the nearest
// earlier block when height was skipped.
func (o *Oracle) BlockTimestamp(ctx context.Context, height uint64) (uint64, error) {
	var lastErr error
	for i := 0; i < o.walkBack && uint64(i) <= height; i++ {
		var b *rpc.Block
		err := retry.WithBackoff(ctx, o.retry, o.logger, "block", func() error {
			v, err := o.client.BlockByHeight(ctx, height-uint64(i))
			if err != nil {
				if rpc.IsUnknownBlock(err) || rpc.IsPermanent(err) {
					return retry.Permanent(err)
				}
				return err
			}
			b = v
			return nil
		})
		if err == nil {
			return b.Header.Timestamp, nil
		}
		if !rpc.IsUnknownBlock(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("%w: block %d: %v", ErrRetryBudgetExhausted, height, lastErr)
}

// Head returns the latest final height.
func (o *Oracle) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := retry.WithBackoff(ctx, o.retry, o.logger, "chain_head", func() error {
		h, err := o.client.ChainHead(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	return head, err
}
