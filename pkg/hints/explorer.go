package hints

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/rpc"
)

// Explorer reads indexed balance changes from a block explorer API.
//
//	GET /v1/balance-changes?account_id=&token_id=&from_block=&to_block=
//	GET /v1/accounts/{account}/tokens
type Explorer struct {
	http *rpc.HTTPClient
}

// NewExplorer shares the rate limiting and circuit breaking of the chain client.
func NewExplorer(opts rpc.Opts) *Explorer {
	return &Explorer{http: rpc.NewHTTPWithOpts(opts)}
}

func (e *Explorer) Name() string { return "explorer" }

func (e *Explorer) Supports(token ledger.Token) bool {
	return token.Kind != ledger.KindStaking
}

type explorerChange struct {
	BlockHeight     uint64           `json:"block_height"`
	Counterparty    string           `json:"counterparty"`
	TransactionHash string           `json:"transaction_hash"`
	BalanceBefore   *decimal.Decimal `json:"balance_before"`
	BalanceAfter    *decimal.Decimal `json:"balance_after"`
}

func (e *Explorer) Hints(ctx context.Context, account, token string, from, to uint64) ([]ledger.TransferHint, error) {
	q := url.Values{}
	q.Set("account_id", account)
	q.Set("token_id", token)
	q.Set("from_block", fmt.Sprint(from))
	q.Set("to_block", fmt.Sprint(to))

	var resp struct {
		Changes []explorerChange `json:"changes"`
	}
	if err := e.http.GetJSON(ctx, "/v1/balance-changes?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("explorer balance changes: %w", err)
	}

	out := make([]ledger.TransferHint, 0, len(resp.Changes))
	for _, c := range resp.Changes {
		out = append(out, ledger.TransferHint{
			BlockHeight:         c.BlockHeight,
			Counterparty:        c.Counterparty,
			TransactionHash:     c.TransactionHash,
			StartOfBlockBalance: c.BalanceBefore,
			EndOfBlockBalance:   c.BalanceAfter,
		})
	}
	return out, nil
}

func (e *Explorer) DiscoverTokens(ctx context.Context, account string) ([]string, error) {
	var resp struct {
		Tokens []string `json:"tokens"`
	}
	if err := e.http.GetJSON(ctx, "/v1/accounts/"+url.PathEscape(account)+"/tokens", &resp); err != nil {
		return nil, fmt.Errorf("explorer tokens: %w", err)
	}
	return resp.Tokens, nil
}

var (
	_ Provider        = (*Explorer)(nil)
	_ TokenDiscoverer = (*Explorer)(nil)
)
