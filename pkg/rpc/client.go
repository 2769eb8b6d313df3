package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Client captures the chain queries used to read point-in-time balances and resolve
// what caused a change.
type Client interface {
	ChainHead(ctx context.Context) (uint64, error)
	BlockByHeight(ctx context.Context, height uint64) (*Block, error)
	BlockByHash(ctx context.Context, hash string) (*Block, error)
	// AccountBalance is the liquid native balance of account at height.
	AccountBalance(ctx context.Context, account string, height uint64) (decimal.Decimal, error)
	// CallView runs a read-only contract method at height and returns its raw result bytes.
	CallView(ctx context.Context, contract, method string, args any, height uint64) ([]byte, error)
	AccountChanges(ctx context.Context, accounts []string, height uint64) ([]StateChange, error)
	DataChanges(ctx context.Context, accounts []string, height uint64) ([]StateChange, error)
	Receipt(ctx context.Context, receiptID string) (*Receipt, error)
	TxStatus(ctx context.Context, txHash, sender string) (*TxStatus, error)
}

// Factory produces RPC clients for a given set of endpoints.
type Factory interface {
	NewClient(endpoints []string) Client
}

type httpFactory struct {
	opts Opts
}

// NewHTTPFactory returns a factory that builds HTTP clients with shared defaults.
func NewHTTPFactory(opts Opts) Factory {
	return &httpFactory{opts: opts}
}

func (f *httpFactory) NewClient(endpoints []string) Client {
	o := f.opts
	o.Endpoints = endpoints
	return NewHTTPWithOpts(o)
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonRPCError struct {
	Name  string `json:"name"`
	Cause *struct {
		Name string `json:"name"`
	} `json:"cause"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *jsonRPCError) toError() *Error {
	out := &Error{Name: e.Name, Message: e.Message}
	if e.Cause != nil {
		out.Cause = e.Cause.Name
	}
	if len(e.Data) > 0 {
		var s string
		if json.Unmarshal(e.Data, &s) == nil {
			out.Data = s
		} else {
			out.Data = string(e.Data)
		}
	}
	return out
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

// call performs one JSON-RPC request and decodes its result into out.
func (c *HTTPClient) call(ctx context.Context, method string, params any, out any) error {
	var resp jsonRPCResponse
	req := jsonRPCRequest{JSONRPC: "2.0", ID: "ledgerfill", Method: method, Params: params}
	if err := c.doJSON(ctx, http.MethodPost, "", req, &resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error.toError()
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// ChainHead returns the height of the latest final block.
func (c *HTTPClient) ChainHead(ctx context.Context) (uint64, error) {
	var b Block
	if err := c.call(ctx, "block", map[string]any{"finality": "final"}, &b); err != nil {
		return 0, err
	}
	return b.Header.Height, nil
}

// BlockByHeight fetches a block. Skipped heights return an UNKNOWN_BLOCK error.
func (c *HTTPClient) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	var b Block
	if err := c.call(ctx, "block", map[string]any{"block_id": height}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *HTTPClient) BlockByHash(ctx context.Context, hash string) (*Block, error) {
	var b Block
	if err := c.call(ctx, "block", map[string]any{"block_id": hash}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *HTTPClient) AccountBalance(ctx context.Context, account string, height uint64) (decimal.Decimal, error) {
	var view struct {
		Amount string `json:"amount"`
	}
	params := map[string]any{"request_type": "view_account", "account_id": account, "block_id": height}
	if err := c.call(ctx, "query", params, &view); err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(view.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("view_account %s@%d amount %q: %w", account, height, view.Amount, err)
	}
	return amount, nil
}

func (c *HTTPClient) CallView(ctx context.Context, contract, method string, args any, height uint64) ([]byte, error) {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"request_type": "call_function",
		"account_id":   contract,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argBytes),
		"block_id":     height,
	}
	var res struct {
		// The node encodes the returned bytes as an array of numbers, not base64.
		Result []int  `json:"result"`
		Error  string `json:"error"`
	}
	if err := c.call(ctx, "query", params, &res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, viewCallError(res.Error)
	}
	out := make([]byte, len(res.Result))
	for i, b := range res.Result {
		out[i] = byte(b)
	}
	return out, nil
}

type changesResult struct {
	BlockHash string        `json:"block_hash"`
	Changes   []StateChange `json:"changes"`
}

func (c *HTTPClient) AccountChanges(ctx context.Context, accounts []string, height uint64) ([]StateChange, error) {
	params := map[string]any{"changes_type": "account_changes", "account_ids": accounts, "block_id": height}
	var res changesResult
	if err := c.call(ctx, "EXPERIMENTAL_changes", params, &res); err != nil {
		return nil, err
	}
	return res.Changes, nil
}

func (c *HTTPClient) DataChanges(ctx context.Context, accounts []string, height uint64) ([]StateChange, error) {
	params := map[string]any{
		"changes_type":      "data_changes",
		"account_ids":       accounts,
		"key_prefix_base64": "",
		"block_id":          height,
	}
	var res changesResult
	if err := c.call(ctx, "EXPERIMENTAL_changes", params, &res); err != nil {
		return nil, err
	}
	return res.Changes, nil
}

func (c *HTTPClient) Receipt(ctx context.Context, receiptID string) (*Receipt, error) {
	var raw rawReceipt
	if err := c.call(ctx, "EXPERIMENTAL_receipt", map[string]any{"receipt_id": receiptID}, &raw); err != nil {
		return nil, err
	}
	return raw.decode()
}

// TxStatus returns the transaction and the outcomes of every receipt it spawned.
// sender only routes the query to the right shard.
func (c *HTTPClient) TxStatus(ctx context.Context, txHash, sender string) (*TxStatus, error) {
	params := map[string]any{"tx_hash": txHash, "sender_account_id": sender, "wait_until": "NONE"}
	var raw rawTxStatus
	if err := c.call(ctx, "EXPERIMENTAL_tx_status", params, &raw); err != nil {
		return nil, err
	}
	return raw.decode(), nil
}

var _ Client = (*HTTPClient)(nil)
