// Package rpctest provides an in-memory chain that satisfies rpc.Client for tests.
package rpctest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/rpc"
)

type step struct {
	height uint64
	value  decimal.Decimal
}

type balanceKey struct {
	account string
	token   string
}

// Probe is one balance read served by the chain.
type Probe struct {
	Account string
	Token   string
	Height  uint64
}

// Chain is a scripted chain. Balances are step functions: a value set at height h holds
// until the next value set for the same (account, token).
type Chain struct {
	mu sync.Mutex

	head       uint64
	skipped    map[uint64]bool
	balances   map[balanceKey][]step
	created    map[string]uint64
	codeFrom   map[string]uint64
	registered map[balanceKey]uint64

	accountChanges map[uint64][]rpc.StateChange
	dataChanges    map[uint64][]rpc.StateChange
	receipts       map[string]*rpc.Receipt
	txs            map[string]*rpc.TxStatus
	hashes         map[string]uint64

	failures map[string][]error
	calls    map[string]int
	probes   []Probe
}

// NewChain returns an empty chain whose head is at head.
func NewChain(head uint64) *Chain {
	return &Chain{
		head:           head,
		skipped:        map[uint64]bool{},
		balances:       map[balanceKey][]step{},
		created:        map[string]uint64{},
		codeFrom:       map[string]uint64{},
		registered:     map[balanceKey]uint64{},
		accountChanges: map[uint64][]rpc.StateChange{},
		dataChanges:    map[uint64][]rpc.StateChange{},
		receipts:       map[string]*rpc.Receipt{},
		txs:            map[string]*rpc.TxStatus{},
		hashes:         map[string]uint64{},
		failures:       map[string][]error{},
		calls:          map[string]int{},
	}
}

// SetHead moves the final head.
func (c *Chain) SetHead(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = h
}

// SetBalance makes token's balance for account equal to value from height onward.
func (c *Chain) SetBalance(account, token string, height uint64, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := balanceKey{account, token}
	steps := append(c.balances[k], step{height: height, value: decimal.RequireFromString(value)})
	sort.Slice(steps, func(i, j int) bool { return steps[i].height < steps[j].height })
	c.balances[k] = steps
}

// CreateAccount makes native queries for account before height fail with UNKNOWN_ACCOUNT.
func (c *Chain) CreateAccount(account string, height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created[account] = height
}

// DeployContract makes view calls on contract before height fail with CodeDoesNotExist.
func (c *Chain) DeployContract(contract string, height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codeFrom[contract] = height
}

// RegisterStorage makes storage_balance_of(account) on contract non-null from height onward.
func (c *Chain) RegisterStorage(account, contract string, height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered[balanceKey{account, contract}] = height
}

// Skip marks heights as produced by no block.
func (c *Chain) Skip(heights ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range heights {
		c.skipped[h] = true
	}
}

// AddAccountChange records an account_update for account at height caused by a transaction
// or receipt.
func (c *Chain) AddAccountChange(height uint64, account string, cause rpc.ChangeCause) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountChanges[height] = append(c.accountChanges[height], rpc.StateChange{
		Cause:  cause,
		Type:   rpc.ChangeAccountUpdate,
		Change: rpc.ChangeValue{AccountID: account},
	})
}

// AddDataChange records a data_update on contract at height caused by receiptID.
func (c *Chain) AddDataChange(height uint64, contract, receiptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataChanges[height] = append(c.dataChanges[height], rpc.StateChange{
		Cause:  rpc.ChangeCause{Type: rpc.CauseReceipt, ReceiptHash: receiptID},
		Type:   rpc.ChangeDataUpdate,
		Change: rpc.ChangeValue{AccountID: contract},
	})
}

func (c *Chain) AddReceipt(r *rpc.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[r.ReceiptID] = r
}

// AddTx registers a transaction whose receipts executed at the given heights.
func (c *Chain) AddTx(hash, signer, receiver string, receiptHeights ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := &rpc.TxStatus{Hash: hash, SignerID: signer, ReceiverID: receiver}
	for i, h := range receiptHeights {
		blockHash := hashOf(h)
		c.hashes[blockHash] = h
		tx.ReceiptsOutcome = append(tx.ReceiptsOutcome, rpc.Outcome{
			ID:        fmt.Sprintf("%s-r%d", hash, i),
			BlockHash: blockHash,
		})
	}
	c.txs[hash] = tx
}

// FailNext makes the next calls of method return errs in order.
func (c *Chain) FailNext(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = append(c.failures[method], errs...)
}

// Calls returns how many times method was invoked.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Probes returns every balance read served so far.
func (c *Chain) Probes() []Probe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Probe(nil), c.probes...)
}

// ResetProbes clears the probe log and call counters.
func (c *Chain) ResetProbes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = nil
	c.calls = map[string]int{}
}

func hashOf(h uint64) string { return fmt.Sprintf("block-%d", h) }

// enter counts the call and pops an injected failure. Caller holds mu.
func (c *Chain) enter(method string) error {
	c.calls[method]++
	if q := c.failures[method]; len(q) > 0 {
		c.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (c *Chain) checkHeight(h uint64) error {
	if h > c.head || c.skipped[h] {
		return &rpc.Error{Name: "HANDLER_ERROR", Cause: rpc.ErrNameUnknownBlock, Data: fmt.Sprintf("block %d", h)}
	}
	return nil
}

func (c *Chain) balanceAt(account, token string, h uint64) decimal.Decimal {
	c.probes = append(c.probes, Probe{Account: account, Token: token, Height: h})
	val := decimal.Zero
	for _, s := range c.balances[balanceKey{account, token}] {
		if s.height > h {
			break
		}
		val = s.value
	}
	return val
}

func (c *Chain) ChainHead(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ChainHead"); err != nil {
		return 0, err
	}
	return c.head, nil
}

func (c *Chain) block(h uint64) *rpc.Block {
	return &rpc.Block{Header: rpc.BlockHeader{Height: h, Hash: hashOf(h), PrevHash: hashOf(h - 1), Timestamp: h * 1_000_000_000}}
}

func (c *Chain) BlockByHeight(_ context.Context, height uint64) (*rpc.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("BlockByHeight"); err != nil {
		return nil, err
	}
	if err := c.checkHeight(height); err != nil {
		return nil, err
	}
	return c.block(height), nil
}

func (c *Chain) BlockByHash(_ context.Context, hash string) (*rpc.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("BlockByHash"); err != nil {
		return nil, err
	}
	h, ok := c.hashes[hash]
	if !ok {
		var n uint64
		if _, err := fmt.Sscanf(hash, "block-%d", &n); err != nil {
			return nil, &rpc.Error{Name: "HANDLER_ERROR", Cause: rpc.ErrNameUnknownBlock, Data: hash}
		}
		h = n
	}
	return c.block(h), nil
}

func (c *Chain) AccountBalance(_ context.Context, account string, height uint64) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("AccountBalance"); err != nil {
		return decimal.Zero, err
	}
	if err := c.checkHeight(height); err != nil {
		return decimal.Zero, err
	}
	if from, ok := c.created[account]; ok && height < from {
		return decimal.Zero, &rpc.Error{Name: "HANDLER_ERROR", Cause: rpc.ErrNameUnknownAccount, Data: account}
	}
	return c.balanceAt(account, ledger.NativeToken, height), nil
}

func (c *Chain) CallView(_ context.Context, contract, method string, args any, height uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CallView"); err != nil {
		return nil, err
	}
	if err := c.checkHeight(height); err != nil {
		return nil, err
	}
	if from, ok := c.codeFrom[contract]; ok && height < from {
		return nil, &rpc.Error{Name: rpc.ErrNameNoContractCode, Data: "CodeDoesNotExist"}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var a struct {
		AccountID string `json:"account_id"`
		TokenID   string `json:"token_id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}

	var token string
	switch method {
	case "ft_balance_of":
		token = contract
	case "mt_balance_of":
		token = contract + ":" + a.TokenID
	case "get_account_total_balance":
		token = "staking:" + contract
	case "storage_balance_of":
		from, ok := c.registered[balanceKey{a.AccountID, contract}]
		if !ok || height < from {
			return []byte("null"), nil
		}
		return []byte(`{"total":"1250000000000000000000","available":"0"}`), nil
	default:
		return nil, &rpc.Error{Name: rpc.ErrNameMethodNotFound, Data: "MethodNotFound: " + method}
	}
	return json.Marshal(c.balanceAt(a.AccountID, token, height).String())
}

func filterChanges(in []rpc.StateChange, accounts []string) []rpc.StateChange {
	var out []rpc.StateChange
	for _, ch := range in {
		for _, a := range accounts {
			if strings.EqualFold(ch.Change.AccountID, a) {
				out = append(out, ch)
				break
			}
		}
	}
	return out
}

func (c *Chain) AccountChanges(_ context.Context, accounts []string, height uint64) ([]rpc.StateChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("AccountChanges"); err != nil {
		return nil, err
	}
	if err := c.checkHeight(height); err != nil {
		return nil, err
	}
	return filterChanges(c.accountChanges[height], accounts), nil
}

func (c *Chain) DataChanges(_ context.Context, accounts []string, height uint64) ([]rpc.StateChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DataChanges"); err != nil {
		return nil, err
	}
	if err := c.checkHeight(height); err != nil {
		return nil, err
	}
	return filterChanges(c.dataChanges[height], accounts), nil
}

func (c *Chain) Receipt(_ context.Context, receiptID string) (*rpc.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("Receipt"); err != nil {
		return nil, err
	}
	r, ok := c.receipts[receiptID]
	if !ok {
		return nil, &rpc.Error{Name: "HANDLER_ERROR", Cause: rpc.ErrNameUnknownReceipt, Data: receiptID}
	}
	return r, nil
}

func (c *Chain) TxStatus(_ context.Context, txHash, _ string) (*rpc.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("TxStatus"); err != nil {
		return nil, err
	}
	tx, ok := c.txs[txHash]
	if !ok {
		return nil, &rpc.Error{Name: "HANDLER_ERROR", Cause: rpc.ErrNameUnknownTransaction, Data: txHash}
	}
	return tx, nil
}

var _ rpc.Client = (*Chain)(nil)
