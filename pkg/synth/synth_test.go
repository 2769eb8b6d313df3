package synth

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ledgerfill/ledgerfill/pkg/db/memory"
	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/oracle"
	"github.com/ledgerfill/ledgerfill/pkg/rpc"
	"github.com/ledgerfill/ledgerfill/pkg/rpc/rpctest"
)

type countingSink struct{ records []*ledger.BalanceChange }

func (c *countingSink) RecordInserted(_ context.Context, r *ledger.BalanceChange) error {
	c.records = append(c.records, r)
	return nil
}

type fixture struct {
	chain *rpctest.Chain
	store *memory.Store
	sink  *countingSink
	synth *Synthesizer
}

func newFixture(t *testing.T) *fixture {
	chain := rpctest.NewChain(10_000)
	store := memory.NewStore()
	sink := &countingSink{}
	logger := zaptest.NewLogger(t)
	return &fixture{
		chain: chain,
		store: store,
		sink:  sink,
		synth: New(chain, oracle.New(chain, logger), store, sink, logger, nil),
	}
}

func TestNativeTransferResolvedFromTransaction(t *testing.T) {
	f := newFixture(t)
	f.chain.SetBalance("alice.near", ledger.NativeToken, 1, "10")
	f.chain.SetBalance("alice.near", ledger.NativeToken, 150, "15")
	f.chain.AddAccountChange(150, "alice.near", rpc.ChangeCause{Type: rpc.CauseTransaction, TxHash: "tx1"})
	f.chain.AddTx("tx1", "bob.near", "alice.near", 150)

	rec, inserted, err := f.synth.Synthesize(context.Background(), Request{AccountID: "alice.near", TokenID: ledger.NativeToken, Height: 150})
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, "bob.near", rec.Counterparty)
	require.Equal(t, "bob.near", rec.SignerID)
	require.Equal(t, []string{"tx1"}, rec.TransactionHashes)
	require.Equal(t, "5", rec.Amount.String())
	require.EqualValues(t, 150_000_000_000, rec.BlockTimestamp)
	require.JSONEq(t, `{"resolution":"account_changes"}`, string(rec.RawData))
}

func TestNativeTransferResolvedFromReceipt(t *testing.T) {
	f := newFixture(t)
	f.chain.SetBalance("alice.near", ledger.NativeToken, 200, "3")
	f.chain.AddAccountChange(200, "alice.near", rpc.ChangeCause{Type: rpc.CauseReceipt, ReceiptHash: "r9"})
	f.chain.AddReceipt(&rpc.Receipt{ReceiptID: "r9", PredecessorID: "dao.sputnik-dao.near", ReceiverID: "alice.near", SignerID: "carol.near"})

	rec, _, err := f.synth.Synthesize(context.Background(), Request{AccountID: "alice.near", TokenID: ledger.NativeToken, Height: 200})
	require.NoError(t, err)
	require.Equal(t, "dao.sputnik-dao.near", rec.Counterparty)
	require.Equal(t, []string{"r9"}, rec.ReceiptIDs)
}

func TestFungibleTransferDecodedFromTokenContract(t *testing.T) {
	f := newFixture(t)
	token := "usdt.tether-token.near"
	f.chain.SetBalance("alice.near", token, 1, "1000")
	f.chain.SetBalance("alice.near", token, 300, "400")
	f.chain.AddDataChange(300, token, "r1")
	f.chain.AddReceipt(&rpc.Receipt{
		ReceiptID:     "r1",
		PredecessorID: "alice.near",
		ReceiverID:    token,
		SignerID:      "alice.near",
		Calls: []rpc.FunctionCall{{
			MethodName: "ft_transfer",
			Args:       []byte(`{"receiver_id":"bob.near","amount":"600"}`),
		}},
	})

	rec, _, err := f.synth.Synthesize(context.Background(), Request{AccountID: "alice.near", TokenID: token, Height: 300})
	require.NoError(t, err)
	require.Equal(t, "bob.near", rec.Counterparty)
	require.Equal(t, "-600", rec.Amount.String())
	require.Equal(t, []string{"r1"}, rec.ReceiptIDs)
	require.JSONEq(t, `{"resolution":"token_receipts","method":"ft_transfer"}`, string(rec.RawData))
}

func TestIncomingIntentsTransfer(t *testing.T) {
	f := newFixture(t)
	token := "intents.near:nep141:wrap.near"
	f.chain.SetBalance("alice.near", token, 400, "7")
	f.chain.AddDataChange(400, ledger.IntentsContract, "r2")
	f.chain.AddReceipt(&rpc.Receipt{
		ReceiptID:     "r2",
		PredecessorID: "bob.near",
		ReceiverID:    ledger.IntentsContract,
		Calls: []rpc.FunctionCall{{
			MethodName: "mt_transfer",
			Args:       []byte(`{"receiver_id":"alice.near","token_id":"nep141:wrap.near","amount":"7"}`),
		}},
	})

	rec, _, err := f.synth.Synthesize(context.Background(), Request{AccountID: "alice.near", TokenID: token, Height: 400})
	require.NoError(t, err)
	require.Equal(t, "bob.near", rec.Counterparty)
}

func TestVerifiedHintSuppliesCounterparty(t *testing.T) {
	f := newFixture(t)
	f.chain.SetBalance("alice.near", ledger.NativeToken, 50, "9")
	hint := &ledger.TransferHint{BlockHeight: 50, Counterparty: "erin.near", TransactionHash: "tx7", Source: "explorer"}

	rec, _, err := f.synth.Synthesize(context.Background(), Request{AccountID: "alice.near", TokenID: ledger.NativeToken, Height: 50, Hint: hint})
	require.NoError(t, err)
	require.Equal(t, "erin.near", rec.Counterparty)
	require.Equal(t, []string{"tx7"}, rec.TransactionHashes)
	require.Zero(t, f.chain.Calls("AccountChanges"))
}

func TestUnresolvedChangeIsUnknownNotSnapshot(t *testing.T) {
	f := newFixture(t)
	f.chain.SetBalance("alice.near", ledger.NativeToken, 60, "9")

	rec, inserted, err := f.synth.Synthesize(context.Background(), Request{AccountID: "alice.near", TokenID: ledger.NativeToken, Height: 60})
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, ledger.CounterpartyUnknown, rec.Counterparty)
	require.False(t, rec.Amount.IsZero())
}

func TestNoChangeBecomesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.chain.SetBalance("alice.near", ledger.NativeToken, 1, "9")

	rec, _, err := f.synth.Synthesize(context.Background(), Request{AccountID: "alice.near", TokenID: ledger.NativeToken, Height: 70})
	require.NoError(t, err)
	require.Equal(t, ledger.CounterpartySnapshot, rec.Counterparty)
	require.True(t, rec.Amount.IsZero())
}

func TestSynthesizeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.chain.SetBalance("alice.near", ledger.NativeToken, 80, "4")
	req := Request{AccountID: "alice.near", TokenID: ledger.NativeToken, Height: 80}

	_, inserted, err := f.synth.Synthesize(context.Background(), req)
	require.NoError(t, err)
	require.True(t, inserted)

	_, inserted, err = f.synth.Synthesize(context.Background(), req)
	require.NoError(t, err)
	require.False(t, inserted)

	rows, err := f.store.Changes(context.Background(), "alice.near", ledger.NativeToken, ledger.ChangeFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, f.sink.records, 1)
}

func TestBoundarySnapshotAndStakingSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, inserted, err := f.synth.Snapshot(ctx, "alice.near", ledger.NativeToken, 90, decimal.NewFromInt(12))
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, ledger.CounterpartySnapshot, rec.Counterparty)

	rec, _, err = f.synth.StakingSample(ctx, "alice.near", "staking:pool.poolv1.near", 95, decimal.NewFromInt(100), decimal.NewFromInt(103))
	require.NoError(t, err)
	require.Equal(t, ledger.CounterpartyStakingSnapshot, rec.Counterparty)
	require.Equal(t, "3", rec.Amount.String())
}

func TestTransferParty(t *testing.T) {
	r := &rpc.Receipt{PredecessorID: "wrap.near", ReceiverID: "wrap.near"}
	cp, ok, err := transferParty("alice.near", r, rpc.FunctionCall{
		MethodName: "ft_resolve_transfer",
		Args:       []byte(`{"sender_id":"alice.near","receiver_id":"dex.near","amount":"5"}`),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dex.near", cp)

	deposit := &rpc.Receipt{PredecessorID: "alice.near", ReceiverID: "wrap.near"}
	cp, ok, err = transferParty("alice.near", deposit, rpc.FunctionCall{MethodName: "near_deposit", Args: []byte(`{}`)})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "wrap.near", cp)

	cp, ok, err = transferParty("alice.near", deposit, rpc.FunctionCall{MethodName: "near_deposit"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "wrap.near", cp)

	_, ok, err = transferParty("alice.near", r, rpc.FunctionCall{MethodName: "ft_transfer", Args: []byte(`{"receiver_id":"bob.near"}`)})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = transferParty("alice.near", deposit, rpc.FunctionCall{MethodName: "ft_transfer", Args: []byte(`{"receiver_id":`)})
	require.Error(t, err)
	require.False(t, ok, "malformed args never name a counterparty")
}
