package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/retry"
	"github.com/ledgerfill/ledgerfill/pkg/rpc"
	"github.com/ledgerfill/ledgerfill/pkg/rpc/rpctest"
)

func newOracle(t *testing.T, chain rpc.Client) *Oracle {
	return New(chain, zaptest.NewLogger(t), WithRetryConfig(retry.Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}))
}

func TestBalanceReadsEveryTokenKind(t *testing.T) {
	chain := rpctest.NewChain(1000)
	chain.SetBalance("alice.near", ledger.NativeToken, 10, "5")
	chain.SetBalance("alice.near", "usdt.tether-token.near", 20, "7")
	chain.SetBalance("alice.near", "intents.near:nep141:wrap.near", 30, "9")
	chain.SetBalance("alice.near", "staking:pool.poolv1.near", 40, "11")
	o := newOracle(t, chain)
	ctx := context.Background()

	for token, want := range map[string]string{
		ledger.NativeToken:                "5",
		"usdt.tether-token.near":          "7",
		"intents.near:nep141:wrap.near":   "9",
		"staking:pool.poolv1.near":        "11",
	} {
		got, err := o.Balance(ctx, "alice.near", token, 500)
		require.NoError(t, err, token)
		require.Equal(t, want, got.String(), token)
	}
}

func TestBalanceWalksBackOverSkippedBlocks(t *testing.T) {
	chain := rpctest.NewChain(1000)
	chain.SetBalance("alice.near", ledger.NativeToken, 100, "3")
	chain.Skip(200, 199, 198)
	o := newOracle(t, chain)

	got, err := o.Balance(context.Background(), "alice.near", ledger.NativeToken, 200)
	require.NoError(t, err)
	require.Equal(t, "3", got.String())
	require.Equal(t, 4, chain.Calls("AccountBalance"))
}

func TestBalanceExhaustsBudget(t *testing.T) {
	chain := rpctest.NewChain(1000)
	for h := uint64(500); h > 480; h-- {
		chain.Skip(h)
	}
	o := newOracle(t, chain)

	_, err := o.Balance(context.Background(), "alice.near", ledger.NativeToken, 500)
	require.ErrorIs(t, err, ErrRetryBudgetExhausted)
	require.Equal(t, DefaultWalkBack, chain.Calls("AccountBalance"))
}

func TestBalanceBeforeAccountExistedIsZero(t *testing.T) {
	chain := rpctest.NewChain(1000)
	chain.CreateAccount("alice.near", 300)
	chain.SetBalance("alice.near", ledger.NativeToken, 300, "10")
	o := newOracle(t, chain)

	got, err := o.Balance(context.Background(), "alice.near", ledger.NativeToken, 100)
	require.NoError(t, err)
	require.True(t, got.IsZero())

	got, err = o.Balance(context.Background(), "alice.near", ledger.NativeToken, 305)
	require.NoError(t, err)
	require.Equal(t, "10", got.String())
}

func TestBalanceRetriesTransientFailures(t *testing.T) {
	chain := rpctest.NewChain(1000)
	chain.SetBalance("alice.near", ledger.NativeToken, 1, "8")
	chain.FailNext("AccountBalance", errors.New("connection reset"), &rpc.Error{Name: rpc.ErrNameTimeout})
	o := newOracle(t, chain)

	got, err := o.Balance(context.Background(), "alice.near", ledger.NativeToken, 50)
	require.NoError(t, err)
	require.Equal(t, "8", got.String())
	require.Equal(t, 3, chain.Calls("AccountBalance"))
}

func TestPermanentFailuresPropagateImmediately(t *testing.T) {
	chain := rpctest.NewChain(1000)
	o := newOracle(t, chain)
	ctx := context.Background()

	_, err := o.Balance(ctx, "alice.near", "NOT-A-TOKEN", 10)
	require.ErrorIs(t, err, ledger.ErrUnsupportedToken)

	_, err = o.Balance(ctx, "Bad Account", ledger.NativeToken, 10)
	require.ErrorIs(t, err, ledger.ErrInvalidAccount)

	chain.FailNext("AccountBalance", &rpc.Error{Name: "REQUEST_VALIDATION_ERROR", Cause: rpc.ErrNameParseError})
	_, err = o.Balance(ctx, "alice.near", ledger.NativeToken, 10)
	require.Error(t, err)
	require.True(t, rpc.IsPermanent(err))
	require.Equal(t, 1, chain.Calls("AccountBalance"))
}

func TestBalanceChange(t *testing.T) {
	chain := rpctest.NewChain(1000)
	chain.SetBalance("alice.near", ledger.NativeToken, 10, "5")
	chain.SetBalance("alice.near", ledger.NativeToken, 20, "12")
	o := newOracle(t, chain)

	before, after, err := o.BalanceChange(context.Background(), "alice.near", ledger.NativeToken, 20)
	require.NoError(t, err)
	require.Equal(t, "5", before.String())
	require.Equal(t, "12", after.String())
}

func TestIsRegistered(t *testing.T) {
	chain := rpctest.NewChain(1000)
	chain.RegisterStorage("alice.near", "usdt.tether-token.near", 100)
	chain.DeployContract("late.near", 500)
	o := newOracle(t, chain)
	ctx := context.Background()

	ok, err := o.IsRegistered(ctx, "alice.near", "usdt.tether-token.near", 99)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = o.IsRegistered(ctx, "alice.near", "usdt.tether-token.near", 100)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = o.IsRegistered(ctx, "alice.near", "late.near", 10)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReceiptBlocksSortedAndDeduplicated(t *testing.T) {
	chain := rpctest.NewChain(1000)
	chain.AddTx("tx1", "alice.near", "bob.near", 52, 50, 52)
	o := newOracle(t, chain)

	heights, err := o.ReceiptBlocks(context.Background(), "tx1", "alice.near")
	require.NoError(t, err)
	require.Equal(t, []uint64{50, 52}, heights)

	_, err = o.ReceiptBlocks(context.Background(), "missing", "alice.near")
	require.True(t, rpc.IsNotFound(err))
}

func TestBlockTimestampSkipsMissingHeights(t *testing.T) {
	chain := rpctest.NewChain(1000)
	chain.Skip(77)
	o := newOracle(t, chain)

	ts, err := o.BlockTimestamp(context.Background(), 77)
	require.NoError(t, err)
	require.EqualValues(t, 76_000_000_000, ts)
}
