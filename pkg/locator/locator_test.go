package locator

import (
	"context"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

// stepReader serves a piecewise-constant balance and counts reads per height.
type stepReader struct {
	heights []uint64
	values  []int64
	reads   map[uint64]int
	txs     map[string][]uint64
}

func newStepReader(steps ...[2]int64) *stepReader {
	r := &stepReader{reads: map[uint64]int{}, txs: map[string][]uint64{}}
	for _, s := range steps {
		r.heights = append(r.heights, uint64(s[0]))
		r.values = append(r.values, s[1])
	}
	return r
}

func (r *stepReader) value(h uint64) int64 {
	var v int64
	for i, sh := range r.heights {
		if sh > h {
			break
		}
		v = r.values[i]
	}
	return v
}

func (r *stepReader) Balance(_ context.Context, _, _ string, h uint64) (decimal.Decimal, error) {
	r.reads[h]++
	return decimal.NewFromInt(r.value(h)), nil
}

func (r *stepReader) ReceiptBlocks(_ context.Context, tx, _ string) ([]uint64, error) {
	return r.txs[tx], nil
}

func (r *stepReader) requireNoDuplicateProbes(t *testing.T) {
	t.Helper()
	for h, n := range r.reads {
		require.Equalf(t, 1, n, "height %d probed %d times", h, n)
	}
}

func req(after, through uint64, target int64, hints ...ledger.TransferHint) Request {
	return Request{
		AccountID: "alice.near",
		TokenID:   ledger.NativeToken,
		After:     after,
		Through:   through,
		Target:    decimal.NewFromInt(target),
		Hints:     hints,
	}
}

func TestBinarySearchFindsExactTransition(t *testing.T) {
	for _, tc := range []struct{ after, transition, through uint64 }{
		{100, 101, 300},
		{100, 299, 300},
		{100, 300, 300},
		{100, 187, 300},
		{0, 1, 2_400_000},
		{5_000_000, 6_234_567, 7_400_000},
	} {
		r := newStepReader([2]int64{0, 10}, [2]int64{int64(tc.transition), 15})
		l := New(r, zaptest.NewLogger(t), nil)

		res, err := l.Locate(context.Background(), req(tc.after, tc.through, 15))
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Equal(t, tc.transition, res.Height)
		require.Equal(t, StrategyBinary, res.Strategy)
		r.requireNoDuplicateProbes(t)
	}
}

func TestBinarySearchDoesNotAssumeMonotonicBalances(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		// A random walk that revisits the same few values many times.
		r := newStepReader()
		h := uint64(0)
		for i := 0; i < 40; i++ {
			h += uint64(rng.Intn(50) + 1)
			r.heights = append(r.heights, h)
			r.values = append(r.values, int64(rng.Intn(4)))
		}
		after := uint64(rng.Intn(int(h)))
		through := after + uint64(rng.Intn(int(h-after)+1))
		target := r.value(through)
		r.reads = map[uint64]int{}

		res, err := New(r, nil, nil).Locate(context.Background(), req(after, through, target))
		require.NoError(t, err)
		r.requireNoDuplicateProbes(t)

		if r.value(after) == target || through <= after {
			require.Nil(t, res)
			continue
		}
		require.NotNil(t, res)
		require.Greater(t, res.Height, after)
		require.LessOrEqual(t, res.Height, through)
		require.Equal(t, target, r.value(res.Height))
		require.NotEqual(t, target, r.value(res.Height-1))
	}
}

func TestNotFoundWhenTargetPredatesWindow(t *testing.T) {
	r := newStepReader([2]int64{0, 10}, [2]int64{50, 15})
	res, err := New(r, nil, nil).Locate(context.Background(), req(100, 300, 15))
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestNotFoundWhenTargetAbsentAtEnd(t *testing.T) {
	r := newStepReader([2]int64{0, 10}, [2]int64{150, 15})
	res, err := New(r, nil, nil).Locate(context.Background(), req(100, 300, 99))
	require.NoError(t, err)
	require.Nil(t, res)
}

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestHintClaimingChangeIsVerified(t *testing.T) {
	r := newStepReader([2]int64{0, 10}, [2]int64{187, 15})
	hint := ledger.TransferHint{BlockHeight: 187, Counterparty: "bob.near", StartOfBlockBalance: dec(10), EndOfBlockBalance: dec(15)}

	res, err := New(r, nil, nil).Locate(context.Background(), req(100, 300, 15, hint))
	require.NoError(t, err)
	require.Equal(t, uint64(187), res.Height)
	require.Equal(t, StrategyHintChange, res.Strategy)
	require.Equal(t, "bob.near", res.Hint.Counterparty)
	require.Equal(t, 2, res.Probes)
}

func TestDisprovedHintFallsThrough(t *testing.T) {
	r := newStepReader([2]int64{0, 10}, [2]int64{187, 15})
	bogus := []ledger.TransferHint{
		{BlockHeight: 150, Counterparty: "mallory.near", StartOfBlockBalance: dec(10), EndOfBlockBalance: dec(15)},
		{BlockHeight: 250, Counterparty: "mallory.near"},
		{BlockHeight: 188, Counterparty: "mallory.near"},
		{BlockHeight: 9_999, Counterparty: "mallory.near"},
	}

	res, err := New(r, nil, nil).Locate(context.Background(), req(100, 300, 15, bogus...))
	require.NoError(t, err)
	require.Equal(t, uint64(187), res.Height)
	require.Equal(t, StrategyBinary, res.Strategy)
	require.Nil(t, res.Hint)
	r.requireNoDuplicateProbes(t)
	require.Zero(t, r.reads[9_999])
}

func TestHintTransactionResolvesReceiptBlock(t *testing.T) {
	r := newStepReader([2]int64{0, 10}, [2]int64{203, 15})
	r.txs["tx-abc"] = []uint64{201, 203}
	hint := ledger.TransferHint{BlockHeight: 201, TransactionHash: "tx-abc", Counterparty: "bob.near"}

	res, err := New(r, nil, nil).Locate(context.Background(), req(100, 300, 15, hint))
	require.NoError(t, err)
	require.Equal(t, uint64(203), res.Height)
	require.Equal(t, StrategyHintTx, res.Strategy)
	r.requireNoDuplicateProbes(t)
}

func TestDirectHintChecksPreviousBlock(t *testing.T) {
	// 15 appears at 120, disappears at 140 and comes back at 210.
	r := newStepReader([2]int64{0, 10}, [2]int64{120, 15}, [2]int64{140, 12}, [2]int64{210, 15})
	hints := []ledger.TransferHint{{BlockHeight: 260}, {BlockHeight: 210}}

	res, err := New(r, nil, nil).Locate(context.Background(), req(100, 300, 15, hints...))
	require.NoError(t, err)
	require.Equal(t, uint64(210), res.Height)
	require.Equal(t, StrategyHintDirect, res.Strategy)
}

func TestBinarySearchIgnoresHints(t *testing.T) {
	r := newStepReader([2]int64{0, 10}, [2]int64{187, 15})
	hint := ledger.TransferHint{BlockHeight: 187, StartOfBlockBalance: dec(10), EndOfBlockBalance: dec(15)}

	res, err := New(r, nil, nil).BinarySearch(context.Background(), req(100, 300, 15, hint))
	require.NoError(t, err)
	require.Equal(t, StrategyBinary, res.Strategy)
	require.Equal(t, uint64(187), res.Height)
}
