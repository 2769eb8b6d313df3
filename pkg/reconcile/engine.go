// Package reconcile drives gap filling for one (account, token) at a time:
// seed, fill to present, fill to past, then interior gaps.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/gaps"
	"github.com/ledgerfill/ledgerfill/pkg/hints"
	"github.com/ledgerfill/ledgerfill/pkg/ledger"
	"github.com/ledgerfill/ledgerfill/pkg/locator"
	"github.com/ledgerfill/ledgerfill/pkg/metrics"
	"github.com/ledgerfill/ledgerfill/pkg/oracle"
	"github.com/ledgerfill/ledgerfill/pkg/rpc"
	"github.com/ledgerfill/ledgerfill/pkg/synth"
)

const (
	// DefaultLookbackBlocks is roughly 30 days of blocks.
	DefaultLookbackBlocks = 2_400_000
	// DefaultInteriorPasses bounds how often the interior phase re-scans after making progress.
	// Every pass closes at least one transition per open gap.
	DefaultInteriorPasses = 64
	// DefaultUnresolvedRetryAfter is how long an unresolvable interior gap is skipped.
	DefaultUnresolvedRetryAfter = time.Hour
)

// ErrPassesExhausted is returned when the interior phase still had resolvable gaps after its
// last pass.
var ErrPassesExhausted = errors.New("interior passes exhausted")

// Phase names used in logs and metrics.
const (
	PhaseSeed     = "seed"
	PhasePresent  = "present"
	PhasePast     = "past"
	PhaseInterior = "interior"
	PhaseStaking  = "staking"
)

type Config struct {
	LookbackBlocks uint64
	InteriorPasses int
	// UnresolvedRetryAfter is how long an interior gap the locator could not place is left
	// alone before it is searched again.
	UnresolvedRetryAfter time.Duration
}

// Deps are the collaborators of an Engine. Hints and Sink are optional.
type Deps struct {
	Store   ledger.Store
	Chain   rpc.Client
	Oracle  *oracle.Oracle
	Hints   *hints.Registry
	Sink    ledger.RecordSink
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Options tune one run.
type Options struct {
	// Since limits the interior phase to gaps closed by a record at or after this chain time.
	// The zero value processes every gap.
	Since time.Time
	// RecheckZeroSnapshots lets fill-to-past search behind a SNAPSHOT whose balance is zero.
	RecheckZeroSnapshots bool
	// SampleStaking includes staking positions in ReconcileAccount.
	SampleStaking bool
	// Trigger labels the run in metrics ("dirty", "sweep", "api").
	Trigger string
}

type Engine struct {
	store    ledger.Store
	oracle   *oracle.Oracle
	locator  *locator.Locator
	synth    *synth.Synthesizer
	detector *gaps.Detector
	hints    *hints.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config

	unresolved *xsync.Map[gapKey, time.Time]
	now        func() time.Time
}

type gapKey struct {
	account  string
	token    string
	start    uint64
	end      uint64
	expected string
}

func keyOf(account, token string, g ledger.BalanceGap) gapKey {
	return gapKey{account, token, g.StartBlock, g.EndBlock, g.ExpectedBalanceBefore.String()}
}

func NewEngine(d Deps, cfg Config) *Engine {
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = DefaultLookbackBlocks
	}
	if cfg.InteriorPasses <= 0 {
		cfg.InteriorPasses = DefaultInteriorPasses
	}
	if cfg.UnresolvedRetryAfter <= 0 {
		cfg.UnresolvedRetryAfter = DefaultUnresolvedRetryAfter
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    d.Store,
		oracle:   d.Oracle,
		locator:  locator.New(d.Oracle, logger.Named("locator"), d.Metrics),
		synth:    synth.New(d.Chain, d.Oracle, d.Store, d.Sink, logger.Named("synth"), d.Metrics),
		detector: gaps.NewDetector(d.Store),
		hints:    d.Hints,
		logger:   logger,
		metrics:  d.Metrics,
		cfg:      cfg,

		unresolved: xsync.NewMap[gapKey, time.Time](),
		now:        time.Now,
	}
}

// parked reports whether g was found unresolvable recently. Expired entries are dropped.
func (e *Engine) parked(k gapKey) bool {
	until, ok := e.unresolved.Load(k)
	if !ok {
		return false
	}
	if e.now().Before(until) {
		return true
	}
	e.unresolved.Delete(k)
	return false
}

func (e *Engine) park(k gapKey) {
	e.unresolved.Store(k, e.now().Add(e.cfg.UnresolvedRetryAfter))
}

// expireParked forgets gaps whose retry time passed, including ones that no longer exist.
func (e *Engine) expireParked() {
	now := e.now()
	e.unresolved.Range(func(k gapKey, until time.Time) bool {
		if !now.Before(until) {
			e.unresolved.Delete(k)
		}
		return true
	})
}

// FillGaps reconciles (account, token) up to block upTo and returns how many records it wrote.
// upTo of zero means the current final head.
func (e *Engine) FillGaps(ctx context.Context, account, token string, upTo uint64) (int, error) {
	return e.FillGapsWithOptions(ctx, account, token, upTo, Options{Trigger: "api"})
}

// FillGapsWithOptions runs the four phases in order. Failures to locate or record a single gap
// are logged and leave that gap for a later run. A failed phase does not stop the ones after
// it; its error is returned once all phases ran. Store failures abort immediately.
func (e *Engine) FillGapsWithOptions(ctx context.Context, account, token string, upTo uint64, opts Options) (int, error) {
	if err := ledger.ValidateAccountID(account); err != nil {
		return 0, err
	}
	tok, err := ledger.ParseToken(token)
	if err != nil {
		return 0, err
	}
	if !tok.GapFilled() {
		return 0, fmt.Errorf("%w: %s is sampled, not gap-filled", ledger.ErrUnsupportedToken, token)
	}
	if upTo == 0 {
		if upTo, err = e.oracle.Head(ctx); err != nil {
			return 0, fmt.Errorf("chain head: %w", err)
		}
	}

	r := &run{
		e:      e,
		ctx:    ctx,
		acct:   account,
		token:  token,
		upTo:   upTo,
		opts:   opts,
		logger: e.logger.With(zap.String("account", account), zap.String("token", token), zap.Uint64("up_to", upTo)),
	}

	var failed []error
	for _, phase := range []struct {
		name string
		fn   func() (int, error)
	}{
		{PhaseSeed, r.seed},
		{PhasePresent, r.fillToPresent},
		{PhasePast, r.fillToPast},
		{PhaseInterior, r.fillInterior},
	} {
		n, err := phase.fn()
		r.filled += n
		if err != nil {
			if errors.Is(err, ledger.ErrStore) || ctx.Err() != nil {
				return r.filled, fmt.Errorf("%s phase: %w", phase.name, err)
			}
			e.metrics.GapFailed(phase.name)
			r.logger.Error("phase failed, continuing", zap.String("phase", phase.name), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s phase: %w", phase.name, err))
		}
	}

	if r.filled > 0 {
		r.logger.Info("gaps filled", zap.Int("filled", r.filled), zap.Int("deferred", r.deferred))
	}
	return r.filled, errors.Join(failed...)
}

// run is the state of one FillGaps call.
type run struct {
	e        *Engine
	ctx      context.Context
	acct     string
	token    string
	upTo     uint64
	opts     Options
	logger   *zap.Logger
	filled   int
	deferred int
}

func (r *run) window(through uint64) uint64 {
	if through > r.e.cfg.LookbackBlocks {
		return through - r.e.cfg.LookbackBlocks
	}
	return 0
}

func (r *run) locate(after, through uint64, target decimal.Decimal) (*locator.Result, error) {
	var hs []ledger.TransferHint
	if through > after {
		hs = r.e.hints.Hints(r.ctx, r.acct, r.token, after+1, through)
	}
	return r.e.locator.Locate(r.ctx, locator.Request{
		AccountID: r.acct,
		TokenID:   r.token,
		After:     after,
		Through:   through,
		Target:    target,
		Hints:     hs,
	})
}

func (r *run) record(res *locator.Result) (int, error) {
	_, inserted, err := r.e.synth.Synthesize(r.ctx, synth.Request{
		AccountID: r.acct,
		TokenID:   r.token,
		Height:    res.Height,
		Hint:      res.Hint,
	})
	if err != nil || !inserted {
		return 0, err
	}
	return 1, nil
}

// boundary marks the start of a search window that did not contain the transition,
// provided the balance there is the one we were looking for.
func (r *run) boundary(phase string, after uint64, target decimal.Decimal) (int, error) {
	bal, err := r.e.oracle.Balance(r.ctx, r.acct, r.token, after)
	if err != nil {
		return 0, err
	}
	if !bal.Equal(target) {
		r.deferred++
		r.logger.Warn("transition not found in window",
			zap.String("phase", phase),
			zap.Uint64("window_start", after),
			zap.String("target", target.String()),
			zap.String("balance_at_start", bal.String()))
		return 0, nil
	}
	r.logger.Warn("transition predates lookback window, marking boundary",
		zap.String("phase", phase),
		zap.Uint64("window_start", after),
		zap.String("balance", bal.String()))
	_, inserted, err := r.e.synth.Snapshot(r.ctx, r.acct, r.token, after, bal)
	if err != nil || !inserted {
		return 0, err
	}
	return 1, nil
}

// seed creates the first record of an empty history.
func (r *run) seed() (int, error) {
	earliest, err := r.e.store.Earliest(r.ctx, r.acct, r.token)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ledger.ErrStore, err)
	}
	if earliest != nil {
		return 0, nil
	}

	current, err := r.e.oracle.Balance(r.ctx, r.acct, r.token, r.upTo)
	if err != nil {
		return 0, err
	}
	if current.IsZero() {
		return 0, nil
	}

	after := r.window(r.upTo)
	r.e.metrics.Gaps(PhaseSeed, 1)
	res, err := r.locate(after, r.upTo, current)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return r.boundary(PhaseSeed, after, current)
	}
	return r.record(res)
}

// fillToPresent closes the distance between the latest record and the live balance.
// One transition is resolved; earlier ones then show up as interior gaps.
func (r *run) fillToPresent() (int, error) {
	latest, err := r.e.store.Latest(r.ctx, r.acct, r.token, r.upTo)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ledger.ErrStore, err)
	}
	if latest == nil || latest.BlockHeight >= r.upTo {
		return 0, nil
	}

	live, err := r.e.oracle.Balance(r.ctx, r.acct, r.token, r.upTo)
	if err != nil {
		return 0, err
	}
	if latest.BalanceAfter.Equal(live) {
		return 0, nil
	}

	r.e.metrics.Gaps(PhasePresent, 1)
	res, err := r.locate(latest.BlockHeight, r.upTo, live)
	if err != nil {
		return 0, err
	}
	if res == nil {
		r.deferred++
		r.logger.Warn("live balance transition not found",
			zap.Uint64("latest", latest.BlockHeight),
			zap.String("latest_after", latest.BalanceAfter.String()),
			zap.String("live", live.String()))
		return 0, nil
	}
	return r.record(res)
}

// fillToPast walks the history backwards one transition at a time until it reaches a zero
// balance, a boundary SNAPSHOT, or the lookback window measured from the earliest record the
// phase started with.
func (r *run) fillToPast() (int, error) {
	total := 0
	floor, bounded := uint64(0), false
	for {
		if err := r.ctx.Err(); err != nil {
			return total, err
		}
		earliest, err := r.e.store.Earliest(r.ctx, r.acct, r.token)
		if err != nil {
			return total, fmt.Errorf("%w: %w", ledger.ErrStore, err)
		}
		if earliest == nil || earliest.BlockHeight == 0 {
			return total, nil
		}

		zeroSnapshot := earliest.Counterparty == ledger.CounterpartySnapshot && earliest.BalanceBefore.IsZero()
		if earliest.BalanceBefore.IsZero() && !(zeroSnapshot && r.opts.RecheckZeroSnapshots && total == 0) {
			return total, nil
		}

		through := earliest.BlockHeight - 1
		if !bounded {
			floor, bounded = r.window(through), true
		}
		if through <= floor {
			return total, nil
		}

		r.e.metrics.Gaps(PhasePast, 1)
		res, err := r.locate(floor, through, earliest.BalanceBefore)
		if err != nil {
			return total, err
		}
		if res == nil {
			n, err := r.boundary(PhasePast, floor, earliest.BalanceBefore)
			return total + n, err
		}
		n, err := r.record(res)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// fillInterior closes gaps between existing records, lowest first. A search lands on the
// transition just below the gap's end, so every pass narrows each gap by one record and the
// scan repeats while it makes progress. Gaps the locator could not place are parked for
// UnresolvedRetryAfter.
func (r *run) fillInterior() (int, error) {
	r.e.expireParked()
	total := 0
	for pass := 0; ; pass++ {
		found, err := r.e.detector.FindGaps(r.ctx, r.acct, r.token, r.upTo)
		if err != nil {
			return total, err
		}
		found = r.skipParked(r.sinceFilter(found), pass == 0)
		if len(found) == 0 {
			return total, nil
		}
		if pass == r.e.cfg.InteriorPasses {
			return total, fmt.Errorf("%w: %d gaps left after %d passes", ErrPassesExhausted, len(found), pass)
		}
		r.e.metrics.Gaps(PhaseInterior, len(found))

		progress := 0
		for _, g := range found {
			if err := r.ctx.Err(); err != nil {
				return total + progress, err
			}
			n, err := r.fillGap(g)
			if err != nil {
				if errors.Is(err, ledger.ErrStore) {
					return total + progress, err
				}
				r.deferred++
				r.e.metrics.GapFailed(PhaseInterior)
				r.logger.Error("gap fill failed",
					zap.Uint64("start", g.StartBlock),
					zap.Uint64("end", g.EndBlock),
					zap.Error(err))
				continue
			}
			progress += n
		}
		total += progress
		if progress == 0 {
			return total, nil
		}
	}
}

func (r *run) skipParked(in []ledger.BalanceGap, count bool) []ledger.BalanceGap {
	out := in[:0]
	for _, g := range in {
		if r.e.parked(keyOf(r.acct, r.token, g)) {
			if count {
				r.deferred++
				r.e.metrics.GapDeferred(PhaseInterior)
			}
			continue
		}
		out = append(out, g)
	}
	return out
}

func (r *run) sinceFilter(in []ledger.BalanceGap) []ledger.BalanceGap {
	if r.opts.Since.IsZero() {
		return in
	}
	since := uint64(r.opts.Since.UnixNano())
	out := in[:0]
	for _, g := range in {
		if g.EndTimestamp >= since {
			out = append(out, g)
		}
	}
	return out
}

func (r *run) fillGap(g ledger.BalanceGap) (int, error) {
	if g.EndBlock <= g.StartBlock+1 {
		r.deferred++
		r.logger.Warn("adjacent records do not chain", zap.String("gap", g.String()))
		return 0, nil
	}
	res, err := r.locate(g.StartBlock, g.EndBlock-1, g.ExpectedBalanceBefore)
	if err != nil {
		return 0, err
	}
	if res == nil {
		r.deferred++
		r.e.metrics.GapDeferred(PhaseInterior)
		r.e.park(keyOf(r.acct, r.token, g))
		r.logger.Warn("gap unresolvable with current data, parked",
			zap.String("gap", g.String()),
			zap.Duration("retry_after", r.e.cfg.UnresolvedRetryAfter))
		return 0, nil
	}
	return r.record(res)
}
