// Package hints collects advisory transfer locations from external providers.
// Nothing here is trusted: the block locator verifies every hint against the chain.
package hints

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

// Provider is one source of transfer hints.
type Provider interface {
	Name() string
	// Supports reports whether the provider knows anything about this kind of token.
	Supports(token ledger.Token) bool
	// Hints returns candidate transfers with heights in [from, to].
	Hints(ctx context.Context, account, token string, from, to uint64) ([]ledger.TransferHint, error)
}

// TokenDiscoverer is implemented by providers that can list the tokens an account ever held.
type TokenDiscoverer interface {
	DiscoverTokens(ctx context.Context, account string) ([]string, error)
}

// Registry merges hints from a fixed, ordered set of providers.
type Registry struct {
	providers []Provider
	logger    *zap.Logger
}

// NewRegistry keeps the given order. Earlier providers win when two report the same height.
// Nil providers are dropped so optional ones can be passed unconditionally.
func NewRegistry(logger *zap.Logger, providers ...Provider) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	for _, p := range providers {
		if p != nil {
			r.providers = append(r.providers, p)
		}
	}
	return r
}

func (r *Registry) Len() int { return len(r.providers) }

// Hints queries every provider that supports token and returns the merged, height-ordered set.
// A failing provider is logged and skipped.
func (r *Registry) Hints(ctx context.Context, account, token string, from, to uint64) []ledger.TransferHint {
	if r == nil || len(r.providers) == 0 {
		return nil
	}
	tok, err := ledger.ParseToken(token)
	if err != nil {
		return nil
	}

	byHeight := map[uint64]ledger.TransferHint{}
	for _, p := range r.providers {
		if !p.Supports(tok) {
			continue
		}
		hs, err := p.Hints(ctx, account, token, from, to)
		if err != nil {
			r.logger.Warn("hint provider failed",
				zap.String("provider", p.Name()),
				zap.String("account", account),
				zap.String("token", token),
				zap.Error(err))
			continue
		}
		for _, h := range hs {
			if h.BlockHeight < from || h.BlockHeight > to {
				continue
			}
			if _, ok := byHeight[h.BlockHeight]; ok {
				continue
			}
			if h.Source == "" {
				h.Source = p.Name()
			}
			byHeight[h.BlockHeight] = h
		}
	}

	out := make([]ledger.TransferHint, 0, len(byHeight))
	for _, h := range byHeight {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockHeight < out[j].BlockHeight })
	return out
}

// DiscoverTokens returns the union of tokens reported by discovering providers.
func (r *Registry) DiscoverTokens(ctx context.Context, account string) []string {
	if r == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, p := range r.providers {
		d, ok := p.(TokenDiscoverer)
		if !ok {
			continue
		}
		tokens, err := d.DiscoverTokens(ctx, account)
		if err != nil {
			r.logger.Warn("token discovery failed", zap.String("provider", p.Name()), zap.String("account", account), zap.Error(err))
			continue
		}
		for _, t := range tokens {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
