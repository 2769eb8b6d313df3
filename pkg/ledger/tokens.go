package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	NativeToken     = "near"
	IntentsContract = "intents.near"
	intentsPrefix   = IntentsContract + ":"
	stakingPrefix   = "staking:"
)

var (
	ErrUnsupportedToken = errors.New("unsupported token")
	ErrInvalidAccount   = errors.New("invalid account id")
)

// TokenKind selects how balances are read and how history is resolved.
type TokenKind int

const (
	KindNative TokenKind = iota
	KindFungible
	KindIntents
	KindStaking
)

func (k TokenKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindFungible:
		return "fungible"
	case KindIntents:
		return "intents"
	case KindStaking:
		return "staking"
	default:
		return "unknown"
	}
}

// Token is a parsed token id.
//
//	near                      native balance
//	<contract>                NEP-141 token held on <contract>
//	intents.near:<asset>      multi-token balance of <asset> on intents.near
//	staking:<pool>            staked position in <pool>
type Token struct {
	ID       string
	Kind     TokenKind
	Contract string
	Asset    string
}

// GapFilled reports whether the token participates in gap reconciliation.
// Staking positions are sampled instead.
func (t Token) GapFilled() bool { return t.Kind != KindStaking }

var accountRe = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

// ValidateAccountID checks the chain's account id grammar.
func ValidateAccountID(id string) error {
	if len(id) < 2 || len(id) > 64 || !accountRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, id)
	}
	return nil
}

// ParseToken classifies a token id.
func ParseToken(id string) (Token, error) {
	switch {
	case id == NativeToken:
		return Token{ID: id, Kind: KindNative}, nil
	case strings.HasPrefix(id, intentsPrefix):
		asset := strings.TrimPrefix(id, intentsPrefix)
		if asset == "" {
			return Token{}, fmt.Errorf("%w: %q has no asset", ErrUnsupportedToken, id)
		}
		return Token{ID: id, Kind: KindIntents, Contract: IntentsContract, Asset: asset}, nil
	case strings.HasPrefix(id, stakingPrefix):
		pool := strings.TrimPrefix(id, stakingPrefix)
		if ValidateAccountID(pool) != nil {
			return Token{}, fmt.Errorf("%w: %q has invalid pool", ErrUnsupportedToken, id)
		}
		return Token{ID: id, Kind: KindStaking, Contract: pool}, nil
	case ValidateAccountID(id) == nil:
		return Token{ID: id, Kind: KindFungible, Contract: id}, nil
	default:
		return Token{}, fmt.Errorf("%w: %q", ErrUnsupportedToken, id)
	}
}

// StakingToken returns the token id of a staking position in pool.
func StakingToken(pool string) string { return stakingPrefix + pool }
