package hints

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

// SortedSetReader is the part of the Redis API the feed reads with. *redis.Client satisfies it.
type SortedSetReader interface {
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

// RedisFeed reads hints that an upstream watcher pushes into one sorted set per
// (account, token), scored by block height, with JSON members.
type RedisFeed struct {
	rdb    SortedSetReader
	prefix string
}

const DefaultFeedPrefix = "ledgerfill:hints:"

func NewRedisFeed(rdb SortedSetReader, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = DefaultFeedPrefix
	}
	return &RedisFeed{rdb: rdb, prefix: prefix}
}

// FeedKey is the sorted set holding hints for (account, token).
func (f *RedisFeed) FeedKey(account, token string) string {
	return f.prefix + account + ":" + token
}

func (f *RedisFeed) Name() string { return "redis_feed" }

func (f *RedisFeed) Supports(token ledger.Token) bool {
	return token.Kind != ledger.KindStaking
}

type feedEntry struct {
	BlockHeight     uint64           `json:"block_height"`
	Counterparty    string           `json:"counterparty"`
	TransactionHash string           `json:"transaction_hash"`
	Before          *decimal.Decimal `json:"start_of_block_balance"`
	After           *decimal.Decimal `json:"end_of_block_balance"`
}

func (f *RedisFeed) Hints(ctx context.Context, account, token string, from, to uint64) ([]ledger.TransferHint, error) {
	members, err := f.rdb.ZRangeByScore(ctx, f.FeedKey(account, token), &redis.ZRangeBy{
		Min: strconv.FormatUint(from, 10),
		Max: strconv.FormatUint(to, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read hint feed: %w", err)
	}

	out := make([]ledger.TransferHint, 0, len(members))
	for _, m := range members {
		var e feedEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			// One malformed member must not hide the rest.
			continue
		}
		out = append(out, ledger.TransferHint{
			BlockHeight:         e.BlockHeight,
			Counterparty:        e.Counterparty,
			TransactionHash:     e.TransactionHash,
			StartOfBlockBalance: e.Before,
			EndOfBlockBalance:   e.After,
		})
	}
	return out, nil
}

var _ Provider = (*RedisFeed)(nil)
