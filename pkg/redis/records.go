package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

const DefaultRecordStream = "ledgerfill:records"

// StreamWriter appends to a stream. *Client satisfies it.
type StreamWriter interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// RecordStream publishes every newly inserted ledger record as a stream entry so downstream
// consumers (notifications, caches) see changes without polling the ledger.
type RecordStream struct {
	w      StreamWriter
	stream string
}

func NewRecordStream(w StreamWriter, stream string) *RecordStream {
	if stream == "" {
		stream = DefaultRecordStream
	}
	return &RecordStream{w: w, stream: stream}
}

func (r *RecordStream) RecordInserted(ctx context.Context, c *ledger.BalanceChange) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode record event: %w", err)
	}
	_, err = r.w.XAdd(ctx, r.stream, map[string]interface{}{
		"account_id":   c.AccountID,
		"token_id":     c.TokenID,
		"height":       strconv.FormatUint(c.BlockHeight, 10),
		"counterparty": c.Counterparty,
		"data":         string(data),
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

var _ ledger.RecordSink = (*RecordStream)(nil)
