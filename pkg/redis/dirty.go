package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerfill/ledgerfill/pkg/ledger"
)

const (
	// DefaultDirtyChannel carries wake-ups between scheduler replicas.
	DefaultDirtyChannel = "ledgerfill:dirty"
	// DefaultDirtyStream receives mark-dirty requests from upstream services.
	DefaultDirtyStream = "ledgerfill:dirty-requests"
)

// DirtySignal wakes schedulers in other processes after an account was marked dirty.
type DirtySignal struct {
	client  *Client
	channel string
}

func NewDirtySignal(client *Client, channel string) *DirtySignal {
	if channel == "" {
		channel = DefaultDirtyChannel
	}
	return &DirtySignal{client: client, channel: channel}
}

// Notify publishes the account id.
func (d *DirtySignal) Notify(ctx context.Context, account string) error {
	return d.client.Publish(ctx, d.channel, account)
}

// Listen returns a channel of account ids that is closed when ctx ends.
func (d *DirtySignal) Listen(ctx context.Context) (<-chan string, error) {
	sub := d.client.Subscribe(ctx, d.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", d.channel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				default:
					// a wake is already pending
				}
			}
		}
	}()
	return out, nil
}

// MarkFunc marks an account dirty from a point in time onward.
type MarkFunc func(ctx context.Context, account string, since time.Time) error

var errMissingAccount = errors.New("dirty request without account_id")

// DirtyRequestHandler turns stream entries {account_id, since} into MarkFunc calls. since is a
// Unix time in nanoseconds or RFC 3339; when absent the request means "now".
func DirtyRequestHandler(mark MarkFunc, logger *zap.Logger) MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg Message) error {
		account := msg.GetString("account_id")
		if account == "" {
			// unparseable entries are acknowledged so they do not loop forever
			logger.Warn("dropping dirty request", zap.String("id", msg.ID), zap.Error(errMissingAccount))
			return nil
		}
		since, err := parseSince(msg.GetString("since"), msg.GetUint64("since"))
		if err != nil {
			logger.Warn("dropping dirty request", zap.String("id", msg.ID), zap.String("account", account), zap.Error(err))
			return nil
		}
		err = mark(ctx, account, since)
		if errors.Is(err, ledger.ErrInvalidAccount) {
			logger.Warn("dropping dirty request", zap.String("id", msg.ID), zap.String("account", account), zap.Error(err))
			return nil
		}
		return err
	}
}

func parseSince(raw string, ns uint64) (time.Time, error) {
	switch {
	case raw == "":
		return time.Time{}, nil
	case ns > 0:
		return time.Unix(0, int64(ns)).UTC(), nil
	default:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("since %q: %w", raw, err)
		}
		return t, nil
	}
}
