// Package realtime carries row-level change notifications between writers
// and live sessions over Redis pub/sub.
//
// Any authoritative write to a subject publishes the full updated record on
// that subject's channel; every session subscribed to that subject applies
// it as a realtime push. This is how a referrer's open tab sees the bonus
// credited by someone else's sign-up without taking any action itself.
//
// Delivery is at-least-once and unordered across independent writers —
// consumers reconcile by the record's last_update timestamp, never by
// arrival order.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tessium/waitlist-engine/internal/model"
)

const channelPrefix = "subjects:"

// Feed publishes and subscribes to per-subject change notifications.
type Feed struct {
	client *redis.Client
	logger *slog.Logger
}

func NewFeed(client *redis.Client, logger *slog.Logger) *Feed {
	return &Feed{client: client, logger: logger}
}

// Publish emits the updated record on the subject's channel. Publish
// failures are logged and absorbed: the write already committed, and every
// consumer re-reads authoritative state on its next refresh anyway.
func (f *Feed) Publish(ctx context.Context, subject *model.Subject) {
	if subject == nil {
		return
	}
	payload, err := json.Marshal(subject)
	if err != nil {
		f.logger.Warn("change feed: encoding subject failed",
			slog.String("subjectID", subject.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := f.client.Publish(ctx, channelPrefix+subject.ID, payload).Err(); err != nil {
		f.logger.Warn("change feed: publish failed",
			slog.String("subjectID", subject.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Subscribe listens on subjectID's channel and invokes onChange for every
// decodable push. The subscription is keyed strictly by subject id: it is
// torn down only via the returned stop function (or ctx), never because some
// field of the same subject changed.
func (f *Feed) Subscribe(ctx context.Context, subjectID string, onChange func(*model.Subject)) (func(), error) {
	sub := f.client.Subscribe(ctx, channelPrefix+subjectID)

	// Force the subscription onto the wire before returning, so a publish
	// racing this call isn't silently dropped.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			var subject model.Subject
			if err := json.Unmarshal([]byte(msg.Payload), &subject); err != nil {
				f.logger.Warn("change feed: dropping undecodable push",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			onChange(&subject)
		}
	}()

	return func() {
		if err := sub.Close(); err != nil {
			f.logger.Debug("change feed: unsubscribe", slog.String("error", err.Error()))
		}
	}, nil
}
