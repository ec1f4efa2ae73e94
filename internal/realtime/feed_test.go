package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tessium/waitlist-engine/internal/model"
)

func testFeed(t *testing.T) *Feed {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFeed(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFeedDeliversToSubscriber(t *testing.T) {
	feed := testFeed(t)
	ctx := context.Background()

	received := make(chan *model.Subject, 1)
	stop, err := feed.Subscribe(ctx, "subj-1", func(s *model.Subject) {
		received <- s
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	feed.Publish(ctx, &model.Subject{ID: "subj-1", Points: 12.5})

	select {
	case s := <-received:
		if s.ID != "subj-1" || s.Points != 12.5 {
			t.Fatalf("received %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered")
	}
}

func TestFeedChannelsAreIsolatedPerSubject(t *testing.T) {
	feed := testFeed(t)
	ctx := context.Background()

	received := make(chan *model.Subject, 1)
	stop, err := feed.Subscribe(ctx, "subj-1", func(s *model.Subject) {
		received <- s
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	feed.Publish(ctx, &model.Subject{ID: "subj-2", Points: 99})

	select {
	case s := <-received:
		t.Fatalf("received a push for another subject: %+v", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFeedStopEndsDelivery(t *testing.T) {
	feed := testFeed(t)
	ctx := context.Background()

	received := make(chan *model.Subject, 4)
	stop, err := feed.Subscribe(ctx, "subj-1", func(s *model.Subject) {
		received <- s
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stop()
	// Give the unsubscribe a moment to land before publishing.
	time.Sleep(50 * time.Millisecond)

	feed.Publish(ctx, &model.Subject{ID: "subj-1", Points: 1})

	select {
	case s := <-received:
		t.Fatalf("received after stop: %+v", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFeedPublishNilIsANoOp(t *testing.T) {
	feed := testFeed(t)
	feed.Publish(context.Background(), nil) // must not panic
}
