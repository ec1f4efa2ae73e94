package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tessium/waitlist-engine/internal/model"
)

type fakeAtoms struct {
	subject *model.Subject
	err     error

	referrer *model.Subject
}

func (f *fakeAtoms) CompleteTask(ctx context.Context, subjectID, taskID string) (*model.Subject, error) {
	return f.subject, f.err
}

func (f *fakeAtoms) ApplyReferral(ctx context.Context, subjectID, referralCode string) (*model.Subject, error) {
	return f.subject, f.err
}

func (f *fakeAtoms) ConnectTwitter(ctx context.Context, subjectID, username, avatarURL string) (*model.Subject, error) {
	return f.subject, f.err
}

func (f *fakeAtoms) FetchSubject(ctx context.Context, id string) (*model.Subject, error) {
	if f.referrer != nil && f.referrer.ID == id {
		return f.referrer, nil
	}
	return nil, errors.New("no such subject")
}

type fakeKicker struct{ kicks atomic.Int32 }

func (k *fakeKicker) Kick() { k.kicks.Add(1) }

func subscribeCollecting(t *testing.T, feed *Feed, subjectID string) <-chan *model.Subject {
	t.Helper()
	received := make(chan *model.Subject, 4)
	stop, err := feed.Subscribe(context.Background(), subjectID, func(s *model.Subject) {
		received <- s
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(stop)
	return received
}

func TestPublishingStoreAnnouncesWrites(t *testing.T) {
	feed := testFeed(t)
	ctx := context.Background()

	received := subscribeCollecting(t, feed, "subj-1")

	atoms := &fakeAtoms{subject: &model.Subject{ID: "subj-1", Points: 7}}
	kicker := &fakeKicker{}
	ps := NewPublishingStore(atoms, feed, kicker)

	if _, err := ps.CompleteTask(ctx, "subj-1", "join_telegram"); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	select {
	case s := <-received:
		if s.ID != "subj-1" || s.Points != 7 {
			t.Fatalf("pushed record = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write was not announced on the feed")
	}
	if kicker.kicks.Load() != 1 {
		t.Fatalf("ranker kicked %d times, want 1", kicker.kicks.Load())
	}
}

func TestPublishingStoreReferralAnnouncesReferrerToo(t *testing.T) {
	feed := testFeed(t)
	ctx := context.Background()

	refereePushes := subscribeCollecting(t, feed, "referee")
	referrerPushes := subscribeCollecting(t, feed, "referrer")

	atoms := &fakeAtoms{
		subject:  &model.Subject{ID: "referee", ReferredBy: "referrer"},
		referrer: &model.Subject{ID: "referrer", ReferralCount: 1},
	}
	ps := NewPublishingStore(atoms, feed, nil)

	if _, err := ps.ApplyReferral(ctx, "referee", "SOMECODE"); err != nil {
		t.Fatalf("apply referral: %v", err)
	}

	select {
	case s := <-refereePushes:
		if s.ReferredBy != "referrer" {
			t.Fatalf("referee push = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("referee was not announced")
	}
	select {
	case s := <-referrerPushes:
		if s.ReferralCount != 1 {
			t.Fatalf("referrer push = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("referrer's open sessions never heard about the credit")
	}
}

func TestPublishingStoreSilentOnFailedWrite(t *testing.T) {
	feed := testFeed(t)
	ctx := context.Background()

	received := subscribeCollecting(t, feed, "subj-1")

	atoms := &fakeAtoms{err: errors.New("constraint violation")}
	kicker := &fakeKicker{}
	ps := NewPublishingStore(atoms, feed, kicker)

	if _, err := ps.ConnectTwitter(ctx, "subj-1", "ada_io", ""); err == nil {
		t.Fatal("expected the store error to propagate")
	}

	select {
	case s := <-received:
		t.Fatalf("failed write was announced: %+v", s)
	case <-time.After(200 * time.Millisecond):
	}
	if kicker.kicks.Load() != 0 {
		t.Fatalf("ranker kicked on a failed write")
	}
}
