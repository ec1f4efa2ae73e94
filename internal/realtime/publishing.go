package realtime

import (
	"context"

	"github.com/tessium/waitlist-engine/internal/model"
	"github.com/tessium/waitlist-engine/internal/store"
)

// PublishingStore decorates an AtomicStore so every successful reward write
// is announced on the change feed. Wiring the publish here, on the write
// path itself, means no caller can mutate reward state without the push
// going out — sessions, the leaderboard, and other tabs all hear about it.
type PublishingStore struct {
	store.AtomicStore
	feed   *Feed
	ranker interface{ Kick() } // optional; poked on every write
}

// NewPublishingStore wraps atoms. ranker may be nil.
func NewPublishingStore(atoms store.AtomicStore, feed *Feed, ranker interface{ Kick() }) *PublishingStore {
	return &PublishingStore{AtomicStore: atoms, feed: feed, ranker: ranker}
}

func (p *PublishingStore) announce(ctx context.Context, subject *model.Subject) {
	p.feed.Publish(ctx, subject)
	if p.ranker != nil {
		p.ranker.Kick()
	}
}

func (p *PublishingStore) CompleteTask(ctx context.Context, subjectID, taskID string) (*model.Subject, error) {
	subject, err := p.AtomicStore.CompleteTask(ctx, subjectID, taskID)
	if err == nil {
		p.announce(ctx, subject)
	}
	return subject, err
}

func (p *PublishingStore) ApplyReferral(ctx context.Context, subjectID, referralCode string) (*model.Subject, error) {
	subject, err := p.AtomicStore.ApplyReferral(ctx, subjectID, referralCode)
	if err == nil {
		p.announce(ctx, subject)
		// The referrer's record changed too; their open sessions learn about
		// it through their own channel.
		if subject != nil && subject.ReferredBy != "" {
			p.announceReferrer(ctx, subject.ReferredBy)
		}
	}
	return subject, err
}

func (p *PublishingStore) ConnectTwitter(ctx context.Context, subjectID, username, avatarURL string) (*model.Subject, error) {
	subject, err := p.AtomicStore.ConnectTwitter(ctx, subjectID, username, avatarURL)
	if err == nil {
		p.announce(ctx, subject)
	}
	return subject, err
}

// announceReferrer re-reads and publishes the referrer's record after a
// referral credit. Needs a SubjectStore; absent one, referrer sessions catch
// up on their next refresh.
func (p *PublishingStore) announceReferrer(ctx context.Context, referrerID string) {
	fetcher, ok := p.AtomicStore.(interface {
		FetchSubject(ctx context.Context, id string) (*model.Subject, error)
	})
	if !ok {
		return
	}
	if referrer, err := fetcher.FetchSubject(ctx, referrerID); err == nil {
		p.feed.Publish(ctx, referrer)
	}
}
