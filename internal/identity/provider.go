// Package identity is the boundary to the identity provider.
//
// The engine never talks to OAuth or cookies directly. It consumes a stream
// of discrete identity events — signed in, signed out, token refreshed — each
// carrying an opaque subject id. Completion of an interactive sign-in or link
// flow is observed only through this stream, never as a direct return value.
package identity

import "sync"

type EventKind int

const (
	SignedIn EventKind = iota
	SignedOut
	TokenRefreshed
)

func (k EventKind) String() string {
	switch k {
	case SignedIn:
		return "signed_in"
	case SignedOut:
		return "signed_out"
	case TokenRefreshed:
		return "token_refreshed"
	}
	return "unknown"
}

// Profile is the provider-side profile attached to a sign-in event. Twitter
// fields are set when the event came from a completed X OAuth flow — the
// dispatcher uses their presence to trigger the one-time connect reward.
type Profile struct {
	Email           string
	Name            string
	AvatarURL       string
	TwitterUsername string
}

// Event is one discrete identity change. SubjectID is empty for SignedOut.
type Event struct {
	Kind      EventKind
	SubjectID string
	Profile   *Profile
}

// Broadcaster fans identity events out to every subscriber. The HTTP auth
// handlers publish into it; each engine session subscribes.
//
// Subscriber channels are buffered and writes never block: a subscriber that
// stopped draining loses events rather than wedging sign-in for everyone
// else. Missing an event is recoverable — the next hydrate re-reads
// authoritative state anyway.
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener goes away; it closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to all current subscribers.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
