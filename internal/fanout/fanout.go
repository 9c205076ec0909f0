// Package fanout is the single in-process event bus for live client
// updates. Delivery is best-effort and at-least-once from the client's
// point of view: a slow or absent subscriber drops updates, and the poll
// endpoint is the correctness backstop.
package fanout

import "sync"

// Event names as they appear on the SSE stream.
const (
	EventTokenUpdate = "token-update"
	EventTimerUpdate = "timer-update"
	EventHeartbeat   = "heartbeat"
)

// Update is one notification for a user's subscribers. Data is serialized
// as the SSE event payload.
type Update struct {
	Event string
	Data  any
}

const subscriberBuffer = 16

type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Update]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan Update]struct{})}
}

// Subscribe registers a listener for one user's updates. The returned
// cancel func must be called on disconnect; it closes the channel.
func (b *Bus) Subscribe(userID string) (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan Update]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		set, ok := b.subs[userID]
		if !ok {
			return
		}

		if _, ok := set[ch]; !ok {
			return
		}

		delete(set, ch)
		close(ch)

		if len(set) == 0 {
			delete(b.subs, userID)
		}
	}

	return ch, cancel
}

// Publish delivers an update to every current subscriber of the user.
// Non-blocking: a full buffer drops the update for that subscriber.
func (b *Bus) Publish(userID string, u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[userID] {
		select {
		case ch <- u:
		default:
		}
	}
}

// Subscribers reports the number of active listeners for a user.
func (b *Bus) Subscribers(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[userID])
}
