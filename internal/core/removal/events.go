package removal

import (
	"sync"

	"remover/internal/store"
)

// Event topics published by workers. One topic per kind of transition.
const (
	TopicStarted = "removal:started"
	TopicSuccess = "removal:success"
	TopicCaptcha = "removal:captcha"
	TopicFailed  = "removal:failed"
	TopicRetry   = "removal:retry"
)

// Event is one progress notification for a removal attempt. The attempt
// store is always updated before the corresponding event is published, so a
// listener that re-queries on receipt observes consistent data.
type Event struct {
	Topic      string       `json:"topic"`
	JobID      string       `json:"job_id,omitempty"`
	VaultID    string       `json:"vault_id"`
	AttemptID  string       `json:"attempt_id"`
	BrokerID   string       `json:"broker_id,omitempty"`
	Status     store.Status `json:"status,omitempty"`
	CaptchaURL string       `json:"captcha_url,omitempty"`
	Error      string       `json:"error,omitempty"`
	AttemptNum int          `json:"attempt_num,omitempty"`
}

const subscriberBuffer = 64

type subscriber struct {
	vaultID string
	ch      chan Event
}

// Bus is the in-process broadcast channel from workers to listeners.
// Delivery is best-effort: a subscriber that falls behind loses events
// rather than blocking the workers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: map[int]*subscriber{}}
}

// Subscribe registers a listener for one vault's events (empty vaultID
// receives everything). The returned cancel func must be called to release
// the subscription; it closes the channel.
func (b *Bus) Subscribe(vaultID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{vaultID: vaultID, ch: make(chan Event, subscriberBuffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish fans the event out to matching subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.vaultID != "" && sub.vaultID != ev.VaultID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// slow consumer, drop
		}
	}
}

// Close tears down every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
