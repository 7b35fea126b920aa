package events

import (
	"sync"
	"sync/atomic"
)

// Change kinds.
const (
	Created = "created"
	Updated = "updated"
	Deleted = "deleted"
)

// Entities that publish changes.
const (
	EntityUser         = "user"
	EntityAgent        = "agent"
	EntityTask         = "task"
	EntityActivity     = "activity"
	EntityScheduledJob = "scheduled_job"
)

// SubscriberBuffer is the per-subscriber channel size. A subscriber that
// falls this far behind stops receiving changes and is marked for resync.
const SubscriberBuffer = 64

// Change describes one committed write.
type Change struct {
	Kind   string `json:"kind"`
	Entity string `json:"entity"`
	ID     string `json:"id"`
	UserID string `json:"userId"`
	At     int64  `json:"at"`
}

// Event is the webhook event name, e.g. "task.updated".
func (c Change) Event() string {
	return c.Entity + "." + c.Kind
}

// Publisher is what mutators need from the broker.
type Publisher interface {
	Publish(Change)
}

// Broker fans committed changes out to subscribers. Publish never blocks.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: map[*Subscription]struct{}{}}
}

// Subscription receives changes for one user, or for everyone when the
// user id is empty.
type Subscription struct {
	broker *Broker
	userID string
	ch     chan Change
	resync atomic.Bool
	once   sync.Once
}

// Subscribe registers a subscriber. Pass "" to receive every user's changes.
func (b *Broker) Subscribe(userID string) *Subscription {
	s := &Subscription{broker: b, userID: userID, ch: make(chan Change, SubscriberBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Broker) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.userID != "" && s.userID != c.UserID {
			continue
		}
		select {
		case s.ch <- c:
		default:
			s.resync.Store(true)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later Publish calls are no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

// C is closed when the subscription or the broker is closed.
func (s *Subscription) C() <-chan Change { return s.ch }

// NeedsResync reports and clears the overflow flag. After an overflow the
// subscriber has missed changes and should refetch its state.
func (s *Subscription) NeedsResync() bool {
	return s.resync.Swap(false)
}

func (s *Subscription) Close() {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
