// Package bus implements the Message Bus (spec 4.3): durable persistence of
// inter-agent messages plus a best-effort live fan-out for subscribers.
//
// The persist-then-fan-out split and the non-blocking, drop-on-backpressure
// delivery are grounded on jaakkos-stringwork's internal/app.Notifier
// (watchLoop/pollLoop/checkAndPush), adapted from a single signal-file
// watcher to an in-process channel fan-out, since here the publisher and
// the subscribers already share one process.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/orcherr"
	"github.com/cpike5/agentport/internal/store"
)

// subscriberBuffer bounds each subscriber's backlog; a full channel means the
// subscriber is slow and the message is dropped for it rather than blocking
// the publisher (spec 4.3: "best-effort fan-out that may drop silently").
const subscriberBuffer = 64

// Subscription is a live, restartable view of the bus filtered by role.
// Role == "" receives every message (spec 4.3's subscribe(role?) with no
// role filters nothing).
type Subscription struct {
	role string
	ch   chan *domain.Message
	bus  *Bus
}

// C returns the channel to range over for new messages.
func (s *Subscription) C() <-chan *domain.Message { return s.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the Message Bus.
type Bus struct {
	st store.Store

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// New constructs a Bus persisting through st.
func New(st store.Store) *Bus {
	return &Bus{st: st, subs: make(map[*Subscription]struct{})}
}

// Publish persists m then fans it out to every live subscriber whose role
// filter matches (spec 4.3's live filter: to==R || to=="all" || from==R).
func (b *Bus) Publish(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if err := b.st.PublishMessage(ctx, m); err != nil {
		return orcherr.TransientStore("publish message", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if !m.MatchesRole(s.role) {
			continue
		}
		select {
		case s.ch <- m:
		default:
			// Subscriber is behind; the historical catch-up path (GetForRole
			// with since) lets it recover, so we drop rather than block.
		}
	}
	return nil
}

// GetForRole returns role's message history, optionally only those strictly
// after since (spec 4.3: "Historical catch-up via since timestamp filtering").
func (b *Bus) GetForRole(ctx context.Context, role string, since time.Time) ([]*domain.Message, error) {
	msgs, err := b.st.MessagesForRole(ctx, role, since)
	if err != nil {
		return nil, orcherr.TransientStore("messages for role", err)
	}
	return msgs, nil
}

// GetAll returns up to limit of the most recent messages across every role
// (limit <= 0 means unbounded).
func (b *Bus) GetAll(ctx context.Context, limit int) ([]*domain.Message, error) {
	msgs, err := b.st.AllMessages(ctx, limit)
	if err != nil {
		return nil, orcherr.TransientStore("all messages", err)
	}
	return msgs, nil
}

// Subscribe registers a live subscription filtered by role ("" for all
// roles). The subscription is "lazy/restartable": a caller that loses
// messages (backpressure drop, or simply arriving late) can always recover
// the gap with GetForRole(role, since).
func (b *Bus) Subscribe(role string) *Subscription {
	s := &Subscription{role: domain.NormalizeRole(role), ch: make(chan *domain.Message, subscriberBuffer), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()
}
