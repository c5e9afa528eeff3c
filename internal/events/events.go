// Package events implements the Event Publisher (spec 4.9): an unbounded,
// in-memory fan-out of four typed events (agent-update, message,
// checkpoint, project-update) to any number of observers, plus a
// dashboard-style TakeSnapshot() helper and an escalation Notifier capability.
//
// The unbounded-queue-per-subscriber shape uses the standard
// goroutine-pumped "unbounded channel" idiom rather than the teacher's
// bounded channel (internal/app/notifier.go uses a small fixed buffer and
// drops on backpressure): spec 4.9 is explicit that this queue must never
// drop ("the persistence layer is the durable truth" justifies the
// *message bus*'s best-effort drop, but the event queue itself is
// unbounded by design).
package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cpike5/agentport/internal/bus"
	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/statemgr"
)

// Type enumerates the four event kinds named in spec 4.9.
type Type string

const (
	TypeAgentUpdate   Type = "agent-update"
	TypeMessage       Type = "message"
	TypeCheckpoint    Type = "checkpoint"
	TypeProjectUpdate Type = "project-update"
)

// Event is a single published occurrence.
type Event struct {
	Type       Type
	Timestamp  time.Time
	Agent      *domain.Agent
	Message    *domain.Message
	Checkpoint *domain.Checkpoint
	Project    *domain.Project
}

// Subscription is a lazy, unbounded sequence of events for one observer
// (spec 4.9: "subscribe() returns a lazy sequence of events for one
// observer").
type Subscription struct {
	in   chan<- Event
	out  <-chan Event
	once sync.Once
}

// C returns the channel to range over for new events.
func (s *Subscription) C() <-chan Event { return s.out }

func newSubscription() *Subscription {
	in, out := newUnboundedChan()
	return &Subscription{in: in, out: out}
}

func (s *Subscription) push(e Event) {
	s.in <- e
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.in) })
}

// newUnboundedChan returns a writer/reader pair backed by a pump goroutine
// holding an internal slice, so writers never block on a full buffer.
func newUnboundedChan() (chan<- Event, <-chan Event) {
	in := make(chan Event)
	out := make(chan Event)
	go func() {
		defer close(out)
		var queue []Event
		for {
			if len(queue) == 0 {
				e, ok := <-in
				if !ok {
					return
				}
				queue = append(queue, e)
				continue
			}
			select {
			case e, ok := <-in:
				if !ok {
					for _, qe := range queue {
						out <- qe
					}
					return
				}
				queue = append(queue, e)
			case out <- queue[0]:
				queue = queue[1:]
			}
		}
	}()
	return in, out
}

// Notifier is the escalation-routing capability resolved for Open Question
// 3 ("escalation routing when no supervisor-facing channel is
// configured"): the publisher always has a Notifier to call, defaulting to
// LogNotifier when no richer channel (email, chat webhook, etc.) is wired.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier is the default Notifier: it only writes a structured log line.
type LogNotifier struct {
	Logger *log.Logger
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, subject, body string) error {
	if n.Logger != nil {
		n.Logger.Printf("escalation: %s\n%s", subject, body)
	}
	return nil
}

// Publisher is the Event Publisher.
type Publisher struct {
	sm       *statemgr.Manager
	notifier Notifier
	logger   *log.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	busSub *bus.Subscription
	stopCh chan struct{}

	// Push, when set, delivers an event to any MCP-connected observer
	// session in addition to the in-process subscribe() sequence above
	// (SPEC_FULL.md 11: "Outbound push... to any MCP-connected observer
	// session"). It is injected rather than called directly against
	// mcp-go so this package stays free of a transport dependency,
	// mirroring jaakkos-stringwork's internal/app.Notifier taking a
	// plain pushFunc built by cmd/mcp-server/main.go's sessionStore.
	Push func(method string, params any)
}

// New constructs a Publisher. sm is used by TakeSnapshot(); notifier receives
// escalation reports (pass a *LogNotifier when nothing richer is configured).
func New(sm *statemgr.Manager, notifier Notifier, logger *log.Logger) *Publisher {
	return &Publisher{
		sm:       sm,
		notifier: notifier,
		logger:   logger,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Start opens a bus subscription with role="" (every message) and
// republishes each message as a TypeMessage event (spec 4.9).
func (p *Publisher) Start(b *bus.Bus) {
	p.busSub = b.Subscribe("")
	p.stopCh = make(chan struct{})
	go func() {
		for {
			select {
			case m, ok := <-p.busSub.C():
				if !ok {
					return
				}
				p.publish(Event{Type: TypeMessage, Timestamp: time.Now(), Message: m})
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop closes the queue and cancels the bus subscription.
func (p *Publisher) Stop() {
	if p.stopCh != nil {
		close(p.stopCh)
	}
	if p.busSub != nil {
		p.busSub.Close()
	}
	p.mu.Lock()
	for s := range p.subs {
		s.close()
	}
	p.subs = make(map[*Subscription]struct{})
	p.mu.Unlock()
}

// Subscribe registers a new observer.
func (p *Publisher) Subscribe() *Subscription {
	s := newSubscription()
	p.mu.Lock()
	p.subs[s] = struct{}{}
	p.mu.Unlock()
	return s
}

// PublishAgentUpdate emits a TypeAgentUpdate event.
func (p *Publisher) PublishAgentUpdate(a *domain.Agent) {
	p.publish(Event{Type: TypeAgentUpdate, Timestamp: time.Now(), Agent: a})
	p.push("notifications/agent_update", a)
}

// PublishCheckpoint emits a TypeCheckpoint event.
func (p *Publisher) PublishCheckpoint(c *domain.Checkpoint) {
	p.publish(Event{Type: TypeCheckpoint, Timestamp: time.Now(), Checkpoint: c})
	p.push("notifications/checkpoint", c)
}

// PublishProjectUpdate emits a TypeProjectUpdate event.
func (p *Publisher) PublishProjectUpdate(proj *domain.Project) {
	p.publish(Event{Type: TypeProjectUpdate, Timestamp: time.Now(), Project: proj})
	p.push("notifications/project_update", proj)
}

func (p *Publisher) publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.subs {
		func() {
			defer func() {
				if r := recover(); r != nil && p.logger != nil {
					// Publish failures are logged and swallowed (spec 4.9);
					// a panic here would only come from pushing to an
					// already-closed subscription.
					p.logger.Printf("events: publish to closed subscription recovered: %v", r)
				}
			}()
			s.push(e)
		}()
	}
	if e.Type == TypeMessage {
		p.push("notifications/message", e.Message)
	}
}

func (p *Publisher) push(method string, params any) {
	if p.Push == nil {
		return
	}
	p.Push(method, params)
}

// NotifyEscalation routes an escalation report through the configured
// Notifier (Open Question 3).
func (p *Publisher) NotifyEscalation(ctx context.Context, role, report string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, "role "+role+" escalated", report); err != nil && p.logger != nil {
		p.logger.Printf("events: notify escalation for %s: %v", role, err)
	}
}

// Snapshot is a point-in-time dashboard view (SPEC_FULL.md 12, adapted from
// the teacher's internal/dashboard read-only projection).
type Snapshot struct {
	Project *domain.Project
	Agents  []*domain.Agent
}

// TakeSnapshot builds a Snapshot from the current state manager contents.
func (p *Publisher) TakeSnapshot(ctx context.Context) (*Snapshot, error) {
	proj, err := p.sm.GetProject(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := p.sm.GetAllAgents(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Project: proj, Agents: agents}, nil
}
