package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Hambonethewise/yt-chat-relay/adapter"
	"github.com/Hambonethewise/yt-chat-relay/chatmodel"
)

// Conn is the narrow interface the session needs from a subscriber's
// bidirectional connection (spec.md §2: the front door and the concrete
// transport are out of scope; the core only depends on this contract).
// Send must be safe to call after the underlying connection has failed —
// it should simply return an error, never panic.
type Conn interface {
	Send(payload []byte) error
}

// Subscriber is a live connection plus its assigned adapter name
// (spec.md §3).
type Subscriber struct {
	ID      string
	Conn    Conn
	Adapter string
}

// Sink is the AdapterSink of spec.md §4.4: a per-adapter-class queue,
// drain loop, and backpressure cap shared by every subscriber using that
// adapter on this session.
type Sink struct {
	name      string
	transform adapter.Adapter
	outboxCap int
	interval  time.Duration

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	outbox      [][]byte
	draining    bool
	stop        context.CancelFunc

	onSendFailure func(sub *Subscriber)
}

// NewSink constructs a Sink for the given adapter. onSendFailure is
// invoked (outside the sink's lock) whenever a subscriber's Send fails,
// so the caller can detach it without the broadcast aborting (spec.md §5).
func NewSink(a adapter.Adapter, outboxCap int, drainInterval time.Duration, onSendFailure func(*Subscriber)) *Sink {
	return &Sink{
		name:          a.Name(),
		transform:     a,
		outboxCap:     outboxCap,
		interval:      drainInterval,
		subscribers:   make(map[string]*Subscriber),
		onSendFailure: onSendFailure,
	}
}

// Name returns the sink's adapter name.
func (s *Sink) Name() string { return s.name }

// Attach adds a subscriber and, if it is the first payload it should see,
// delivers the adapter's greeting immediately.
func (s *Sink) Attach(sub *Subscriber) {
	s.mu.Lock()
	s.subscribers[sub.ID] = sub
	s.mu.Unlock()

	if greeting := s.transform.Greeting(); greeting != nil {
		if err := sub.Conn.Send(greeting); err != nil {
			s.onSendFailure(sub)
		}
	}
}

// Detach removes a subscriber and reports whether the sink is now empty
// (spec.md §4.4: the caller should deregister an empty sink, I5).
func (s *Sink) Detach(subID string) (empty bool) {
	s.mu.Lock()
	delete(s.subscribers, subID)
	empty = len(s.subscribers) == 0
	if empty && s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.mu.Unlock()
	return empty
}

// SubscriberCount returns the number of attached subscribers.
func (s *Sink) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// OfferEvent runs the adapter's Transform and, if it yields a payload,
// enqueues it (spec.md §4.4).
func (s *Sink) OfferEvent(ev chatmodel.Event) {
	payload, ok := s.transform.Transform(ev)
	if !ok {
		return
	}
	s.enqueue(payload)
}

// OfferDebug enqueues a pre-serialized debug payload, bypassing Transform
// (spec.md §4.4).
func (s *Sink) OfferDebug(payload []byte) {
	s.enqueue(payload)
}

// BroadcastPing delivers payload directly to every subscriber, bypassing
// the outbox entirely — pings are not rate-limited and are not ordered
// with respect to events (spec.md §4.4, §5).
func (s *Sink) BroadcastPing(payload []byte) {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Conn.Send(payload); err != nil {
			s.onSendFailure(sub)
		}
	}
}

// enqueue appends payload to the outbox, capping at outboxCap by
// dropping the oldest entries (spec.md §4.4, P4), and starts the drain
// loop if it is not already running.
func (s *Sink) enqueue(payload []byte) {
	s.mu.Lock()
	s.outbox = append(s.outbox, payload)
	if over := len(s.outbox) - s.outboxCap; over > 0 {
		s.outbox = s.outbox[over:]
	}
	needDrain := !s.draining && len(s.subscribers) > 0
	if needDrain {
		s.draining = true
		ctx, cancel := context.WithCancel(context.Background())
		s.stop = cancel
		go s.drain(ctx)
	}
	s.mu.Unlock()
}

// drain delivers one payload per interval to every subscriber (spec.md
// §4.4: "at most one payload per 100 ms across all subscribers of this
// sink, delivered to each subscriber"). It self-terminates when the
// outbox empties or the sink becomes empty (P5).
func (s *Sink) drain(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(s.interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		s.mu.Lock()
		if len(s.outbox) == 0 || len(s.subscribers) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		payload := s.outbox[0]
		s.outbox = s.outbox[1:]
		subs := make([]*Subscriber, 0, len(s.subscribers))
		for _, sub := range s.subscribers {
			subs = append(subs, sub)
		}
		s.mu.Unlock()

		for _, sub := range subs {
			if err := sub.Conn.Send(payload); err != nil {
				s.onSendFailure(sub)
			}
		}
	}
}
