package events

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is an in-process publish/subscribe hub with per-topic catch-up.
// Publishing never blocks on consumers: each subscription buffers
// pending events and delivers them in publish order from its own
// goroutine.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		topics: make(map[string]*topic),
	}
}

type topic struct {
	mu      sync.Mutex
	history [][]byte
	subs    []*Subscription
	// ready is closed when the first subscriber attaches.
	ready  chan struct{}
	closed bool
}

func (b *Bus) getOrCreate(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{ready: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish appends the event to the topic's history and fans it out to
// every live subscriber. The payload must already be marshaled JSON.
func (b *Bus) Publish(name string, payload []byte) {
	t := b.getOrCreate(name)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.history = append(t.history, payload)
	for _, sub := range t.subs {
		sub.enqueue(payload)
	}
}

// Subscribe attaches to a topic. The returned subscription first
// receives the topic's full history, then live events, all in publish
// order. The caller must drain C and call Close when done.
func (b *Bus) Subscribe(name string) *Subscription {
	t := b.getOrCreate(name)
	sub := newSubscription()

	t.mu.Lock()
	for _, payload := range t.history {
		sub.enqueue(payload)
	}
	if t.closed {
		t.mu.Unlock()
		sub.Close()
		return sub
	}
	t.subs = append(t.subs, sub)
	sub.detach = func() { b.unsubscribe(sub) }
	select {
	case <-t.ready:
	default:
		close(t.ready)
	}
	t.mu.Unlock()

	b.logger.Debug("Subscriber attached", "topic", name)
	return sub
}

// WaitForSubscriber blocks until the topic has had at least one
// subscriber or the context expires.
func (b *Bus) WaitForSubscriber(ctx context.Context, name string) error {
	t := b.getOrCreate(name)
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseTopic drops the topic and closes all of its subscriptions.
// Subscribers still receive everything queued before the close.
func (b *Bus) CloseTopic(name string) {
	b.mu.Lock()
	t, ok := b.topics[name]
	if ok {
		delete(b.topics, name)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		sub.closeQueued()
	}
	b.logger.Debug("Topic closed", "topic", name, "events", len(t.history))
}

// unsubscribe detaches sub from every topic it appears in.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		t.mu.Lock()
		for i, s := range t.subs {
			if s == sub {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
	}
}

// Subscription is one consumer's ordered view of a topic.
type Subscription struct {
	out chan []byte

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
	// drain controls whether queued events are still delivered after
	// close: true for topic shutdown, false for consumer abandonment.
	drain bool

	done      chan struct{}
	closeOnce sync.Once
	detach    func()
}

func newSubscription() *Subscription {
	s := &Subscription{
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C delivers events in publish order. It is closed once the
// subscription ends and any remaining queued events are delivered.
func (s *Subscription) C() <-chan []byte {
	return s.out
}

// Close abandons the subscription. Pending events are discarded.
func (s *Subscription) Close() {
	s.finish(false)
}

// closeQueued ends the subscription after the queue drains.
func (s *Subscription) closeQueued() {
	s.finish(true)
}

func (s *Subscription) finish(drain bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.drain = drain
		s.mu.Unlock()
		s.cond.Broadcast()
		if !drain {
			close(s.done)
			if s.detach != nil {
				s.detach()
			}
		}
	})
}

func (s *Subscription) enqueue(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, payload)
	s.cond.Signal()
}

// pump moves events from the queue to the output channel, preserving
// order and never blocking the publisher.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 || (s.closed && !s.drain) {
			s.mu.Unlock()
			return
		}
		payload := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- payload:
		case <-s.done:
			return
		}
	}
}
