// Package bus provides the in-process publish/subscribe fabric for archon
// events. Delivery is at-least-once and in emission order per subscriber;
// slow subscribers are dropped after a bounded wait and may re-attach.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/archonlabs/archon/pkg/models"
)

// DefaultBufferSize is the subscriber channel buffer when none is requested.
const DefaultBufferSize = 64

// DefaultPublishWait bounds how long a publish blocks on one full subscriber
// before that subscriber is dropped.
const DefaultPublishWait = 50 * time.Millisecond

// Subscription is a registered event listener. Events arrives on C until the
// subscription is cancelled or dropped for falling behind.
type Subscription struct {
	C      <-chan *models.Event
	ch     chan *models.Event
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Bus fans out events to subscribers and assigns per-request sequence
// numbers at publish time.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	seq         map[string]uint64
	publishWait time.Duration
	logger      *slog.Logger
	closed      bool
}

// New creates a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[*Subscription]struct{}),
		seq:         make(map[string]uint64),
		publishWait: DefaultPublishWait,
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a listener with the given buffer bound. A non-positive
// buffer uses DefaultBufferSize. There is no back-fill: a subscriber only
// observes events published after it attaches.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ch := make(chan *models.Event, buffer)
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		b.mu.Lock()
		_, ok := b.subscribers[sub]
		if ok {
			delete(b.subscribers, sub)
		}
		b.mu.Unlock()
		if ok {
			close(ch)
		}
	}

	b.mu.Lock()
	if !b.closed {
		b.subscribers[sub] = struct{}{}
	}
	b.mu.Unlock()
	return sub
}

// Publish assigns the event's sequence number and delivers it to every
// subscriber in order. A subscriber whose buffer stays full past the publish
// wait is dropped.
func (b *Bus) Publish(event *models.Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if event.RequestID != "" {
		b.seq[event.RequestID]++
		event.Seq = b.seq[event.RequestID]
	}

	var dropped []*Subscription
	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			timer := time.NewTimer(b.publishWait)
			select {
			case sub.ch <- event:
				timer.Stop()
			case <-timer.C:
				dropped = append(dropped, sub)
			}
		}
	}
	for _, sub := range dropped {
		delete(b.subscribers, sub)
		close(sub.ch)
		b.logger.Warn("dropping slow event subscriber", "buffer", cap(sub.ch))
	}

	// Sequence bookkeeping for a finished request is no longer needed.
	if event.Type == models.EventRequestFinished || event.Type == models.EventRequestFailed {
		delete(b.seq, event.RequestID)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close detaches every subscriber and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
