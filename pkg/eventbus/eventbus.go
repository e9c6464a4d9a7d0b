// Package eventbus distributes device events to interested consumers.
// Sessions publish everything a device emits (minus gateway-internal
// system events); consumers subscribe by name prefix with optional
// device and owner filters.
package eventbus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the time-to-live in seconds recorded on events that
// carry no Max-Age option.
const DefaultTTL = 60

// DefaultBufferSize is the per-subscription channel depth. Slow
// consumers lose events rather than stalling sessions.
const DefaultBufferSize = 64

// Event is one published device event.
type Event struct {
	// Name is the event name after prefix stripping, at most 63 bytes.
	Name string

	// Data is the raw payload rendered as a string.
	Data string

	// TTL is the record lifetime in seconds.
	TTL int

	// Public marks events published on the public stream (E/ URIs).
	Public bool

	// DeviceID is the emitting device in lowercase hex.
	DeviceID string

	// UserID is the device owner, empty when unclaimed.
	UserID string

	// Published is when the gateway accepted the event.
	Published time.Time
}

// Publisher accepts events from sessions. Publish returns false when
// the event was rejected, typically for rate limiting; the session
// answers the device with a slowdown instead of an ack.
type Publisher interface {
	Publish(event Event) bool
}

// Subscription is one consumer's registration with the broker.
type Subscription struct {
	// ID is the broker-assigned subscription id.
	ID string

	// C delivers matching events. Closed on Cancel.
	C <-chan Event

	broker   *Broker
	ch       chan Event
	prefix   string
	deviceID string
	userID   string
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.broker.unsubscribe(s.ID)
}

func (s *Subscription) matches(e Event) bool {
	if !strings.HasPrefix(e.Name, s.prefix) {
		return false
	}
	if s.deviceID != "" && e.DeviceID != s.deviceID {
		return false
	}
	if s.userID != "" && e.UserID != s.userID {
		return false
	}
	return true
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithDevice restricts delivery to events from one device.
func WithDevice(deviceID string) SubscribeOption {
	return func(s *Subscription) { s.deviceID = deviceID }
}

// WithUser restricts delivery to events from devices owned by one user.
func WithUser(userID string) SubscribeOption {
	return func(s *Subscription) { s.userID = userID }
}

// Broker is the in-memory event bus. Safe for concurrent use.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	// Fixed-window rate limit per device; 0 disables limiting.
	perSecond int
	windows   map[string]*rateWindow

	now func() time.Time
}

type rateWindow struct {
	second int64
	count  int
}

// NewBroker creates an empty broker with rate limiting disabled.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[string]*Subscription),
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// SetRateLimit caps events per device per second. Zero disables the cap.
func (b *Broker) SetRateLimit(perSecond int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perSecond = perSecond
}

// Publish delivers the event to every matching subscription. Returns
// false when the emitting device exceeded its rate limit; the event is
// dropped in that case.
func (b *Broker) Publish(event Event) bool {
	if event.Published.IsZero() {
		event.Published = b.now()
	}
	if event.TTL <= 0 {
		event.TTL = DefaultTTL
	}

	b.mu.Lock()
	if !b.admit(event.DeviceID) {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	// Delivery holds the read lock so unsubscribe cannot close a
	// channel while a send is in flight.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.matches(event) {
			continue
		}
		// Non-blocking: a stalled consumer loses events, the device
		// keeps publishing.
		select {
		case s.ch <- event:
		default:
		}
	}
	return true
}

// admit applies the fixed-window rate limit. Caller holds b.mu.
func (b *Broker) admit(deviceID string) bool {
	if b.perSecond <= 0 || deviceID == "" {
		return true
	}
	second := b.now().Unix()
	w, ok := b.windows[deviceID]
	if !ok || w.second != second {
		b.windows[deviceID] = &rateWindow{second: second, count: 1}
		return true
	}
	if w.count >= b.perSecond {
		return false
	}
	w.count++
	return true
}

// Subscribe registers a consumer for events whose name starts with
// prefix. An empty prefix matches everything.
func (b *Broker) Subscribe(prefix string, opts ...SubscribeOption) *Subscription {
	ch := make(chan Event, DefaultBufferSize)
	sub := &Subscription{
		ID:     uuid.NewString(),
		C:      ch,
		broker: b,
		ch:     ch,
		prefix: prefix,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// unsubscribe removes the subscription and closes its channel. The
// close happens under the write lock, after every in-flight delivery
// has drained.
func (b *Broker) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Compile-time interface satisfaction check.
var _ Publisher = (*Broker)(nil)
