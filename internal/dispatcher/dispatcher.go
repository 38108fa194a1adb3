// Package dispatcher implements the process-wide publish/subscribe
// registry: subscriber identity maps to a compiled pattern, a notification
// channel, and a pending inbox. Dispatch is the only shared mutable state
// in the broker, so every operation here must be safe under concurrent
// invocation from any number of session workers.
package dispatcher

import (
	"errors"
	"sync"

	"github.com/adred-codev/psmb/internal/metrics"
	"github.com/adred-codev/psmb/internal/pattern"
	"github.com/rs/zerolog"
)

// Sentinel errors matched with errors.Is by session code.
var (
	// ErrSubscriberAlreadyExists is returned by Subscribe when identity
	// collides with an existing Subscription.
	ErrSubscriberAlreadyExists = errors.New("dispatcher: subscriber already exists")

	// ErrSubscriberNotFound is returned by Unsubscribe for an identity with
	// no registered Subscription. Unsubscribe is called unconditionally on
	// every session teardown path, so callers treat this as a harmless
	// no-op rather than propagating it.
	ErrSubscriberNotFound = errors.New("dispatcher: subscriber not found")
)

// InboxEntry is one undelivered (message, topic) pair queued for a
// subscriber.
type InboxEntry struct {
	Message []byte
	Topic   string
}

// Subscription is one subscriber's registration: its immutable compiled
// pattern, the channel its session waits on for "mail available," and its
// FIFO inbox. The Dispatcher owns every Subscription; session code only
// ever touches its own, borrowed by the handle Subscribe returns.
type Subscription struct {
	Identity uint64
	Pattern  *pattern.Pattern

	// Notify is signaled (non-blocking best-effort send) once per publish
	// that appends to this Subscription's inbox. The subscriber session
	// selects on this channel concurrently with its client socket reader,
	// waiting on socket or notification without busy-looping.
	Notify chan struct{}

	mu     sync.Mutex
	inbox  []InboxEntry
	closed bool
}

// Dispatcher is the registry. The zero value is not usable; use New.
type Dispatcher struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription

	anonCounter uint64

	logger zerolog.Logger
}

// anonymousIDBit is set in synthesized anonymous identities so they
// occupy a namespace disjoint from typical small explicit client-supplied
// ids. Subscribe's duplicate check against the registry is what actually
// enforces uniqueness; the bit only makes accidental collisions
// vanishingly unlikely.
const anonymousIDBit = uint64(1) << 63

// New constructs an empty Dispatcher.
func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:   make(map[uint64]*Subscription),
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// NextAnonymousIdentity synthesizes a fresh identity for a subscriber that
// did not supply an explicit one. The registry's own uniqueness check in
// Subscribe is the actual safety net if the synthesized id ever collides.
func (d *Dispatcher) NextAnonymousIdentity() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.anonCounter++
	return anonymousIDBit | d.anonCounter
}

// Subscribe registers a new Subscription for identity with the given
// compiled pattern and returns it. identity must not already be
// registered; pattern is assumed already validated by the caller.
func (d *Dispatcher) Subscribe(identity uint64, pat *pattern.Pattern) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subs[identity]; exists {
		return nil, ErrSubscriberAlreadyExists
	}

	sub := &Subscription{
		Identity: identity,
		Pattern:  pat,
		Notify:   make(chan struct{}, 1),
	}
	d.subs[identity] = sub
	metrics.DispatcherRegistrySize.Set(float64(len(d.subs)))
	d.logger.Debug().Uint64("identity", identity).Int("registry_size", len(d.subs)).Msg("subscriber registered")
	return sub, nil
}

// Unsubscribe removes identity's Subscription, if any, and closes its
// notification channel's send side so no further publish can signal it.
// Safe to call even if identity was never registered (guaranteed-release
// teardown calls this unconditionally).
func (d *Dispatcher) Unsubscribe(identity uint64) error {
	d.mu.Lock()
	sub, exists := d.subs[identity]
	if exists {
		delete(d.subs, identity)
	}
	size := len(d.subs)
	d.mu.Unlock()
	metrics.DispatcherRegistrySize.Set(float64(size))

	if !exists {
		return ErrSubscriberNotFound
	}

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.Notify)
	}
	sub.mu.Unlock()

	d.logger.Debug().Uint64("identity", identity).Int("registry_size", size).Msg("subscriber unregistered")
	return nil
}

// Publish appends (message, topic) to the inbox of every currently
// registered Subscription whose pattern fully matches topic, then raises
// each matching Subscription's notification. Publish takes a snapshot of
// the registry under the registry lock, then performs match/append/notify
// against each Subscription without holding that lock, so it never blocks
// concurrent Subscribe/Unsubscribe calls for the duration of fan-out.
func (d *Dispatcher) Publish(message []byte, topic string) int {
	d.mu.Lock()
	snapshot := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		snapshot = append(snapshot, sub)
	}
	d.mu.Unlock()

	metrics.MessagesPublished.Inc()
	delivered := 0
	for _, sub := range snapshot {
		if !sub.Pattern.Matches(topic) {
			continue
		}
		if sub.appendAndNotify(message, topic) {
			delivered++
		}
	}
	if delivered > 0 {
		metrics.MessagesDelivered.Add(float64(delivered))
	}
	return delivered
}

// appendAndNotify appends entry to the subscription's inbox and performs a
// non-blocking notify send. It returns false (without appending) if the
// subscription has already been unsubscribed concurrently; that race is
// expected when a publish overlaps a subscriber tearing down, and the
// message is simply skipped for that subscription.
func (s *Subscription) appendAndNotify(message []byte, topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inbox = append(s.inbox, InboxEntry{Message: message, Topic: topic})

	select {
	case s.Notify <- struct{}{}:
	default:
		// Channel already has a pending signal; the reader will drain the
		// whole inbox on its next wakeup regardless of how many signals
		// were coalesced. Spurious/collapsed wakeups are legal.
	}
	return true
}

// DrainInbox removes and returns every currently queued entry for this
// Subscription, in FIFO order, leaving the inbox empty. A single call
// empties the inbox completely even if multiple messages were published
// between the subscriber's wakeups.
func (s *Subscription) DrainInbox() []InboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		return nil
	}
	out := s.inbox
	s.inbox = nil
	metrics.InboxDepth.Observe(float64(len(out)))
	return out
}

// Size reports the number of currently registered subscriptions, for
// metrics/observability.
func (d *Dispatcher) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}
