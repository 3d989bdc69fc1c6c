package events

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans events out to registered subscribers. The bus is thread-safe
	// and supports concurrent Publish, Register, and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine and
	// iteration stops at the first subscriber error, so critical subscribers
	// (e.g. event log persistence) can surface unrecoverable failures to the
	// publisher.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber in registration order. Iteration stops at the first
		// error returned by any subscriber.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription
		// that can be closed to unregister. Register returns an error if
		// sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. Implementations must be
	// thread-safe if the same instance is registered with multiple buses.
	//
	// HandleEvent should return an error only when processing fails in a
	// way the publisher must see; non-critical failures should be logged
	// and swallowed so they do not block other subscribers.
	Subscriber interface {
		// HandleEvent processes a single event. The context originates
		// from the Publish call and carries its deadline and cancellation.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration on a Bus. Close removes the
	// subscriber; it is idempotent and thread-safe.
	Subscription interface {
		// Close removes the subscriber from the bus. After Close returns
		// the subscriber receives no new events, though an in-flight
		// Publish may still deliver to it. Close always returns nil.
		Close() error
	}

	// bus is the in-process Bus implementation. Subscribers are held in an
	// ordered slice so delivery follows registration order.
	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		fn   Subscriber
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-process event bus ready for immediate use.
//
// Typical usage:
//
//	bus := events.NewBus()
//	sub, _ := bus.Register(events.SubscriberFunc(func(ctx context.Context, ev events.Event) error {
//	    log.Printf("received: %s", ev.EventType())
//	    return nil
//	}))
//	defer sub.Close()
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to every currently registered subscriber.
// The subscriber snapshot is captured before iteration begins, so
// registrations and unregistrations during Publish do not affect the
// current delivery. With no subscribers Publish returns nil immediately.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.fn.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber and returns its Subscription handle.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, fn: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, cur := range s.bus.subs {
			if cur == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
