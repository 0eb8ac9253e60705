package pubsub

import "sync"

type Event interface {
}

type Publisher[E Event] interface {
	PublishEvent(*E) error
	AddSubscriber(Subscriber[E])
}

type Subscriber[E Event] interface {
	ConsumeEvent(*E) error
}

// SubscriberFunc adapts a plain function into a Subscriber.
type SubscriberFunc[E Event] func(*E) error

func (f SubscriberFunc[E]) ConsumeEvent(e *E) error {
	return f(e)
}

// SimplePublisher loops through each subscriber and calls ConsumeEvent on it, in the
// order the subscribers were added. Publishing and subscribing are safe to call from
// multiple goroutines; events published concurrently are not ordered relative to each other.
type SimplePublisher[E Event] struct {
	subscribers []Subscriber[E]
	mu          sync.RWMutex
}

func NewSimplePublisher[E Event]() *SimplePublisher[E] {
	return &SimplePublisher[E]{
		subscribers: make([]Subscriber[E], 0),
	}
}

// PublishEvent stops at the first subscriber error and returns it.
func (p *SimplePublisher[E]) PublishEvent(e *E) error {
	p.mu.RLock()
	subscribers := p.subscribers
	p.mu.RUnlock()

	for _, s := range subscribers {
		err := s.ConsumeEvent(e)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *SimplePublisher[E]) AddSubscriber(s Subscriber[E]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// copy on write so PublishEvent can iterate without holding the lock
	subscribers := make([]Subscriber[E], 0, len(p.subscribers)+1)
	subscribers = append(subscribers, p.subscribers...)
	p.subscribers = append(subscribers, s)
}
