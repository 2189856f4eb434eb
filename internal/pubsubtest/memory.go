// Package pubsubtest provides an in-process port.Bus fake for exercising
// the room package's fan-out logic without a live Redis instance.
package pubsubtest

import (
	"context"
	"sync"

	"github.com/ricoschulte/opentalk-controller/internal/pubsub/port"
)

// Bus is a port.Bus backed by in-memory fan-out channels. Publish delivers
// synchronously to every currently-subscribed channel on the topic.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscription
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

var _ port.Bus = (*Bus)(nil)

func (b *Bus) Publish(_ context.Context, topic string, msg port.Message) error {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, s := range subs {
		select {
		case s.out <- msg:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, topic string) (port.Subscription, error) {
	s := &subscription{bus: b, topic: topic, out: make(chan port.Message, 64)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return s, nil
}

func (b *Bus) Close() error { return nil }

type subscription struct {
	bus   *Bus
	topic string
	out   chan port.Message
}

func (s *subscription) Channel() <-chan port.Message { return s.out }

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.topic]
	for i, cand := range subs {
		if cand == s {
			s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.out)
	return nil
}
