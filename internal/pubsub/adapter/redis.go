// Package adapter implements port.Bus against Redis pub/sub, reusing the
// teacher's go-redis client construction idiom (internal/kv/adapter.RedisStore
// wraps the same *redis.Client this package subscribes through).
package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/ricoschulte/opentalk-controller/internal/pubsub/port"
)

// wireMessage is the JSON envelope published on a Redis channel.
type wireMessage struct {
	Nonce         string          `json:"nonce"`
	Namespace     string          `json:"namespace"`
	SenderID      string          `json:"sender_id,omitempty"`
	ExcludeSender bool            `json:"exclude_sender,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// RedisBus is a port.Bus backed by a *redis.Client.
type RedisBus struct {
	client *redis.Client
}

// New constructs a RedisBus from an already-configured *redis.Client (share
// the same client the KV store uses; Redis pub/sub and data commands use
// independent connections from the pool internally).
func New(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

var _ port.Bus = (*RedisBus)(nil)

func (b *RedisBus) Publish(ctx context.Context, topic string, msg port.Message) error {
	wm := wireMessage{
		Nonce:         msg.Nonce,
		Namespace:     msg.Namespace,
		SenderID:      msg.SenderID,
		ExcludeSender: msg.ExcludeSender,
		Payload:       msg.PayloadJSON,
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("pubsub: marshal: %w", err)
	}
	return b.client.Publish(ctx, topic, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (port.Subscription, error) {
	rsub := b.client.Subscribe(ctx, topic)
	if _, err := rsub.Receive(ctx); err != nil {
		_ = rsub.Close()
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
	}
	out := make(chan port.Message, 64)
	s := &redisSubscription{sub: rsub, out: out}
	go s.pump()
	return s, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	sub *redis.PubSub
	out chan port.Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	ch := s.sub.Channel()
	for rm := range ch {
		var wm wireMessage
		if err := json.Unmarshal([]byte(rm.Payload), &wm); err != nil {
			continue
		}
		s.out <- port.Message{
			Nonce:         wm.Nonce,
			Namespace:     wm.Namespace,
			SenderID:      wm.SenderID,
			ExcludeSender: wm.ExcludeSender,
			PayloadJSON:   wm.Payload,
		}
	}
}

func (s *redisSubscription) Channel() <-chan port.Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.sub.Close()
}
