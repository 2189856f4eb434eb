// Package port defines the pub/sub contract the room coordinator uses to
// fan events out across controller processes (§4.2).
package port

import "context"

// Message is one published event: the module namespace, the optional
// sending participant (absent for system-originated events), a dedup
// nonce, and the opaque JSON payload.
type Message struct {
	Nonce       string
	Namespace   string
	SenderID    string // empty if system-originated
	PayloadJSON []byte

	// ExcludeSender, when true, tells the receiving room handle not to
	// deliver this message to the local sink whose participant id equals
	// SenderID (§4.1 join protocol step 5: "joined" is published excluding
	// the joiner, who instead receives join_success directly).
	ExcludeSender bool
}

// Subscription delivers messages published to a topic until Close is called
// or the underlying connection is dropped.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Bus publishes to and subscribes on named topics. Implementations must
// preserve per-publisher ordering (§4.2): messages published by one process
// to one topic are delivered to every subscriber in publication order.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}
