package event

import "context"

// Message is one delivery from a broker
type Message struct {
	// ID is the broker-assigned message id (a stream entry id for Redis)
	ID    string
	Topic string
	Body  []byte
	// Deliveries counts how often the message has been handed to a
	// consumer, starting at 1
	Deliveries int64
}

// MessageHandler processes one message. Returning nil acknowledges it; an
// error leaves it unacknowledged so the broker redelivers it.
type MessageHandler func(ctx context.Context, msg Message) error

// MessagePublisher appends a message body to a topic and returns the
// broker-assigned id
type MessagePublisher interface {
	PublishMessage(ctx context.Context, topic string, body []byte) (string, error)
}

// MessageConsumer delivers the messages of a topic to handler until ctx is
// cancelled
type MessageConsumer interface {
	Consume(ctx context.Context, topic string, handler MessageHandler) error
}

// Broker is a message transport
type Broker interface {
	MessagePublisher
	MessageConsumer
	Ping(ctx context.Context) error
	Close() error
}
