package queue

import "context"

// Producer publishes retry messages.
type Producer interface {
	Publish(ctx context.Context, data []byte) error
}

// Delivery is one received message.
type Delivery interface {
	Data() []byte
	Ack() error
}

// Consumer delivers messages to handle until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handle func(context.Context, Delivery)) error
}
