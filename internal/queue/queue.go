package queue

import (
	"context"
)

// Publisher publishes task messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg TaskMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg TaskMessage) error

// Consumer consumes task messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// EmailQueue carries claimed send tasks to the dispatch workers.
	EmailQueue = "campaign.email"
	// EmailDLQ receives messages rejected by the workers.
	EmailDLQ = "dlq.campaign.email"
)
