package apiqueue

import (
	"context"
	"encoding/json"
)

// QueueStore is the durable slot holding the queue as one ordered sequence.
// Load returns an empty slice when the slot is absent; Save replaces the whole
// sequence. Only the Dispatcher calls it.
type QueueStore interface {
	Load(ctx context.Context) ([]QueuedRequest, error)
	Save(ctx context.Context, queue []QueuedRequest) error
}

// Sender delivers one request to the backend. Failures are *SendError.
type Sender interface {
	Send(ctx context.Context, req QueuedRequest) (json.RawMessage, error)
}

// Connectivity reports whether the backend is reachable and notifies
// subscribers when that changes. Subscribers run on the notifier's goroutine.
type Connectivity interface {
	Connected(ctx context.Context) (bool, error)
	Subscribe(fn func(connected bool)) (unsubscribe func())
}

// DeadLetterSink receives requests the flush path dropped.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// RequestDispatcher is the caller-facing half of *Dispatcher.
type RequestDispatcher interface {
	Dispatch(ctx context.Context, req Request) (json.RawMessage, error)
}

// MessagePublisher is the interface for publishing messages to NATS.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}
