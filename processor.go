package apiqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultProcessTimeout bounds how long one ingest message may hold the
// subscription, including any queue drain the dispatch triggers.
const DefaultProcessTimeout = 30 * time.Second

// Processor dispatches write requests that other local processes publish on
// apiqueue.dispatch.> subjects, so non-Go callers share one queue.
//
// Messages are handled one at a time in arrival order so that requests from
// one publisher are queued in the order they were sent. A slow dispatch
// delays later messages by at most the process timeout; a drain cut short by
// the timeout leaves the unsent requests queued for the next flush.
type Processor struct {
	dispatcher RequestDispatcher
	timeout    time.Duration
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessTimeout overrides DefaultProcessTimeout.
func WithProcessTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewProcessor creates a Processor over d.
func NewProcessor(d RequestDispatcher, opts ...ProcessorOption) *Processor {
	p := &Processor{dispatcher: d, timeout: DefaultProcessTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process parses a JSON Request and dispatches it. It returns the encoded
// DispatchOutcome, or nil when the message was malformed.
func (p *Processor) Process(ctx context.Context, subject string, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("apiqueue processor: malformed request",
			"subject", subject,
			"error", err,
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.dispatcher.Dispatch(ctx, req)
	if errors.Is(err, ErrInvalidRequest) {
		slog.Warn("apiqueue processor: invalid request",
			"subject", subject,
			"url", req.URL,
			"error", err,
		)
	}

	out, merr := json.Marshal(OutcomeOf(resp, err))
	if merr != nil {
		slog.Error("apiqueue processor: failed to encode reply", "subject", subject, "error", merr)
		return nil
	}
	return out
}

// Subscribe processes every message on subject and answers those that carry
// a reply subject.
func (p *Processor) Subscribe(ctx context.Context, nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		reply := p.Process(ctx, msg.Subject, msg.Data)
		if msg.Reply == "" || reply == nil {
			return
		}
		if err := msg.Respond(reply); err != nil {
			slog.Error("apiqueue processor: failed to reply", "subject", msg.Subject, "error", err)
		}
	})
}
