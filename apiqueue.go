// Package apiqueue provides the offline-tolerant request queue used by the
// attendance check-in client: outgoing write requests are sent immediately
// when the device is online, or persisted in a durable FIFO queue and flushed
// when connectivity returns.
package apiqueue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultQueueKey is the name of the durable slot holding the queue.
const DefaultQueueKey = "apiQueue"

// Reasons a queued request can be dead-lettered.
const (
	ReasonClientError = "client_error"
	ReasonMaxAttempts = "max_attempts"
)

// NATS subjects used by the queue.
const (
	SubjectDispatch        = "apiqueue.dispatch.>"
	SubjectDeadClientError = "apiqueue.dead.client_error"
	SubjectDeadMaxAttempts = "apiqueue.dead.max_attempts"
)

var (
	// ErrInvalidRequest is returned by Dispatch when the request fails its
	// preconditions. The queue is never touched in that case.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned when a queued request id is not in the queue.
	ErrNotFound = errors.New("queued request not found")
)

var validate = validator.New()

// Request is an outgoing write call as built by the caller. Headers and Body
// are opaque to the dispatcher.
type Request struct {
	URL     string            `json:"url" validate:"required,startswith=/"`
	Method  string            `json:"method" validate:"omitempty,oneof=POST PUT PATCH DELETE"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

func (r Request) validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(r.Body) > 0 && !json.Valid(r.Body) {
		return fmt.Errorf("%w: body is not valid JSON", ErrInvalidRequest)
	}
	return nil
}

// QueuedRequest is a Request stamped at dispatch time. It is the unit the
// durable queue stores.
type QueuedRequest struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	EnqueuedAt time.Time         `json:"timestamp"`
	Attempts   int               `json:"attempts,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

func (qr QueuedRequest) clone() QueuedRequest {
	qr.Headers = maps.Clone(qr.Headers)
	qr.Body = bytes.Clone(qr.Body)
	return qr
}

// DeadLetter is a queued request the flush path gave up on.
type DeadLetter struct {
	Request    QueuedRequest `json:"request"`
	Reason     string        `json:"reason"`
	Detail     string        `json:"detail,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	DroppedAt  time.Time     `json:"dropped_at"`
}

// FlushResult summarises one flush pass.
type FlushResult struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Retained  int `json:"retained"`
	Dropped   int `json:"dropped"`
}

// Stats returns summary counters for a Dispatcher.
type Stats struct {
	Pending         int   `json:"pending"`
	Flushing        bool  `json:"flushing"`
	Dispatched      int64 `json:"dispatched"`
	SentImmediately int64 `json:"sent_immediately"`
	Queued          int64 `json:"queued"`
	Flushes         int64 `json:"flushes"`
	FlushSent       int64 `json:"flush_sent"`
	Dropped         int64 `json:"dropped"`
}

// DispatchOutcome is the wire form of a Dispatch result, used by the admin
// API and NATS replies.
type DispatchOutcome struct {
	Queued     bool            `json:"queued"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
}

// OutcomeOf converts the return values of Dispatch into a DispatchOutcome.
func OutcomeOf(resp json.RawMessage, err error) DispatchOutcome {
	if err != nil {
		out := DispatchOutcome{Error: err.Error()}
		var se *SendError
		if errors.As(err, &se) {
			out.StatusCode = se.StatusCode
		}
		return out
	}
	if resp == nil {
		return DispatchOutcome{Queued: true}
	}
	return DispatchOutcome{Response: resp}
}

// SubjectForReason returns the NATS subject a dead letter is published to.
func SubjectForReason(reason string) string {
	switch reason {
	case ReasonClientError:
		return SubjectDeadClientError
	case ReasonMaxAttempts:
		return SubjectDeadMaxAttempts
	default:
		return "apiqueue.dead." + strings.ReplaceAll(reason, ".", "_")
	}
}
