package apiqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Dispatcher owns the send-or-queue decision and the flush algorithm. It is
// the only component that reads or writes the queue store.
type Dispatcher struct {
	store       QueueStore
	sender      Sender
	conn        Connectivity
	sink        DeadLetterSink
	maxAttempts int
	now         func() time.Time

	// mu serializes every read-modify-write of the store.
	mu       sync.Mutex
	flushing atomic.Bool

	dispatched      atomic.Int64
	sentImmediately atomic.Int64
	queued          atomic.Int64
	flushes         atomic.Int64
	flushSent       atomic.Int64
	dropped         atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDeadLetterSink sets where dropped requests are reported.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(d *Dispatcher) {
		d.sink = sink
	}
}

// WithMaxAttempts drops a queued request once it has failed n flush sends.
// Zero (the default) retries forever.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithClock overrides time.Now for stamping requests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a Dispatcher over the given store, sender and
// connectivity source.
func NewDispatcher(store QueueStore, sender Sender, conn Connectivity, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		sender: sender,
		conn:   conn,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends req now when the backend is reachable and no flush is
// running, draining any queued requests first. Otherwise req is appended to
// the durable queue and Dispatch returns (nil, nil): queued requests get no
// delivery confirmation.
//
// A failed immediate send is returned to the caller and is not queued.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	d.dispatched.Add(1)
	qr := d.stamp(req)

	connected, err := d.conn.Connected(ctx)
	if err != nil {
		slog.Warn("apiqueue dispatcher: connectivity check failed, treating as offline", "error", err)
		connected = false
	}

	if connected {
		if _, ok := d.tryFlush(ctx); ok {
			resp, err := d.sender.Send(ctx, qr)
			if err != nil {
				slog.Warn("apiqueue dispatcher: immediate send failed",
					"request_id", qr.ID,
					"url", qr.URL,
					"error", err,
				)
				return nil, err
			}
			d.sentImmediately.Add(1)
			return resp, nil
		}
	}

	d.enqueue(ctx, qr)
	return nil, nil
}

// Flush attempts every queued request once, in order, keeping only the ones
// that failed with a retriable error. It is a no-op while another flush is
// running. Errors are logged, never returned.
func (d *Dispatcher) Flush(ctx context.Context) FlushResult {
	res, _ := d.tryFlush(ctx)
	return res
}

// Flushing reports whether a flush pass is in progress.
func (d *Dispatcher) Flushing() bool {
	return d.flushing.Load()
}

// Pending returns a copy of the queued requests in order.
func (d *Dispatcher) Pending(ctx context.Context) ([]QueuedRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Load(ctx)
}

// Discard removes one queued request without sending it.
func (d *Dispatcher) Discard(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue, err := d.store.Load(ctx)
	if err != nil {
		return err
	}
	kept := make([]QueuedRequest, 0, len(queue))
	found := false
	for _, qr := range queue {
		if qr.ID == id {
			found = true
			continue
		}
		kept = append(kept, qr)
	}
	if !found {
		return ErrNotFound
	}
	if err := d.store.Save(ctx, kept); err != nil {
		return err
	}
	slog.Info("apiqueue dispatcher: discarded queued request", "request_id", id)
	return nil
}

// Stats returns the dispatcher counters and the current queue length.
func (d *Dispatcher) Stats(ctx context.Context) (*Stats, error) {
	pending, err := d.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Pending:         len(pending),
		Flushing:        d.flushing.Load(),
		Dispatched:      d.dispatched.Load(),
		SentImmediately: d.sentImmediately.Load(),
		Queued:          d.queued.Load(),
		Flushes:         d.flushes.Load(),
		FlushSent:       d.flushSent.Load(),
		Dropped:         d.dropped.Load(),
	}, nil
}

func (d *Dispatcher) stamp(req Request) QueuedRequest {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	// The queued copy must not alias caller-owned memory.
	var body json.RawMessage
	if len(req.Body) > 0 {
		body = bytes.Clone(req.Body)
	}
	return QueuedRequest{
		ID:         uuid.New().String(),
		URL:        req.URL,
		Method:     method,
		Headers:    maps.Clone(req.Headers),
		Body:       body,
		EnqueuedAt: d.now().UTC(),
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, qr QueuedRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue, err := d.store.Load(ctx)
	if err != nil {
		slog.Error("apiqueue dispatcher: failed to load queue for append",
			"request_id", qr.ID,
			"error", err,
		)
		return
	}
	queue = append(queue, qr)
	if err := d.store.Save(ctx, queue); err != nil {
		slog.Error("apiqueue dispatcher: failed to persist queued request",
			"request_id", qr.ID,
			"error", err,
		)
		return
	}
	d.queued.Add(1)
	slog.Info("apiqueue dispatcher: request queued",
		"request_id", qr.ID,
		"url", qr.URL,
		"queue_len", len(queue),
	)
}

// tryFlush runs one flush pass if no other pass holds the flag. ok is false
// when the flag was already taken.
func (d *Dispatcher) tryFlush(ctx context.Context) (res FlushResult, ok bool) {
	if !d.flushing.CompareAndSwap(false, true) {
		return FlushResult{}, false
	}
	defer d.flushing.Store(false)
	return d.drain(ctx), true
}

func (d *Dispatcher) drain(ctx context.Context) FlushResult {
	var res FlushResult
	d.flushes.Add(1)

	d.mu.Lock()
	snapshot, err := d.store.Load(ctx)
	d.mu.Unlock()
	if err != nil {
		slog.Error("apiqueue dispatcher: failed to load queue for flush", "error", err)
		return res
	}
	if len(snapshot) == 0 {
		return res
	}

	retained := make([]QueuedRequest, 0, len(snapshot))
	var dead []DeadLetter
	for i, qr := range snapshot {
		// A cancelled pass keeps the rest of the queue as it was.
		if ctx.Err() != nil {
			retained = append(retained, snapshot[i:]...)
			res.Retained += len(snapshot) - i
			slog.Info("apiqueue dispatcher: flush interrupted",
				"remaining", len(snapshot)-i,
				"error", ctx.Err(),
			)
			break
		}

		res.Attempted++
		_, err := d.sender.Send(ctx, qr)
		if err == nil {
			res.Sent++
			continue
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			retained = append(retained, qr)
			res.Retained++
			continue
		}
		qr.Attempts++
		qr.LastError = err.Error()
		if dl, drop := d.dropReason(qr, err); drop {
			dead = append(dead, dl)
			res.Dropped++
			continue
		}
		retained = append(retained, qr)
		res.Retained++
	}

	// The rewrite must land even if the caller's context ended mid-pass.
	if err := d.rewrite(context.WithoutCancel(ctx), snapshot, retained); err != nil {
		slog.Error("apiqueue dispatcher: failed to persist flushed queue",
			"sent", res.Sent,
			"error", err,
		)
	}

	d.flushSent.Add(int64(res.Sent))
	d.dropped.Add(int64(res.Dropped))
	for _, dl := range dead {
		d.deadLetter(context.WithoutCancel(ctx), dl)
	}

	slog.Info("apiqueue dispatcher: flush complete",
		"attempted", res.Attempted,
		"sent", res.Sent,
		"retained", res.Retained,
		"dropped", res.Dropped,
	)
	return res
}

// rewrite replaces the stored queue with the retained requests followed by
// anything appended since the snapshot was taken. Retained requests that were
// discarded meanwhile stay discarded.
func (d *Dispatcher) rewrite(ctx context.Context, snapshot, retained []QueuedRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.store.Load(ctx)
	if err != nil {
		return err
	}

	inSnapshot := make(map[string]struct{}, len(snapshot))
	for _, qr := range snapshot {
		inSnapshot[qr.ID] = struct{}{}
	}
	inCurrent := make(map[string]struct{}, len(current))
	for _, qr := range current {
		inCurrent[qr.ID] = struct{}{}
	}

	next := make([]QueuedRequest, 0, len(retained)+len(current))
	for _, qr := range retained {
		if _, ok := inCurrent[qr.ID]; ok {
			next = append(next, qr)
		}
	}
	for _, qr := range current {
		if _, ok := inSnapshot[qr.ID]; !ok {
			next = append(next, qr)
		}
	}
	return d.store.Save(ctx, next)
}

func (d *Dispatcher) dropReason(qr QueuedRequest, err error) (DeadLetter, bool) {
	dl := DeadLetter{
		Request:   qr,
		Detail:    err.Error(),
		DroppedAt: d.now().UTC(),
	}
	var se *SendError
	if errors.As(err, &se) {
		dl.StatusCode = se.StatusCode
		if !se.Retriable {
			dl.Reason = ReasonClientError
			return dl, true
		}
	}
	if d.maxAttempts > 0 && qr.Attempts >= d.maxAttempts {
		dl.Reason = ReasonMaxAttempts
		return dl, true
	}
	return DeadLetter{}, false
}

func (d *Dispatcher) deadLetter(ctx context.Context, dl DeadLetter) {
	slog.Warn("apiqueue dispatcher: dropped queued request",
		"request_id", dl.Request.ID,
		"url", dl.Request.URL,
		"reason", dl.Reason,
		"attempts", dl.Request.Attempts,
		"detail", dl.Detail,
	)
	if d.sink == nil {
		return
	}
	if err := d.sink.DeadLetter(ctx, dl); err != nil {
		slog.Error("apiqueue dispatcher: failed to publish dead letter",
			"request_id", dl.Request.ID,
			"error", err,
		)
	}
}
