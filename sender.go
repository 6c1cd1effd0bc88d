package apiqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRequestTimeout bounds a single send when no timeout is configured.
const DefaultRequestTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is kept on the error.
const maxErrorBody = 512

// SendError is a failed delivery. 4xx responses are not retriable; any other
// status, a network error or a timeout is.
type SendError struct {
	StatusCode int
	Body       string
	Retriable  bool
	Err        error
}

func (e *SendError) Error() string {
	switch {
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return fmt.Sprintf("client error, not retrying: %d", e.StatusCode)
	case e.StatusCode != 0:
		return fmt.Sprintf("server error: %d", e.StatusCode)
	default:
		return fmt.Sprintf("send request: %v", e.Err)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

// HTTPSender posts queued requests to a fixed base endpoint.
type HTTPSender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSender creates a sender for baseURL. A zero timeout uses
// DefaultRequestTimeout.
func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Send issues the request and classifies the outcome. A 2xx response returns
// its JSON body ("null" when empty); a 2xx body that is not JSON is returned
// as a JSON string so the delivery still counts as a success.
func (s *HTTPSender) Send(ctx context.Context, qr QueuedRequest) (json.RawMessage, error) {
	method := qr.Method
	if method == "" {
		method = http.MethodPost
	}

	ctx, span := otel.Tracer("apiqueue").Start(ctx, "apiqueue.send "+qr.URL,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", qr.URL),
			attribute.String("apiqueue.request_id", qr.ID),
		),
	)
	defer span.End()

	var body io.Reader
	if len(qr.Body) > 0 {
		body = bytes.NewReader(qr.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+qr.URL, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, &SendError{Retriable: false, Err: err}
	}
	for k, v := range qr.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, &SendError{Retriable: true, Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, &SendError{StatusCode: 0, Retriable: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &SendError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), maxErrorBody),
			Retriable:  resp.StatusCode < 400 || resp.StatusCode >= 500,
		}
		span.SetStatus(codes.Error, se.Error())
		return nil, se
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		return quoted, nil
	}
	return json.RawMessage(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
