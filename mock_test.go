package apiqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// mockStore is a thread-safe in-memory QueueStore for unit tests.
type mockStore struct {
	mu    sync.Mutex
	queue []QueuedRequest

	loadErr error
	saveErr error

	loadCalls int
	saveCalls int
}

func newMockStore() *mockStore {
	return &mockStore{}
}

func (m *mockStore) Load(_ context.Context) ([]QueuedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	cp := make([]QueuedRequest, len(m.queue))
	copy(cp, m.queue)
	return cp, nil
}

func (m *mockStore) Save(_ context.Context, queue []QueuedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.queue = make([]QueuedRequest, len(queue))
	copy(m.queue, queue)
	return nil
}

func (m *mockStore) seed(reqs ...QueuedRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, reqs...)
}

func (m *mockStore) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.queue))
	for i, qr := range m.queue {
		ids[i] = qr.ID
	}
	return ids
}

func (m *mockStore) setLoadErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// mockSender records every send and answers from a per-id script.
type mockSender struct {
	mu       sync.Mutex
	sent     []QueuedRequest
	failures map[string]error
	failAll  error
	resp     json.RawMessage

	// gate, when set, blocks each Send until a value is received.
	gate    chan struct{}
	started chan string

	active    int
	maxActive int
}

func newMockSender() *mockSender {
	return &mockSender{
		failures: make(map[string]error),
		resp:     json.RawMessage(`{"ok":true}`),
	}
}

func (m *mockSender) Send(ctx context.Context, qr QueuedRequest) (json.RawMessage, error) {
	m.mu.Lock()
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	gate, started := m.gate, m.started
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	if started != nil {
		started <- qr.ID
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &SendError{Retriable: true, Err: ctx.Err()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, qr)
	if m.failAll != nil {
		return nil, m.failAll
	}
	if err, ok := m.failures[qr.ID]; ok {
		return nil, err
	}
	return m.resp, nil
}

func (m *mockSender) fail(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = err
}

func (m *mockSender) sentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.sent))
	for i, qr := range m.sent {
		ids[i] = qr.ID
	}
	return ids
}

func (m *mockSender) peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// mockConn is a Connectivity whose answer can be scripted, including errors.
type mockConn struct {
	*Switch
	err error
}

func (m *mockConn) Connected(ctx context.Context) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.Switch.Connected(ctx)
}

// mockSink captures dead letters for test assertions.
type mockSink struct {
	mu      sync.Mutex
	letters []DeadLetter
	err     error
}

func (m *mockSink) DeadLetter(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.letters = append(m.letters, dl)
	return nil
}

func (m *mockSink) received() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]DeadLetter, len(m.letters))
	copy(cp, m.letters)
	return cp
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockNATS) published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publishedMsg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// queued builds a QueuedRequest with a fixed id for seeding stores.
func queued(id string, body string) QueuedRequest {
	return QueuedRequest{
		ID:      id,
		URL:     PathAttendance,
		Method:  "POST",
		Headers: map[string]string{"student-id": "s-1", "Content-Type": "application/json"},
		Body:    json.RawMessage(body),
	}
}

func clientErr(code int) error {
	return &SendError{StatusCode: code, Retriable: false}
}

func serverErr(code int) error {
	return &SendError{StatusCode: code, Retriable: true}
}

func networkErr() error {
	return &SendError{Retriable: true, Err: fmt.Errorf("dial tcp: connection refused")}
}

// Verify interfaces at compile time.
var _ QueueStore = (*mockStore)(nil)
var _ Sender = (*mockSender)(nil)
var _ Connectivity = (*mockConn)(nil)
var _ DeadLetterSink = (*mockSink)(nil)
var _ MessagePublisher = (*mockNATS)(nil)
