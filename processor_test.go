package apiqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestProcessor_Process_OfflineQueues(t *testing.T) {
	store := newMockStore()
	d := NewDispatcher(store, newMockSender(), NewSwitch(false))
	proc := NewProcessor(d)

	data, _ := json.Marshal(attendanceReq(1))
	reply := proc.Process(context.Background(), "apiqueue.dispatch.attendance", data)

	var out DispatchOutcome
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	if !out.Queued {
		t.Errorf("expected queued outcome, got %+v", out)
	}
	if len(store.ids()) != 1 {
		t.Errorf("expected 1 queued request, got %d", len(store.ids()))
	}
}

func TestProcessor_Process_OnlineSends(t *testing.T) {
	store := newMockStore()
	sender := newMockSender()
	d := NewDispatcher(store, sender, NewSwitch(true))
	proc := NewProcessor(d)

	data, _ := json.Marshal(attendanceReq(1))
	reply := proc.Process(context.Background(), "apiqueue.dispatch.attendance", data)

	var out DispatchOutcome
	json.Unmarshal(reply, &out)
	if out.Queued || string(out.Response) != `{"ok":true}` {
		t.Errorf("expected immediate response, got %+v", out)
	}
	if len(sender.sentIDs()) != 1 {
		t.Errorf("expected 1 send, got %d", len(sender.sentIDs()))
	}
}

func TestProcessor_Process_SendErrorReply(t *testing.T) {
	sender := newMockSender()
	sender.failAll = clientErr(409)
	d := NewDispatcher(newMockStore(), sender, NewSwitch(true))
	proc := NewProcessor(d)

	data, _ := json.Marshal(attendanceReq(1))
	reply := proc.Process(context.Background(), "apiqueue.dispatch.attendance", data)

	var out DispatchOutcome
	json.Unmarshal(reply, &out)
	if out.StatusCode != 409 || out.Error == "" {
		t.Errorf("expected error outcome with status 409, got %+v", out)
	}
}

func TestProcessor_Process_MalformedJSON(t *testing.T) {
	store := newMockStore()
	d := NewDispatcher(store, newMockSender(), NewSwitch(false))
	proc := NewProcessor(d)

	// Invalid JSON: logged and dropped, nothing dispatched.
	reply := proc.Process(context.Background(), "apiqueue.dispatch.attendance", []byte("not json"))

	if reply != nil {
		t.Errorf("expected no reply for malformed JSON, got %s", reply)
	}
	if store.saveCalls != 0 {
		t.Errorf("expected 0 save calls for malformed JSON, got %d", store.saveCalls)
	}
}

func TestProcessor_Process_InvalidRequest(t *testing.T) {
	store := newMockStore()
	d := NewDispatcher(store, newMockSender(), NewSwitch(false))
	proc := NewProcessor(d)

	reply := proc.Process(context.Background(), "apiqueue.dispatch.attendance", []byte(`{"url":"attendance"}`))

	var out DispatchOutcome
	json.Unmarshal(reply, &out)
	if out.Queued || out.Error == "" {
		t.Errorf("expected error outcome, got %+v", out)
	}
	if len(store.ids()) != 0 {
		t.Errorf("expected nothing queued, got %v", store.ids())
	}
}

// blockingDispatcher holds every dispatch until its context ends.
type blockingDispatcher struct{}

func (blockingDispatcher) Dispatch(ctx context.Context, _ Request) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessor_Process_Timeout(t *testing.T) {
	proc := NewProcessor(blockingDispatcher{}, WithProcessTimeout(20*time.Millisecond))
	data, _ := json.Marshal(attendanceReq(1))

	done := make(chan []byte)
	go func() { done <- proc.Process(context.Background(), "apiqueue.dispatch.attendance", data) }()

	select {
	case reply := <-done:
		var out DispatchOutcome
		json.Unmarshal(reply, &out)
		if out.Error == "" {
			t.Errorf("expected timeout error in reply, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process did not honour its timeout")
	}
}

func TestProcessor_Process_TimeoutKeepsQueue(t *testing.T) {
	store := newMockStore()
	sender := newMockSender()
	sender.gate = make(chan struct{})
	sender.started = make(chan string, 4)
	store.seed(queued("q-1", `{}`), queued("q-2", `{}`))
	d := NewDispatcher(store, sender, NewSwitch(true), WithMaxAttempts(1))
	proc := NewProcessor(d, WithProcessTimeout(20*time.Millisecond))

	data, _ := json.Marshal(attendanceReq(3))
	proc.Process(context.Background(), "apiqueue.dispatch.attendance", data)

	pending, _ := d.Pending(context.Background())
	if len(pending) != 2 || pending[0].ID != "q-1" || pending[1].ID != "q-2" {
		t.Fatalf("expected [q-1 q-2] still queued, got %v", store.ids())
	}
	for _, qr := range pending {
		if qr.Attempts != 0 {
			t.Errorf("expected %s not charged an attempt, got %d", qr.ID, qr.Attempts)
		}
	}
}

func TestNewProcessor_DefaultTimeout(t *testing.T) {
	if p := NewProcessor(blockingDispatcher{}); p.timeout != DefaultProcessTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultProcessTimeout, p.timeout)
	}
	if p := NewProcessor(blockingDispatcher{}, WithProcessTimeout(0)); p.timeout != DefaultProcessTimeout {
		t.Errorf("expected zero override ignored, got %v", p.timeout)
	}
}
