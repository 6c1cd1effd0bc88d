package apiqueue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type backendCall struct {
	Path      string
	StudentID string
	Body      map[string]any
}

// fakeBackend records every write and rejects mood posts with a 400.
type fakeBackend struct {
	mu    sync.Mutex
	calls []backendCall
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	json.Unmarshal(data, &body)

	b.mu.Lock()
	b.calls = append(b.calls, backendCall{Path: r.URL.Path, StudentID: r.Header.Get("student-id"), Body: body})
	b.mu.Unlock()

	if r.URL.Path == PathPostMood {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"mood already recorded"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"recorded"}`))
}

func (b *fakeBackend) recorded() []backendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]backendCall, len(b.calls))
	copy(cp, b.calls)
	return cp
}

// TestE2E_OfflineDayThenReconnect walks through an offline school day:
// 1. Check-in, mood and check-out are queued while offline
// 2. The admin API lists them in order and survives a restart of the store
// 3. Reconnecting flushes them; the rejected mood is dead-lettered
// 4. Writes while online are delivered immediately
func TestE2E_OfflineDayThenReconnect(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")
	sw := NewSwitch(false)
	sink := &mockSink{}
	d := NewDispatcher(NewFileStore(path), NewHTTPSender(srv.URL, time.Second), sw, WithDeadLetterSink(sink))
	unsubscribe := Observe(ctx, sw, d)
	defer unsubscribe()

	client := NewAttendanceClient(d, StaticStudentID("stu-42"))

	// --- Step 1: queue writes while offline ---
	if resp, err := client.CheckIn(ctx, 1.29, 103.85); resp != nil || err != nil {
		t.Fatalf("step 1: expected check-in queued, got resp=%s err=%v", resp, err)
	}
	if resp, err := client.PostMood(ctx, MoodHappy, KindCheckIn); resp != nil || err != nil {
		t.Fatalf("step 1: expected mood queued, got resp=%s err=%v", resp, err)
	}
	if resp, err := client.CheckOut(ctx, 1.30, 103.86); resp != nil || err != nil {
		t.Fatalf("step 1: expected check-out queued, got resp=%s err=%v", resp, err)
	}
	if n := len(backend.recorded()); n != 0 {
		t.Fatalf("step 1: expected no backend calls while offline, got %d", n)
	}

	// --- Step 2: API lists the queue, which persists across store instances ---
	router := chi.NewRouter()
	router.Mount("/queue", NewHandler(d).Routes())

	w := doRequest(router, "GET", "/queue/", nil)
	var pending []QueuedRequest
	json.NewDecoder(w.Body).Decode(&pending)
	if len(pending) != 3 {
		t.Fatalf("step 2: expected 3 pending, got %d", len(pending))
	}
	wantURLs := []string{PathAttendance, PathPostMood, PathAttendance}
	for i, qr := range pending {
		if qr.URL != wantURLs[i] {
			t.Errorf("step 2: pending[%d] url %s, expected %s", i, qr.URL, wantURLs[i])
		}
	}

	reopened, err := NewFileStore(path).Load(ctx)
	if err != nil || len(reopened) != 3 {
		t.Fatalf("step 2: expected 3 requests on disk, got %d err=%v", len(reopened), err)
	}

	// --- Step 3: reconnect flushes in order ---
	sw.Set(true)

	calls := backend.recorded()
	if len(calls) != 3 {
		t.Fatalf("step 3: expected 3 backend calls, got %d", len(calls))
	}
	for i, c := range calls {
		if c.Path != wantURLs[i] {
			t.Errorf("step 3: call %d path %s, expected %s", i, c.Path, wantURLs[i])
		}
		if c.StudentID != "stu-42" {
			t.Errorf("step 3: call %d missing student-id header", i)
		}
	}
	if calls[0].Body["check_in"] != true || calls[2].Body["check_in"] != false {
		t.Errorf("step 3: unexpected check-in flags %v / %v", calls[0].Body["check_in"], calls[2].Body["check_in"])
	}

	remaining, _ := d.Pending(ctx)
	if len(remaining) != 0 {
		t.Errorf("step 3: expected empty queue, got %d", len(remaining))
	}

	letters := sink.received()
	if len(letters) != 1 {
		t.Fatalf("step 3: expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].Reason != ReasonClientError || letters[0].StatusCode != 400 || letters[0].Request.URL != PathPostMood {
		t.Errorf("step 3: unexpected dead letter %+v", letters[0])
	}

	// --- Step 4: online writes are delivered immediately ---
	resp, err := client.CheckIn(ctx, 1.29, 103.85)
	if err != nil {
		t.Fatalf("step 4: check-in failed: %v", err)
	}
	if string(resp) != `{"status":"recorded"}` {
		t.Errorf("step 4: expected backend response, got %s", resp)
	}

	_, err = client.PostMood(ctx, MoodSad, KindCheckOut)
	if err == nil {
		t.Error("step 4: expected immediate 400 to be returned to the caller")
	}
	if remaining, _ := d.Pending(ctx); len(remaining) != 0 {
		t.Errorf("step 4: expected failed immediate send not to be queued, got %d", len(remaining))
	}

	// --- Step 5: stats reflect the day ---
	w = doRequest(router, "GET", "/queue/stats", nil)
	var stats Stats
	json.NewDecoder(w.Body).Decode(&stats)
	if stats.Queued != 3 || stats.FlushSent != 2 || stats.Dropped != 1 || stats.SentImmediately != 1 {
		t.Errorf("step 5: unexpected stats %+v", stats)
	}
}
