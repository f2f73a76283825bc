package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/tessera/internal/models"
)

func rowEvent(t *testing.T, docID, rowID string) models.Event {
	t.Helper()
	ev, err := models.NewEvent(models.TableRows, models.EventUpdate, docID, "b1", "client-a",
		map[string]string{"id": rowID, "name": "x"}, nil)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := NewHub(time.Second, nil)
	defer h.Close()

	ch := h.Subscribe("doc-1")
	if n := h.ClientCount("doc-1"); n != 1 {
		t.Fatalf("ClientCount(doc-1) = %d, want 1", n)
	}
	if n := h.ClientCount("doc-2"); n != 0 {
		t.Fatalf("ClientCount(doc-2) = %d, want 0", n)
	}
	h.Unsubscribe(ch)
	if n := h.ClientCount(""); n != 0 {
		t.Fatalf("expected 0 clients after unsub, got %d", n)
	}
}

func TestPublishOnlyReachesDocumentSubscribers(t *testing.T) {
	h := NewHub(time.Second, nil)
	defer h.Close()

	one := h.Subscribe("doc-1")
	defer h.Unsubscribe(one)
	two := h.Subscribe("doc-2")
	defer h.Unsubscribe(two)

	h.Publish(rowEvent(t, "doc-1", "r1"))

	select {
	case ev := <-one:
		if ev.DocumentID != "doc-1" || ev.Name() != "rows.UPDATE" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case ev := <-two:
		t.Fatalf("doc-2 subscriber received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	h := NewHub(time.Second, nil)
	defer h.Close()
	ch := h.Subscribe("doc-1")
	defer h.Unsubscribe(ch)

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(rowEvent(t, "doc-1", "r1"))
	}
	// Reaching here without blocking is the assertion.
}

func TestStreamWritesFrames(t *testing.T) {
	h := NewHub(20*time.Millisecond, nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.Stream(w, req, "doc-1")
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount("doc-1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(rowEvent(t, "doc-1", "r9"))
	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: rows.UPDATE\n") {
		t.Errorf("missing event line in %q", body)
	}
	if !strings.Contains(body, ": ping\n\n") {
		t.Errorf("missing keep-alive in %q", body)
	}
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if ev.OriginatorID != "client-a" {
			t.Errorf("originator = %q", ev.OriginatorID)
		}
	}
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("content type = %q", w.Header().Get("Content-Type"))
	}
}

// flushHook runs onFirstFlush when the response headers reach the client.
type flushHook struct {
	*httptest.ResponseRecorder
	once         sync.Once
	onFirstFlush func()
}

func (f *flushHook) Flush() {
	f.ResponseRecorder.Flush()
	f.once.Do(f.onFirstFlush)
}

func TestStreamDeliversEventsPublishedOnConnect(t *testing.T) {
	h := NewHub(time.Second, nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/events", nil).WithContext(ctx)
	w := &flushHook{ResponseRecorder: httptest.NewRecorder()}
	w.onFirstFlush = func() { h.Publish(rowEvent(t, "doc-1", "r1")) }

	done := make(chan struct{})
	go func() {
		h.Stream(w, req, "doc-1")
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if body := w.Body.String(); !strings.Contains(body, "event: rows.UPDATE\n") {
		t.Errorf("event published on connect was missed: %q", body)
	}
}

func TestStreamRequiresDocument(t *testing.T) {
	h := NewHub(time.Second, nil)
	defer h.Close()
	w := httptest.NewRecorder()
	h.Stream(w, httptest.NewRequest(http.MethodGet, "/", nil), "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	h := NewHub(time.Second, nil)
	ch := h.Subscribe("doc-1")
	h.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	// Safe no-ops after close.
	h.Publish(rowEvent(t, "doc-1", "r1"))
	if h.ClientCount("") != 0 {
		t.Fatal("expected 0 clients after close")
	}
}
