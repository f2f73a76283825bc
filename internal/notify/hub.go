// Package notify fans committed table changes out to the editing sessions
// subscribed to a document, over Server-Sent Events.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/tessera/internal/models"
)

// DefaultPingInterval is the keep-alive period of an event stream.
const DefaultPingInterval = 15 * time.Second

const subscriberBuffer = 64

// Publisher accepts committed change events.
type Publisher interface {
	Publish(ev models.Event)
}

type subscription struct {
	documentID string
	ch         chan models.Event
}

type countReq struct {
	documentID string
	resp       chan int
}

// Hub routes events to the subscribers of the event's document.
//
// A single event loop owns the subscriber set; public methods talk to it
// over channels.
type Hub struct {
	ping time.Duration
	log  *slog.Logger

	subscribeCh   chan subscription
	unsubscribeCh chan chan models.Event
	publishCh     chan models.Event
	countReqCh    chan countReq

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewHub starts a hub. A non-positive ping uses DefaultPingInterval.
func NewHub(ping time.Duration, log *slog.Logger) *Hub {
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		ping:          ping,
		log:           log,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan models.Event),
		publishCh:     make(chan models.Event, 256),
		countReqCh:    make(chan countReq),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	docs := make(map[string]map[chan models.Event]struct{})
	owner := make(map[chan models.Event]string)

	for {
		select {
		case <-h.stopCh:
			for ch := range owner {
				close(ch)
			}
			return

		case s := <-h.subscribeCh:
			set, ok := docs[s.documentID]
			if !ok {
				set = make(map[chan models.Event]struct{})
				docs[s.documentID] = set
			}
			set[s.ch] = struct{}{}
			owner[s.ch] = s.documentID

		case ch := <-h.unsubscribeCh:
			docID, ok := owner[ch]
			if !ok {
				continue
			}
			delete(owner, ch)
			delete(docs[docID], ch)
			if len(docs[docID]) == 0 {
				delete(docs, docID)
			}
			close(ch)

		case ev := <-h.publishCh:
			for ch := range docs[ev.DocumentID] {
				select {
				case ch <- ev:
				default:
					h.log.Warn("notify: subscriber buffer full, dropping event",
						slog.String("document_id", ev.DocumentID),
						slog.String("event", ev.Name()))
				}
			}

		case req := <-h.countReqCh:
			if req.documentID == "" {
				req.resp <- len(owner)
			} else {
				req.resp <- len(docs[req.documentID])
			}
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}

// Subscribe registers a subscriber for documentID.
func (h *Hub) Subscribe(documentID string) chan models.Event {
	ch := make(chan models.Event, subscriberBuffer)
	if h.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case h.subscribeCh <- subscription{documentID: documentID, ch: ch}:
	case <-h.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan models.Event) {
	if h.closed.Load() {
		return
	}
	select {
	case h.unsubscribeCh <- ch:
	case <-h.stopped:
	}
}

// ClientCount returns the subscribers of documentID, or of every document
// when documentID is empty.
func (h *Hub) ClientCount(documentID string) int {
	if h.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case h.countReqCh <- countReq{documentID: documentID, resp: resp}:
	case <-h.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-h.stopped:
		return 0
	}
}

// Publish delivers ev to the subscribers of ev.DocumentID.
func (h *Hub) Publish(ev models.Event) {
	if h.closed.Load() {
		return
	}
	select {
	case h.publishCh <- ev:
	case <-h.stopped:
	}
}

// Frame renders ev as one SSE frame.
func Frame(ev models.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("notify: encode event: %w", err)
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", ev.Name(), payload), nil
}

// ServeHTTP streams the events of the {documentID} route parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Stream(w, r, chi.URLParam(r, "documentID"))
}

// Stream writes the events of documentID to w until the request ends.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, documentID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if documentID == "" {
		http.Error(w, "document id required", http.StatusBadRequest)
		return
	}

	// Subscribe before the client sees the response, so no event committed
	// after it connects is missed.
	ch := h.Subscribe(documentID)
	defer h.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			frame, err := Frame(ev)
			if err != nil {
				h.log.Error("notify: frame event", slog.String("error", err.Error()))
				continue
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
