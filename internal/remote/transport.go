package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/realtime"
)

const maxFrame = 8 << 20

// Transport opens Server-Sent Event streams of document changes.
type Transport struct {
	client *Client
	log    *slog.Logger
}

// NewTransport returns a realtime transport over client.
func NewTransport(client *Client, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{client: client, log: log}
}

// Subscribe connects to the event stream of documentID. It returns once the
// server has accepted the stream.
func (t *Transport) Subscribe(ctx context.Context, documentID string) (realtime.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := t.client.newRequest(ctx, http.MethodGet, "/documents/"+esc(documentID)+"/events", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote: subscribe %s: %w", documentID, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, statusError(resp)
	}

	s := &stream{
		body:   resp.Body,
		cancel: cancel,
		events: make(chan models.Event),
		log:    t.log,
	}
	go s.read(ctx)
	return s, nil
}

type stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan models.Event
	log    *slog.Logger

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func (s *stream) Events() <-chan models.Event { return s.events }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
	return nil
}

func (s *stream) read(ctx context.Context) {
	defer close(s.events)
	defer s.Close()

	sc := bufio.NewScanner(s.body)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrame)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				s.log.Warn("remote: decode event frame", slog.String("error", err.Error()))
			} else {
				select {
				case s.events <- ev:
				case <-ctx.Done():
					s.fail(nil)
					return
				}
			}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Comment (keep-alive).
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if ctx.Err() != nil {
		s.fail(nil)
		return
	}
	s.fail(sc.Err())
}

func (s *stream) fail(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		err = realtime.ErrStreamEnded
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
