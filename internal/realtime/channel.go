// Package realtime keeps a DocumentCache in step with the change
// notifications of one document.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/starford/tessera/internal/cache"
	"github.com/starford/tessera/internal/models"
)

// Subscription is one live notification stream.
type Subscription interface {
	// Events is closed when the stream ends.
	Events() <-chan models.Event
	// Err reports why the stream ended, once Events is closed.
	Err() error
	Close() error
}

// Transport opens notification streams.
type Transport interface {
	Subscribe(ctx context.Context, documentID string) (Subscription, error)
}

// LockSink receives lock events.
type LockSink interface {
	Apply(models.LockChange)
}

// ErrStreamEnded is reported when a subscription closes without an error.
var ErrStreamEnded = errors.New("notification stream ended")

// Channel routes the events of one document into its cache.
type Channel struct {
	transport Transport
	cache     *cache.DocumentCache
	clientID  string
	locks     LockSink
	retryer   Retryer
	log       *slog.Logger

	connected atomic.Bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithRetryer replaces the default exponential backoff.
func WithRetryer(r Retryer) Option {
	return func(c *Channel) { c.retryer = r }
}

// WithLocks forwards lock events to sink.
func WithLocks(sink LockSink) Option {
	return func(c *Channel) { c.locks = sink }
}

// WithLogger sets the channel logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// NewChannel returns a Channel that drops every event whose originator is
// clientID.
func NewChannel(transport Transport, dc *cache.DocumentCache, clientID string, opts ...Option) *Channel {
	c := &Channel{
		transport: transport,
		cache:     dc,
		clientID:  clientID,
		retryer:   NewExponentialBackoff(),
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connected reports whether a subscription is currently live.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Run subscribes and folds events into the cache until ctx is done,
// resubscribing with the Retryer whenever the stream drops. Every
// successful subscription is followed by a full revalidation. Run returns
// nil on cancellation and an error only when the Retryer gives up.
func (c *Channel) Run(ctx context.Context) error {
	docID := c.cache.DocumentID()
	attempt := 0
	for {
		sub, err := c.transport.Subscribe(ctx, docID)
		if err == nil {
			attempt = 0
			c.retryer.Reset()
			c.connected.Store(true)
			c.log.Info("realtime: subscribed", slog.String("document_id", docID))

			if rerr := c.cache.Revalidate(ctx); rerr != nil && ctx.Err() == nil {
				c.log.Warn("realtime: revalidate after subscribe",
					slog.String("document_id", docID), slog.String("error", rerr.Error()))
			}
			err = c.consume(ctx, sub)
			sub.Close()
			c.connected.Store(false)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("realtime: channel disrupted",
			slog.String("document_id", docID), slog.Int("attempt", attempt), slog.String("error", err.Error()))

		delay, ok := c.retryer.NextDelay(attempt, err)
		attempt++
		if !ok {
			return fmt.Errorf("realtime: giving up after %d attempts: %w", attempt, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Channel) consume(ctx context.Context, sub Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return ErrStreamEnded
			}
			if err := c.Handle(ev); err != nil {
				c.log.Warn("realtime: event rejected",
					slog.String("event", ev.Name()), slog.String("error", err.Error()))
			}
		}
	}
}

// Handle folds one event into the cache. Events from this session, for
// other documents, or for table blocks that are not loaded are dropped.
// Malformed events are rejected before touching the cache.
func (c *Channel) Handle(ev models.Event) error {
	if ev.OriginatorID != "" && ev.OriginatorID == c.clientID {
		return nil
	}
	if ev.DocumentID != c.cache.DocumentID() {
		return nil
	}
	change, err := ev.Decode()
	if err != nil {
		return err
	}

	switch ch := change.(type) {
	case models.BlockChange:
		apply(c.cache.Blocks, ch.Type, ch.Block, ch.Patch)
		if ch.Type == models.EventDelete {
			c.cache.DropTable(ch.Block.ID)
		}
	case models.ColumnChange:
		if t, ok := c.cache.Table(ch.BlockID); ok {
			apply(t.Columns, ch.Type, ch.Column, ch.Patch)
		}
	case models.RowChange:
		if t, ok := c.cache.Table(ch.BlockID); ok {
			apply(t.Rows, ch.Type, ch.Row, ch.Patch)
		}
	case models.LockChange:
		if c.locks != nil {
			c.locks.Apply(ch)
		}
	}
	return nil
}

func apply[T cache.Entity[T]](col *cache.Collection[T], op models.EventType, item T, patch json.RawMessage) {
	switch op {
	case models.EventInsert:
		col.ApplyInsert(item)
	case models.EventUpdate:
		col.ApplyUpdate(item.GetID(), patch)
	case models.EventDelete:
		col.ApplyDelete(item.GetID())
	}
}
