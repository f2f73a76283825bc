// Package cache is the client-side optimistic mutation cache. A Collection
// holds one ordered list of blocks, columns or rows, applies local writes
// immediately, and rolls back to the pre-mutation snapshot when the durable
// write fails.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

// DefaultWriteTimeout bounds every durable write issued by a Collection.
const DefaultWriteTimeout = 10 * time.Second

const maxRevalidateAttempts = 3

// Entity is the constraint satisfied by models.Block, models.Column and
// models.Row.
type Entity[T any] interface {
	GetID() string
	GetPosition() int
	WithPosition(int) T
	Clone() T
}

// Fetcher loads the authoritative list for a collection.
type Fetcher[T any] func(ctx context.Context) ([]T, error)

type saveSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// Collection is an ordered, id-keyed view of one entity list.
type Collection[T Entity[T]] struct {
	name    string
	fetch   Fetcher[T]
	timeout time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	items []T
	saves map[string]*saveSlot
	// epoch advances on every local change; a revalidation that started
	// in an older epoch is discarded.
	epoch uint64

	bg     context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	notify func()
}

// NewCollection returns an empty collection loaded by fetch.
func NewCollection[T Entity[T]](name string, fetch Fetcher[T], opts ...Option) *Collection[T] {
	o := collectOptions(opts)
	bg, stop := context.WithCancel(context.Background())
	return &Collection[T]{
		name:    name,
		fetch:   fetch,
		timeout: o.writeTimeout,
		log:     o.log,
		saves:   map[string]*saveSlot{},
		bg:      bg,
		stop:    stop,
		notify:  o.onChange,
	}
}

// Items returns a copy of the cached list in position order.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.items)
}

// Get returns a copy of the cached entity with id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(id); i >= 0 {
		return c.items[i].Clone(), true
	}
	var zero T
	return zero, false
}

// Len returns the number of cached entities.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// NextPosition returns max(position)+1, or 0 for an empty collection.
func (c *Collection[T]) NextPosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := 0
	for _, it := range c.items {
		if p := it.GetPosition(); p >= next {
			next = p + 1
		}
	}
	return next
}

// Pending reports whether a durable write for id is in flight or queued.
func (c *Collection[T]) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.saves[id]
	return ok
}

// Create inserts item optimistically and runs write. The confirmed entity
// replaces the optimistic one; on failure the pre-mutation list is restored.
func (c *Collection[T]) Create(ctx context.Context, item T, write func(context.Context) (T, error)) (T, error) {
	defer c.revalidateAsync()

	snap := c.mutate(func() { c.insertAt(item.Clone()) })

	confirmed, err := c.save(ctx, item.GetID(), write)
	if err != nil {
		c.rollback(snap)
		var zero T
		return zero, fmt.Errorf("cache: create %s %s: %w", c.name, item.GetID(), err)
	}
	c.mutate(func() {
		if i := c.indexOf(item.GetID()); i >= 0 {
			c.items[i] = confirmed.Clone()
		} else {
			c.items = append(c.items, confirmed.Clone())
		}
		c.sortLocked()
	})
	return confirmed, nil
}

// Update applies fn to the cached entity optimistically and runs write.
// Updating an id that is not cached fails before any write.
func (c *Collection[T]) Update(ctx context.Context, id string, fn func(T) T, write func(context.Context) (T, error)) (T, error) {
	defer c.revalidateAsync()

	var (
		zero  T
		found bool
	)
	snap := c.mutate(func() {
		if i := c.indexOf(id); i >= 0 {
			found = true
			c.items[i] = fn(c.items[i].Clone())
			c.sortLocked()
		}
	})
	if !found {
		return zero, fmt.Errorf("cache: update %s %s: %w", c.name, id, apperr.ErrNotFound)
	}

	confirmed, err := c.save(ctx, id, write)
	if err != nil {
		c.rollback(snap)
		return zero, fmt.Errorf("cache: update %s %s: %w", c.name, id, err)
	}
	c.mutate(func() {
		if i := c.indexOf(id); i >= 0 {
			c.items[i] = confirmed.Clone()
			c.sortLocked()
		}
	})
	return confirmed, nil
}

// Delete removes id optimistically, shifting every later position down by
// one, and runs write.
func (c *Collection[T]) Delete(ctx context.Context, id string, write func(context.Context) error) error {
	defer c.revalidateAsync()

	var found bool
	snap := c.mutate(func() { found = c.removeLocked(id) })
	if !found {
		return fmt.Errorf("cache: delete %s %s: %w", c.name, id, apperr.ErrNotFound)
	}

	_, err := c.save(ctx, id, func(ctx context.Context) (T, error) {
		var zero T
		return zero, write(ctx)
	})
	if err != nil {
		c.rollback(snap)
		return fmt.Errorf("cache: delete %s %s: %w", c.name, id, err)
	}
	return nil
}

// Reorder moves the placed entities to their positions, renumbers the
// rest densely around them, and runs write. Placements naming an uncached
// id or a position past the end fail before any write. A non-nil list
// returned by write replaces the cache.
func (c *Collection[T]) Reorder(ctx context.Context, placements []models.Placement, write func(context.Context) ([]T, error)) error {
	var arrangeErr error
	snap := c.mutate(func() {
		ordered := make([]string, len(c.items))
		for i, it := range c.items {
			ordered[i] = it.GetID()
		}
		arranged, err := models.Arrange(ordered, placements)
		if err != nil {
			arrangeErr = err
			return
		}
		for _, p := range arranged {
			i := c.indexOf(p.ID)
			c.items[i] = c.items[i].WithPosition(p.Position)
		}
		c.sortLocked()
	})
	if arrangeErr != nil {
		return fmt.Errorf("cache: reorder %s: %w", c.name, arrangeErr)
	}
	defer c.revalidateAsync()

	var confirmed []T
	_, err := c.save(ctx, "", func(ctx context.Context) (T, error) {
		var (
			zero T
			err  error
		)
		confirmed, err = write(ctx)
		return zero, err
	})
	if err != nil {
		c.rollback(snap)
		return fmt.Errorf("cache: reorder %s: %w", c.name, err)
	}
	c.mutate(func() {
		if confirmed != nil {
			c.items = cloneAll(confirmed)
		}
		c.sortLocked()
	})
	return nil
}

// Revalidate replaces the cache with the authoritative list. While a save
// is pending the result is dropped, since that save schedules its own
// revalidation. A fetch overtaken by other changes is retried.
func (c *Collection[T]) Revalidate(ctx context.Context) error {
	for attempt := 0; attempt < maxRevalidateAttempts; attempt++ {
		c.mu.Lock()
		started := c.epoch
		c.mu.Unlock()

		items, err := c.fetch(ctx)
		if err != nil {
			return fmt.Errorf("cache: revalidate %s: %w", c.name, err)
		}

		c.mu.Lock()
		if len(c.saves) > 0 {
			c.mu.Unlock()
			c.log.Debug("cache: revalidation deferred to pending save", slog.String("collection", c.name))
			return nil
		}
		if c.epoch != started {
			c.mu.Unlock()
			continue
		}
		c.items = cloneAll(items)
		c.sortLocked()
		c.epoch++
		c.mu.Unlock()
		c.changed()
		return nil
	}
	c.log.Debug("cache: revalidation overtaken by changes", slog.String("collection", c.name))
	return nil
}

// ApplyInsert folds a remote INSERT into the cache. Ids already present are
// ignored.
func (c *Collection[T]) ApplyInsert(item T) bool {
	applied := false
	c.mutate(func() {
		if c.indexOf(item.GetID()) >= 0 {
			return
		}
		c.insertAt(item.Clone())
		applied = true
	})
	return applied
}

// ApplyUpdate shallow-merges the top-level keys of patch into the cached
// entity with id. Unknown ids are a no-op.
func (c *Collection[T]) ApplyUpdate(id string, patch json.RawMessage) bool {
	applied := false
	c.mutate(func() {
		i := c.indexOf(id)
		if i < 0 {
			return
		}
		merged, err := models.MergeJSON(c.items[i], patch)
		if err != nil {
			c.log.Warn("cache: merge remote update",
				slog.String("collection", c.name), slog.String("id", id), slog.String("error", err.Error()))
			return
		}
		c.items[i] = merged
		c.sortLocked()
		applied = true
	})
	return applied
}

// ApplyDelete folds a remote DELETE into the cache, compacting positions
// the same way the durable store does.
func (c *Collection[T]) ApplyDelete(id string) bool {
	applied := false
	c.mutate(func() { applied = c.removeLocked(id) })
	return applied
}

// Close stops background revalidation and waits for it to finish.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	c.stop()
	c.mu.Unlock()
	c.wg.Wait()
}

// save serializes writes per entity id and bounds them with the write
// timeout.
func (c *Collection[T]) save(ctx context.Context, id string, write func(context.Context) (T, error)) (T, error) {
	var zero T

	slot := c.enqueue(id)
	defer c.dequeue(id, slot)

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer slot.sem.Release(1)

	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := write(wctx)
	if err == nil && wctx.Err() != nil {
		err = wctx.Err()
	}
	if err != nil {
		return zero, err
	}
	return out, nil
}

func (c *Collection[T]) enqueue(key string) *saveSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.saves[key]
	if !ok {
		slot = &saveSlot{sem: semaphore.NewWeighted(1)}
		c.saves[key] = slot
	}
	slot.refs++
	return slot
}

func (c *Collection[T]) dequeue(key string, slot *saveSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(c.saves, key)
	}
}

func (c *Collection[T]) revalidateAsync() {
	c.mu.Lock()
	if c.bg.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.bg, c.timeout)
		defer cancel()
		if err := c.Revalidate(ctx); err != nil && c.bg.Err() == nil {
			c.log.Warn("cache: background revalidation failed",
				slog.String("collection", c.name), slog.String("error", err.Error()))
		}
	}()
}

// mutate runs fn under the lock, advances the epoch and returns the list as
// it was before fn ran.
func (c *Collection[T]) mutate(fn func()) []T {
	c.mu.Lock()
	snap := cloneAll(c.items)
	fn()
	c.epoch++
	c.mu.Unlock()
	c.changed()
	return snap
}

func (c *Collection[T]) rollback(snap []T) {
	c.mu.Lock()
	c.items = snap
	c.epoch++
	c.mu.Unlock()
	c.changed()
}

func (c *Collection[T]) changed() {
	if c.notify != nil {
		c.notify()
	}
}

func (c *Collection[T]) indexOf(id string) int {
	for i, it := range c.items {
		if it.GetID() == id {
			return i
		}
	}
	return -1
}

// insertAt adds item at its position, shifting any entity already at or
// after that position up by one.
func (c *Collection[T]) insertAt(item T) {
	pos := item.GetPosition()
	if slices.ContainsFunc(c.items, func(it T) bool { return it.GetPosition() == pos }) {
		for j, it := range c.items {
			if it.GetPosition() >= pos {
				c.items[j] = it.WithPosition(it.GetPosition() + 1)
			}
		}
	}
	c.items = append(c.items, item)
	c.sortLocked()
}

func (c *Collection[T]) removeLocked(id string) bool {
	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	pos := c.items[i].GetPosition()
	c.items = append(c.items[:i:i], c.items[i+1:]...)
	for j, it := range c.items {
		if it.GetPosition() > pos {
			c.items[j] = it.WithPosition(it.GetPosition() - 1)
		}
	}
	return true
}

func (c *Collection[T]) sortLocked() {
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.items[i].GetPosition() < c.items[j].GetPosition()
	})
}

func cloneAll[T Entity[T]](items []T) []T {
	out := make([]T, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
