package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/tessera/internal/models"
)

// State is the confirmation state of a Ticket.
type State int

const (
	// StatePendingLocal: granted in the session, backend not yet answered.
	StatePendingLocal State = iota
	StateConfirmed
	StateDenied
	StateReleased
)

func (s State) String() string {
	switch s {
	case StatePendingLocal:
		return "pending-local"
	case StateConfirmed:
		return "confirmed"
	case StateDenied:
		return "denied"
	case StateReleased:
		return "released"
	}
	return "unknown"
}

const confirmTimeout = 5 * time.Second

// Ticket is one lock acquisition.
type Ticket struct {
	c        *Coordinator
	entityID string

	mu       sync.Mutex
	state    State
	holder   models.Lock
	onDenied []func(models.Lock)

	resolved chan struct{}
	once     sync.Once
	released chan struct{}
}

// EntityID returns the locked entity.
func (t *Ticket) EntityID() string { return t.entityID }

// State returns the current state.
func (t *Ticket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Granted reports whether the caller may edit: the ticket is pending or
// confirmed.
func (t *Ticket) Granted() bool {
	s := t.State()
	return s == StatePendingLocal || s == StateConfirmed
}

// Holder returns the foreign lock that caused a denial.
func (t *Ticket) Holder() models.Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holder
}

// Resolved is closed once the ticket leaves StatePendingLocal.
func (t *Ticket) Resolved() <-chan struct{} { return t.resolved }

// Wait blocks until the ticket is resolved or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (State, error) {
	select {
	case <-t.resolved:
		return t.State(), nil
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

// OnDenied registers fn to run if the backend denies the lock. fn runs
// immediately when the ticket is already denied.
func (t *Ticket) OnDenied(fn func(models.Lock)) {
	t.mu.Lock()
	if t.state == StateDenied {
		holder := t.holder
		t.mu.Unlock()
		fn(holder)
		return
	}
	t.onDenied = append(t.onDenied, fn)
	t.mu.Unlock()
}

// Release gives the lock up. Only the first call has any effect; a denied
// ticket has nothing to release.
func (t *Ticket) Release() {
	t.mu.Lock()
	prev := t.state
	if prev == StateReleased || prev == StateDenied {
		t.mu.Unlock()
		return
	}
	t.state = StateReleased
	t.mu.Unlock()

	close(t.released)
	t.resolve()
	t.c.forget(t)
	// A pending ticket is released by the confirmation once the backend
	// answers.
	if prev == StateConfirmed {
		t.c.releaseRemote(t.entityID)
	}
}

func (t *Ticket) resolve() { t.once.Do(func() { close(t.resolved) }) }

// Coordinator grants locks for one editing session.
type Coordinator struct {
	backend Backend
	self    models.Identity
	ttl     time.Duration
	renew   time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	foreign map[string]models.Lock
	held    map[string]*Ticket

	bg   context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	now  func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTTL sets the lock TTL requested from the backend.
func WithTTL(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithRenewInterval sets how often a confirmed lock is re-acquired to
// extend its expiry. The default is a third of the TTL.
func WithRenewInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.renew = d
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCoordinator returns a Coordinator acting as self.
func NewCoordinator(backend Backend, self models.Identity, opts ...CoordinatorOption) *Coordinator {
	bg, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		backend: backend,
		self:    self,
		ttl:     DefaultTTL,
		log:     slog.Default(),
		foreign: map[string]models.Lock{},
		held:    map[string]*Ticket{},
		bg:      bg,
		stop:    stop,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.renew == 0 {
		c.renew = c.ttl / 3
	}
	return c
}

// IsLocked reports whether another session holds a live lock on entityID.
func (c *Coordinator) IsLocked(entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.foreign[entityID]
	if !ok {
		return false
	}
	if l.Expired(c.now()) {
		delete(c.foreign, entityID)
		return false
	}
	return true
}

// Acquire grants a lock on entityID optimistically and confirms it with the
// backend in the background. An entity already locked by another session
// yields a denied ticket without contacting the backend.
func (c *Coordinator) Acquire(entityID, entityType string) *Ticket {
	t := &Ticket{c: c, entityID: entityID, resolved: make(chan struct{}), released: make(chan struct{})}

	if c.IsLocked(entityID) {
		c.mu.Lock()
		t.state, t.holder = StateDenied, c.foreign[entityID]
		c.mu.Unlock()
		t.resolve()
		c.log.Debug("lock: denied locally", slog.String("entity_id", entityID))
		return t
	}

	c.mu.Lock()
	prev := c.held[entityID]
	c.held[entityID] = t
	c.mu.Unlock()
	if prev != nil {
		prev.Release()
	}

	lock := models.Lock{
		EntityID:   entityID,
		EntityType: entityType,
		HolderID:   c.self.ClientID,
		HolderName: c.self.DisplayName,
		AcquiredAt: c.now().UTC(),
	}
	c.mu.Lock()
	if c.bg.Err() != nil {
		c.mu.Unlock()
		t.Release()
		return t
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go c.confirm(t, lock)
	return t
}

func (c *Coordinator) confirm(t *Ticket, l models.Lock) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.bg, confirmTimeout)
	defer cancel()

	granted, holder, err := c.backend.Acquire(ctx, l, c.ttl)
	if err != nil {
		// Locks are advisory; an unreachable backend keeps the local grant.
		c.log.Warn("lock: confirmation failed",
			slog.String("entity_id", l.EntityID), slog.String("error", err.Error()))
		granted = true
	}

	t.mu.Lock()
	if t.state == StateReleased {
		t.mu.Unlock()
		if granted && err == nil {
			c.releaseRemote(l.EntityID)
		}
		return
	}
	if !granted {
		t.mu.Unlock()
		c.deny(t, holder)
		return
	}
	t.state = StateConfirmed
	t.mu.Unlock()
	t.resolve()

	c.keepAlive(t, l)
}

// keepAlive re-acquires a confirmed lock every renew interval until the
// ticket is released or the coordinator closes. A refusal means the lock
// expired and another session took it; the ticket is then denied.
func (c *Coordinator) keepAlive(t *Ticket, l models.Lock) {
	ticker := time.NewTicker(c.renew)
	defer ticker.Stop()
	for {
		select {
		case <-t.released:
			return
		case <-c.bg.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(c.bg, confirmTimeout)
		granted, holder, err := c.backend.Acquire(ctx, l, c.ttl)
		cancel()
		if err != nil {
			c.log.Warn("lock: renewal failed",
				slog.String("entity_id", l.EntityID), slog.String("error", err.Error()))
			continue
		}
		if !granted {
			c.deny(t, holder)
			return
		}
	}
}

// deny moves t to StateDenied, records holder as a foreign lock and runs
// the OnDenied callbacks. A ticket released in the meantime is left alone.
func (c *Coordinator) deny(t *Ticket, holder models.Lock) {
	t.mu.Lock()
	if t.state == StateReleased || t.state == StateDenied {
		t.mu.Unlock()
		return
	}
	t.state, t.holder = StateDenied, holder
	callbacks := t.onDenied
	t.onDenied = nil
	t.mu.Unlock()

	c.mu.Lock()
	c.foreign[t.entityID] = holder
	if c.held[t.entityID] == t {
		delete(c.held, t.entityID)
	}
	c.mu.Unlock()
	t.resolve()

	c.log.Debug("lock: denied",
		slog.String("entity_id", t.entityID), slog.String("holder", holder.HolderName))
	for _, fn := range callbacks {
		fn(holder)
	}
}

// Release releases this session's lock on entityID, if any.
func (c *Coordinator) Release(entityID string) {
	c.mu.Lock()
	t := c.held[entityID]
	c.mu.Unlock()
	if t != nil {
		t.Release()
	}
}

// Apply folds a lock event from the notification channel into the set of
// foreign locks. Events about this session's own locks are ignored.
func (c *Coordinator) Apply(ch models.LockChange) {
	if ch.Lock.HolderID == c.self.ClientID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ch.Type {
	case models.EventInsert, models.EventUpdate:
		c.foreign[ch.Lock.EntityID] = ch.Lock
	case models.EventDelete:
		if cur, ok := c.foreign[ch.Lock.EntityID]; ok && cur.HolderID == ch.Lock.HolderID {
			delete(c.foreign, ch.Lock.EntityID)
		}
	}
}

// Close releases every held lock and waits for outstanding backend calls.
func (c *Coordinator) Close() {
	c.mu.Lock()
	tickets := make([]*Ticket, 0, len(c.held))
	for _, t := range c.held {
		tickets = append(tickets, t)
	}
	c.mu.Unlock()
	for _, t := range tickets {
		t.Release()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.stop()
	c.mu.Unlock()
}

func (c *Coordinator) forget(t *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[t.entityID] == t {
		delete(c.held, t.entityID)
	}
}

func (c *Coordinator) releaseRemote(entityID string) {
	c.mu.Lock()
	if c.bg.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.bg, confirmTimeout)
		defer cancel()
		if _, err := c.backend.Release(ctx, entityID, c.self.ClientID); err != nil {
			c.log.Warn("lock: release failed",
				slog.String("entity_id", entityID), slog.String("error", err.Error()))
		}
	}()
}
