package tableservice

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

// LockHeldError reports the current holder of a contested lock.
type LockHeldError struct {
	Holder models.Lock
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("entity %s is locked by %s", e.Holder.EntityID, e.Holder.HolderID)
}

func (e *LockHeldError) Unwrap() error { return apperr.ErrLockHeld }

// validateLockScope requires the document the lock event goes to and the
// locked entity.
func validateLockScope(documentID, entityID string) error {
	return apperr.Validation(validation.Errors{
		"document_id": validation.Validate(documentID, validation.Required),
		"entity_id":   validation.Validate(entityID, validation.Required),
	}.Filter())
}

// AcquireLock takes the edit lock on entityID for actor and announces it to
// documentID. A lock held by someone else yields a *LockHeldError.
func (s *Service) AcquireLock(ctx context.Context, actor models.Identity, documentID, entityID, entityType string) (models.Lock, error) {
	if err := validateLockScope(documentID, entityID); err != nil {
		return models.Lock{}, err
	}
	l := models.Lock{
		EntityID:   entityID,
		EntityType: entityType,
		HolderID:   actor.ClientID,
		HolderName: actor.DisplayName,
	}
	granted, holder, err := s.locks.Acquire(ctx, l, s.lockTTL)
	if err != nil {
		return models.Lock{}, fmt.Errorf("tableservice: acquire lock %s: %w", entityID, err)
	}
	if !granted {
		return holder, &LockHeldError{Holder: holder}
	}
	s.publish(models.TableLocks, models.EventInsert, documentID, "", actor, holder, nil)
	return holder, nil
}

// ReleaseLock drops actor's lock on entityID. Releasing a lock actor does
// not hold is a no-op.
func (s *Service) ReleaseLock(ctx context.Context, actor models.Identity, documentID, entityID string) error {
	if err := validateLockScope(documentID, entityID); err != nil {
		return err
	}
	released, err := s.locks.Release(ctx, entityID, actor.ClientID)
	if err != nil {
		return fmt.Errorf("tableservice: release lock %s: %w", entityID, err)
	}
	if released {
		old := models.Lock{EntityID: entityID, HolderID: actor.ClientID, HolderName: actor.DisplayName}
		s.publish(models.TableLocks, models.EventDelete, documentID, "", actor, nil, old)
	}
	return nil
}

// LockHolder returns the live lock on entityID.
func (s *Service) LockHolder(ctx context.Context, entityID string) (models.Lock, error) {
	l, ok, err := s.locks.Holder(ctx, entityID)
	if err != nil {
		return models.Lock{}, fmt.Errorf("tableservice: lock holder %s: %w", entityID, err)
	}
	if !ok {
		return models.Lock{}, fmt.Errorf("tableservice: lock %s: %w", entityID, apperr.ErrNotFound)
	}
	return l, nil
}
