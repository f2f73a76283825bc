package remote

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/starford/tessera/internal/models"
)

// LockBackend is a lock backend served by the API's lock endpoints. Locks
// are announced to documentID. The server derives the holder from the
// client identity and applies its own TTL.
type LockBackend struct {
	client     *Client
	documentID string
}

// NewLockBackend returns the lock backend of one document.
func NewLockBackend(client *Client, documentID string) *LockBackend {
	return &LockBackend{client: client, documentID: documentID}
}

func (b *LockBackend) Acquire(ctx context.Context, l models.Lock, _ time.Duration) (bool, models.Lock, error) {
	body := map[string]string{"entity_type": l.EntityType, "document_id": b.documentID}
	var out models.Lock
	err := b.client.do(ctx, http.MethodPost, "/locks/"+esc(l.EntityID), body, &out)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Holder != nil {
			return false, *se.Holder, nil
		}
		return false, models.Lock{}, err
	}
	return true, out, nil
}

// Release always reports true on success; the endpoint does not say
// whether a lock was actually dropped.
func (b *LockBackend) Release(ctx context.Context, entityID, _ string) (bool, error) {
	err := b.client.do(ctx, http.MethodDelete, "/locks/"+esc(entityID)+"?document_id="+esc(b.documentID), nil, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *LockBackend) Holder(ctx context.Context, entityID string) (models.Lock, bool, error) {
	var out models.Lock
	err := b.client.do(ctx, http.MethodGet, "/locks/"+esc(entityID), nil, &out)
	if isStatus(err, http.StatusNotFound) {
		return models.Lock{}, false, nil
	}
	if err != nil {
		return models.Lock{}, false, err
	}
	return out, true, nil
}
