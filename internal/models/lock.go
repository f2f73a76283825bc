package models

import "time"

// Lock is an advisory, session-scoped edit lock over one entity.
type Lock struct {
	EntityID   string    `json:"entity_id"`
	EntityType string    `json:"entity_type"`
	HolderID   string    `json:"holder_id"`
	HolderName string    `json:"holder_name,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l Lock) GetID() string { return l.EntityID }

// Expired reports whether the lock has outlived its TTL at now.
func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// Identity is the authenticated user behind one editing session. ClientID is
// the originator id attached to every write of the session.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	ClientID    string `json:"client_id"`
}
