package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Table names the entity collection an event belongs to.
type Table string

const (
	TableBlocks  Table = "blocks"
	TableColumns Table = "columns"
	TableRows    Table = "rows"
	TableLocks   Table = "locks"
)

// EventType is the kind of committed change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one committed change, as carried by the notification stream.
// New and Old hold the JSON representation of the entity after and before the
// change; UPDATE events may carry only the changed keys in New.
type Event struct {
	Table        Table           `json:"table"`
	Type         EventType       `json:"eventType"`
	DocumentID   string          `json:"document_id"`
	BlockID      string          `json:"block_id,omitempty"`
	OriginatorID string          `json:"originator_id,omitempty"`
	New          json.RawMessage `json:"new,omitempty"`
	Old          json.RawMessage `json:"old,omitempty"`
	CommittedAt  time.Time       `json:"committed_at"`
}

// Name is the SSE event name, e.g. "rows.UPDATE".
func (e Event) Name() string { return string(e.Table) + "." + string(e.Type) }

// NewEvent builds an event, encoding newV and oldV when they are non-nil.
func NewEvent(table Table, typ EventType, documentID, blockID, originator string, newV, oldV any) (Event, error) {
	ev := Event{
		Table:        table,
		Type:         typ,
		DocumentID:   documentID,
		BlockID:      blockID,
		OriginatorID: originator,
		CommittedAt:  time.Now().UTC(),
	}
	var err error
	if newV != nil {
		if ev.New, err = json.Marshal(newV); err != nil {
			return Event{}, fmt.Errorf("models: encode event: %w", err)
		}
	}
	if oldV != nil {
		if ev.Old, err = json.Marshal(oldV); err != nil {
			return Event{}, fmt.Errorf("models: encode event: %w", err)
		}
	}
	return ev, nil
}

// ErrMalformedEvent is returned by Decode for events that fail validation.
var ErrMalformedEvent = errors.New("malformed event")

// Change is a decoded, validated Event. The concrete type is one of
// BlockChange, ColumnChange, RowChange or LockChange.
type Change interface {
	Op() EventType
	ID() string
	isChange()
}

// BlockChange is a decoded blocks event. For UPDATE, Patch holds the raw keys
// to shallow-merge into the cached block.
type BlockChange struct {
	Type  EventType
	Block Block
	Patch json.RawMessage
}

// ColumnChange is a decoded columns event.
type ColumnChange struct {
	Type    EventType
	BlockID string
	Column  Column
	Patch   json.RawMessage
}

// RowChange is a decoded rows event.
type RowChange struct {
	Type    EventType
	BlockID string
	Row     Row
	Patch   json.RawMessage
}

// LockChange is a decoded locks event. DELETE means released.
type LockChange struct {
	Type EventType
	Lock Lock
}

func (c BlockChange) Op() EventType { return c.Type }
func (c ColumnChange) Op() EventType { return c.Type }
func (c RowChange) Op() EventType { return c.Type }
func (c LockChange) Op() EventType { return c.Type }

func (c BlockChange) ID() string { return c.Block.ID }
func (c ColumnChange) ID() string { return c.Column.ID }
func (c RowChange) ID() string { return c.Row.ID }
func (c LockChange) ID() string { return c.Lock.EntityID }

func (BlockChange) isChange() {}
func (ColumnChange) isChange() {}
func (RowChange) isChange() {}
func (LockChange) isChange() {}

// Decode validates the event and decodes its payload into the variant that
// matches Table.
func (e Event) Decode() (Change, error) {
	switch e.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}
	if e.DocumentID == "" {
		return nil, fmt.Errorf("%w: missing document_id", ErrMalformedEvent)
	}

	switch e.Table {
	case TableBlocks:
		b, patch, err := decodePayload[Block](e)
		if err != nil {
			return nil, err
		}
		return BlockChange{Type: e.Type, Block: b, Patch: patch}, nil
	case TableColumns:
		if e.BlockID == "" {
			return nil, fmt.Errorf("%w: columns event without block_id", ErrMalformedEvent)
		}
		c, patch, err := decodePayload[Column](e)
		if err != nil {
			return nil, err
		}
		return ColumnChange{Type: e.Type, BlockID: e.BlockID, Column: c, Patch: patch}, nil
	case TableRows:
		if e.BlockID == "" {
			return nil, fmt.Errorf("%w: rows event without block_id", ErrMalformedEvent)
		}
		r, patch, err := decodePayload[Row](e)
		if err != nil {
			return nil, err
		}
		return RowChange{Type: e.Type, BlockID: e.BlockID, Row: r, Patch: patch}, nil
	case TableLocks:
		l, _, err := decodePayload[Lock](e)
		if err != nil {
			return nil, err
		}
		return LockChange{Type: e.Type, Lock: l}, nil
	default:
		return nil, fmt.Errorf("%w: unknown table %q", ErrMalformedEvent, e.Table)
	}
}

// decodePayload picks the payload that identifies the entity (New for
// INSERT/UPDATE, Old falling back to New for DELETE) and requires a
// non-empty id.
func decodePayload[T interface{ GetID() string }](e Event) (T, json.RawMessage, error) {
	var zero T
	raw := e.New
	if e.Type == EventDelete && len(e.Old) > 0 {
		raw = e.Old
	}
	if len(raw) == 0 || string(raw) == "null" {
		return zero, nil, fmt.Errorf("%w: %s %s without payload", ErrMalformedEvent, e.Table, e.Type)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, e.Table, err)
	}
	if v.GetID() == "" {
		return zero, nil, fmt.Errorf("%w: %s payload without id", ErrMalformedEvent, e.Table)
	}
	var patch json.RawMessage
	if e.Type == EventUpdate {
		patch = e.New
	}
	return v, patch, nil
}

// MergeJSON shallow-merges the top-level keys of patch into a copy of base.
func MergeJSON[T any](base T, patch json.RawMessage) (T, error) {
	if len(patch) == 0 {
		return base, nil
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return base, err
	}
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return base, err
	}
	for k, v := range changes {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return base, err
	}
	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, err
	}
	return out, nil
}
