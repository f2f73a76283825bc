package models

import (
	"fmt"
	"time"
)

// PropertyValue is the envelope stored per property name in Row.Properties.
type PropertyValue struct {
	Key        string       `json:"key"`
	Type       PropertyType `json:"type"`
	Value      any          `json:"value"`
	Options    []string     `json:"options,omitempty"`
	Position   int          `json:"position"`
	ColumnID   string       `json:"column_id,omitempty"`
	PropertyID string       `json:"property_id,omitempty"`
}

// String renders the value for the text-typed natural columns.
func (v PropertyValue) String() string {
	switch val := v.Value.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// Row is one data record of a table block. Requirements are rows whose
// natural fields are mirrored onto the first-class columns below.
type Row struct {
	ID          string                   `json:"id"`
	BlockID     string                   `json:"block_id"`
	DocumentID  string                   `json:"document_id"`
	Position    int                      `json:"position"`
	Properties  map[string]PropertyValue `json:"properties"`
	Identifier  string                   `json:"identifier,omitempty"`
	Name        string                   `json:"name,omitempty"`
	Description string                   `json:"description,omitempty"`
	Status      string                   `json:"status,omitempty"`
	Priority    string                   `json:"priority,omitempty"`
	IsDeleted   bool                     `json:"is_deleted"`
	UpdatedBy   string                   `json:"updated_by,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

func (r Row) GetID() string { return r.ID }
func (r Row) GetPosition() int { return r.Position }
func (r Row) WithPosition(p int) Row {
	r.Position = p
	return r
}

// Clone returns a copy that shares no memory with r.
func (r Row) Clone() Row {
	if r.Properties != nil {
		props := make(map[string]PropertyValue, len(r.Properties))
		for k, v := range r.Properties {
			if v.Options != nil {
				v.Options = append([]string(nil), v.Options...)
			}
			props[k] = v
		}
		r.Properties = props
	}
	return r
}
