package models

import "time"

// DefaultColumnWidth is used when a column is created without a width.
const DefaultColumnWidth = 150

// Column binds a property to a display slot of one table block. Name, Type
// and Options are a snapshot of the bound property unless overridden locally.
type Column struct {
	ID         string       `json:"id"`
	BlockID    string       `json:"block_id"`
	PropertyID string       `json:"property_id"`
	Position   int          `json:"position"`
	Width      int          `json:"width"`
	IsHidden   bool         `json:"is_hidden"`
	IsPinned   bool         `json:"is_pinned"`
	Name       string       `json:"name,omitempty"`
	Type       PropertyType `json:"type,omitempty"`
	Options    []string     `json:"options,omitempty"`
	// IsVirtual marks a synthesized natural-field placeholder. Virtual
	// columns are never persisted.
	IsVirtual bool      `json:"is_virtual,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c Column) GetID() string { return c.ID }
func (c Column) GetPosition() int { return c.Position }
func (c Column) WithPosition(p int) Column {
	c.Position = p
	return c
}

// Clone returns a copy that shares no memory with c.
func (c Column) Clone() Column {
	if c.Options != nil {
		c.Options = append([]string(nil), c.Options...)
	}
	return c
}

// Inherit fills the snapshot fields that are empty from the bound property.
func (c Column) Inherit(p Property) Column {
	if c.Name == "" {
		c.Name = p.Name
	}
	if c.Type == "" {
		c.Type = p.Type
	}
	if len(c.Options) == 0 && len(p.Options) > 0 {
		c.Options = append([]string(nil), p.Options...)
	}
	return c
}
