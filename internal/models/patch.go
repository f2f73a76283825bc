package models

import (
	"encoding/json"
	"fmt"

	"github.com/starford/tessera/internal/apperr"
)

// Placement assigns a position to one entity in a reorder.
type Placement struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// Arrange resolves placements against the current sibling order and
// returns a placement for every sibling, with positions 0..n-1. Placed ids
// take their requested slot; the others keep their relative order in the
// remaining slots. A partial list is therefore a move.
func Arrange(ordered []string, placements []Placement) ([]Placement, error) {
	if err := ValidatePlacements(placements); err != nil {
		return nil, err
	}
	n := len(ordered)
	known := make(map[string]bool, n)
	for _, id := range ordered {
		known[id] = true
	}

	slots := make([]string, n)
	placed := make(map[string]bool, len(placements))
	for _, p := range placements {
		if !known[p.ID] {
			return nil, fmt.Errorf("placement %s: %w", p.ID, apperr.ErrNotFound)
		}
		if p.Position >= n {
			return nil, apperr.Validation(fmt.Errorf("placement %s: position %d out of range 0..%d", p.ID, p.Position, n-1))
		}
		slots[p.Position] = p.ID
		placed[p.ID] = true
	}

	next := 0
	for _, id := range ordered {
		if placed[id] {
			continue
		}
		for slots[next] != "" {
			next++
		}
		slots[next] = id
	}

	out := make([]Placement, n)
	for i, id := range slots {
		out[i] = Placement{ID: id, Position: i}
	}
	return out, nil
}

// BlockPatch is a partial block update; nil fields are left untouched.
type BlockPatch struct {
	Type    *BlockType      `json:"type,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Apply returns b with the patch applied.
func (p BlockPatch) Apply(b Block) Block {
	b = b.Clone()
	if p.Type != nil {
		b.Type = *p.Type
	}
	if p.Content != nil {
		b.Content = append(json.RawMessage(nil), p.Content...)
	}
	return b
}

// ColumnPatch is a partial column update.
type ColumnPatch struct {
	PropertyID *string       `json:"property_id,omitempty"`
	Width      *int          `json:"width,omitempty"`
	IsHidden   *bool         `json:"is_hidden,omitempty"`
	IsPinned   *bool         `json:"is_pinned,omitempty"`
	Name       *string       `json:"name,omitempty"`
	Type       *PropertyType `json:"type,omitempty"`
	Options    *[]string     `json:"options,omitempty"`
}

func (p ColumnPatch) Apply(c Column) Column {
	c = c.Clone()
	if p.PropertyID != nil {
		c.PropertyID = *p.PropertyID
	}
	if p.Width != nil {
		c.Width = *p.Width
	}
	if p.IsHidden != nil {
		c.IsHidden = *p.IsHidden
	}
	if p.IsPinned != nil {
		c.IsPinned = *p.IsPinned
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Type != nil {
		c.Type = *p.Type
	}
	if p.Options != nil {
		c.Options = append([]string(nil), (*p.Options)...)
	}
	return c
}

// RowPatch is a partial row update. Properties are merged by key: each
// supplied envelope replaces the stored one of the same name.
type RowPatch struct {
	Properties  map[string]PropertyValue `json:"properties,omitempty"`
	Identifier  *string                  `json:"identifier,omitempty"`
	Name        *string                  `json:"name,omitempty"`
	Description *string                  `json:"description,omitempty"`
	Status      *string                  `json:"status,omitempty"`
	Priority    *string                  `json:"priority,omitempty"`
}

func (p RowPatch) Apply(r Row) Row {
	r = r.Clone()
	if len(p.Properties) > 0 && r.Properties == nil {
		r.Properties = make(map[string]PropertyValue, len(p.Properties))
	}
	for k, v := range p.Properties {
		r.Properties[k] = v
	}
	for _, f := range []struct {
		src *string
		dst *string
	}{
		{p.Identifier, &r.Identifier},
		{p.Name, &r.Name},
		{p.Description, &r.Description},
		{p.Status, &r.Status},
		{p.Priority, &r.Priority},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	return r
}
