package actions

import (
	"context"

	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/reconcile"
)

// ColumnInput describes a new column bound to an existing property. Name,
// Type and Options are an optional local snapshot.
type ColumnInput struct {
	PropertyID string
	Position   *int
	Width      int
	Name       string
	Type       models.PropertyType
	Options    []string
	IsHidden   bool
	IsPinned   bool
}

// CreateColumn adds a column to a table block.
func (a *Actions) CreateColumn(ctx context.Context, blockID string, in ColumnInput) (models.Column, error) {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return models.Column{}, err
	}
	c := models.Column{
		ID:         newID(),
		BlockID:    blockID,
		PropertyID: in.PropertyID,
		Position:   position(in.Position, t.Columns.NextPosition()),
		Width:      in.Width,
		IsHidden:   in.IsHidden,
		IsPinned:   in.IsPinned,
		Name:       in.Name,
		Type:       in.Type,
		Options:    in.Options,
	}
	if c.Width == 0 {
		c.Width = models.DefaultColumnWidth
	}
	if err := c.Validate(); err != nil {
		return models.Column{}, err
	}
	created, err := t.Columns.Create(ctx, c, func(ctx context.Context) (models.Column, error) {
		return a.durable.CreateColumn(ctx, c)
	})
	if err != nil {
		return models.Column{}, err
	}
	a.syncColumnMetadata(ctx, t)
	return created, nil
}

// UpdateColumn patches a column.
func (a *Actions) UpdateColumn(ctx context.Context, blockID, id string, patch models.ColumnPatch) (models.Column, error) {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return models.Column{}, err
	}
	updated, err := t.Columns.Update(ctx, id, patch.Apply, func(ctx context.Context) (models.Column, error) {
		return a.durable.UpdateColumn(ctx, id, patch)
	})
	if err != nil {
		return models.Column{}, err
	}
	if patch.Width != nil || patch.Name != nil {
		a.syncColumnMetadata(ctx, t)
	}
	return updated, nil
}

// DeleteColumn removes a column and compacts the positions after it.
func (a *Actions) DeleteColumn(ctx context.Context, blockID, id string) error {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return err
	}
	err = t.Columns.Delete(ctx, id, func(ctx context.Context) error {
		return a.durable.DeleteColumn(ctx, id)
	})
	if err != nil {
		return err
	}
	a.syncColumnMetadata(ctx, t)
	return nil
}

// ReorderColumns assigns new column positions.
func (a *Actions) ReorderColumns(ctx context.Context, blockID string, placements []models.Placement) error {
	if err := models.ValidatePlacements(placements); err != nil {
		return err
	}
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return err
	}
	err = t.Columns.Reorder(ctx, placements, func(ctx context.Context) ([]models.Column, error) {
		return a.durable.ReorderColumns(ctx, blockID, placements)
	})
	if err != nil {
		return err
	}
	a.syncColumnMetadata(ctx, t)
	return nil
}

// DisplayColumns returns the columns of a requirements table with exactly
// one column per natural field, synthesizing virtual placeholders where no
// real column exists.
func (a *Actions) DisplayColumns(ctx context.Context, blockID string, orgProps []models.Property) ([]models.Column, error) {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return nil, err
	}
	cols := reconcile.EnsureNaturalColumns(t.Columns.Items(), blockID, orgProps)
	return reconcile.DedupeNaturalColumns(cols), nil
}
