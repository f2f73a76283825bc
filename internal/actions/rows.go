package actions

import (
	"context"
	"fmt"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/cache"
	"github.com/starford/tessera/internal/editor"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/reconcile"
)

// RowInput describes a new row. A nil Position appends.
type RowInput struct {
	Position   *int
	Properties map[string]models.PropertyValue
}

// CreateRow adds a generic row to a table block.
func (a *Actions) CreateRow(ctx context.Context, blockID string, in RowInput) (models.Row, error) {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return models.Row{}, err
	}
	r := a.newRow(t, in.Position, in.Properties)
	return a.createRow(ctx, t, r)
}

// UpdateRow patches a generic row.
func (a *Actions) UpdateRow(ctx context.Context, blockID, id string, patch models.RowPatch) (models.Row, error) {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return models.Row{}, err
	}
	return t.Rows.Update(ctx, id, patch.Apply, func(ctx context.Context) (models.Row, error) {
		return a.durable.UpdateRow(ctx, id, patch)
	})
}

// DeleteRow soft-deletes a row and compacts the positions after it.
func (a *Actions) DeleteRow(ctx context.Context, blockID, id string) error {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return err
	}
	err = t.Rows.Delete(ctx, id, func(ctx context.Context) error {
		return a.durable.DeleteRow(ctx, id)
	})
	if err != nil {
		return err
	}
	a.syncRowMetadata(ctx, t)
	return nil
}

// ReorderRows assigns new row positions.
func (a *Actions) ReorderRows(ctx context.Context, blockID string, placements []models.Placement) error {
	if err := models.ValidatePlacements(placements); err != nil {
		return err
	}
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return err
	}
	err = t.Rows.Reorder(ctx, placements, func(ctx context.Context) ([]models.Row, error) {
		return a.durable.ReorderRows(ctx, blockID, placements)
	})
	if err != nil {
		return err
	}
	a.syncRowMetadata(ctx, t)
	return nil
}

// RequirementInput holds the natural fields of a new requirement row.
type RequirementInput struct {
	Position    *int
	Identifier  string
	Name        string
	Description string
	Status      string
	Priority    string
	Properties  map[string]models.PropertyValue
}

// CreateRequirement adds a requirement row whose natural fields are present
// both as first-class values and in the properties map.
func (a *Actions) CreateRequirement(ctx context.Context, blockID string, in RequirementInput) (models.Row, error) {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return models.Row{}, err
	}
	r := a.newRow(t, in.Position, in.Properties)
	r.Identifier = in.Identifier
	r.Name = in.Name
	r.Description = in.Description
	r.Status = in.Status
	r.Priority = in.Priority
	return a.createRow(ctx, t, reconcile.MirrorNaturalFields(r))
}

// UpdateRequirement patches a requirement row. Natural fields set on either
// side of the patch are mirrored to the other before the write.
func (a *Actions) UpdateRequirement(ctx context.Context, blockID, id string, patch models.RowPatch) (models.Row, error) {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return models.Row{}, err
	}
	current, ok := t.Rows.Get(id)
	if !ok {
		return models.Row{}, fmt.Errorf("actions: update requirement %s: %w", id, apperr.ErrNotFound)
	}
	patch = mirrorPatch(current, patch)
	return t.Rows.Update(ctx, id, patch.Apply, func(ctx context.Context) (models.Row, error) {
		return a.durable.UpdateRow(ctx, id, patch)
	})
}

// DeleteRequirement removes a requirement row.
func (a *Actions) DeleteRequirement(ctx context.Context, blockID, id string) error {
	return a.DeleteRow(ctx, blockID, id)
}

// UpdateCell writes one cell. propertyID may name a column id, a property
// id, a virtual column id or a natural field; natural fields take the
// requirement path.
func (a *Actions) UpdateCell(ctx context.Context, blockID, rowID, propertyID string, value any) error {
	t, err := a.doc.OpenTable(ctx, blockID)
	if err != nil {
		return err
	}
	col, found := findColumn(t.Columns.Items(), propertyID)
	if !found {
		col = models.Column{ID: propertyID, Name: propertyID}
	}
	field, natural := reconcile.NaturalField(col)
	if natural {
		v := models.PropertyValue{Value: value}.String()
		_, err := a.UpdateRequirement(ctx, blockID, rowID, naturalPatch(field, v))
		return err
	}
	if !found {
		return fmt.Errorf("actions: update cell: column for %s: %w", propertyID, apperr.ErrNotFound)
	}

	key := col.PropertyID
	pv := models.PropertyValue{
		Key:        key,
		Type:       col.Type,
		Value:      value,
		Options:    col.Options,
		Position:   col.Position,
		ColumnID:   col.ID,
		PropertyID: col.PropertyID,
	}
	if row, ok := t.Rows.Get(rowID); ok {
		if prev, ok := row.Properties[key]; ok && len(pv.Options) == 0 {
			pv.Options = prev.Options
		}
	}
	_, err = a.UpdateRow(ctx, blockID, rowID, models.RowPatch{
		Properties: map[string]models.PropertyValue{key: pv},
	})
	return err
}

// CellWriter returns a commit function for cell editors on blockID.
func (a *Actions) CellWriter(blockID string) editor.CommitFunc {
	return func(ctx context.Context, rowID, propertyID string, value any) error {
		return a.UpdateCell(ctx, blockID, rowID, propertyID, value)
	}
}

func (a *Actions) newRow(t *cache.Table, pos *int, props map[string]models.PropertyValue) models.Row {
	r := models.Row{
		ID:         newID(),
		BlockID:    t.BlockID,
		DocumentID: a.doc.DocumentID(),
		Position:   position(pos, t.Rows.NextPosition()),
		Properties: make(map[string]models.PropertyValue, len(props)),
	}
	for k, v := range props {
		r.Properties[k] = v
	}
	return r
}

func (a *Actions) createRow(ctx context.Context, t *cache.Table, r models.Row) (models.Row, error) {
	if err := r.Validate(); err != nil {
		return models.Row{}, err
	}
	created, err := t.Rows.Create(ctx, r, func(ctx context.Context) (models.Row, error) {
		return a.durable.CreateRow(ctx, r)
	})
	if err != nil {
		return models.Row{}, err
	}
	a.syncRowMetadata(ctx, t)
	return created, nil
}

func findColumn(cols []models.Column, ref string) (models.Column, bool) {
	for _, c := range cols {
		if c.ID == ref {
			return c, true
		}
	}
	for _, c := range cols {
		if c.PropertyID == ref {
			return c, true
		}
	}
	return models.Column{}, false
}

func naturalPatch(field, value string) models.RowPatch {
	var p models.RowPatch
	if ptr := naturalPtr(&p, field); ptr != nil {
		*ptr = &value
	}
	return p
}

func naturalPtr(p *models.RowPatch, field string) **string {
	switch field {
	case reconcile.FieldIdentifier:
		return &p.Identifier
	case reconcile.FieldName:
		return &p.Name
	case reconcile.FieldDescription:
		return &p.Description
	case reconcile.FieldStatus:
		return &p.Status
	case reconcile.FieldPriority:
		return &p.Priority
	}
	return nil
}

// mirrorPatch completes patch so every natural field it touches is set as a
// first-class value and as a property envelope. Envelope metadata comes from
// the current row when it has one.
func mirrorPatch(current models.Row, patch models.RowPatch) models.RowPatch {
	props := make(map[string]models.PropertyValue, len(patch.Properties))
	for k, v := range patch.Properties {
		props[k] = v
	}
	for _, field := range reconcile.NaturalFields {
		ptr := naturalPtr(&patch, field)
		if pv, ok := props[field]; ok {
			v := pv.String()
			*ptr = &v
			continue
		}
		if *ptr == nil {
			continue
		}
		env := reconcile.SetNaturalField(current, field, **ptr).Properties[field]
		props[field] = env
	}
	if len(props) > 0 {
		patch.Properties = props
	}
	return patch
}
