package models

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tessera/internal/apperr"
)

func inTypes() validation.Rule {
	vals := make([]any, len(PropertyTypes))
	for i, t := range PropertyTypes {
		vals[i] = t
	}
	return validation.In(vals...)
}

// Validate checks a block before it is written.
func (b Block) Validate() error {
	return apperr.Validation(validation.ValidateStruct(&b,
		validation.Field(&b.DocumentID, validation.Required),
		validation.Field(&b.Type, validation.Required, validation.In(BlockTypeTable, BlockTypeText)),
	))
}

// Validate checks a column before it is written.
func (c Column) Validate() error {
	return apperr.Validation(validation.ValidateStruct(&c,
		validation.Field(&c.BlockID, validation.Required),
		validation.Field(&c.PropertyID, validation.Required),
		validation.Field(&c.Width, validation.Min(0)),
		validation.Field(&c.Type, inTypes()),
	))
}

// Validate checks a row before it is written.
func (r Row) Validate() error {
	return apperr.Validation(validation.ValidateStruct(&r,
		validation.Field(&r.BlockID, validation.Required),
		validation.Field(&r.DocumentID, validation.Required),
	))
}

// Validate checks a property definition.
func (p Property) Validate() error {
	return apperr.Validation(validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.Type, validation.Required, inTypes()),
		validation.Field(&p.Scope, validation.Required, validation.In(ScopeOrganization, ScopeProject, ScopeDocument)),
		validation.Field(&p.OrgID, validation.Required),
		validation.Field(&p.ProjectID, validation.When(p.Scope == ScopeProject, validation.Required)),
		validation.Field(&p.DocumentID, validation.When(p.Scope == ScopeDocument, validation.Required)),
	))
}

// ValidatePlacements rejects empty ids, negative positions and duplicate
// ids or positions.
func ValidatePlacements(ps []Placement) error {
	if len(ps) == 0 {
		return apperr.Validation(fmt.Errorf("placements: cannot be blank"))
	}
	ids := make(map[string]bool, len(ps))
	positions := make(map[int]bool, len(ps))
	for i, p := range ps {
		err := validation.ValidateStruct(&p,
			validation.Field(&p.ID, validation.Required),
			validation.Field(&p.Position, validation.Min(0)),
		)
		if err != nil {
			return apperr.Validation(fmt.Errorf("placements[%d]: %w", i, err))
		}
		if ids[p.ID] || positions[p.Position] {
			return apperr.Validation(fmt.Errorf("placements[%d]: duplicate id or position", i))
		}
		ids[p.ID], positions[p.Position] = true, true
	}
	return nil
}

// Validate checks the fields a block patch sets.
func (p BlockPatch) Validate() error {
	return apperr.Validation(validation.ValidateStruct(&p,
		validation.Field(&p.Type, validation.In(BlockTypeTable, BlockTypeText)),
	))
}

// Validate checks the fields a column patch sets.
func (p ColumnPatch) Validate() error {
	return apperr.Validation(validation.ValidateStruct(&p,
		validation.Field(&p.Width, validation.Min(0)),
		validation.Field(&p.Type, inTypes()),
	))
}
