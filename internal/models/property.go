package models

import "time"

// PropertyType is the value type of a property.
type PropertyType string

const (
	PropertyTypeText        PropertyType = "text"
	PropertyTypeNumber      PropertyType = "number"
	PropertyTypeSelect      PropertyType = "select"
	PropertyTypeMultiSelect PropertyType = "multi_select"
	PropertyTypeDate        PropertyType = "date"
	PropertyTypeCheckbox    PropertyType = "checkbox"
	PropertyTypeURL         PropertyType = "url"
	PropertyTypeEmail       PropertyType = "email"
	PropertyTypeUser        PropertyType = "user"
)

// PropertyTypes lists every supported property type.
var PropertyTypes = []PropertyType{
	PropertyTypeText, PropertyTypeNumber, PropertyTypeSelect, PropertyTypeMultiSelect,
	PropertyTypeDate, PropertyTypeCheckbox, PropertyTypeURL, PropertyTypeEmail, PropertyTypeUser,
}

// HasOptions reports whether values of t are drawn from an option list.
func (t PropertyType) HasOptions() bool {
	return t == PropertyTypeSelect || t == PropertyTypeMultiSelect
}

// PropertyScope is the visibility level of a property definition.
type PropertyScope string

const (
	ScopeOrganization PropertyScope = "organization"
	ScopeProject      PropertyScope = "project"
	ScopeDocument     PropertyScope = "document"
)

// Property is a reusable typed field definition. Columns bind to properties;
// many columns may share one property.
type Property struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Type       PropertyType  `json:"type"`
	Options    []string      `json:"options,omitempty"`
	Scope      PropertyScope `json:"scope"`
	OrgID      string        `json:"org_id"`
	ProjectID  *string       `json:"project_id,omitempty"`
	DocumentID *string       `json:"document_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
