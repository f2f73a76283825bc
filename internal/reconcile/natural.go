package reconcile

import (
	"sort"
	"strings"

	"github.com/starford/tessera/internal/models"
)

// Natural field names, in canonical column order.
const (
	FieldIdentifier  = "identifier"
	FieldName        = "name"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldPriority    = "priority"
)

// NaturalFields lists the well-known fields mirrored onto first-class row
// columns.
var NaturalFields = []string{FieldIdentifier, FieldName, FieldDescription, FieldStatus, FieldPriority}

var naturalLabels = map[string]string{
	FieldIdentifier:  "Identifier",
	FieldName:        "Name",
	FieldDescription: "Description",
	FieldStatus:      "Status",
	FieldPriority:    "Priority",
}

const virtualPrefix = "virtual:"

// VirtualColumnID is the id of the synthesized placeholder for field.
func VirtualColumnID(field string) string { return virtualPrefix + field }

// NaturalFieldType is the inferred property type of a natural field.
func NaturalFieldType(field string) models.PropertyType {
	if field == FieldStatus || field == FieldPriority {
		return models.PropertyTypeSelect
	}
	return models.PropertyTypeText
}

// IsNaturalField reports whether name is one of the natural fields.
func IsNaturalField(name string) bool {
	_, ok := naturalLabels[name]
	return ok
}

// NaturalField returns the canonical natural field a column represents, by
// virtual id or by (case-insensitive) name.
func NaturalField(c models.Column) (string, bool) {
	if f, ok := strings.CutPrefix(c.ID, virtualPrefix); ok && IsNaturalField(f) {
		return f, true
	}
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "id" {
		name = FieldIdentifier
	}
	if IsNaturalField(name) {
		return name, true
	}
	return "", false
}

// SynthesizeNaturalColumns builds the virtual placeholders for every natural
// field, in canonical order, pulling option lists from organization
// properties with a matching name.
func SynthesizeNaturalColumns(blockID string, orgProps []models.Property) []models.Column {
	out := make([]models.Column, 0, len(NaturalFields))
	for i, field := range NaturalFields {
		out = append(out, virtualColumn(blockID, field, i, orgProps))
	}
	return out
}

func virtualColumn(blockID, field string, position int, orgProps []models.Property) models.Column {
	c := models.Column{
		ID:        VirtualColumnID(field),
		BlockID:   blockID,
		Position:  position,
		Width:     models.DefaultColumnWidth,
		Name:      naturalLabels[field],
		Type:      NaturalFieldType(field),
		IsVirtual: true,
	}
	if p, ok := propertyByName(orgProps, field); ok {
		c.PropertyID = p.ID
		if c.Type.HasOptions() && len(p.Options) > 0 {
			c.Options = append([]string(nil), p.Options...)
		}
	}
	return c
}

// EnsureNaturalColumns guarantees that every natural field has a
// representative column, inserting virtual placeholders after the existing
// columns. Select-typed columns without options are enriched from the
// matching organization property. The result is sorted by position.
func EnsureNaturalColumns(existing []models.Column, blockID string, orgProps []models.Property) []models.Column {
	out := make([]models.Column, 0, len(existing)+len(NaturalFields))
	present := map[string]bool{}
	next := 0
	for _, c := range existing {
		c = c.Clone()
		if f, ok := NaturalField(c); ok {
			present[f] = true
		}
		if c.Type.HasOptions() && len(c.Options) == 0 {
			if p, ok := matchProperty(orgProps, c); ok && len(p.Options) > 0 {
				c.Options = append([]string(nil), p.Options...)
			}
		}
		if c.Position >= next {
			next = c.Position + 1
		}
		out = append(out, c)
	}
	for _, field := range NaturalFields {
		if present[field] {
			continue
		}
		out = append(out, virtualColumn(blockID, field, next, orgProps))
		next++
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// DedupeNaturalColumns drops duplicate representatives of the same natural
// field and duplicate column ids. The first entry wins unless it is virtual
// and a later duplicate is real, in which case the real column takes its
// slot.
func DedupeNaturalColumns(columns []models.Column) []models.Column {
	out := make([]models.Column, 0, len(columns))
	byField := map[string]int{}
	byID := map[string]int{}

	for _, c := range columns {
		slot, dup := byID[c.ID]
		if f, ok := NaturalField(c); ok {
			if i, seen := byField[f]; seen {
				slot, dup = i, true
			}
		}
		if dup {
			if out[slot].IsVirtual && !c.IsVirtual {
				delete(byID, out[slot].ID)
				out[slot] = c
				byID[c.ID] = slot
			}
			continue
		}
		byID[c.ID] = len(out)
		if f, ok := NaturalField(c); ok {
			byField[f] = len(out)
		}
		out = append(out, c)
	}
	return out
}

func matchProperty(props []models.Property, c models.Column) (models.Property, bool) {
	if c.PropertyID != "" {
		for _, p := range props {
			if p.ID == c.PropertyID {
				return p, true
			}
		}
	}
	return propertyByName(props, c.Name)
}

func propertyByName(props []models.Property, name string) (models.Property, bool) {
	for _, p := range props {
		if strings.EqualFold(strings.TrimSpace(p.Name), strings.TrimSpace(name)) {
			return p, true
		}
	}
	return models.Property{}, false
}

// NaturalValue returns the first-class value of a natural field on r.
func NaturalValue(r models.Row, field string) string {
	switch field {
	case FieldIdentifier:
		return r.Identifier
	case FieldName:
		return r.Name
	case FieldDescription:
		return r.Description
	case FieldStatus:
		return r.Status
	case FieldPriority:
		return r.Priority
	}
	return ""
}

func setNatural(r *models.Row, field, value string) {
	switch field {
	case FieldIdentifier:
		r.Identifier = value
	case FieldName:
		r.Name = value
	case FieldDescription:
		r.Description = value
	case FieldStatus:
		r.Status = value
	case FieldPriority:
		r.Priority = value
	}
}

// SetNaturalField writes value to both the first-class field and the
// properties envelope of r.
func SetNaturalField(r models.Row, field, value string) models.Row {
	if !IsNaturalField(field) {
		return r
	}
	r = r.Clone()
	setNatural(&r, field, value)
	if r.Properties == nil {
		r.Properties = map[string]models.PropertyValue{}
	}
	pv, ok := r.Properties[field]
	if !ok {
		pv = models.PropertyValue{Key: field, Type: NaturalFieldType(field), Position: indexOf(field)}
	}
	pv.Value = value
	r.Properties[field] = pv
	return r
}

// MirrorNaturalFields brings the first-class natural fields and the
// properties map into agreement. A value present in Properties wins; a
// first-class value with no envelope gets one.
func MirrorNaturalFields(r models.Row) models.Row {
	r = r.Clone()
	for _, field := range NaturalFields {
		if pv, ok := r.Properties[field]; ok {
			setNatural(&r, field, pv.String())
			continue
		}
		if v := NaturalValue(r, field); v != "" {
			r = SetNaturalField(r, field, v)
		}
	}
	return r
}

func indexOf(field string) int {
	for i, f := range NaturalFields {
		if f == field {
			return i
		}
	}
	return -1
}
