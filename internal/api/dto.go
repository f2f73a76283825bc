package api

import (
	"encoding/json"

	"github.com/starford/tessera/internal/models"
)

// A nil Position in a create request appends.
func positionOrAppend(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

// CreateDocumentRequest is the request body for creating a document.
type CreateDocumentRequest struct {
	ID        string `json:"id,omitempty"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// CreateBlockRequest is the request body for creating a block.
type CreateBlockRequest struct {
	ID       string           `json:"id,omitempty"`
	Type     models.BlockType `json:"type"`
	Position *int             `json:"position,omitempty"`
	Content  json.RawMessage  `json:"content,omitempty"`
}

// CreateColumnRequest is the request body for creating a column.
type CreateColumnRequest struct {
	ID         string              `json:"id,omitempty"`
	PropertyID string              `json:"property_id"`
	Position   *int                `json:"position,omitempty"`
	Width      int                 `json:"width,omitempty"`
	IsHidden   bool                `json:"is_hidden,omitempty"`
	IsPinned   bool                `json:"is_pinned,omitempty"`
	Name       string              `json:"name,omitempty"`
	Type       models.PropertyType `json:"type,omitempty"`
	Options    []string            `json:"options,omitempty"`
}

// CreateRowRequest is the request body for creating a row.
type CreateRowRequest struct {
	ID          string                          `json:"id,omitempty"`
	Position    *int                            `json:"position,omitempty"`
	Properties  map[string]models.PropertyValue `json:"properties,omitempty"`
	Identifier  string                          `json:"identifier,omitempty"`
	Name        string                          `json:"name,omitempty"`
	Description string                          `json:"description,omitempty"`
	Status      string                          `json:"status,omitempty"`
	Priority    string                          `json:"priority,omitempty"`
}

// AcquireLockRequest is the request body for taking an edit lock.
type AcquireLockRequest struct {
	EntityType string `json:"entity_type"`
	DocumentID string `json:"document_id"`
}
