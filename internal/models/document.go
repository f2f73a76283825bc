// Package models defines the domain types shared by the tessera server and
// its editing sessions.
package models

import (
	"encoding/json"
	"time"
)

// BlockType is the kind of content a block carries.
type BlockType string

const (
	BlockTypeTable BlockType = "table"
	BlockTypeText  BlockType = "text"
)

// Document is an ordered list of blocks inside a project.
type Document struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Block is one positioned content unit of a document. Content is opaque to
// everything except the metadata reconciler; for table blocks it decodes into
// TableMetadata.
type Block struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Type       BlockType       `json:"type"`
	Position   int             `json:"position"`
	Content    json.RawMessage `json:"content,omitempty"`
	IsDeleted  bool            `json:"is_deleted"`
	UpdatedBy  string          `json:"updated_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (b Block) GetID() string { return b.ID }
func (b Block) GetPosition() int { return b.Position }
func (b Block) WithPosition(p int) Block {
	b.Position = p
	return b
}

// Clone returns a copy that shares no memory with b.
func (b Block) Clone() Block {
	if b.Content != nil {
		b.Content = append(json.RawMessage(nil), b.Content...)
	}
	return b
}

// TableMetadata decodes the structural metadata of a table block. Blocks with
// empty content decode to the zero value.
func (b Block) TableMetadata() (TableMetadata, error) {
	var md TableMetadata
	if len(b.Content) == 0 || string(b.Content) == "null" {
		return md, nil
	}
	if err := json.Unmarshal(b.Content, &md); err != nil {
		return TableMetadata{}, err
	}
	return md, nil
}

// ColumnMetadata is the per-column snapshot stored in a table block.
type ColumnMetadata struct {
	ColumnID string `json:"columnId"`
	Position int    `json:"position"`
	Width    int    `json:"width,omitempty"`
	Name     string `json:"name,omitempty"`
}

// RowMetadata is the per-row ordering entry stored in a table block.
type RowMetadata struct {
	RowID    string `json:"rowId"`
	Position int    `json:"position"`
}

// TableKindRequirements marks a table whose rows are requirements and
// always display the natural fields.
const TableKindRequirements = "requirements"

// TableMetadata is the structural content of a table block.
type TableMetadata struct {
	Columns   []ColumnMetadata `json:"columns"`
	Rows      []RowMetadata    `json:"rows"`
	TableKind string           `json:"tableKind,omitempty"`
}

// PartialTableMetadata is a structural update. A nil field is absent and
// leaves the stored value untouched; a non-nil field replaces it.
type PartialTableMetadata struct {
	Columns   *[]ColumnMetadata `json:"columns,omitempty"`
	Rows      *[]RowMetadata    `json:"rows,omitempty"`
	TableKind *string           `json:"tableKind,omitempty"`
}

// Empty reports whether the update carries no field at all.
func (p PartialTableMetadata) Empty() bool {
	return p.Columns == nil && p.Rows == nil && p.TableKind == nil
}
