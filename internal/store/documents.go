package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/tessera/internal/models"
)

const documentCols = `id, project_id, name, is_deleted, created_at, updated_at`

func scanDocument(sc scanner) (models.Document, error) {
	var d models.Document
	err := sc.Scan(&d.ID, &d.ProjectID, &d.Name, &d.IsDeleted, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// CreateDocument inserts a document, generating an id when d.ID is empty.
func (s *Store) CreateDocument(ctx context.Context, d models.Document) (models.Document, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt, d.UpdatedAt = now(), now()
	d.IsDeleted = false
	_, err := s.exec(ctx, s.conn, `INSERT INTO documents (`+documentCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.Name, d.IsDeleted, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return models.Document{}, fmt.Errorf("store: insert document: %w", err)
	}
	return d, nil
}

// GetDocument returns a live document.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	d, err := scanDocument(s.queryRow(ctx, s.conn,
		`SELECT `+documentCols+` FROM documents WHERE id = ? AND is_deleted = ?`, id, false))
	if err != nil {
		return models.Document{}, notFound(err, "document", id)
	}
	return d, nil
}

// ListDocuments returns live documents, optionally filtered by project.
func (s *Store) ListDocuments(ctx context.Context, projectID string) ([]models.Document, error) {
	q := `SELECT ` + documentCols + ` FROM documents WHERE is_deleted = ?`
	args := []any{false}
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	rows, err := s.query(ctx, s.conn, q+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDocument soft-deletes a document.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.conn, `UPDATE documents SET is_deleted = ?, updated_at = ? WHERE id = ? AND is_deleted = ?`,
		true, now(), id, false)
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "document", id)
	}
	return nil
}
