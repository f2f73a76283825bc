package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/tessera/internal/models"
)

const rowCols = `id, block_id, document_id, position, properties, identifier, name, description, status, priority, is_deleted, updated_by, created_at, updated_at`

func scanRow(sc scanner) (models.Row, error) {
	var (
		r     models.Row
		props string
	)
	if err := sc.Scan(&r.ID, &r.BlockID, &r.DocumentID, &r.Position, &props, &r.Identifier, &r.Name,
		&r.Description, &r.Status, &r.Priority, &r.IsDeleted, &r.UpdatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.Row{}, err
	}
	r.Properties = map[string]models.PropertyValue{}
	if props != "" {
		if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
			return models.Row{}, fmt.Errorf("store: row %s properties: %w", r.ID, err)
		}
	}
	return r, nil
}

func encodeProperties(props map[string]models.PropertyValue) (string, error) {
	if props == nil {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("store: encode properties: %w", err)
	}
	return string(b), nil
}

// ListRows returns the live rows of a block ordered by position.
func (s *Store) ListRows(ctx context.Context, blockID string) ([]models.Row, error) {
	rows, err := s.query(ctx, s.conn,
		`SELECT `+rowCols+` FROM table_rows WHERE block_id = ? AND is_deleted = ? ORDER BY position, id`, blockID, false)
	if err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRow returns a live row.
func (s *Store) GetRow(ctx context.Context, id string) (models.Row, error) {
	return s.getRow(ctx, s.conn, id)
}

func (s *Store) getRow(ctx context.Context, q querier, id string) (models.Row, error) {
	r, err := scanRow(s.queryRow(ctx, q, `SELECT `+rowCols+` FROM table_rows WHERE id = ? AND is_deleted = ?`, id, false))
	if err != nil {
		return models.Row{}, notFound(err, "row", id)
	}
	return r, nil
}

// InsertRow inserts r at r.Position; a negative position appends at max+1.
func (s *Store) InsertRow(ctx context.Context, r models.Row) (models.Row, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	props, err := encodeProperties(r.Properties)
	if err != nil {
		return models.Row{}, err
	}
	r.CreatedAt, r.UpdatedAt = now(), now()
	r.IsDeleted = false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		pos, err := s.placeAt(ctx, tx, rowSiblings, r.BlockID, r.Position)
		if err != nil {
			return err
		}
		r.Position = pos
		_, err = s.exec(ctx, tx, `INSERT INTO table_rows (`+rowCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.BlockID, r.DocumentID, r.Position, props, r.Identifier, r.Name, r.Description,
			r.Status, r.Priority, r.IsDeleted, r.UpdatedBy, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store: insert row: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Row{}, err
	}
	return r, nil
}

// UpdateRow applies patch to a live row.
func (s *Store) UpdateRow(ctx context.Context, id string, patch models.RowPatch, updatedBy string) (models.Row, error) {
	var out models.Row
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.getRow(ctx, tx, id)
		if err != nil {
			return err
		}
		out = patch.Apply(r)
		out.UpdatedBy, out.UpdatedAt = updatedBy, now()
		props, err := encodeProperties(out.Properties)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `UPDATE table_rows SET properties = ?, identifier = ?, name = ?, description = ?,
			status = ?, priority = ?, updated_by = ?, updated_at = ? WHERE id = ?`,
			props, out.Identifier, out.Name, out.Description, out.Status, out.Priority, out.UpdatedBy, out.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("store: update row: %w", err)
		}
		return nil
	})
	return out, err
}

// DeleteRow soft-deletes a row and compacts the positions after it.
func (s *Store) DeleteRow(ctx context.Context, id, updatedBy string) (models.Row, error) {
	var out models.Row
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.getRow(ctx, tx, id)
		if err != nil {
			return err
		}
		out = r
		out.IsDeleted, out.UpdatedBy, out.UpdatedAt = true, updatedBy, now()
		if _, err := s.exec(ctx, tx, `UPDATE table_rows SET is_deleted = ?, updated_by = ?, updated_at = ? WHERE id = ?`,
			true, updatedBy, out.UpdatedAt, id); err != nil {
			return fmt.Errorf("store: delete row: %w", err)
		}
		return s.compact(ctx, tx, rowSiblings, r.BlockID, r.Position)
	})
	return out, err
}

// ReorderRows writes new positions for rows of a block.
func (s *Store) ReorderRows(ctx context.Context, blockID string, placements []models.Placement) ([]models.Row, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.reorder(ctx, tx, rowSiblings, blockID, placements)
	})
	if err != nil {
		return nil, err
	}
	return s.ListRows(ctx, blockID)
}
