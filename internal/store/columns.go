package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/tessera/internal/models"
)

const columnCols = `id, block_id, property_id, position, width, is_hidden, is_pinned, name, type, options, created_at, updated_at`

func scanColumn(sc scanner) (models.Column, error) {
	var (
		c       models.Column
		options string
	)
	if err := sc.Scan(&c.ID, &c.BlockID, &c.PropertyID, &c.Position, &c.Width, &c.IsHidden, &c.IsPinned,
		&c.Name, &c.Type, &options, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Column{}, err
	}
	if err := decodeOptions(options, &c.Options); err != nil {
		return models.Column{}, fmt.Errorf("store: column %s options: %w", c.ID, err)
	}
	return c, nil
}

func decodeOptions(raw string, dst *[]string) error {
	if raw == "" || raw == "[]" || raw == "null" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func encodeOptions(opts []string) string {
	if len(opts) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(opts)
	return string(b)
}

// ListColumns returns the columns of a block ordered by position.
func (s *Store) ListColumns(ctx context.Context, blockID string) ([]models.Column, error) {
	rows, err := s.query(ctx, s.conn,
		`SELECT `+columnCols+` FROM table_columns WHERE block_id = ? ORDER BY position, id`, blockID)
	if err != nil {
		return nil, fmt.Errorf("store: list columns: %w", err)
	}
	defer rows.Close()

	var out []models.Column
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetColumn returns one column.
func (s *Store) GetColumn(ctx context.Context, id string) (models.Column, error) {
	return s.getColumn(ctx, s.conn, id)
}

func (s *Store) getColumn(ctx context.Context, q querier, id string) (models.Column, error) {
	c, err := scanColumn(s.queryRow(ctx, q, `SELECT `+columnCols+` FROM table_columns WHERE id = ?`, id))
	if err != nil {
		return models.Column{}, notFound(err, "column", id)
	}
	return c, nil
}

// InsertColumn inserts c at c.Position (negative appends). Virtual columns
// are rejected.
func (s *Store) InsertColumn(ctx context.Context, c models.Column) (models.Column, error) {
	if c.IsVirtual {
		return models.Column{}, fmt.Errorf("store: insert column: virtual column %s cannot be persisted", c.ID)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Width <= 0 {
		c.Width = models.DefaultColumnWidth
	}
	c.CreatedAt, c.UpdatedAt = now(), now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pos, err := s.placeAt(ctx, tx, columnSiblings, c.BlockID, c.Position)
		if err != nil {
			return err
		}
		c.Position = pos
		_, err = s.exec(ctx, tx, `INSERT INTO table_columns (`+columnCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.BlockID, c.PropertyID, c.Position, c.Width, c.IsHidden, c.IsPinned,
			c.Name, string(c.Type), encodeOptions(c.Options), c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store: insert column: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Column{}, err
	}
	return c, nil
}

// UpdateColumn applies patch to a column.
func (s *Store) UpdateColumn(ctx context.Context, id string, patch models.ColumnPatch) (models.Column, error) {
	var out models.Column
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getColumn(ctx, tx, id)
		if err != nil {
			return err
		}
		out = patch.Apply(c)
		out.UpdatedAt = now()
		_, err = s.exec(ctx, tx, `UPDATE table_columns SET property_id = ?, width = ?, is_hidden = ?, is_pinned = ?,
			name = ?, type = ?, options = ?, updated_at = ? WHERE id = ?`,
			out.PropertyID, out.Width, out.IsHidden, out.IsPinned,
			out.Name, string(out.Type), encodeOptions(out.Options), out.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("store: update column: %w", err)
		}
		return nil
	})
	return out, err
}

// DeleteColumn removes a column and compacts the positions after it.
func (s *Store) DeleteColumn(ctx context.Context, id string) (models.Column, error) {
	var out models.Column
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getColumn(ctx, tx, id)
		if err != nil {
			return err
		}
		out = c
		if _, err := s.exec(ctx, tx, `DELETE FROM table_columns WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: delete column: %w", err)
		}
		return s.compact(ctx, tx, columnSiblings, c.BlockID, c.Position)
	})
	return out, err
}

// ReorderColumns writes new positions for columns of a block.
func (s *Store) ReorderColumns(ctx context.Context, blockID string, placements []models.Placement) ([]models.Column, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.reorder(ctx, tx, columnSiblings, blockID, placements)
	})
	if err != nil {
		return nil, err
	}
	return s.ListColumns(ctx, blockID)
}
