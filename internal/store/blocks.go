package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

const blockCols = `id, document_id, type, position, content, is_deleted, updated_by, created_at, updated_at`

func scanBlock(sc scanner) (models.Block, error) {
	var (
		b       models.Block
		content string
	)
	err := sc.Scan(&b.ID, &b.DocumentID, &b.Type, &b.Position, &content, &b.IsDeleted, &b.UpdatedBy, &b.CreatedAt, &b.UpdatedAt)
	if content != "" {
		b.Content = json.RawMessage(content)
	}
	return b, err
}

// ListBlocks returns the live blocks of a document ordered by position.
func (s *Store) ListBlocks(ctx context.Context, documentID string) ([]models.Block, error) {
	rows, err := s.query(ctx, s.conn,
		`SELECT `+blockCols+` FROM blocks WHERE document_id = ? AND is_deleted = ? ORDER BY position, id`,
		documentID, false)
	if err != nil {
		return nil, fmt.Errorf("store: list blocks: %w", err)
	}
	defer rows.Close()

	var out []models.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBlock returns a live block.
func (s *Store) GetBlock(ctx context.Context, id string) (models.Block, error) {
	return s.getBlock(ctx, s.conn, id)
}

func (s *Store) getBlock(ctx context.Context, q querier, id string) (models.Block, error) {
	b, err := scanBlock(s.queryRow(ctx, q, `SELECT `+blockCols+` FROM blocks WHERE id = ? AND is_deleted = ?`, id, false))
	if err != nil {
		return models.Block{}, notFound(err, "block", id)
	}
	return b, nil
}

// InsertBlock inserts b at b.Position (negative appends).
func (s *Store) InsertBlock(ctx context.Context, b models.Block) (models.Block, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt, b.UpdatedAt = now(), now()
	b.IsDeleted = false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pos, err := s.placeAt(ctx, tx, blockSiblings, b.DocumentID, b.Position)
		if err != nil {
			return err
		}
		b.Position = pos
		_, err = s.exec(ctx, tx, `INSERT INTO blocks (`+blockCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.DocumentID, string(b.Type), b.Position, string(b.Content), b.IsDeleted, b.UpdatedBy, b.CreatedAt, b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store: insert block: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Block{}, err
	}
	return b, nil
}

// UpdateBlock applies patch to a live block.
func (s *Store) UpdateBlock(ctx context.Context, id string, patch models.BlockPatch, updatedBy string) (models.Block, error) {
	var out models.Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := s.getBlock(ctx, tx, id)
		if err != nil {
			return err
		}
		out = patch.Apply(b)
		out.UpdatedBy, out.UpdatedAt = updatedBy, now()
		_, err = s.exec(ctx, tx, `UPDATE blocks SET type = ?, content = ?, updated_by = ?, updated_at = ? WHERE id = ?`,
			string(out.Type), string(out.Content), out.UpdatedBy, out.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("store: update block: %w", err)
		}
		return nil
	})
	return out, err
}

const maxMergeAttempts = 8

// MergeBlockContent replaces a live block's content with merge applied to
// the stored content. The write only lands if the stored content is still
// the one merge saw; otherwise the block is re-read and merge runs again.
func (s *Store) MergeBlockContent(ctx context.Context, id string, merge func(json.RawMessage) (json.RawMessage, error), updatedBy string) (models.Block, error) {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.Block{}, err
		}
		b, err := s.GetBlock(ctx, id)
		if err != nil {
			return models.Block{}, err
		}
		prev := string(b.Content)
		content, err := merge(b.Content)
		if err != nil {
			return models.Block{}, err
		}
		b.Content = content
		b.UpdatedBy, b.UpdatedAt = updatedBy, now()
		res, err := s.exec(ctx, s.conn,
			`UPDATE blocks SET content = ?, updated_by = ?, updated_at = ? WHERE id = ? AND content = ? AND is_deleted = ?`,
			string(content), b.UpdatedBy, b.UpdatedAt, id, prev, false)
		if err != nil {
			return models.Block{}, fmt.Errorf("store: merge block content: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return b, nil
		}
	}
	return models.Block{}, fmt.Errorf("store: merge block %s content: %w", id, apperr.ErrConflict)
}

// DeleteBlock soft-deletes a block and compacts the positions after it.
func (s *Store) DeleteBlock(ctx context.Context, id, updatedBy string) (models.Block, error) {
	var out models.Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, err := s.getBlock(ctx, tx, id)
		if err != nil {
			return err
		}
		out = b
		out.IsDeleted, out.UpdatedBy, out.UpdatedAt = true, updatedBy, now()
		if _, err := s.exec(ctx, tx, `UPDATE blocks SET is_deleted = ?, updated_by = ?, updated_at = ? WHERE id = ?`,
			true, updatedBy, out.UpdatedAt, id); err != nil {
			return fmt.Errorf("store: delete block: %w", err)
		}
		return s.compact(ctx, tx, blockSiblings, b.DocumentID, b.Position)
	})
	return out, err
}

// ReorderBlocks writes new positions for blocks of a document and returns
// the resulting order.
func (s *Store) ReorderBlocks(ctx context.Context, documentID string, placements []models.Placement) ([]models.Block, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.reorder(ctx, tx, blockSiblings, documentID, placements)
	})
	if err != nil {
		return nil, err
	}
	return s.ListBlocks(ctx, documentID)
}
