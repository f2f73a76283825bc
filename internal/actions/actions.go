// Package actions orchestrates structural and cell writes for one open
// document: it computes positions and defaults, validates input, applies the
// change to the optimistic cache and issues the durable write.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/starford/tessera/internal/cache"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/reconcile"
)

// Durable is the store the actions write through to. It is implemented by
// the HTTP client (remote) and by an in-process table service session.
type Durable interface {
	cache.Loader

	GetBlock(ctx context.Context, id string) (models.Block, error)
	CreateBlock(ctx context.Context, b models.Block) (models.Block, error)
	UpdateBlock(ctx context.Context, id string, patch models.BlockPatch) (models.Block, error)
	// UpdateBlockMetadata merges partial into the stored table metadata
	// on the durable side, so concurrent structural syncs do not overwrite
	// each other.
	UpdateBlockMetadata(ctx context.Context, id string, partial models.PartialTableMetadata) (models.Block, error)
	DeleteBlock(ctx context.Context, id string) error
	ReorderBlocks(ctx context.Context, documentID string, placements []models.Placement) ([]models.Block, error)

	CreateColumn(ctx context.Context, c models.Column) (models.Column, error)
	UpdateColumn(ctx context.Context, id string, patch models.ColumnPatch) (models.Column, error)
	DeleteColumn(ctx context.Context, id string) error
	ReorderColumns(ctx context.Context, blockID string, placements []models.Placement) ([]models.Column, error)

	CreateRow(ctx context.Context, r models.Row) (models.Row, error)
	UpdateRow(ctx context.Context, id string, patch models.RowPatch) (models.Row, error)
	DeleteRow(ctx context.Context, id string) error
	ReorderRows(ctx context.Context, blockID string, placements []models.Placement) ([]models.Row, error)
}

// Actions is the write surface of one open document.
type Actions struct {
	durable Durable
	doc     *cache.DocumentCache
	log     *slog.Logger
}

// New returns the actions for the document cached in doc.
func New(durable Durable, doc *cache.DocumentCache, log *slog.Logger) *Actions {
	if log == nil {
		log = slog.Default()
	}
	return &Actions{durable: durable, doc: doc, log: log}
}

// position resolves an optional requested position against next (max+1).
func position(requested *int, next int) int {
	if requested == nil || *requested < 0 || *requested > next {
		return next
	}
	return *requested
}

func newID() string { return uuid.NewString() }

// BlockInput describes a new block. A nil Position appends.
type BlockInput struct {
	Type      models.BlockType
	Position  *int
	Content   json.RawMessage
	TableKind string
}

// CreateBlock adds a block to the document. Table blocks start with empty
// structural metadata.
func (a *Actions) CreateBlock(ctx context.Context, in BlockInput) (models.Block, error) {
	b := models.Block{
		ID:         newID(),
		DocumentID: a.doc.DocumentID(),
		Type:       in.Type,
		Position:   position(in.Position, a.doc.Blocks.NextPosition()),
		Content:    in.Content,
	}
	if err := b.Validate(); err != nil {
		return models.Block{}, err
	}
	if b.Type == models.BlockTypeTable && len(b.Content) == 0 {
		content, err := json.Marshal(models.TableMetadata{
			Columns:   []models.ColumnMetadata{},
			Rows:      []models.RowMetadata{},
			TableKind: in.TableKind,
		})
		if err != nil {
			return models.Block{}, fmt.Errorf("actions: encode table metadata: %w", err)
		}
		b.Content = content
	}
	return a.doc.Blocks.Create(ctx, b, func(ctx context.Context) (models.Block, error) {
		return a.durable.CreateBlock(ctx, b)
	})
}

// UpdateBlock patches a block.
func (a *Actions) UpdateBlock(ctx context.Context, id string, patch models.BlockPatch) (models.Block, error) {
	return a.doc.Blocks.Update(ctx, id, patch.Apply, func(ctx context.Context) (models.Block, error) {
		return a.durable.UpdateBlock(ctx, id, patch)
	})
}

// DeleteBlock soft-deletes a block and drops its table bucket.
func (a *Actions) DeleteBlock(ctx context.Context, id string) error {
	err := a.doc.Blocks.Delete(ctx, id, func(ctx context.Context) error {
		return a.durable.DeleteBlock(ctx, id)
	})
	if err != nil {
		return err
	}
	a.doc.DropTable(id)
	return nil
}

// ReorderBlocks assigns new block positions.
func (a *Actions) ReorderBlocks(ctx context.Context, placements []models.Placement) error {
	if err := models.ValidatePlacements(placements); err != nil {
		return err
	}
	docID := a.doc.DocumentID()
	return a.doc.Blocks.Reorder(ctx, placements, func(ctx context.Context) ([]models.Block, error) {
		return a.durable.ReorderBlocks(ctx, docID, placements)
	})
}

// UpdateBlockMetadata merges a partial structural update into a table
// block's content, optimistically in the cache and then on the durable side.
func (a *Actions) UpdateBlockMetadata(ctx context.Context, blockID string, partial models.PartialTableMetadata) (models.Block, error) {
	merge := func(b models.Block) models.Block {
		merged, err := reconcile.MergeBlockMetadata(b.Content, partial)
		if err != nil {
			a.log.Warn("actions: optimistic metadata merge",
				slog.String("block_id", blockID), slog.String("error", err.Error()))
			return b
		}
		b.Content = merged
		return b
	}
	return a.doc.Blocks.Update(ctx, blockID, merge, func(ctx context.Context) (models.Block, error) {
		return a.durable.UpdateBlockMetadata(ctx, blockID, partial)
	})
}

// syncColumnMetadata mirrors the cached column order into the block
// metadata. The column write already succeeded, so failures are logged.
func (a *Actions) syncColumnMetadata(ctx context.Context, t *cache.Table) {
	cols := t.Columns.Items()
	md := make([]models.ColumnMetadata, 0, len(cols))
	for _, c := range cols {
		md = append(md, models.ColumnMetadata{ColumnID: c.ID, Position: c.Position, Width: c.Width, Name: c.Name})
	}
	if _, err := a.UpdateBlockMetadata(ctx, t.BlockID, models.PartialTableMetadata{Columns: &md}); err != nil {
		a.log.Warn("actions: sync column metadata",
			slog.String("block_id", t.BlockID), slog.String("error", err.Error()))
	}
}

// syncRowMetadata mirrors the cached row order into the block metadata.
func (a *Actions) syncRowMetadata(ctx context.Context, t *cache.Table) {
	rows := t.Rows.Items()
	md := make([]models.RowMetadata, 0, len(rows))
	for _, r := range rows {
		md = append(md, models.RowMetadata{RowID: r.ID, Position: r.Position})
	}
	if _, err := a.UpdateBlockMetadata(ctx, t.BlockID, models.PartialTableMetadata{Rows: &md}); err != nil {
		a.log.Warn("actions: sync row metadata",
			slog.String("block_id", t.BlockID), slog.String("error", err.Error()))
	}
}
