package tableservice

import (
	"context"
	"encoding/json"

	"github.com/starford/tessera/internal/models"
)

// Session binds the service to one actor so in-process callers can use it
// wherever a durable store for a single editing session is expected.
type Session struct {
	svc   *Service
	actor models.Identity
}

// Session returns the service bound to actor.
func (s *Service) Session(actor models.Identity) *Session {
	return &Session{svc: s, actor: actor}
}

func (s *Session) Actor() models.Identity { return s.actor }

func (s *Session) ListBlocks(ctx context.Context, documentID string) ([]models.Block, error) {
	return s.svc.ListBlocks(ctx, documentID)
}

func (s *Session) ListColumns(ctx context.Context, blockID string) ([]models.Column, error) {
	return s.svc.ListColumns(ctx, blockID)
}

func (s *Session) ListRows(ctx context.Context, blockID string) ([]models.Row, error) {
	return s.svc.ListRows(ctx, blockID)
}

func (s *Session) GetBlock(ctx context.Context, id string) (models.Block, error) {
	return s.svc.GetBlock(ctx, id)
}

func (s *Session) CreateBlock(ctx context.Context, b models.Block) (models.Block, error) {
	return s.svc.CreateBlock(ctx, s.actor, b)
}

func (s *Session) UpdateBlock(ctx context.Context, id string, patch models.BlockPatch) (models.Block, error) {
	return s.svc.UpdateBlock(ctx, s.actor, id, patch)
}

func (s *Session) MergeBlockContent(ctx context.Context, id string, merge func(json.RawMessage) (json.RawMessage, error)) (models.Block, error) {
	return s.svc.MergeBlockContent(ctx, s.actor, id, merge)
}

func (s *Session) UpdateBlockMetadata(ctx context.Context, id string, partial models.PartialTableMetadata) (models.Block, error) {
	return s.svc.UpdateBlockMetadata(ctx, s.actor, id, partial)
}

func (s *Session) DeleteBlock(ctx context.Context, id string) error {
	return s.svc.DeleteBlock(ctx, s.actor, id)
}

func (s *Session) ReorderBlocks(ctx context.Context, documentID string, placements []models.Placement) ([]models.Block, error) {
	return s.svc.ReorderBlocks(ctx, s.actor, documentID, placements)
}

func (s *Session) CreateColumn(ctx context.Context, c models.Column) (models.Column, error) {
	return s.svc.CreateColumn(ctx, s.actor, c)
}

func (s *Session) UpdateColumn(ctx context.Context, id string, patch models.ColumnPatch) (models.Column, error) {
	return s.svc.UpdateColumn(ctx, s.actor, id, patch)
}

func (s *Session) DeleteColumn(ctx context.Context, id string) error {
	return s.svc.DeleteColumn(ctx, s.actor, id)
}

func (s *Session) ReorderColumns(ctx context.Context, blockID string, placements []models.Placement) ([]models.Column, error) {
	return s.svc.ReorderColumns(ctx, s.actor, blockID, placements)
}

func (s *Session) CreateRow(ctx context.Context, r models.Row) (models.Row, error) {
	return s.svc.CreateRow(ctx, s.actor, r)
}

func (s *Session) UpdateRow(ctx context.Context, id string, patch models.RowPatch) (models.Row, error) {
	return s.svc.UpdateRow(ctx, s.actor, id, patch)
}

func (s *Session) DeleteRow(ctx context.Context, id string) error {
	return s.svc.DeleteRow(ctx, s.actor, id)
}

func (s *Session) ReorderRows(ctx context.Context, blockID string, placements []models.Placement) ([]models.Row, error) {
	return s.svc.ReorderRows(ctx, s.actor, blockID, placements)
}
