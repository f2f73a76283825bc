// Package tableservice is the server-side write path: every change is made
// on behalf of an actor, committed to the store and then announced to the
// document's subscribers.
package tableservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/lock"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/notify"
	"github.com/starford/tessera/internal/reconcile"
	"github.com/starford/tessera/internal/store"
)

// Service coordinates the store, the lock backend and change notification.
type Service struct {
	store   *store.Store
	pub     notify.Publisher
	locks   lock.Backend
	lockTTL time.Duration
	log     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLockTTL sets the expiry of granted locks.
func WithLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService creates a table service.
func NewService(st *store.Store, pub notify.Publisher, locks lock.Backend, opts ...Option) *Service {
	s := &Service{
		store:   st,
		pub:     pub,
		locks:   locks,
		lockTTL: lock.DefaultTTL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) publish(table models.Table, typ models.EventType, docID, blockID string, actor models.Identity, newV, oldV any) {
	ev, err := models.NewEvent(table, typ, docID, blockID, actor.ClientID, newV, oldV)
	if err != nil {
		s.log.Error("tableservice: build event",
			slog.String("table", string(table)), slog.String("error", err.Error()))
		return
	}
	s.pub.Publish(ev)
}

// --- documents ---

// CreateDocument creates an empty document.
func (s *Service) CreateDocument(ctx context.Context, d models.Document) (models.Document, error) {
	if d.Name == "" {
		return models.Document{}, apperr.Validation(errors.New("name: cannot be blank"))
	}
	return s.store.CreateDocument(ctx, d)
}

func (s *Service) GetDocument(ctx context.Context, id string) (models.Document, error) {
	return s.store.GetDocument(ctx, id)
}

func (s *Service) ListDocuments(ctx context.Context, projectID string) ([]models.Document, error) {
	return s.store.ListDocuments(ctx, projectID)
}

func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	return s.store.DeleteDocument(ctx, id)
}

// --- blocks ---

func (s *Service) ListBlocks(ctx context.Context, documentID string) ([]models.Block, error) {
	return s.store.ListBlocks(ctx, documentID)
}

func (s *Service) GetBlock(ctx context.Context, id string) (models.Block, error) {
	return s.store.GetBlock(ctx, id)
}

// CreateBlock inserts a block into a live document.
func (s *Service) CreateBlock(ctx context.Context, actor models.Identity, b models.Block) (models.Block, error) {
	if err := b.Validate(); err != nil {
		return models.Block{}, err
	}
	if _, err := s.store.GetDocument(ctx, b.DocumentID); err != nil {
		return models.Block{}, err
	}
	b.UpdatedBy = actor.UserID
	created, err := s.store.InsertBlock(ctx, b)
	if err != nil {
		return models.Block{}, err
	}
	s.publish(models.TableBlocks, models.EventInsert, created.DocumentID, created.ID, actor, created, nil)
	return created, nil
}

// UpdateBlock patches a block.
func (s *Service) UpdateBlock(ctx context.Context, actor models.Identity, id string, patch models.BlockPatch) (models.Block, error) {
	if err := patch.Validate(); err != nil {
		return models.Block{}, err
	}
	updated, err := s.store.UpdateBlock(ctx, id, patch, actor.UserID)
	if err != nil {
		return models.Block{}, err
	}
	s.publish(models.TableBlocks, models.EventUpdate, updated.DocumentID, updated.ID, actor, updated, nil)
	return updated, nil
}

// UpdateBlockContent replaces a block's content. A non-empty ifMatch must
// equal the checksum of the stored content.
func (s *Service) UpdateBlockContent(ctx context.Context, actor models.Identity, id string, content json.RawMessage, ifMatch string) (models.Block, error) {
	if !json.Valid(content) {
		return models.Block{}, apperr.Validation(errors.New("content: must be valid JSON"))
	}
	return s.MergeBlockContent(ctx, actor, id, func(current json.RawMessage) (json.RawMessage, error) {
		if ifMatch != "" && checksum.JSON(current) != ifMatch {
			return nil, fmt.Errorf("tableservice: block %s content changed: %w", id, apperr.ErrConflict)
		}
		return content, nil
	})
}

// MergeBlockContent rewrites a block's content from its current value
// without losing a concurrent write; see store.MergeBlockContent.
func (s *Service) MergeBlockContent(ctx context.Context, actor models.Identity, id string, merge func(json.RawMessage) (json.RawMessage, error)) (models.Block, error) {
	updated, err := s.store.MergeBlockContent(ctx, id, merge, actor.UserID)
	if err != nil {
		return models.Block{}, err
	}
	s.publish(models.TableBlocks, models.EventUpdate, updated.DocumentID, updated.ID, actor, updated, nil)
	return updated, nil
}

// UpdateBlockMetadata merges partial into the stored table metadata.
func (s *Service) UpdateBlockMetadata(ctx context.Context, actor models.Identity, id string, partial models.PartialTableMetadata) (models.Block, error) {
	return reconcile.New(s.Session(actor), s.log).UpdateBlockMetadata(ctx, id, partial)
}

// DeleteBlock soft-deletes a block.
func (s *Service) DeleteBlock(ctx context.Context, actor models.Identity, id string) error {
	deleted, err := s.store.DeleteBlock(ctx, id, actor.UserID)
	if err != nil {
		return err
	}
	s.publish(models.TableBlocks, models.EventDelete, deleted.DocumentID, deleted.ID, actor, nil, deleted)
	return nil
}

// ReorderBlocks repositions blocks and announces each block that moved.
func (s *Service) ReorderBlocks(ctx context.Context, actor models.Identity, documentID string, placements []models.Placement) ([]models.Block, error) {
	if err := models.ValidatePlacements(placements); err != nil {
		return nil, err
	}
	before, err := s.store.ListBlocks(ctx, documentID)
	if err != nil {
		return nil, err
	}
	after, err := s.store.ReorderBlocks(ctx, documentID, placements)
	if err != nil {
		return nil, err
	}
	for _, b := range moved(before, after) {
		s.publish(models.TableBlocks, models.EventUpdate, documentID, b.ID, actor, b, nil)
	}
	return after, nil
}

// --- columns ---

func (s *Service) ListColumns(ctx context.Context, blockID string) ([]models.Column, error) {
	return s.store.ListColumns(ctx, blockID)
}

func (s *Service) documentOf(ctx context.Context, blockID string) (string, error) {
	b, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		return "", err
	}
	return b.DocumentID, nil
}

// CreateColumn adds a column to a table block. The property snapshot is
// filled in from the bound property when the caller left it empty.
func (s *Service) CreateColumn(ctx context.Context, actor models.Identity, c models.Column) (models.Column, error) {
	if err := c.Validate(); err != nil {
		return models.Column{}, err
	}
	docID, err := s.documentOf(ctx, c.BlockID)
	if err != nil {
		return models.Column{}, err
	}
	if c.Name == "" || c.Type == "" {
		p, err := s.store.GetProperty(ctx, c.PropertyID)
		switch {
		case err == nil:
			c = c.Inherit(p)
		case !errors.Is(err, apperr.ErrNotFound):
			return models.Column{}, err
		}
	}
	created, err := s.store.InsertColumn(ctx, c)
	if err != nil {
		return models.Column{}, err
	}
	s.publish(models.TableColumns, models.EventInsert, docID, created.BlockID, actor, created, nil)
	return created, nil
}

// UpdateColumn patches a column.
func (s *Service) UpdateColumn(ctx context.Context, actor models.Identity, id string, patch models.ColumnPatch) (models.Column, error) {
	if err := patch.Validate(); err != nil {
		return models.Column{}, err
	}
	updated, err := s.store.UpdateColumn(ctx, id, patch)
	if err != nil {
		return models.Column{}, err
	}
	docID, err := s.documentOf(ctx, updated.BlockID)
	if err != nil {
		return models.Column{}, err
	}
	s.publish(models.TableColumns, models.EventUpdate, docID, updated.BlockID, actor, updated, nil)
	return updated, nil
}

// DeleteColumn removes a column.
func (s *Service) DeleteColumn(ctx context.Context, actor models.Identity, id string) error {
	deleted, err := s.store.DeleteColumn(ctx, id)
	if err != nil {
		return err
	}
	docID, err := s.documentOf(ctx, deleted.BlockID)
	if err != nil {
		return err
	}
	s.publish(models.TableColumns, models.EventDelete, docID, deleted.BlockID, actor, nil, deleted)
	return nil
}

// ReorderColumns repositions the columns of a block.
func (s *Service) ReorderColumns(ctx context.Context, actor models.Identity, blockID string, placements []models.Placement) ([]models.Column, error) {
	if err := models.ValidatePlacements(placements); err != nil {
		return nil, err
	}
	docID, err := s.documentOf(ctx, blockID)
	if err != nil {
		return nil, err
	}
	before, err := s.store.ListColumns(ctx, blockID)
	if err != nil {
		return nil, err
	}
	after, err := s.store.ReorderColumns(ctx, blockID, placements)
	if err != nil {
		return nil, err
	}
	for _, c := range moved(before, after) {
		s.publish(models.TableColumns, models.EventUpdate, docID, blockID, actor, c, nil)
	}
	return after, nil
}

// --- rows ---

func (s *Service) ListRows(ctx context.Context, blockID string) ([]models.Row, error) {
	return s.store.ListRows(ctx, blockID)
}

func (s *Service) GetRow(ctx context.Context, id string) (models.Row, error) {
	return s.store.GetRow(ctx, id)
}

// CreateRow inserts a row into a table block.
func (s *Service) CreateRow(ctx context.Context, actor models.Identity, r models.Row) (models.Row, error) {
	if r.DocumentID == "" && r.BlockID != "" {
		docID, err := s.documentOf(ctx, r.BlockID)
		if err != nil {
			return models.Row{}, err
		}
		r.DocumentID = docID
	}
	if err := r.Validate(); err != nil {
		return models.Row{}, err
	}
	r.UpdatedBy = actor.UserID
	created, err := s.store.InsertRow(ctx, r)
	if err != nil {
		return models.Row{}, err
	}
	s.publish(models.TableRows, models.EventInsert, created.DocumentID, created.BlockID, actor, created, nil)
	return created, nil
}

// UpdateRow patches a row.
func (s *Service) UpdateRow(ctx context.Context, actor models.Identity, id string, patch models.RowPatch) (models.Row, error) {
	updated, err := s.store.UpdateRow(ctx, id, patch, actor.UserID)
	if err != nil {
		return models.Row{}, err
	}
	s.publish(models.TableRows, models.EventUpdate, updated.DocumentID, updated.BlockID, actor, updated, nil)
	return updated, nil
}

// DeleteRow soft-deletes a row.
func (s *Service) DeleteRow(ctx context.Context, actor models.Identity, id string) error {
	deleted, err := s.store.DeleteRow(ctx, id, actor.UserID)
	if err != nil {
		return err
	}
	s.publish(models.TableRows, models.EventDelete, deleted.DocumentID, deleted.BlockID, actor, nil, deleted)
	return nil
}

// ReorderRows repositions the rows of a block.
func (s *Service) ReorderRows(ctx context.Context, actor models.Identity, blockID string, placements []models.Placement) ([]models.Row, error) {
	if err := models.ValidatePlacements(placements); err != nil {
		return nil, err
	}
	before, err := s.store.ListRows(ctx, blockID)
	if err != nil {
		return nil, err
	}
	after, err := s.store.ReorderRows(ctx, blockID, placements)
	if err != nil {
		return nil, err
	}
	for _, r := range moved(before, after) {
		s.publish(models.TableRows, models.EventUpdate, r.DocumentID, blockID, actor, r, nil)
	}
	return after, nil
}

// --- properties ---

func (s *Service) ListProperties(ctx context.Context, f store.PropertyFilter) ([]models.Property, error) {
	return s.store.ListProperties(ctx, f)
}

// UpsertProperty creates or replaces a property definition.
func (s *Service) UpsertProperty(ctx context.Context, p models.Property) (models.Property, error) {
	if err := p.Validate(); err != nil {
		return models.Property{}, err
	}
	return s.store.UpsertProperty(ctx, p)
}

// DeleteProperty removes a property definition. Bound columns keep their
// copied name, type and options.
func (s *Service) DeleteProperty(ctx context.Context, id string) error {
	return s.store.DeleteProperty(ctx, id)
}

// --- helpers ---

type positioned interface {
	GetID() string
	GetPosition() int
}

// moved returns the entries of after whose position differs from before.
func moved[T positioned](before, after []T) []T {
	was := make(map[string]int, len(before))
	for _, e := range before {
		was[e.GetID()] = e.GetPosition()
	}
	var out []T
	for _, e := range after {
		if p, ok := was[e.GetID()]; !ok || p != e.GetPosition() {
			out = append(out, e)
		}
	}
	return out
}
