package cache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/starford/tessera/internal/models"
)

// Loader reads the authoritative lists a DocumentCache is built from.
type Loader interface {
	ListBlocks(ctx context.Context, documentID string) ([]models.Block, error)
	ListColumns(ctx context.Context, blockID string) ([]models.Column, error)
	ListRows(ctx context.Context, blockID string) ([]models.Row, error)
}

// Table groups the column and row collections of one table block.
type Table struct {
	BlockID string
	Columns *Collection[models.Column]
	Rows    *Collection[models.Row]
}

// DocumentCache is the materialized view of one open document: its block
// list plus a bucket per loaded table block.
type DocumentCache struct {
	documentID string
	loader     Loader
	opts       []Option

	Blocks *Collection[models.Block]

	mu     sync.Mutex
	tables map[string]*Table
}

// NewDocumentCache returns an empty cache for documentID. Call Load to fill
// it.
func NewDocumentCache(documentID string, loader Loader, opts ...Option) *DocumentCache {
	d := &DocumentCache{
		documentID: documentID,
		loader:     loader,
		opts:       opts,
		tables:     map[string]*Table{},
	}
	d.Blocks = NewCollection("blocks", func(ctx context.Context) ([]models.Block, error) {
		return loader.ListBlocks(ctx, documentID)
	}, opts...)
	return d
}

// DocumentID returns the id of the cached document.
func (d *DocumentCache) DocumentID() string { return d.documentID }

// Load fetches the block list and the columns and rows of every table
// block.
func (d *DocumentCache) Load(ctx context.Context) error {
	if err := d.Blocks.Revalidate(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range d.Blocks.Items() {
		if b.Type != models.BlockTypeTable {
			continue
		}
		t := d.table(b.ID)
		g.Go(func() error { return revalidateTable(gctx, t) })
	}
	return g.Wait()
}

// OpenTable returns the bucket for blockID, loading it on first use.
func (d *DocumentCache) OpenTable(ctx context.Context, blockID string) (*Table, error) {
	d.mu.Lock()
	t, ok := d.tables[blockID]
	d.mu.Unlock()
	if ok {
		return t, nil
	}
	t = d.table(blockID)
	if err := revalidateTable(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Table returns the bucket for blockID if it is loaded.
func (d *DocumentCache) Table(blockID string) (*Table, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[blockID]
	return t, ok
}

// DropTable closes and forgets the bucket for blockID.
func (d *DocumentCache) DropTable(blockID string) {
	d.mu.Lock()
	t, ok := d.tables[blockID]
	delete(d.tables, blockID)
	d.mu.Unlock()
	if ok {
		t.close()
	}
}

// Revalidate refetches the block list and every loaded table.
func (d *DocumentCache) Revalidate(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Blocks.Revalidate(gctx) })
	for _, t := range d.loadedTables() {
		g.Go(func() error { return revalidateTable(gctx, t) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("cache: revalidate document %s: %w", d.documentID, err)
	}
	return nil
}

// Close stops every collection's background work.
func (d *DocumentCache) Close() {
	d.Blocks.Close()
	for _, t := range d.loadedTables() {
		t.close()
	}
}

func (d *DocumentCache) table(blockID string) *Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[blockID]; ok {
		return t
	}
	t := &Table{
		BlockID: blockID,
		Columns: NewCollection("columns", func(ctx context.Context) ([]models.Column, error) {
			return d.loader.ListColumns(ctx, blockID)
		}, d.opts...),
		Rows: NewCollection("rows", func(ctx context.Context) ([]models.Row, error) {
			return d.loader.ListRows(ctx, blockID)
		}, d.opts...),
	}
	d.tables[blockID] = t
	return t
}

func (d *DocumentCache) loadedTables() []*Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Table, 0, len(d.tables))
	for _, t := range d.tables {
		out = append(out, t)
	}
	return out
}

func revalidateTable(ctx context.Context, t *Table) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.Columns.Revalidate(gctx) })
	g.Go(func() error { return t.Rows.Revalidate(gctx) })
	return g.Wait()
}

func (t *Table) close() {
	t.Columns.Close()
	t.Rows.Close()
}
