package remote

import (
	"context"
	"net/http"

	"github.com/starford/tessera/internal/models"
)

func (c *Client) ListBlocks(ctx context.Context, documentID string) ([]models.Block, error) {
	var out []models.Block
	err := c.do(ctx, http.MethodGet, "/documents/"+esc(documentID)+"/blocks", nil, &out)
	return out, err
}

func (c *Client) ListColumns(ctx context.Context, blockID string) ([]models.Column, error) {
	var out []models.Column
	err := c.do(ctx, http.MethodGet, "/blocks/"+esc(blockID)+"/columns", nil, &out)
	return out, err
}

func (c *Client) ListRows(ctx context.Context, blockID string) ([]models.Row, error) {
	var out []models.Row
	err := c.do(ctx, http.MethodGet, "/blocks/"+esc(blockID)+"/rows", nil, &out)
	return out, err
}

func (c *Client) GetBlock(ctx context.Context, id string) (models.Block, error) {
	var out models.Block
	err := c.do(ctx, http.MethodGet, "/blocks/"+esc(id), nil, &out)
	return out, err
}

// CreateBlock sends b with its client-assigned id and position.
func (c *Client) CreateBlock(ctx context.Context, b models.Block) (models.Block, error) {
	var out models.Block
	err := c.do(ctx, http.MethodPost, "/documents/"+esc(b.DocumentID)+"/blocks", b, &out)
	return out, err
}

func (c *Client) UpdateBlock(ctx context.Context, id string, patch models.BlockPatch) (models.Block, error) {
	var out models.Block
	err := c.do(ctx, http.MethodPatch, "/blocks/"+esc(id), patch, &out)
	return out, err
}

// UpdateBlockMetadata lets the server merge partial into the stored content.
func (c *Client) UpdateBlockMetadata(ctx context.Context, id string, partial models.PartialTableMetadata) (models.Block, error) {
	var out models.Block
	err := c.do(ctx, http.MethodPatch, "/blocks/"+esc(id)+"/metadata", partial, &out)
	return out, err
}

func (c *Client) DeleteBlock(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/blocks/"+esc(id), nil, nil)
}

func (c *Client) ReorderBlocks(ctx context.Context, documentID string, placements []models.Placement) ([]models.Block, error) {
	var out []models.Block
	err := c.do(ctx, http.MethodPut, "/documents/"+esc(documentID)+"/blocks/order", placements, &out)
	return out, err
}

func (c *Client) CreateColumn(ctx context.Context, col models.Column) (models.Column, error) {
	var out models.Column
	err := c.do(ctx, http.MethodPost, "/blocks/"+esc(col.BlockID)+"/columns", col, &out)
	return out, err
}

func (c *Client) UpdateColumn(ctx context.Context, id string, patch models.ColumnPatch) (models.Column, error) {
	var out models.Column
	err := c.do(ctx, http.MethodPatch, "/columns/"+esc(id), patch, &out)
	return out, err
}

func (c *Client) DeleteColumn(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/columns/"+esc(id), nil, nil)
}

func (c *Client) ReorderColumns(ctx context.Context, blockID string, placements []models.Placement) ([]models.Column, error) {
	var out []models.Column
	err := c.do(ctx, http.MethodPut, "/blocks/"+esc(blockID)+"/columns/order", placements, &out)
	return out, err
}

func (c *Client) CreateRow(ctx context.Context, r models.Row) (models.Row, error) {
	var out models.Row
	err := c.do(ctx, http.MethodPost, "/blocks/"+esc(r.BlockID)+"/rows", r, &out)
	return out, err
}

func (c *Client) UpdateRow(ctx context.Context, id string, patch models.RowPatch) (models.Row, error) {
	var out models.Row
	err := c.do(ctx, http.MethodPatch, "/rows/"+esc(id), patch, &out)
	return out, err
}

func (c *Client) DeleteRow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/rows/"+esc(id), nil, nil)
}

func (c *Client) ReorderRows(ctx context.Context, blockID string, placements []models.Placement) ([]models.Row, error) {
	var out []models.Row
	err := c.do(ctx, http.MethodPut, "/blocks/"+esc(blockID)+"/rows/order", placements, &out)
	return out, err
}

// ListProperties returns the properties visible under the given scope
// filter; empty arguments are not sent.
func (c *Client) ListProperties(ctx context.Context, orgID string, scope models.PropertyScope) ([]models.Property, error) {
	q := "?org_id=" + esc(orgID)
	if scope != "" {
		q += "&scope=" + esc(string(scope))
	}
	var out []models.Property
	err := c.do(ctx, http.MethodGet, "/properties"+q, nil, &out)
	return out, err
}
