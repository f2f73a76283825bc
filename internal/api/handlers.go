package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/tableservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc *tableservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *tableservice.Service) *Handler {
	return &Handler{svc: svc}
}

func actor(r *http.Request) models.Identity { return IdentityFrom(r.Context()) }

// --- documents ---

// CreateDocument handles POST /api/documents.
//
//	@Summary	Create an empty document
//	@Tags		documents
//	@Accept		json
//	@Produce	json
//	@Param		body	body		CreateDocumentRequest	true	"Document to create"
//	@Success	201		{object}	models.Document
//	@Failure	400		{object}	errResponse
//	@Router		/documents [post]
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.svc.CreateDocument(r.Context(), models.Document{ID: req.ID, ProjectID: req.ProjectID, Name: req.Name})
	if err != nil {
		writeError(w, "create document", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ListDocuments handles GET /api/documents.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.ListDocuments(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(docs))
}

// GetDocument handles GET /api/documents/{documentID}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetDocument(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteDocument handles DELETE /api/documents/{documentID}.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteDocument(r.Context(), chi.URLParam(r, "documentID")); err != nil {
		writeError(w, "delete document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- blocks ---

// ListBlocks handles GET /api/documents/{documentID}/blocks.
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.svc.ListBlocks(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, "list blocks", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(blocks))
}

// CreateBlock handles POST /api/documents/{documentID}/blocks.
//
//	@Summary	Insert a block; a missing position appends
//	@Tags		blocks
//	@Accept		json
//	@Produce	json
//	@Param		documentID	path		string				true	"Document id"
//	@Param		body		body		CreateBlockRequest	true	"Block to create"
//	@Success	201			{object}	models.Block
//	@Failure	400			{object}	errResponse
//	@Failure	404			{object}	errResponse
//	@Router		/documents/{documentID}/blocks [post]
func (h *Handler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	var req CreateBlockRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.svc.CreateBlock(r.Context(), actor(r), models.Block{
		ID:         req.ID,
		DocumentID: chi.URLParam(r, "documentID"),
		Type:       req.Type,
		Position:   positionOrAppend(req.Position),
		Content:    req.Content,
	})
	if err != nil {
		writeError(w, "create block", err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ReorderBlocks handles PUT /api/documents/{documentID}/blocks/order.
func (h *Handler) ReorderBlocks(w http.ResponseWriter, r *http.Request) {
	var placements []models.Placement
	if !decode(w, r, &placements) {
		return
	}
	blocks, err := h.svc.ReorderBlocks(r.Context(), actor(r), chi.URLParam(r, "documentID"), placements)
	if err != nil {
		writeError(w, "reorder blocks", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(blocks))
}

// GetBlock handles GET /api/blocks/{blockID}. The ETag is the content
// checksum expected by If-Match on updates.
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.GetBlock(r.Context(), chi.URLParam(r, "blockID"))
	if err != nil {
		writeError(w, "get block", err)
		return
	}
	w.Header().Set("ETag", `"`+checksum.JSON(b.Content)+`"`)
	writeJSON(w, http.StatusOK, b)
}

// UpdateBlock handles PATCH /api/blocks/{blockID}.
//
//	@Summary	Patch a block with optimistic concurrency on content
//	@Tags		blocks
//	@Accept		json
//	@Produce	json
//	@Param		blockID		path		string				true	"Block id"
//	@Param		If-Match	header		string				false	"Content checksum"
//	@Param		body		body		models.BlockPatch	true	"Patch"
//	@Success	200			{object}	models.Block
//	@Failure	409			{object}	errResponse
//	@Router		/blocks/{blockID} [patch]
func (h *Handler) UpdateBlock(w http.ResponseWriter, r *http.Request) {
	var patch models.BlockPatch
	if !decode(w, r, &patch) {
		return
	}
	id := chi.URLParam(r, "blockID")
	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	var (
		b   models.Block
		err error
	)
	if patch.Type == nil && len(patch.Content) > 0 {
		b, err = h.svc.UpdateBlockContent(r.Context(), actor(r), id, patch.Content, ifMatch)
	} else {
		b, err = h.svc.UpdateBlock(r.Context(), actor(r), id, patch)
	}
	if err != nil {
		writeError(w, "update block", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// UpdateBlockMetadata handles PATCH /api/blocks/{blockID}/metadata.
func (h *Handler) UpdateBlockMetadata(w http.ResponseWriter, r *http.Request) {
	var partial models.PartialTableMetadata
	if !decode(w, r, &partial) {
		return
	}
	b, err := h.svc.UpdateBlockMetadata(r.Context(), actor(r), chi.URLParam(r, "blockID"), partial)
	if err != nil {
		writeError(w, "update block metadata", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// DeleteBlock handles DELETE /api/blocks/{blockID}.
func (h *Handler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteBlock(r.Context(), actor(r), chi.URLParam(r, "blockID")); err != nil {
		writeError(w, "delete block", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- columns ---

// ListColumns handles GET /api/blocks/{blockID}/columns.
func (h *Handler) ListColumns(w http.ResponseWriter, r *http.Request) {
	cols, err := h.svc.ListColumns(r.Context(), chi.URLParam(r, "blockID"))
	if err != nil {
		writeError(w, "list columns", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(cols))
}

// CreateColumn handles POST /api/blocks/{blockID}/columns.
func (h *Handler) CreateColumn(w http.ResponseWriter, r *http.Request) {
	var req CreateColumnRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.svc.CreateColumn(r.Context(), actor(r), models.Column{
		ID:         req.ID,
		BlockID:    chi.URLParam(r, "blockID"),
		PropertyID: req.PropertyID,
		Position:   positionOrAppend(req.Position),
		Width:      req.Width,
		IsHidden:   req.IsHidden,
		IsPinned:   req.IsPinned,
		Name:       req.Name,
		Type:       req.Type,
		Options:    req.Options,
	})
	if err != nil {
		writeError(w, "create column", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ReorderColumns handles PUT /api/blocks/{blockID}/columns/order.
func (h *Handler) ReorderColumns(w http.ResponseWriter, r *http.Request) {
	var placements []models.Placement
	if !decode(w, r, &placements) {
		return
	}
	cols, err := h.svc.ReorderColumns(r.Context(), actor(r), chi.URLParam(r, "blockID"), placements)
	if err != nil {
		writeError(w, "reorder columns", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(cols))
}

// UpdateColumn handles PATCH /api/columns/{columnID}.
func (h *Handler) UpdateColumn(w http.ResponseWriter, r *http.Request) {
	var patch models.ColumnPatch
	if !decode(w, r, &patch) {
		return
	}
	c, err := h.svc.UpdateColumn(r.Context(), actor(r), chi.URLParam(r, "columnID"), patch)
	if err != nil {
		writeError(w, "update column", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteColumn handles DELETE /api/columns/{columnID}.
func (h *Handler) DeleteColumn(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteColumn(r.Context(), actor(r), chi.URLParam(r, "columnID")); err != nil {
		writeError(w, "delete column", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- rows ---

// ListRows handles GET /api/blocks/{blockID}/rows.
func (h *Handler) ListRows(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.ListRows(r.Context(), chi.URLParam(r, "blockID"))
	if err != nil {
		writeError(w, "list rows", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

// CreateRow handles POST /api/blocks/{blockID}/rows.
func (h *Handler) CreateRow(w http.ResponseWriter, r *http.Request) {
	var req CreateRowRequest
	if !decode(w, r, &req) {
		return
	}
	row, err := h.svc.CreateRow(r.Context(), actor(r), models.Row{
		ID:          req.ID,
		BlockID:     chi.URLParam(r, "blockID"),
		Position:    positionOrAppend(req.Position),
		Properties:  req.Properties,
		Identifier:  req.Identifier,
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
	})
	if err != nil {
		writeError(w, "create row", err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

// ReorderRows handles PUT /api/blocks/{blockID}/rows/order.
func (h *Handler) ReorderRows(w http.ResponseWriter, r *http.Request) {
	var placements []models.Placement
	if !decode(w, r, &placements) {
		return
	}
	rows, err := h.svc.ReorderRows(r.Context(), actor(r), chi.URLParam(r, "blockID"), placements)
	if err != nil {
		writeError(w, "reorder rows", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rows))
}

// GetRow handles GET /api/rows/{rowID}.
func (h *Handler) GetRow(w http.ResponseWriter, r *http.Request) {
	row, err := h.svc.GetRow(r.Context(), chi.URLParam(r, "rowID"))
	if err != nil {
		writeError(w, "get row", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// UpdateRow handles PATCH /api/rows/{rowID}.
func (h *Handler) UpdateRow(w http.ResponseWriter, r *http.Request) {
	var patch models.RowPatch
	if !decode(w, r, &patch) {
		return
	}
	row, err := h.svc.UpdateRow(r.Context(), actor(r), chi.URLParam(r, "rowID"), patch)
	if err != nil {
		writeError(w, "update row", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// DeleteRow handles DELETE /api/rows/{rowID}.
func (h *Handler) DeleteRow(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRow(r.Context(), actor(r), chi.URLParam(r, "rowID")); err != nil {
		writeError(w, "delete row", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- properties ---

// ListProperties handles GET /api/properties.
func (h *Handler) ListProperties(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	props, err := h.svc.ListProperties(r.Context(), store.PropertyFilter{
		OrgID:      q.Get("org_id"),
		Scope:      models.PropertyScope(q.Get("scope")),
		ProjectID:  q.Get("project_id"),
		DocumentID: q.Get("document_id"),
	})
	if err != nil {
		writeError(w, "list properties", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(props))
}

// UpsertProperty handles POST /api/properties.
func (h *Handler) UpsertProperty(w http.ResponseWriter, r *http.Request) {
	var p models.Property
	if !decode(w, r, &p) {
		return
	}
	out, err := h.svc.UpsertProperty(r.Context(), p)
	if err != nil {
		writeError(w, "upsert property", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- locks ---

// AcquireLock handles POST /api/locks/{entityID}.
//
//	@Summary	Take the edit lock on an entity
//	@Tags		locks
//	@Accept		json
//	@Produce	json
//	@Param		entityID	path		string				true	"Entity id"
//	@Param		body		body		AcquireLockRequest	true	"Lock scope"
//	@Success	200			{object}	models.Lock
//	@Failure	409			{object}	errResponse	"Held by someone else; body carries the holder"
//	@Router		/locks/{entityID} [post]
func (h *Handler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	var req AcquireLockRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.svc.AcquireLock(r.Context(), actor(r), req.DocumentID, chi.URLParam(r, "entityID"), req.EntityType)
	if err != nil {
		writeError(w, "acquire lock", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ReleaseLock handles DELETE /api/locks/{entityID}?document_id=.
func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	err := h.svc.ReleaseLock(r.Context(), actor(r), r.URL.Query().Get("document_id"), chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, "release lock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLock handles GET /api/locks/{entityID}.
func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.LockHolder(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeError(w, "get lock", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
