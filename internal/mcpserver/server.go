// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Tessera table tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/tessera/internal/actions"
	"github.com/starford/tessera/internal/cache"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/reconcile"
	"github.com/starford/tessera/internal/store"
	"github.com/starford/tessera/internal/tableservice"
)

const tableModelURI = "tessera://table-model"

// Server wraps the MCP server with Tessera tools.
type Server struct {
	mcp      *server.MCPServer
	svc      *tableservice.Service
	identity models.Identity
	log      *slog.Logger
}

// New creates a new MCP server with all Tessera tools registered. Writes are
// made as identity.
func New(svc *tableservice.Service, identity models.Identity, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{svc: svc, identity: identity, log: log}

	s.mcp = server.NewMCPServer(
		"Tessera",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List documents, optionally only those of one project."),
		mcp.WithString("project_id", mcp.Description("Optional project id")),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("list_blocks",
		mcp.WithDescription("List the blocks of a document in display order."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document id")),
	), s.listBlocks)

	s.mcp.AddTool(mcp.NewTool("read_table",
		mcp.WithDescription("Read a table block with its columns and rows. "+
			"Requirement tables include one column per natural field; pass org_id so "+
			"virtual columns pick up the organization's property definitions."),
		mcp.WithString("block_id", mcp.Required(), mcp.Description("Table block id")),
		mcp.WithString("org_id", mcp.Description("Optional organization id for natural field properties")),
	), s.readTable)

	s.mcp.AddTool(mcp.NewTool("update_cell",
		mcp.WithDescription("Set one cell of a table row. Read the table model via "+
			"get_table_model or the tessera://table-model resource first."),
		mcp.WithString("block_id", mcp.Required(), mcp.Description("Table block id")),
		mcp.WithString("row_id", mcp.Required(), mcp.Description("Row id")),
		mcp.WithString("column", mcp.Required(), mcp.Description("Column id, property id or virtual column id")),
		mcp.WithString("value", mcp.Required(), mcp.Description("JSON-encoded cell value")),
	), s.updateCell)

	s.mcp.AddTool(mcp.NewTool("list_properties",
		mcp.WithDescription("List the property definitions of an organization."),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization id")),
		mcp.WithString("scope", mcp.Description("Optional scope: organization, project or document")),
	), s.listProperties)

	s.mcp.AddTool(mcp.NewTool("get_table_model",
		mcp.WithDescription("Returns the Tessera table model. Call this before editing tables."),
	), s.getTableModel)

	s.mcp.AddResource(
		mcp.NewResource(tableModelURI, "Table Model",
			mcp.WithResourceDescription("How documents, blocks, columns, rows and natural fields fit together."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readTableModelResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := s.svc.ListDocuments(ctx, req.GetString("project_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(nonNil(docs))
}

func (s *Server) listBlocks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docID, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	blocks, err := s.svc.ListBlocks(ctx, docID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(nonNil(blocks))
}

// TableView is the read_table payload.
type TableView struct {
	Block   models.Block    `json:"block"`
	Columns []models.Column `json:"columns"`
	Rows    []models.Row    `json:"rows"`
}

func (s *Server) readTable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	blockID, err := req.RequireString("block_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	b, err := s.svc.GetBlock(ctx, blockID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if b.Type != models.BlockTypeTable {
		return mcp.NewToolResultError(fmt.Sprintf("block %s is not a table", blockID)), nil
	}
	cols, err := s.svc.ListColumns(ctx, blockID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rows, err := s.svc.ListRows(ctx, blockID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if md, mdErr := b.TableMetadata(); mdErr == nil && md.TableKind == models.TableKindRequirements {
		var props []models.Property
		if org := req.GetString("org_id", ""); org != "" {
			props, err = s.svc.ListProperties(ctx, store.PropertyFilter{OrgID: org, Scope: models.ScopeOrganization})
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		}
		cols = reconcile.DedupeNaturalColumns(reconcile.EnsureNaturalColumns(cols, blockID, props))
	}
	return jsonResult(TableView{Block: b, Columns: nonNil(cols), Rows: nonNil(rows)})
}

func (s *Server) updateCell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args [4]string
	for i, name := range []string{"block_id", "row_id", "column", "value"} {
		v, err := req.RequireString(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args[i] = v
	}
	blockID, rowID, column := args[0], args[1], args[2]
	value := decodeValue(args[3])

	b, err := s.svc.GetBlock(ctx, blockID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	session := s.svc.Session(s.identity)
	doc := cache.NewDocumentCache(b.DocumentID, session, cache.WithLogger(s.log))
	defer doc.Close()
	if err := doc.Load(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	act := actions.New(session, doc, s.log)
	if err := act.UpdateCell(ctx, blockID, rowID, column, value); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.log.Info("mcp: cell updated",
		slog.String("block_id", blockID), slog.String("row_id", rowID), slog.String("column", column))

	row, err := s.svc.GetRow(ctx, rowID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(row)
}

// decodeValue parses raw as JSON and falls back to the raw text.
func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func (s *Server) listProperties(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	props, err := s.svc.ListProperties(ctx, store.PropertyFilter{
		OrgID: org,
		Scope: models.PropertyScope(req.GetString("scope", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(nonNil(props))
}

func (s *Server) getTableModel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(TableModelContract), nil
}

func (s *Server) readTableModelResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      tableModelURI,
			MIMEType: "text/markdown",
			Text:     TableModelContract,
		},
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
