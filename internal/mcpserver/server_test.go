package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/tessera/internal/lock"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/notify"
	"github.com/starford/tessera/internal/tableservice"
	"github.com/starford/tessera/internal/testutil"
)

var agent = models.Identity{UserID: "mcp", DisplayName: "Assistant", ClientID: "mcp-test"}
var alice = models.Identity{UserID: "u-alice", DisplayName: "Alice", ClientID: "c-alice"}

type fixture struct {
	srv   *Server
	svc   *tableservice.Service
	hub   *notify.Hub
	doc   models.Document
	block models.Block
	row   models.Row
}

func testServer(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	hub := notify.NewHub(time.Minute, log)
	t.Cleanup(hub.Close)
	svc := tableservice.NewService(testutil.TestStore(t), hub, lock.NewMemoryBackend(), tableservice.WithLogger(log))

	doc, err := svc.CreateDocument(ctx, models.Document{ProjectID: "p1", Name: "Spec"})
	if err != nil {
		t.Fatal(err)
	}
	block, err := svc.CreateBlock(ctx, alice, models.Block{
		DocumentID: doc.ID,
		Type:       models.BlockTypeTable,
		Content:    json.RawMessage(`{"columns":[],"rows":[],"tableKind":"requirements"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	row, err := svc.CreateRow(ctx, alice, models.Row{BlockID: block.ID, Name: "Login", Status: "todo"})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: New(svc, agent, log), svc: svc, hub: hub, doc: doc, block: block, row: row}
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_documents":
		result, err = srv.listDocuments(ctx, req)
	case "list_blocks":
		result, err = srv.listBlocks(ctx, req)
	case "read_table":
		result, err = srv.readTable(ctx, req)
	case "update_cell":
		result, err = srv.updateCell(ctx, req)
	case "list_properties":
		result, err = srv.listProperties(ctx, req)
	case "get_table_model":
		result, err = srv.getTableModel(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decodeResult[T any](t *testing.T, r *mcp.CallToolResult) T {
	t.Helper()
	if r.IsError {
		t.Fatalf("tool failed: %s", resultText(r))
	}
	var v T
	if err := json.Unmarshal([]byte(resultText(r)), &v); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
	return v
}

func TestListDocumentsAndBlocks(t *testing.T) {
	f := testServer(t)

	docs := decodeResult[[]models.Document](t, callTool(t, f.srv, "list_documents", map[string]any{"project_id": "p1"}))
	if len(docs) != 1 || docs[0].ID != f.doc.ID {
		t.Fatalf("documents = %+v", docs)
	}

	blocks := decodeResult[[]models.Block](t, callTool(t, f.srv, "list_blocks", map[string]any{"document_id": f.doc.ID}))
	if len(blocks) != 1 || blocks[0].ID != f.block.ID {
		t.Fatalf("blocks = %+v", blocks)
	}
}

func TestListBlocks_MissingArgument(t *testing.T) {
	f := testServer(t)
	r := callTool(t, f.srv, "list_blocks", map[string]any{})
	if !r.IsError {
		t.Error("expected error without document_id")
	}
}

func TestReadTable_RequirementsShowNaturalFields(t *testing.T) {
	f := testServer(t)
	view := decodeResult[TableView](t, callTool(t, f.srv, "read_table", map[string]any{"block_id": f.block.ID}))

	if len(view.Rows) != 1 || view.Rows[0].Name != "Login" {
		t.Fatalf("rows = %+v", view.Rows)
	}
	ids := map[string]bool{}
	for _, c := range view.Columns {
		ids[c.ID] = true
	}
	for _, want := range []string{"virtual:identifier", "virtual:name", "virtual:description", "virtual:status", "virtual:priority"} {
		if !ids[want] {
			t.Errorf("missing column %s in %+v", want, view.Columns)
		}
	}
}

func TestReadTable_NotATable(t *testing.T) {
	f := testServer(t)
	text, err := f.svc.CreateBlock(context.Background(), alice, models.Block{
		DocumentID: f.doc.ID,
		Type:       models.BlockTypeText,
		Content:    json.RawMessage(`{"text":"hello"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	r := callTool(t, f.srv, "read_table", map[string]any{"block_id": text.ID})
	if !r.IsError || !strings.Contains(resultText(r), "not a table") {
		t.Errorf("result = %q, want not a table error", resultText(r))
	}
}

func TestUpdateCell_NaturalFieldBroadcast(t *testing.T) {
	f := testServer(t)
	events := f.hub.Subscribe(f.doc.ID)
	defer f.hub.Unsubscribe(events)

	row := decodeResult[models.Row](t, callTool(t, f.srv, "update_cell", map[string]any{
		"block_id": f.block.ID,
		"row_id":   f.row.ID,
		"column":   "virtual:status",
		"value":    `"done"`,
	}))
	if row.Status != "done" {
		t.Errorf("status = %q, want done", row.Status)
	}
	if pv := row.Properties["status"]; pv.String() != "done" {
		t.Errorf("status envelope = %+v, want done", pv)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Name() != "rows.UPDATE" {
				continue
			}
			if ev.OriginatorID != agent.ClientID {
				t.Errorf("originator = %q, want %q", ev.OriginatorID, agent.ClientID)
			}
			return
		case <-timeout:
			t.Fatal("no rows.UPDATE broadcast")
		}
	}
}

func TestUpdateCell_PropertyColumn(t *testing.T) {
	f := testServer(t)
	ctx := context.Background()

	prop, err := f.svc.UpsertProperty(ctx, models.Property{
		Name: "Estimate", Type: models.PropertyTypeNumber, Scope: models.ScopeOrganization, OrgID: "acme",
	})
	if err != nil {
		t.Fatal(err)
	}
	col, err := f.svc.CreateColumn(ctx, alice, models.Column{BlockID: f.block.ID, PropertyID: prop.ID})
	if err != nil {
		t.Fatal(err)
	}

	row := decodeResult[models.Row](t, callTool(t, f.srv, "update_cell", map[string]any{
		"block_id": f.block.ID,
		"row_id":   f.row.ID,
		"column":   col.ID,
		"value":    "5",
	}))
	pv, ok := row.Properties[prop.ID]
	if !ok {
		t.Fatalf("properties = %+v, want key %s", row.Properties, prop.ID)
	}
	if n, _ := pv.Value.(float64); n != 5 {
		t.Errorf("value = %#v, want 5", pv.Value)
	}
	if row.Name != "Login" {
		t.Errorf("name = %q, natural fields must be untouched", row.Name)
	}
}

func TestUpdateCell_UnknownColumn(t *testing.T) {
	f := testServer(t)
	r := callTool(t, f.srv, "update_cell", map[string]any{
		"block_id": f.block.ID,
		"row_id":   f.row.ID,
		"column":   "nope",
		"value":    "x",
	})
	if !r.IsError {
		t.Error("expected error for unknown column")
	}
}

func TestDecodeValue(t *testing.T) {
	if v := decodeValue(`"done"`); v != "done" {
		t.Errorf("quoted = %#v", v)
	}
	if v := decodeValue(`plain words`); v != "plain words" {
		t.Errorf("bare = %#v", v)
	}
	if v, ok := decodeValue(`true`).(bool); !ok || !v {
		t.Errorf("bool = %#v", v)
	}
}

func TestListProperties(t *testing.T) {
	f := testServer(t)
	if _, err := f.svc.UpsertProperty(context.Background(), models.Property{
		Name: "Owner", Type: models.PropertyTypeUser, Scope: models.ScopeOrganization, OrgID: "acme",
	}); err != nil {
		t.Fatal(err)
	}
	props := decodeResult[[]models.Property](t, callTool(t, f.srv, "list_properties", map[string]any{"org_id": "acme"}))
	if len(props) != 1 || props[0].Name != "Owner" {
		t.Fatalf("properties = %+v", props)
	}
	empty := decodeResult[[]models.Property](t, callTool(t, f.srv, "list_properties", map[string]any{"org_id": "other"}))
	if empty == nil || len(empty) != 0 {
		t.Errorf("other org = %#v, want empty list", empty)
	}
}

func TestTableModel(t *testing.T) {
	f := testServer(t)
	if text := resultText(callTool(t, f.srv, "get_table_model", nil)); !strings.Contains(text, "natural fields") {
		t.Errorf("contract text missing natural fields section")
	}
	contents, err := f.srv.readTableModelResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil || len(contents) != 1 {
		t.Fatalf("resource = %v, %v", contents, err)
	}
	if tc, ok := contents[0].(mcp.TextResourceContents); !ok || tc.URI != tableModelURI {
		t.Errorf("resource contents = %+v", contents[0])
	}
}
