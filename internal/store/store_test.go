package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	f, err := os.CreateTemp("", "tessera-store-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	s, err := Open(DriverSQLite, f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func positions[T interface{ GetPosition() int }](items []T) []int {
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.GetPosition()
	}
	return out
}

func assertDense(t *testing.T, got []int) {
	t.Helper()
	for i, p := range got {
		if p != i {
			t.Fatalf("positions = %v, want 0..%d", got, len(got)-1)
		}
	}
}

func TestSchemaCreation(t *testing.T) {
	s := testStore(t)
	for _, table := range []string{"documents", "blocks", "properties", "table_columns", "table_rows"} {
		var n int
		if err := s.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	if got := pg.rebind(`SELECT a FROM t WHERE x = ? AND y = ?`); got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Errorf("rebind = %q", got)
	}
	lite := &Store{driver: DriverSQLite}
	if got := lite.rebind(`x = ?`); got != `x = ?` {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDocumentLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d, err := s.CreateDocument(ctx, models.Document{ProjectID: "p1", Name: "Spec"})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if d.ID == "" {
		t.Fatal("expected generated id")
	}
	docs, err := s.ListDocuments(ctx, "p1")
	if err != nil || len(docs) != 1 {
		t.Fatalf("ListDocuments = %v, %v", docs, err)
	}
	if err := s.DeleteDocument(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := s.GetDocument(ctx, d.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetDocument after delete: %v", err)
	}
	if err := s.DeleteDocument(ctx, d.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestRowPositionsAppendAndCompact(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		r, err := s.InsertRow(ctx, models.Row{BlockID: "b1", DocumentID: "d1", Position: -1})
		if err != nil {
			t.Fatalf("InsertRow: %v", err)
		}
		if r.Position != i {
			t.Fatalf("row %d position = %d", i, r.Position)
		}
		ids = append(ids, r.ID)
	}

	deleted, err := s.DeleteRow(ctx, ids[1], "u1")
	if err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}
	if !deleted.IsDeleted || deleted.Position != 1 {
		t.Errorf("deleted = %+v", deleted)
	}
	rows, err := s.ListRows(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows", len(rows))
	}
	assertDense(t, positions(rows))
	if rows[1].ID != ids[2] {
		t.Errorf("rows[1] = %s, want %s", rows[1].ID, ids[2])
	}

	next, err := s.InsertRow(ctx, models.Row{BlockID: "b1", DocumentID: "d1", Position: -1})
	if err != nil {
		t.Fatal(err)
	}
	if next.Position != 3 {
		t.Errorf("appended position = %d, want 3", next.Position)
	}
}

func TestInsertAtPositionShiftsSiblings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.InsertColumn(ctx, models.Column{BlockID: "b1", PropertyID: "p", Position: -1}); err != nil {
			t.Fatal(err)
		}
	}
	c, err := s.InsertColumn(ctx, models.Column{BlockID: "b1", PropertyID: "p", Position: 1, Name: "Mid"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Position != 1 || c.Width != models.DefaultColumnWidth {
		t.Errorf("inserted = %+v", c)
	}
	cols, _ := s.ListColumns(ctx, "b1")
	assertDense(t, positions(cols))
	if cols[1].Name != "Mid" {
		t.Errorf("cols[1] = %+v", cols[1])
	}
}

func TestVirtualColumnRejected(t *testing.T) {
	s := testStore(t)
	if _, err := s.InsertColumn(context.Background(), models.Column{ID: "virtual:name", BlockID: "b1", IsVirtual: true}); err == nil {
		t.Fatal("expected error for virtual column")
	}
}

func TestColumnUpdateDeleteReorder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	var cols []models.Column
	for _, name := range []string{"A", "B", "C"} {
		c, err := s.InsertColumn(ctx, models.Column{BlockID: "b1", PropertyID: "p-" + name, Name: name, Position: -1})
		if err != nil {
			t.Fatal(err)
		}
		cols = append(cols, c)
	}

	width := 320
	opts := []string{"x", "y"}
	updated, err := s.UpdateColumn(ctx, cols[0].ID, models.ColumnPatch{Width: &width, Options: &opts})
	if err != nil {
		t.Fatalf("UpdateColumn: %v", err)
	}
	if updated.Width != 320 || len(updated.Options) != 2 || updated.Name != "A" {
		t.Errorf("updated = %+v", updated)
	}

	reordered, err := s.ReorderColumns(ctx, "b1", []models.Placement{
		{ID: cols[0].ID, Position: 2}, {ID: cols[1].ID, Position: 0}, {ID: cols[2].ID, Position: 1},
	})
	if err != nil {
		t.Fatalf("ReorderColumns: %v", err)
	}
	if reordered[0].Name != "B" || reordered[2].Name != "A" {
		t.Errorf("order = %s %s %s", reordered[0].Name, reordered[1].Name, reordered[2].Name)
	}

	if _, err := s.DeleteColumn(ctx, cols[1].ID); err != nil {
		t.Fatalf("DeleteColumn: %v", err)
	}
	left, _ := s.ListColumns(ctx, "b1")
	assertDense(t, positions(left))
	if len(left) != 2 || left[0].Name != "C" {
		t.Errorf("left = %+v", left)
	}

	if _, err := s.ReorderColumns(ctx, "b1", []models.Placement{{ID: "missing", Position: 0}}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("reorder unknown id: %v", err)
	}
}

func TestReorderRows_PartialIsMove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		r, err := s.InsertRow(ctx, models.Row{BlockID: "b1", DocumentID: "d1", Name: name, Position: -1})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.ID)
	}

	rows, err := s.ReorderRows(ctx, "b1", []models.Placement{{ID: ids[0], Position: 2}})
	if err != nil {
		t.Fatalf("ReorderRows: %v", err)
	}
	assertDense(t, positions(rows))
	if got := rows[0].Name + rows[1].Name + rows[2].Name; got != "bca" {
		t.Errorf("order = %s, want bca", got)
	}

	if _, err := s.ReorderRows(ctx, "b1", []models.Placement{{ID: ids[0], Position: 99}}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("out of range: err = %v, want validation", err)
	}
	after, _ := s.ListRows(ctx, "b1")
	assertDense(t, positions(after))
	if after[2].Name != "a" {
		t.Errorf("rejected reorder changed order: %+v", after)
	}
}

func TestBlockContentRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b, err := s.InsertBlock(ctx, models.Block{DocumentID: "d1", Type: models.BlockTypeTable, Position: -1,
		Content: json.RawMessage(`{"columns":[],"rows":[],"tableKind":"requirements"}`)})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.MergeBlockContent(ctx, b.ID, func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"columns":[{"columnId":"c1","position":0}],"rows":[],"tableKind":"requirements"}`), nil
	}, "u1")
	if err != nil {
		t.Fatalf("MergeBlockContent: %v", err)
	}
	md, err := got.TableMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if md.TableKind != "requirements" || len(md.Columns) != 1 || got.UpdatedBy != "u1" {
		t.Errorf("block = %+v", got)
	}

	if _, err := s.DeleteBlock(ctx, b.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetBlock(ctx, b.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetBlock after delete: %v", err)
	}
}

func TestMergeBlockContentRetriesOnConcurrentWrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b, err := s.InsertBlock(ctx, models.Block{DocumentID: "d1", Type: models.BlockTypeTable, Position: -1,
		Content: json.RawMessage(`{"columns":[],"rows":[]}`)})
	if err != nil {
		t.Fatal(err)
	}

	setKey := func(key, value string) func(json.RawMessage) (json.RawMessage, error) {
		return func(stored json.RawMessage) (json.RawMessage, error) {
			fields := map[string]json.RawMessage{}
			if err := json.Unmarshal(stored, &fields); err != nil {
				return nil, err
			}
			fields[key] = json.RawMessage(value)
			return json.Marshal(fields)
		}
	}

	// The rows write lands between the columns writer's read and write.
	calls := 0
	columns := setKey("columns", `[{"columnId":"c1","position":0}]`)
	got, err := s.MergeBlockContent(ctx, b.ID, func(stored json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			if _, err := s.MergeBlockContent(ctx, b.ID, setKey("rows", `[{"rowId":"r1","position":0}]`), "u2"); err != nil {
				t.Fatalf("rows write: %v", err)
			}
		}
		return columns(stored)
	}, "u1")
	if err != nil {
		t.Fatalf("MergeBlockContent: %v", err)
	}
	if calls != 2 {
		t.Errorf("merge ran %d times, want 2", calls)
	}
	md, err := got.TableMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Columns) != 1 || len(md.Rows) != 1 {
		t.Errorf("metadata = %+v, want both writes", md)
	}
	stored, _ := s.GetBlock(ctx, b.ID)
	if string(stored.Content) != string(got.Content) {
		t.Errorf("stored = %s, returned = %s", stored.Content, got.Content)
	}

	boom := errors.New("boom")
	if _, err := s.MergeBlockContent(ctx, b.ID, func(json.RawMessage) (json.RawMessage, error) { return nil, boom }, "u1"); !errors.Is(err, boom) {
		t.Errorf("merge error = %v", err)
	}
}

func TestRowUpdateMergesProperties(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r, err := s.InsertRow(ctx, models.Row{BlockID: "b1", DocumentID: "d1", Position: -1, Properties: map[string]models.PropertyValue{
		"name":  {Key: "name", Type: models.PropertyTypeText, Value: "Login"},
		"owner": {Key: "owner", Type: models.PropertyTypeUser, Value: "ann"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	status := "done"
	got, err := s.UpdateRow(ctx, r.ID, models.RowPatch{
		Status:     &status,
		Properties: map[string]models.PropertyValue{"owner": {Key: "owner", Type: models.PropertyTypeUser, Value: "bob"}},
	}, "u2")
	if err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if got.Status != "done" || got.Properties["owner"].Value != "bob" || got.Properties["name"].Value != "Login" {
		t.Errorf("row = %+v", got)
	}
	if _, err := s.UpdateRow(ctx, "missing", models.RowPatch{}, "u2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("update missing: %v", err)
	}
}

func TestPropertiesByScope(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	project := "proj-1"
	if _, err := s.UpsertProperty(ctx, models.Property{ID: "p1", Name: "Status", Type: models.PropertyTypeSelect,
		Options: []string{"open"}, Scope: models.ScopeOrganization, OrgID: "o1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertProperty(ctx, models.Property{ID: "p2", Name: "Effort", Type: models.PropertyTypeNumber,
		Scope: models.ScopeProject, OrgID: "o1", ProjectID: &project}); err != nil {
		t.Fatal(err)
	}
	p, err := s.UpsertProperty(ctx, models.Property{ID: "p1", Name: "Status", Type: models.PropertyTypeSelect,
		Options: []string{"open", "done"}, Scope: models.ScopeOrganization, OrgID: "o1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Options) != 2 {
		t.Errorf("options = %v", p.Options)
	}

	org, err := s.ListProperties(ctx, PropertyFilter{OrgID: "o1", Scope: models.ScopeOrganization})
	if err != nil || len(org) != 1 {
		t.Fatalf("org properties = %v, %v", org, err)
	}
	proj, _ := s.ListProperties(ctx, PropertyFilter{ProjectID: project})
	if len(proj) != 1 || proj[0].ProjectID == nil || *proj[0].ProjectID != project {
		t.Errorf("project properties = %+v", proj)
	}
	if err := s.DeleteProperty(ctx, "p2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetProperty(ctx, "p2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetProperty after delete: %v", err)
	}
}
