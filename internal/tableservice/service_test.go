package tableservice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/lock"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name()
	}
	return out
}

func (r *recorder) last(t *testing.T) models.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		t.Fatal("no events published")
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var alice = models.Identity{UserID: "u-alice", DisplayName: "Alice", ClientID: "c-alice"}
var bob = models.Identity{UserID: "u-bob", DisplayName: "Bob", ClientID: "c-bob"}

func setup(t *testing.T) (*Service, *recorder, models.Document) {
	t.Helper()
	rec := &recorder{}
	svc := NewService(testutil.TestStore(t), rec, lock.NewMemoryBackend())
	doc, err := svc.CreateDocument(context.Background(), models.Document{ProjectID: "p1", Name: "Spec"})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	return svc, rec, doc
}

func tableBlock(t *testing.T, svc *Service, docID string) models.Block {
	t.Helper()
	b, err := svc.CreateBlock(context.Background(), alice, models.Block{
		DocumentID: docID,
		Type:       models.BlockTypeTable,
		Position:   -1,
		Content:    json.RawMessage(`{"columns":[],"rows":[],"tableKind":"requirements"}`),
	})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	return b
}

func TestCreateBlockPublishesInsert(t *testing.T) {
	svc, rec, doc := setup(t)
	b := tableBlock(t, svc, doc.ID)

	ev := rec.last(t)
	if ev.Name() != "blocks.INSERT" || ev.OriginatorID != alice.ClientID || ev.DocumentID != doc.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
	ch, err := ev.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	bc, ok := ch.(models.BlockChange)
	if !ok || bc.Block.ID != b.ID || bc.Block.UpdatedBy != alice.UserID {
		t.Fatalf("decoded change = %+v", ch)
	}
}

func TestCreateBlockValidatesBeforeWrite(t *testing.T) {
	svc, rec, doc := setup(t)
	_, err := svc.CreateBlock(context.Background(), alice, models.Block{DocumentID: doc.ID, Type: "chart"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	blocks, _ := svc.ListBlocks(context.Background(), doc.ID)
	if len(blocks) != 0 || len(rec.names()) != 0 {
		t.Fatalf("write happened despite validation error")
	}
}

func TestUpdateBlockContentIfMatch(t *testing.T) {
	svc, _, doc := setup(t)
	ctx := context.Background()
	b := tableBlock(t, svc, doc.ID)

	_, err := svc.UpdateBlockContent(ctx, alice, b.ID, json.RawMessage(`{"columns":[]}`), "stale")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}

	sum := checksum.JSON(b.Content)
	updated, err := svc.UpdateBlockContent(ctx, alice, b.ID, json.RawMessage(`{"columns":[],"rows":[]}`), sum)
	if err != nil {
		t.Fatalf("UpdateBlockContent: %v", err)
	}
	if string(updated.Content) != `{"columns":[],"rows":[]}` {
		t.Errorf("content = %s", updated.Content)
	}
}

func TestUpdateBlockMetadataPreservesUnknownKeys(t *testing.T) {
	svc, rec, doc := setup(t)
	ctx := context.Background()
	b := tableBlock(t, svc, doc.ID)
	rec.reset()

	cols := []models.ColumnMetadata{{ColumnID: "c1", Position: 0, Width: 120}}
	updated, err := svc.UpdateBlockMetadata(ctx, alice, b.ID, models.PartialTableMetadata{Columns: &cols})
	if err != nil {
		t.Fatalf("UpdateBlockMetadata: %v", err)
	}
	md, err := updated.TableMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Columns) != 1 || md.Columns[0].ColumnID != "c1" || md.TableKind != "requirements" {
		t.Fatalf("metadata = %+v", md)
	}
	if names := rec.names(); len(names) != 1 || names[0] != "blocks.UPDATE" {
		t.Fatalf("events = %v", names)
	}
}

func TestUpdateBlockMetadataConcurrentWriters(t *testing.T) {
	svc, _, doc := setup(t)
	ctx := context.Background()
	b := tableBlock(t, svc, doc.ID)

	const n = 15
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	wg.Add(2)
	go func() {
		defer wg.Done()
		var cols []models.ColumnMetadata
		for i := 0; i < n; i++ {
			cols = append(cols, models.ColumnMetadata{ColumnID: "c" + string(rune('a'+i)), Position: i})
			list := append([]models.ColumnMetadata(nil), cols...)
			if _, err := svc.UpdateBlockMetadata(ctx, alice, b.ID, models.PartialTableMetadata{Columns: &list}); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		var rows []models.RowMetadata
		for i := 0; i < n; i++ {
			rows = append(rows, models.RowMetadata{RowID: "r" + string(rune('a'+i)), Position: i})
			list := append([]models.RowMetadata(nil), rows...)
			if _, err := svc.UpdateBlockMetadata(ctx, bob, b.ID, models.PartialTableMetadata{Rows: &list}); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("UpdateBlockMetadata: %v", err)
	}

	got, err := svc.GetBlock(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	md, err := got.TableMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Columns) != n || len(md.Rows) != n || md.TableKind != "requirements" {
		t.Errorf("columns = %d, rows = %d, kind = %q; a write was lost", len(md.Columns), len(md.Rows), md.TableKind)
	}
}

func TestCreateColumnInheritsProperty(t *testing.T) {
	svc, rec, doc := setup(t)
	ctx := context.Background()
	b := tableBlock(t, svc, doc.ID)

	p, err := svc.UpsertProperty(ctx, models.Property{
		Name: "Owner", Type: models.PropertyTypeSelect, Options: []string{"a", "b"},
		Scope: models.ScopeOrganization, OrgID: "org",
	})
	if err != nil {
		t.Fatalf("UpsertProperty: %v", err)
	}
	c, err := svc.CreateColumn(ctx, alice, models.Column{BlockID: b.ID, PropertyID: p.ID, Position: -1})
	if err != nil {
		t.Fatalf("CreateColumn: %v", err)
	}
	if c.Name != "Owner" || c.Type != models.PropertyTypeSelect || len(c.Options) != 2 {
		t.Fatalf("column snapshot = %+v", c)
	}
	if c.Width != models.DefaultColumnWidth {
		t.Errorf("width = %d, want default", c.Width)
	}
	ev := rec.last(t)
	if ev.Name() != "columns.INSERT" || ev.BlockID != b.ID || ev.DocumentID != doc.ID {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRowDeletePublishesOldImage(t *testing.T) {
	svc, rec, doc := setup(t)
	ctx := context.Background()
	b := tableBlock(t, svc, doc.ID)

	r, err := svc.CreateRow(ctx, alice, models.Row{BlockID: b.ID, Position: -1, Name: "Login"})
	if err != nil {
		t.Fatalf("CreateRow: %v", err)
	}
	if r.DocumentID != doc.ID {
		t.Fatalf("document id not derived from block: %+v", r)
	}
	if err := svc.DeleteRow(ctx, bob, r.ID); err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}
	ev := rec.last(t)
	if ev.Name() != "rows.DELETE" || ev.OriginatorID != bob.ClientID || len(ev.New) != 0 {
		t.Fatalf("event = %+v", ev)
	}
	ch, err := ev.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rc := ch.(models.RowChange); rc.Row.ID != r.ID {
		t.Fatalf("decoded = %+v", rc)
	}
}

func TestReorderPublishesOnlyMoved(t *testing.T) {
	svc, rec, doc := setup(t)
	ctx := context.Background()
	b := tableBlock(t, svc, doc.ID)

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := svc.CreateRow(ctx, alice, models.Row{BlockID: b.ID, Position: -1})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.ID)
	}
	rec.reset()

	rows, err := svc.ReorderRows(ctx, alice, b.ID, []models.Placement{
		{ID: ids[0], Position: 1}, {ID: ids[1], Position: 0},
	})
	if err != nil {
		t.Fatalf("ReorderRows: %v", err)
	}
	if rows[0].ID != ids[1] || rows[1].ID != ids[0] || rows[2].ID != ids[2] {
		t.Fatalf("order = %v", []string{rows[0].ID, rows[1].ID, rows[2].ID})
	}
	if n := len(rec.names()); n != 2 {
		t.Fatalf("published %d events, want 2", n)
	}

	_, err = svc.ReorderRows(ctx, alice, b.ID, []models.Placement{{ID: ids[0], Position: 0}, {ID: ids[1], Position: 0}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("duplicate positions: err = %v", err)
	}
}

func TestLocks(t *testing.T) {
	svc, rec, doc := setup(t)
	ctx := context.Background()

	l, err := svc.AcquireLock(ctx, alice, doc.ID, "row-1", "row")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if l.HolderID != alice.ClientID || l.ExpiresAt.IsZero() {
		t.Fatalf("lock = %+v", l)
	}
	if rec.last(t).Name() != "locks.INSERT" {
		t.Fatalf("missing lock event")
	}

	_, err = svc.AcquireLock(ctx, bob, doc.ID, "row-1", "row")
	var held *LockHeldError
	if !errors.As(err, &held) || !errors.Is(err, apperr.ErrLockHeld) {
		t.Fatalf("err = %v, want LockHeldError", err)
	}
	if held.Holder.HolderName != "Alice" {
		t.Errorf("holder = %+v", held.Holder)
	}

	// Bob cannot release Alice's lock.
	rec.reset()
	if err := svc.ReleaseLock(ctx, bob, doc.ID, "row-1"); err != nil {
		t.Fatal(err)
	}
	if len(rec.names()) != 0 {
		t.Fatal("foreign release published an event")
	}

	if err := svc.ReleaseLock(ctx, alice, doc.ID, "row-1"); err != nil {
		t.Fatal(err)
	}
	if rec.last(t).Name() != "locks.DELETE" {
		t.Fatal("missing release event")
	}
	if _, err := svc.LockHolder(ctx, "row-1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("LockHolder after release: %v", err)
	}
}

func TestLocksRequireDocument(t *testing.T) {
	svc, rec, _ := setup(t)
	ctx := context.Background()

	if _, err := svc.AcquireLock(ctx, alice, "", "row-1", "row"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("acquire without document: err = %v", err)
	}
	if err := svc.ReleaseLock(ctx, alice, "", "row-1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("release without document: err = %v", err)
	}
	if len(rec.names()) != 0 {
		t.Errorf("events = %v", rec.names())
	}
	if _, err := svc.LockHolder(ctx, "row-1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("lock taken despite validation error: %v", err)
	}
}
