package cache

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

// fakeRows is an in-memory authoritative row list.
type fakeRows struct {
	mu   sync.Mutex
	rows []models.Row
}

func (f *fakeRows) fetch(context.Context) ([]models.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Row(nil), f.rows...), nil
}

func seeded(t *testing.T, n int) (*Collection[models.Row], *fakeRows) {
	t.Helper()
	f := &fakeRows{}
	for i := 0; i < n; i++ {
		f.rows = append(f.rows, models.Row{ID: string(rune('a' + i)), BlockID: "b1", Position: i})
	}
	c := NewCollection("rows", f.fetch, WithWriteTimeout(200*time.Millisecond))
	t.Cleanup(c.Close)
	if err := c.Revalidate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c, f
}

func positionsOf(rows []models.Row) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = r.Position
	}
	return out
}

func idsOf(rows []models.Row) string {
	s := ""
	for _, r := range rows {
		s += r.ID
	}
	return s
}

var errWrite = errors.New("write rejected")

func TestCreateAppliesBeforeWrite(t *testing.T) {
	c, f := seeded(t, 3)
	seen := make(chan int, 1)

	row := models.Row{ID: "z", BlockID: "b1", Position: c.NextPosition()}
	got, err := c.Create(context.Background(), row, func(context.Context) (models.Row, error) {
		seen <- c.Len()
		f.mu.Lock()
		f.rows = append(f.rows, row)
		f.mu.Unlock()
		return row, nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n := <-seen; n != 4 {
		t.Errorf("len during write = %d, want 4", n)
	}
	if got.Position != 3 {
		t.Errorf("position = %d, want 3", got.Position)
	}
	if ids := idsOf(c.Items()); ids != "abcz" {
		t.Errorf("ids = %q", ids)
	}
}

func TestFailedMutationRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	c, _ := seeded(t, 4)
	before := c.Items()
	fail := func(context.Context) (models.Row, error) { return models.Row{}, errWrite }

	if _, err := c.Create(ctx, models.Row{ID: "z", Position: 1}, fail); !errors.Is(err, errWrite) {
		t.Fatalf("Create err = %v", err)
	}
	if !reflect.DeepEqual(c.Items(), before) {
		t.Errorf("after failed create: %+v", c.Items())
	}

	if _, err := c.Update(ctx, "b", func(r models.Row) models.Row { r.Name = "x"; return r }, fail); !errors.Is(err, errWrite) {
		t.Fatalf("Update err = %v", err)
	}
	if !reflect.DeepEqual(c.Items(), before) {
		t.Errorf("after failed update: %+v", c.Items())
	}

	if err := c.Delete(ctx, "b", func(context.Context) error { return errWrite }); !errors.Is(err, errWrite) {
		t.Fatalf("Delete err = %v", err)
	}
	if !reflect.DeepEqual(c.Items(), before) {
		t.Errorf("after failed delete: %+v", c.Items())
	}

	err := c.Reorder(ctx, []models.Placement{{ID: "a", Position: 3}, {ID: "d", Position: 0}},
		func(context.Context) ([]models.Row, error) { return nil, errWrite })
	if !errors.Is(err, errWrite) {
		t.Fatalf("Reorder err = %v", err)
	}
	if !reflect.DeepEqual(c.Items(), before) {
		t.Errorf("after failed reorder: %+v", c.Items())
	}
}

func TestDeleteCompactsPositions(t *testing.T) {
	c, f := seeded(t, 4)
	err := c.Delete(context.Background(), "b", func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.rows = []models.Row{{ID: "a", Position: 0}, {ID: "c", Position: 1}, {ID: "d", Position: 2}}
		return nil
	})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	items := c.Items()
	if got := positionsOf(items); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Errorf("positions = %v", got)
	}
	if idsOf(items) != "acd" {
		t.Errorf("ids = %q", idsOf(items))
	}
}

func TestReorderResorts(t *testing.T) {
	c, f := seeded(t, 3)
	err := c.Reorder(context.Background(),
		[]models.Placement{{ID: "a", Position: 2}, {ID: "b", Position: 0}, {ID: "c", Position: 1}},
		func(context.Context) ([]models.Row, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.rows = []models.Row{{ID: "b", Position: 0}, {ID: "c", Position: 1}, {ID: "a", Position: 2}}
			return nil, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if ids := idsOf(c.Items()); ids != "bca" {
		t.Errorf("order = %q, want bca", ids)
	}
}

func TestReorderPartialRenumbersSiblings(t *testing.T) {
	c, f := seeded(t, 3)
	err := c.Reorder(context.Background(), []models.Placement{{ID: "a", Position: 2}},
		func(context.Context) ([]models.Row, error) {
			if got := positionsOf(c.Items()); !reflect.DeepEqual(got, []int{0, 1, 2}) {
				t.Errorf("optimistic positions = %v", got)
			}
			if ids := idsOf(c.Items()); ids != "bca" {
				t.Errorf("optimistic order = %q, want bca", ids)
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			f.rows = []models.Row{{ID: "b", Position: 0}, {ID: "c", Position: 1}, {ID: "a", Position: 2}}
			return nil, nil
		})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
}

func TestReorderRejectsOutOfRange(t *testing.T) {
	c, _ := seeded(t, 3)
	before := c.Items()
	called := false
	write := func(context.Context) ([]models.Row, error) { called = true; return nil, nil }

	for _, ps := range [][]models.Placement{
		{{ID: "a", Position: 99}},
		{{ID: "zz", Position: 0}},
	} {
		if err := c.Reorder(context.Background(), ps, write); err == nil {
			t.Errorf("Reorder(%v) succeeded", ps)
		}
	}
	if called {
		t.Error("write ran for a rejected reorder")
	}
	if !reflect.DeepEqual(c.Items(), before) {
		t.Errorf("items changed: %+v", c.Items())
	}
}

func TestUpdateUnknownFailsWithoutWrite(t *testing.T) {
	c, _ := seeded(t, 1)
	called := false
	_, err := c.Update(context.Background(), "nope", func(r models.Row) models.Row { return r },
		func(context.Context) (models.Row, error) { called = true; return models.Row{}, nil })
	if !errors.Is(err, apperr.ErrNotFound) || called {
		t.Errorf("err = %v, called = %v", err, called)
	}
}

func TestWriteTimeoutRollsBack(t *testing.T) {
	c, _ := seeded(t, 2)
	before := c.Items()
	_, err := c.Update(context.Background(), "a", func(r models.Row) models.Row { r.Name = "slow"; return r },
		func(ctx context.Context) (models.Row, error) {
			<-ctx.Done()
			return models.Row{}, ctx.Err()
		})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if !reflect.DeepEqual(c.Items(), before) {
		t.Errorf("items = %+v", c.Items())
	}
}

func TestSavesForSameEntityAreSerialized(t *testing.T) {
	c, _ := seeded(t, 1)
	var inFlight, maxInFlight atomic.Int32
	write := func(context.Context) (models.Row, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return models.Row{ID: "a"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Update(context.Background(), "a", func(r models.Row) models.Row { return r }, write)
		}()
	}
	wg.Wait()
	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent writes = %d, want 1", maxInFlight.Load())
	}
	if c.Pending("a") {
		t.Error("save slot not released")
	}
}

func TestApplyRemoteEvents(t *testing.T) {
	c, _ := seeded(t, 3)

	if c.ApplyInsert(models.Row{ID: "a", Position: 0}) {
		t.Error("duplicate insert applied")
	}
	if !c.ApplyInsert(models.Row{ID: "z", Position: 1}) {
		t.Error("insert not applied")
	}
	if ids := idsOf(c.Items()); ids != "azbc" {
		t.Errorf("after insert = %q", ids)
	}
	if got := positionsOf(c.Items()); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Errorf("positions = %v", got)
	}

	if !c.ApplyUpdate("b", json.RawMessage(`{"name":"Login","position":2}`)) {
		t.Error("update not applied")
	}
	if r, _ := c.Get("b"); r.Name != "Login" || r.BlockID != "b1" {
		t.Errorf("merged row = %+v", r)
	}
	if c.ApplyUpdate("ghost", json.RawMessage(`{"name":"x"}`)) {
		t.Error("update of unknown id applied")
	}
	if c.Len() != 4 {
		t.Errorf("len = %d", c.Len())
	}

	if !c.ApplyDelete("z") || c.ApplyDelete("z") {
		t.Error("delete should apply exactly once")
	}
	if got := positionsOf(c.Items()); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Errorf("positions after delete = %v", got)
	}
}

func TestPositionDensityAfterSequence(t *testing.T) {
	ctx := context.Background()
	// The authoritative list mirrors whatever the cache holds, so background
	// revalidation never disturbs the sequence.
	var c *Collection[models.Row]
	c = NewCollection("rows", func(context.Context) ([]models.Row, error) { return c.Items(), nil })
	defer c.Close()
	ok := func(r models.Row) func(context.Context) (models.Row, error) {
		return func(context.Context) (models.Row, error) { return r, nil }
	}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r := models.Row{ID: id, Position: c.NextPosition()}
		if _, err := c.Create(ctx, r, ok(r)); err != nil {
			t.Fatal(err)
		}
	}
	_ = c.Delete(ctx, "b", func(context.Context) error { return nil })
	_ = c.Reorder(ctx, []models.Placement{{ID: "e", Position: 0}, {ID: "a", Position: 3}, {ID: "c", Position: 1}, {ID: "d", Position: 2}},
		func(context.Context) ([]models.Row, error) { return nil, nil })
	_ = c.Delete(ctx, "c", func(context.Context) error { return nil })
	mid := models.Row{ID: "m", Position: 1}
	_, _ = c.Create(ctx, mid, ok(mid))

	got := positionsOf(c.Items())
	for i, p := range got {
		if p != i {
			t.Fatalf("positions = %v", got)
		}
	}
}

func TestOnChangeCallback(t *testing.T) {
	var calls atomic.Int32
	c := NewCollection("rows", (&fakeRows{}).fetch, WithOnChange(func() { calls.Add(1) }))
	defer c.Close()
	c.ApplyInsert(models.Row{ID: "a"})
	if calls.Load() == 0 {
		t.Error("OnChange not called")
	}
}
