// Package reconcile keeps table block metadata and natural-field columns
// consistent across partial structural updates.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/starford/tessera/internal/models"
)

// BlockStore is the durable surface the reconciler needs. MergeBlockContent
// must apply merge to the current content atomically: a concurrent write
// between the read and the write makes it run merge again.
type BlockStore interface {
	MergeBlockContent(ctx context.Context, blockID string, merge func(json.RawMessage) (json.RawMessage, error)) (models.Block, error)
}

// MergeBlockMetadata merges partial into the stored block content. Fields
// present in partial replace the stored ones; absent fields and keys unknown
// to TableMetadata are preserved. Missing columns/rows default to empty lists.
func MergeBlockMetadata(stored json.RawMessage, partial models.PartialTableMetadata) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(stored) > 0 && string(stored) != "null" {
		if err := json.Unmarshal(stored, &fields); err != nil {
			return nil, fmt.Errorf("reconcile: decode stored metadata: %w", err)
		}
	}

	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("reconcile: encode %s: %w", key, err)
		}
		fields[key] = raw
		return nil
	}

	if partial.Columns != nil {
		if err := set("columns", nonNil(*partial.Columns)); err != nil {
			return nil, err
		}
	} else if isAbsent(fields["columns"]) {
		fields["columns"] = json.RawMessage("[]")
	}
	if partial.Rows != nil {
		if err := set("rows", nonNil(*partial.Rows)); err != nil {
			return nil, err
		}
	} else if isAbsent(fields["rows"]) {
		fields["rows"] = json.RawMessage("[]")
	}
	if partial.TableKind != nil {
		if err := set("tableKind", *partial.TableKind); err != nil {
			return nil, err
		}
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("reconcile: encode metadata: %w", err)
	}
	return out, nil
}

// Reconciler applies partial metadata updates against a BlockStore.
type Reconciler struct {
	store BlockStore
	log   *slog.Logger
}

// New returns a Reconciler. A nil logger falls back to slog.Default().
func New(store BlockStore, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, log: log}
}

// UpdateBlockMetadata merges partial into the block's stored content. A
// returned block whose columns differ from what was sent is logged as an
// error; the write itself is still reported as successful.
func (r *Reconciler) UpdateBlockMetadata(ctx context.Context, blockID string, partial models.PartialTableMetadata) (models.Block, error) {
	updated, err := r.store.MergeBlockContent(ctx, blockID, func(stored json.RawMessage) (json.RawMessage, error) {
		return MergeBlockMetadata(stored, partial)
	})
	if err != nil {
		return models.Block{}, fmt.Errorf("reconcile: update block metadata: %w", err)
	}

	if partial.Columns != nil {
		r.verifyColumns(blockID, *partial.Columns, updated)
	}
	return updated, nil
}

func (r *Reconciler) verifyColumns(blockID string, sent []models.ColumnMetadata, updated models.Block) {
	md, err := updated.TableMetadata()
	if err != nil {
		r.log.Error("reconcile: stored metadata unreadable after write",
			slog.String("block_id", blockID), slog.String("error", err.Error()))
		return
	}
	if !slices.Equal(nonNil(sent), nonNil(md.Columns)) {
		r.log.Error("reconcile: column metadata mismatch after write",
			slog.String("block_id", blockID),
			slog.Int("sent", len(sent)),
			slog.Int("stored", len(md.Columns)))
	}
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
