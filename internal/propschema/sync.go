package propschema

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

// Sink receives property definitions. *tableservice.Service satisfies it.
type Sink interface {
	UpsertProperty(ctx context.Context, p models.Property) (models.Property, error)
	DeleteProperty(ctx context.Context, id string) error
}

// Result counts the changes made by one Sync pass.
type Result struct {
	Upserted int
	Deleted  int
	Failed   int
}

// Syncer mirrors the schema directory into a Sink. It remembers, per file,
// the checksum last applied and the ids it declared, so unchanged files are
// skipped and properties dropped from a file are deleted.
type Syncer struct {
	dir  *Dir
	sink Sink
	log  *slog.Logger

	mu    sync.Mutex
	files map[string]applied
}

type applied struct {
	checksum string
	ids      []string
}

// NewSyncer creates a Syncer. A nil logger means slog.Default().
func NewSyncer(dir *Dir, sink Sink, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{dir: dir, sink: sink, log: log, files: make(map[string]applied)}
}

// Sync walks the directory and brings the sink up to date:
//   - new/changed files are parsed and their properties upserted
//   - properties of removed files, or removed from a file, are deleted
//
// A file that fails to read or parse is logged and left as last applied.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	files, err := s.dir.List()
	if err != nil {
		return res, err
	}

	disk := make(map[string]struct{}, len(files))
	for _, f := range files {
		disk[f.Path] = struct{}{}
		if s.files[f.Path].checksum == f.Checksum {
			continue
		}
		s.apply(ctx, f, &res)
	}

	for p, prev := range s.files {
		if _, ok := disk[p]; ok {
			continue
		}
		res.Deleted += s.deleteAll(ctx, p, prev.ids)
		delete(s.files, p)
		s.log.Debug("propschema: removed file", slog.String("path", p))
	}
	return res, ctx.Err()
}

func (s *Syncer) apply(ctx context.Context, f File, res *Result) {
	data, err := s.dir.Read(f.Path)
	if err != nil {
		s.log.Warn("propschema: read failed", slog.String("path", f.Path), slog.String("error", err.Error()))
		res.Failed++
		return
	}
	props, err := Parse(data)
	if err != nil {
		s.log.Warn("propschema: parse failed", slog.String("path", f.Path), slog.String("error", err.Error()))
		res.Failed++
		return
	}

	ids := make([]string, 0, len(props))
	keep := make(map[string]bool, len(props))
	for _, p := range props {
		if _, err := s.sink.UpsertProperty(ctx, p); err != nil {
			s.log.Warn("propschema: upsert failed",
				slog.String("path", f.Path), slog.String("property_id", p.ID), slog.String("error", err.Error()))
			res.Failed++
			return
		}
		ids = append(ids, p.ID)
		keep[p.ID] = true
		res.Upserted++
	}

	var dropped []string
	for _, id := range s.files[f.Path].ids {
		if !keep[id] {
			dropped = append(dropped, id)
		}
	}
	res.Deleted += s.deleteAll(ctx, f.Path, dropped)

	s.files[f.Path] = applied{checksum: f.Checksum, ids: ids}
	s.log.Debug("propschema: applied", slog.String("path", f.Path), slog.Int("properties", len(ids)))
}

func (s *Syncer) deleteAll(ctx context.Context, path string, ids []string) int {
	n := 0
	for _, id := range ids {
		if s.claimed(id, path) {
			continue
		}
		err := s.sink.DeleteProperty(ctx, id)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn("propschema: delete failed",
				slog.String("path", path), slog.String("property_id", id), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n
}

// claimed reports whether a file other than path last declared id.
func (s *Syncer) claimed(id, path string) bool {
	for p, a := range s.files {
		if p == path {
			continue
		}
		for _, other := range a.ids {
			if other == id {
				return true
			}
		}
	}
	return false
}
