package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/tessera/internal/models"
)

const propertyCols = `id, name, type, options, scope, org_id, project_id, document_id, created_at, updated_at`

// PropertyFilter narrows ListProperties. Empty fields match everything.
type PropertyFilter struct {
	OrgID      string
	Scope      models.PropertyScope
	ProjectID  string
	DocumentID string
}

func scanProperty(sc scanner) (models.Property, error) {
	var (
		p          models.Property
		options    string
		project    sql.NullString
		documentID sql.NullString
	)
	if err := sc.Scan(&p.ID, &p.Name, &p.Type, &options, &p.Scope, &p.OrgID, &project, &documentID,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Property{}, err
	}
	if err := decodeOptions(options, &p.Options); err != nil {
		return models.Property{}, fmt.Errorf("store: property %s options: %w", p.ID, err)
	}
	if project.Valid {
		p.ProjectID = &project.String
	}
	if documentID.Valid {
		p.DocumentID = &documentID.String
	}
	return p, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// UpsertProperty inserts or replaces a property definition, keeping the
// original creation time.
func (s *Store) UpsertProperty(ctx context.Context, p models.Property) (models.Property, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	_, err := s.exec(ctx, s.conn, `
		INSERT INTO properties (`+propertyCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name        = excluded.name,
			type        = excluded.type,
			options     = excluded.options,
			scope       = excluded.scope,
			org_id      = excluded.org_id,
			project_id  = excluded.project_id,
			document_id = excluded.document_id,
			updated_at  = excluded.updated_at
	`, p.ID, p.Name, string(p.Type), encodeOptions(p.Options), string(p.Scope), p.OrgID,
		nullable(p.ProjectID), nullable(p.DocumentID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return models.Property{}, fmt.Errorf("store: upsert property: %w", err)
	}
	return s.GetProperty(ctx, p.ID)
}

// GetProperty returns one property.
func (s *Store) GetProperty(ctx context.Context, id string) (models.Property, error) {
	p, err := scanProperty(s.queryRow(ctx, s.conn, `SELECT `+propertyCols+` FROM properties WHERE id = ?`, id))
	if err != nil {
		return models.Property{}, notFound(err, "property", id)
	}
	return p, nil
}

// ListProperties returns properties matching f ordered by name.
func (s *Store) ListProperties(ctx context.Context, f PropertyFilter) ([]models.Property, error) {
	q := `SELECT ` + propertyCols + ` FROM properties WHERE 1 = 1`
	var args []any
	if f.OrgID != "" {
		q += ` AND org_id = ?`
		args = append(args, f.OrgID)
	}
	if f.Scope != "" {
		q += ` AND scope = ?`
		args = append(args, string(f.Scope))
	}
	if f.ProjectID != "" {
		q += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.DocumentID != "" {
		q += ` AND document_id = ?`
		args = append(args, f.DocumentID)
	}
	rows, err := s.query(ctx, s.conn, q+` ORDER BY name, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list properties: %w", err)
	}
	defer rows.Close()

	var out []models.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProperty removes a property definition. Columns keep their snapshot.
func (s *Store) DeleteProperty(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.conn, `DELETE FROM properties WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete property: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "property", id)
	}
	return nil
}
