// Package propschema loads organization property definitions from YAML
// files and keeps the property store in step with them.
package propschema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/models"
)

// File is one schema file found under the schema directory.
type File struct {
	Path     string // relative to the directory root
	Checksum string
}

// Dir reads schema files from a local directory.
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at root, which must exist.
func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("propschema: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("propschema: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("propschema: root is not a directory: %s", abs)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute directory path.
func (d *Dir) Root() string { return d.root }

// IsSchemaFile reports whether name has a YAML extension.
func IsSchemaFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// List walks the directory and returns every schema file with its checksum.
func (d *Dir) List() ([]File, error) {
	var out []File
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if e.IsDir() || !IsSchemaFile(e.Name()) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(d.root, p)
		out = append(out, File{Path: rel, Checksum: checksum.Sum(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("propschema: list: %w", err)
	}
	return out, nil
}

// Read returns the raw bytes of the schema file at rel.
func (d *Dir) Read(rel string) ([]byte, error) {
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return nil, fmt.Errorf("propschema: path escapes root: %s", rel)
	}
	data, err := os.ReadFile(filepath.Join(d.root, cleaned))
	if err != nil {
		return nil, fmt.Errorf("propschema: read %s: %w", rel, err)
	}
	return data, nil
}

type fileSchema struct {
	OrgID      string        `yaml:"org_id"`
	Properties []propertyDef `yaml:"properties"`
}

type propertyDef struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Options    []string `yaml:"options"`
	Scope      string   `yaml:"scope"`
	OrgID      string   `yaml:"org_id"`
	ProjectID  string   `yaml:"project_id"`
	DocumentID string   `yaml:"document_id"`
}

// schemaNamespace seeds the ids of properties declared without one.
var schemaNamespace = uuid.MustParse("6f1c1a52-3d0e-4c57-9b8e-52f0a4f1d3a7")

// Parse decodes a schema file. The file-level org_id applies to every
// property that does not set its own; scope defaults to organization.
// Properties without an id get one derived from their org and name, so a
// re-parse yields the same id.
func Parse(data []byte) ([]models.Property, error) {
	var schema fileSchema
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&schema); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperr.Validation(fmt.Errorf("propschema: decode: %w", err))
	}

	out := make([]models.Property, 0, len(schema.Properties))
	seen := make(map[string]bool, len(schema.Properties))
	for i, def := range schema.Properties {
		p := models.Property{
			ID:      def.ID,
			Name:    def.Name,
			Type:    models.PropertyType(def.Type),
			Options: def.Options,
			Scope:   models.PropertyScope(def.Scope),
			OrgID:   def.OrgID,
		}
		if p.OrgID == "" {
			p.OrgID = schema.OrgID
		}
		if p.Scope == "" {
			p.Scope = models.ScopeOrganization
		}
		if def.ProjectID != "" {
			p.ProjectID = &def.ProjectID
		}
		if def.DocumentID != "" {
			p.DocumentID = &def.DocumentID
		}
		if p.ID == "" {
			p.ID = uuid.NewSHA1(schemaNamespace, []byte(p.OrgID+"/"+p.Name)).String()
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("propschema: properties[%d]: %w", i, err)
		}
		if seen[p.ID] {
			return nil, apperr.Validation(fmt.Errorf("propschema: properties[%d]: duplicate id %s", i, p.ID))
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out, nil
}
