package sleepimpr

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/ehr/sleepetl/internal/platform/csvfile"
)

//go:embed schema.yaml
var defaultSchemaYAML []byte

// FieldSpec lists the vendor header aliases for one canonical field.
type FieldSpec struct {
	Columns  []string `yaml:"columns"`
	Required bool     `yaml:"required"`
}

// FileSchema describes how one file type lands in storage.
type FileSchema struct {
	Table       string               `yaml:"table"`
	ConflictKey []string             `yaml:"conflict_key"`
	InsertOnly  bool                 `yaml:"insert_only"`
	Fields      map[string]FieldSpec `yaml:"fields"`
}

// Value returns the first non-empty cell among the field's aliases.
func (fs FileSchema) Value(row csvfile.Row, field string) string {
	spec, ok := fs.Fields[field]
	if !ok {
		return ""
	}
	v, _ := row.Lookup(spec.Columns...)
	return v
}

// SchemaMap is the single column-mapping table for every file type.
type SchemaMap map[FileType]FileSchema

// requiredFields must be present in every mapping of the given type because
// the transforms derive keys from them.
var requiredFields = map[FileType][]string{
	FileTypeBilling:      {"patient_id", "service_date"},
	FileTypeVisit:        {"patient_id", "service_date", "stage"},
	FileTypeInsuranceRef: {"patient_id", "payer_name"},
	FileTypeLegacyClaims: {},
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DefaultSchemaMap returns the embedded mapping.
func DefaultSchemaMap() (SchemaMap, error) {
	return ParseSchemaMap(defaultSchemaYAML)
}

// ParseSchemaMap decodes and validates a YAML mapping document.
func ParseSchemaMap(data []byte) (SchemaMap, error) {
	raw := map[string]FileSchema{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse schema map: %w", err)
	}
	m := make(SchemaMap, len(raw))
	for k, v := range raw {
		m[FileType(k)] = v
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadSchemaMap returns the embedded mapping, with file types present in the
// override file replacing their embedded entries. An empty path returns the
// embedded mapping unchanged.
func LoadSchemaMap(path string) (SchemaMap, error) {
	m, err := DefaultSchemaMap()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema map: %w", err)
	}
	override := map[string]FileSchema{}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse schema map %s: %w", path, err)
	}
	for k, v := range override {
		m[FileType(k)] = v
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("schema map %s: %w", path, err)
	}
	return m, nil
}

// Validate checks that every known file type is mapped, table and key names
// are plain identifiers, and the fields the transforms depend on exist.
func (m SchemaMap) Validate() error {
	for _, ft := range KnownFileTypes() {
		fs, ok := m[ft]
		if !ok {
			return fmt.Errorf("schema map: no mapping for %s", ft)
		}
		if !identRe.MatchString(fs.Table) {
			return fmt.Errorf("schema map: %s: invalid table %q", ft, fs.Table)
		}
		for _, k := range fs.ConflictKey {
			if !identRe.MatchString(k) {
				return fmt.Errorf("schema map: %s: invalid conflict key column %q", ft, k)
			}
		}
		if !fs.InsertOnly && len(fs.ConflictKey) == 0 {
			return fmt.Errorf("schema map: %s: upsert mapping needs a conflict_key", ft)
		}
		for _, f := range requiredFields[ft] {
			spec, ok := fs.Fields[f]
			if !ok || len(spec.Columns) == 0 {
				return fmt.Errorf("schema map: %s: field %q needs at least one column", ft, f)
			}
		}
	}
	return nil
}
