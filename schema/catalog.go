package schema

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/liamcoop/gamification/rules"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// Source is one entry of the catalog as exposed to admins
type Source struct {
	Name     string `json:"name" yaml:"name"`
	Entities Schema `json:"entities" yaml:"entities"`
}

// Catalog maps source entities to the fields their snapshots carry.
// It implements rules.Validator. Safe for concurrent use.
type Catalog struct {
	sources map[string]Schema
	mu      sync.RWMutex
}

var _ rules.Validator = (*Catalog)(nil)

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{sources: make(map[string]Schema)}
}

// DefaultCatalog returns the built-in catalog of trigger sources
func DefaultCatalog() (*Catalog, error) {
	return parseCatalog(defaultCatalogYAML)
}

// LoadCatalogFile reads a YAML catalog from disk
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	return LoadCatalog(f)
}

// LoadCatalog reads a YAML catalog of the form
//
//	sources:
//	  Event:
//	    Participation:
//	      attendance_status: string
func LoadCatalog(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return parseCatalog(data)
}

type catalogFile struct {
	Sources map[string]Schema `yaml:"sources"`
}

func parseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(file.Sources) == 0 {
		return nil, fmt.Errorf("catalog declares no sources")
	}

	c := NewCatalog()
	for name, s := range file.Sources {
		if err := c.Register(name, s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register validates and adds (or replaces) a source
func (c *Catalog) Register(source string, s Schema) error {
	if err := validateIdentifier(source); err != nil {
		return fmt.Errorf("invalid source name %q: %w", source, err)
	}
	if err := ValidateSchema(s); err != nil {
		return fmt.Errorf("source %q: %w", source, err)
	}

	c.mu.Lock()
	c.sources[source] = copySchema(s)
	c.mu.Unlock()
	return nil
}

// Get returns a copy of the schema of a source
func (c *Catalog) Get(source string) (Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sources[source]
	if !ok {
		return nil, false
	}
	return copySchema(s), true
}

// List returns every source sorted by name
func (c *Catalog) List() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Source, 0, len(c.sources))
	for name, s := range c.sources {
		out = append(out, Source{Name: name, Entities: copySchema(s)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateRule checks that every condition of the rule names an entity the
// source exposes, a field on that entity, and a literal that type-checks
// against the field for the operator.
func (c *Catalog) ValidateRule(rule *rules.Rule) error {
	verr := &rules.ValidationError{RuleID: rule.ID}

	s, ok := c.Get(rule.SourceEntity)
	if !ok {
		verr.Add("unknown source entity %q", rule.SourceEntity)
		return verr.Err()
	}

	for i, cond := range rule.Conditions {
		if _, ok := s[cond.Entity]; !ok {
			verr.Add("condition %d: source %s does not expose entity %q", i, rule.SourceEntity, cond.Entity)
			continue
		}
		fieldType, ok := s.FieldType(cond.Entity, cond.Field)
		if !ok {
			verr.Add("condition %d: entity %s has no field %q", i, cond.Entity, cond.Field)
			continue
		}
		if err := checkCondition(fieldType, cond.Operator, cond.Value); err != nil {
			verr.Add("condition %d (%s.%s): %v", i, cond.Entity, cond.Field, err)
		}
	}

	return verr.Err()
}

func copySchema(s Schema) Schema {
	out := make(Schema, len(s))
	for entity, fields := range s {
		f := make(map[string]string, len(fields))
		for name, t := range fields {
			f[name] = t
		}
		out[entity] = f
	}
	return out
}
