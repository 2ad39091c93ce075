package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Schema describes one source entity: entity name -> field name -> field type.
// A source such as Event can expose several entities (Event, Participation);
// their fields are flattened into one snapshot, so field names must not repeat.
type Schema map[string]map[string]string

// Field types understood by the evaluator
const (
	TypeString    = "string"
	TypeNumber    = "number"
	TypeBool      = "bool"
	TypeTimestamp = "timestamp"
	TypeList      = "list"
)

const (
	maxEntities       = 20
	maxFieldsPerTable = 200
	maxIdentifierLen  = 100
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Entities returns the entity names of the schema in sorted order
func (s Schema) Entities() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FieldType looks up the type of field on entity
func (s Schema) FieldType(entity, field string) (string, bool) {
	fields, ok := s[entity]
	if !ok {
		return "", false
	}
	t, ok := fields[field]
	return t, ok
}

// ValidateSchema validates a source schema.
// Returns an error if validation fails, nil if schema is valid
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema cannot be empty, must contain at least one entity definition")
	}

	if len(schema) > maxEntities {
		return fmt.Errorf("schema contains %d entities, maximum allowed is %d", len(schema), maxEntities)
	}

	owner := make(map[string]string)
	for _, entityName := range schema.Entities() {
		fields := schema[entityName]

		if err := validateIdentifier(entityName); err != nil {
			return fmt.Errorf("invalid entity name %q: %w", entityName, err)
		}

		if len(fields) == 0 {
			return fmt.Errorf("entity %q must contain at least one field", entityName)
		}

		if len(fields) > maxFieldsPerTable {
			return fmt.Errorf("entity %q contains %d fields, maximum allowed is %d", entityName, len(fields), maxFieldsPerTable)
		}

		for fieldName, typeName := range fields {
			if err := validateIdentifier(fieldName); err != nil {
				return fmt.Errorf("invalid field name %q in entity %q: %w", fieldName, entityName, err)
			}

			if prev, dup := owner[fieldName]; dup {
				return fmt.Errorf("field %q is declared by both %q and %q", fieldName, prev, entityName)
			}
			owner[fieldName] = entityName

			if typeName == "" {
				return fmt.Errorf("field %q in entity %q has empty type name", fieldName, entityName)
			}

			if strings.TrimSpace(typeName) != typeName {
				return fmt.Errorf("field %q in entity %q has type with leading/trailing whitespace: %q", fieldName, entityName, typeName)
			}

			if !isValidFieldType(typeName) {
				return fmt.Errorf("field %q in entity %q has invalid type %q (must be one of: string, number, bool, timestamp, list)", fieldName, entityName, typeName)
			}
		}
	}

	return nil
}

// validateIdentifier validates an entity, field or source name
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLen)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}

	// Fields become CEL variables during rule validation
	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

func isValidFieldType(typeName string) bool {
	switch typeName {
	case TypeString, TypeNumber, TypeBool, TypeTimestamp, TypeList:
		return true
	}
	return false
}

// isReservedKeyword checks if a name is a CEL reserved keyword
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		"true":      true,
		"false":     true,
		"null":      true,
		"if":        true,
		"else":      true,
		"for":       true,
		"while":     true,
		"break":     true,
		"continue":  true,
		"return":    true,
		"var":       true,
		"let":       true,
		"const":     true,
		"function":  true,
		"in":        true,
		"as":        true,
		"import":    true,
		"package":   true,
		"namespace": true,
		"loop":      true,
		"void":      true,
	}

	return reservedKeywords[name]
}
