package rule

import (
	"strings"
	"sync"
)

// FieldType is the declared semantic type of an object field. Conditions are
// coerced against it at evaluation time; unknown fields are rejected when the
// rule is saved.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldEnum     FieldType = "enum"
	FieldDuration FieldType = "duration"
	FieldBool     FieldType = "bool"
	FieldRef      FieldType = "ref" // reference to a related record id
)

// ObjectSchema declares the fields of one known object type.
type ObjectSchema struct {
	ObjectType string
	Fields     map[string]FieldType
}

// SchemaRegistry maps known object types to their field schemas. It replaces
// runtime model lookup by name: the set of object types is fixed at wiring
// time and rules referencing anything else are rejected at save time.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]ObjectSchema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]ObjectSchema)}
}

// Register adds or replaces an object schema.
func (r *SchemaRegistry) Register(s ObjectSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.ObjectType] = s
}

// Known reports whether the object type is registered.
func (r *SchemaRegistry) Known(objectType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[objectType]
	return ok
}

// FieldType resolves the semantic type of a (possibly dotted) field path on
// an object type. For dotted paths the first segment must be a declared field;
// the remainder is not typed and defaults to string.
func (r *SchemaRegistry) FieldType(objectType, fieldPath string) (FieldType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[objectType]
	if !ok {
		return "", false
	}
	if ft, ok := s.Fields[fieldPath]; ok {
		return ft, true
	}
	head, _, dotted := strings.Cut(fieldPath, ".")
	if !dotted {
		return "", false
	}
	if _, ok := s.Fields[head]; ok {
		return FieldString, true
	}
	return "", false
}
