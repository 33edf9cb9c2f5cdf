// Package feature provides the data model for schema-typed records.
// A Feature is a single typed record instance; a Schema is the named,
// ordered set of attribute descriptors it conforms to. Schemas are the
// catalog's unit of definition and the key for writer pooling.
package feature

import (
	"sort"
	"strings"
	"time"
)

// AttributeType is the declared type of a schema attribute.
type AttributeType string

const (
	TypeString    AttributeType = "string"
	TypeInt       AttributeType = "int"
	TypeFloat     AttributeType = "float"
	TypeBool      AttributeType = "bool"
	TypeTimestamp AttributeType = "timestamp"
	TypeGeometry  AttributeType = "geometry"
	TypeBinary    AttributeType = "binary"
)

// AttributeDescriptor describes a single attribute of a schema.
type AttributeDescriptor struct {
	// Name is the attribute identifier
	Name string `json:"name" yaml:"name"`

	// Type is the declared attribute type
	Type AttributeType `json:"type" yaml:"type"`

	// IsGeometry marks attributes that carry geometry values
	IsGeometry bool `json:"is_geometry,omitempty" yaml:"is_geometry,omitempty"`

	// IsDefaultGeometry marks the schema's default geometry attribute
	IsDefaultGeometry bool `json:"is_default_geometry,omitempty" yaml:"is_default_geometry,omitempty"`
}

// Schema is a type name plus an ordered list of attribute descriptors.
// It identifies a catalog entry and a writer pool entry.
type Schema struct {
	// TypeName identifies the schema in the catalog
	TypeName string `json:"type_name" yaml:"type_name"`

	// Attributes defines the record shape, in declaration order
	Attributes []AttributeDescriptor `json:"attributes" yaml:"attributes"`
}

// Attribute returns the descriptor with the given name, or nil.
func (s *Schema) Attribute(name string) *AttributeDescriptor {
	for i := range s.Attributes {
		if s.Attributes[i].Name == name {
			return &s.Attributes[i]
		}
	}
	return nil
}

// AttributeNames returns the attribute names in declaration order.
func (s *Schema) AttributeNames() []string {
	names := make([]string, len(s.Attributes))
	for i := range s.Attributes {
		names[i] = s.Attributes[i].Name
	}
	return names
}

// DefaultGeometry returns the default geometry descriptor, or nil.
func (s *Schema) DefaultGeometry() *AttributeDescriptor {
	for i := range s.Attributes {
		if s.Attributes[i].IsDefaultGeometry {
			return &s.Attributes[i]
		}
	}
	return nil
}

// Fingerprint generates an order-insensitive identity for the schema's
// attribute set. Two schemas with equal fingerprints are identical for
// reconciliation purposes.
func (s *Schema) Fingerprint() string {
	pairs := make([]string, 0, len(s.Attributes))
	for _, attr := range s.Attributes {
		pairs = append(pairs, attr.Name+":"+string(attr.Type))
	}
	sort.Strings(pairs)

	var builder strings.Builder
	for _, pair := range pairs {
		builder.WriteString(pair)
		builder.WriteByte(';')
	}
	return builder.String()
}

// Equal reports whether two schemas have the same type name and the same
// attribute set, ignoring declaration order.
func (s *Schema) Equal(other *Schema) bool {
	if other == nil {
		return false
	}
	return s.TypeName == other.TypeName && s.Fingerprint() == other.Fingerprint()
}

// String renders the schema as "name:type,name:type" text, used in drift
// diagnostics.
func (s *Schema) String() string {
	var builder strings.Builder
	builder.WriteString(s.TypeName)
	builder.WriteByte('[')
	for i, attr := range s.Attributes {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(attr.Name)
		builder.WriteByte(':')
		builder.WriteString(string(attr.Type))
	}
	builder.WriteByte(']')
	return builder.String()
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	attrs := make([]AttributeDescriptor, len(s.Attributes))
	copy(attrs, s.Attributes)
	return &Schema{TypeName: s.TypeName, Attributes: attrs}
}

// Comparison classifies an incoming schema against a store schema.
type Comparison int

const (
	// SchemasIdentical means same attribute names and types, order-insensitive
	SchemasIdentical Comparison = iota
	// SchemaSuperset means the incoming schema only adds attributes the
	// store schema does not have (or reorders shared ones)
	SchemaSuperset
	// SchemaSubset means the incoming schema omits attributes the store
	// schema has, without conflicting on shared ones
	SchemaSubset
	// SchemasConflicting means a shared attribute name declares
	// conflicting types
	SchemasConflicting
)

// String returns a human-readable comparison name.
func (c Comparison) String() string {
	switch c {
	case SchemasIdentical:
		return "identical"
	case SchemaSuperset:
		return "superset"
	case SchemaSubset:
		return "subset"
	case SchemasConflicting:
		return "conflicting"
	default:
		return "unknown"
	}
}

// Compare classifies the incoming schema s against the store schema.
// Any shared attribute name with a conflicting type makes the pair
// unconditionally conflicting; otherwise the result depends on which
// side carries attributes the other lacks.
func (s *Schema) Compare(store *Schema) Comparison {
	storeAttrs := make(map[string]AttributeType, len(store.Attributes))
	for _, attr := range store.Attributes {
		storeAttrs[attr.Name] = attr.Type
	}

	added := 0
	for _, attr := range s.Attributes {
		storeType, shared := storeAttrs[attr.Name]
		if !shared {
			added++
			continue
		}
		if storeType != attr.Type {
			return SchemasConflicting
		}
		delete(storeAttrs, attr.Name)
	}
	missing := len(storeAttrs)

	switch {
	case added == 0 && missing == 0:
		return SchemasIdentical
	case missing == 0:
		return SchemaSuperset
	case added == 0:
		return SchemaSubset
	default:
		// Both sides add attributes the other lacks. Shared attributes
		// agree, so the union is still well-formed; treat as superset
		// drift and let the compatibility mode decide.
		return SchemaSuperset
	}
}

// Union merges the store schema with the incoming schema. Store attributes
// keep their positions; incoming attributes the store lacks are appended in
// their declared order. Migrations are forward-only, so Union never drops
// an attribute.
func (s *Schema) Union(store *Schema) *Schema {
	merged := store.Clone()
	merged.TypeName = s.TypeName

	seen := make(map[string]bool, len(merged.Attributes))
	for _, attr := range merged.Attributes {
		seen[attr.Name] = true
	}
	for _, attr := range s.Attributes {
		if !seen[attr.Name] {
			merged.Attributes = append(merged.Attributes, attr)
		}
	}
	return merged
}

// Feature is a single typed record conforming to a Schema.
type Feature struct {
	// ID is the feature identifier
	ID string `json:"id"`

	// TypeName names the schema this feature conforms to
	TypeName string `json:"type_name"`

	// Attributes holds the attribute values by name
	Attributes map[string]interface{} `json:"attributes"`

	// Geometry is the optional geometry value. It is carried opaquely;
	// parsing belongs to the converter.
	Geometry interface{} `json:"geometry,omitempty"`

	// Visibility is the optional visibility label
	Visibility string `json:"visibility,omitempty"`

	// UserData is the optional user-metadata map
	UserData map[string]interface{} `json:"user_data,omitempty"`

	// Timestamp records when the feature was produced
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewFeature creates a feature of the given type with an empty attribute map.
func NewFeature(typeName, id string) *Feature {
	return &Feature{
		ID:         id,
		TypeName:   typeName,
		Attributes: make(map[string]interface{}),
	}
}

// SetAttribute sets a single attribute value.
func (f *Feature) SetAttribute(name string, value interface{}) {
	if f.Attributes == nil {
		f.Attributes = make(map[string]interface{})
	}
	f.Attributes[name] = value
}

// GetAttribute returns an attribute value and whether it was present.
func (f *Feature) GetAttribute(name string) (interface{}, bool) {
	v, ok := f.Attributes[name]
	return v, ok
}

// SetUserData sets a single user-metadata entry.
func (f *Feature) SetUserData(key string, value interface{}) {
	if f.UserData == nil {
		f.UserData = make(map[string]interface{})
	}
	f.UserData[key] = value
}

// CompatibilityMode is the policy governing how schema drift between an
// incoming schema and the catalog schema is handled.
type CompatibilityMode string

const (
	// CompatibilityExact fails the batch on any drift
	CompatibilityExact CompatibilityMode = "exact"
	// CompatibilityExisting keeps the catalog schema and drops extra
	// incoming attributes at write time
	CompatibilityExisting CompatibilityMode = "existing"
	// CompatibilityUpdate migrates the catalog schema forward
	CompatibilityUpdate CompatibilityMode = "update"
)

// ParseCompatibilityMode parses a mode name, defaulting to exact for the
// empty string.
func ParseCompatibilityMode(s string) (CompatibilityMode, bool) {
	switch CompatibilityMode(strings.ToLower(s)) {
	case CompatibilityExact, "":
		return CompatibilityExact, true
	case CompatibilityExisting:
		return CompatibilityExisting, true
	case CompatibilityUpdate:
		return CompatibilityUpdate, true
	default:
		return "", false
	}
}
