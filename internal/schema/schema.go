// Package schema describes the entity kinds the migration engine operates
// on. The catalog itself is supplied by the embedding platform; this package
// only carries the metadata the engine needs: field types, uniqueness rules,
// reference edges and file-bearing fields.
package schema

import "fmt"

// FieldType is the scalar type of a field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInt     FieldType = "int"
	TypeFloat   FieldType = "float"
	TypeBool    FieldType = "bool"
	TypeTime    FieldType = "time"
	TypeUUID    FieldType = "uuid"
	TypeDecimal FieldType = "decimal"
	TypeJSON    FieldType = "json"
)

// Field describes one column of a kind.
type Field struct {
	Name     string    `json:"name" mapstructure:"name"`
	Type     FieldType `json:"type" mapstructure:"type"`
	Nullable bool      `json:"nullable,omitempty" mapstructure:"nullable"`
	Unique   bool      `json:"unique,omitempty" mapstructure:"unique"`
	Ref      string    `json:"ref,omitempty" mapstructure:"ref"`
	File     bool      `json:"file,omitempty" mapstructure:"file"`
}

// Relation describes a many-to-many relation to another kind.
type Relation struct {
	Name   string `json:"name" mapstructure:"name"`
	Target string `json:"target" mapstructure:"target"`
}

// Kind describes one entity kind.
type Kind struct {
	Name           string     `json:"name" mapstructure:"name"`
	PrimaryKey     string     `json:"primary_key" mapstructure:"primary_key"`
	Fields         []Field    `json:"fields" mapstructure:"fields"`
	Relations      []Relation `json:"relations,omitempty" mapstructure:"relations"`
	UniqueTogether [][]string `json:"unique_together,omitempty" mapstructure:"unique_together"`
	Critical       bool       `json:"critical,omitempty" mapstructure:"critical"`
}

// Field returns the field with the given name.
func (k Kind) Field(name string) (Field, bool) {
	for _, f := range k.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ReferenceFields returns the fields that reference another kind.
func (k Kind) ReferenceFields() []Field {
	var refs []Field
	for _, f := range k.Fields {
		if f.Ref != "" {
			refs = append(refs, f)
		}
	}
	return refs
}

// FileFields returns the file-bearing fields.
func (k Kind) FileFields() []Field {
	var files []Field
	for _, f := range k.Fields {
		if f.File {
			files = append(files, f)
		}
	}
	return files
}

// UniqueFields returns the individually-unique non-primary fields.
func (k Kind) UniqueFields() []Field {
	var uniq []Field
	for _, f := range k.Fields {
		if f.Unique && f.Name != k.PrimaryKey {
			uniq = append(uniq, f)
		}
	}
	return uniq
}

// Relation returns the many-to-many relation with the given name.
func (k Kind) Relation(name string) (Relation, bool) {
	for _, r := range k.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

func (k Kind) validate() error {
	if k.Name == "" {
		return fmt.Errorf("kind without a name")
	}
	if k.PrimaryKey == "" {
		return fmt.Errorf("kind %s: missing primary key", k.Name)
	}
	if _, ok := k.Field(k.PrimaryKey); !ok {
		return fmt.Errorf("kind %s: primary key field %q not declared", k.Name, k.PrimaryKey)
	}
	return nil
}
