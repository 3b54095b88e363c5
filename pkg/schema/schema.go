// Package schema defines resource schemas for synced data and validates
// records against them before they reach the record writer.
package schema

import (
	"fmt"
	"time"

	"github.com/knoom0/datanav/pkg/errors"
)

// IDField is the identifier column every synced resource table is keyed by.
const IDField = "id"

// FieldType represents the data type of a field
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeJSON      FieldType = "json"
)

// Resource describes one synced table: its name and declared fields.
type Resource struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

// Field represents a field in a resource schema
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
	Nullable    bool      `json:"nullable"`
}

// WithIDField returns the resource with an id field prepended if the
// declared schema does not already carry one.
func (r Resource) WithIDField() Resource {
	for _, f := range r.Fields {
		if f.Name == IDField {
			return r
		}
	}
	out := r
	out.Fields = append([]Field{{Name: IDField, Type: FieldTypeString, Description: "record identifier"}}, r.Fields...)
	return out
}

// Field returns the declared field with the given name.
func (r Resource) Field(name string) (Field, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks a record's fields against the declared schema. Unknown
// fields and type mismatches are violations; they are fatal for the batch
// being flushed, so the error carries the offending field name.
func (r Resource) Validate(fields map[string]interface{}) error {
	schema := r.WithIDField()
	for name, value := range fields {
		field, ok := schema.Field(name)
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation,
				"resource %s: field %q is not declared in the schema", r.Name, name)
		}
		if value == nil {
			if field.Nullable || name != IDField {
				continue
			}
			return errors.Newf(errors.ErrorTypeValidation,
				"resource %s: field %q must not be null", r.Name, name)
		}
		if !matchesType(field.Type, value) {
			return errors.Newf(errors.ErrorTypeValidation,
				"resource %s: field %q has value of type %T, expected %s", r.Name, name, value, field.Type)
		}
	}
	return nil
}

// matchesType reports whether a Go value is acceptable for a field type.
// Numeric widths are intentionally loose: providers deserialize JSON numbers
// as float64 and databases return sized integers.
func matchesType(ft FieldType, value interface{}) bool {
	switch ft {
	case FieldTypeString:
		_, ok := value.(string)
		return ok
	case FieldTypeInt:
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			f := value.(float64)
			return f == float64(int64(f))
		}
		return false
	case FieldTypeFloat:
		switch value.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
		return false
	case FieldTypeBool:
		_, ok := value.(bool)
		return ok
	case FieldTypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, v)
			return err == nil
		}
		return false
	case FieldTypeJSON:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer for diagnostics.
func (f Field) String() string {
	return fmt.Sprintf("%s %s", f.Name, f.Type)
}
