// Package codec turns structured rows into the byte keys and values held by
// the state store. Key encodings preserve column order under bytes.Compare so
// prefix scans and range reads work on raw bytes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// FieldType is the type of a single column.
type FieldType uint8

const (
	TypeInt64 FieldType = iota + 1
	TypeFloat64
	TypeString
	TypeBytes
	TypeBool
)

func (t FieldType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeBool:
		return "bool"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseFieldType parses the String form of a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(s) {
	case "int64", "long", "int":
		return TypeInt64, nil
	case "float64", "double":
		return TypeFloat64, nil
	case "string":
		return TypeString, nil
	case "bytes", "binary":
		return TypeBytes, nil
	case "bool", "boolean":
		return TypeBool, nil
	default:
		return 0, fmt.Errorf("unknown field type %q", s)
	}
}

// Field describes one column of a schema.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// Schema is an ordered list of columns.
type Schema struct {
	Fields []Field
}

// Row holds one value per schema column. Values are int64, float64, string,
// []byte, bool or nil.
type Row []any

// NewSchema builds a schema from fields.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

func (s Schema) Len() int { return len(s.Fields) }

// IsEmpty reports whether the schema has no columns.
func (s Schema) IsEmpty() bool { return len(s.Fields) == 0 }

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Prefix returns the schema of the first n columns.
func (s Schema) Prefix(n int) Schema {
	if n > len(s.Fields) {
		n = len(s.Fields)
	}
	return Schema{Fields: s.Fields[:n]}
}

// ToMap converts a row into a column-name keyed struct value.
func (s Schema) ToMap(row Row) map[string]any {
	m := make(map[string]any, len(s.Fields))
	for i, f := range s.Fields {
		if i < len(row) {
			m[f.Name] = row[i]
		} else {
			m[f.Name] = nil
		}
	}
	return m
}

func (s Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		null := ""
		if f.Nullable {
			null = "?"
		}
		parts[i] = fmt.Sprintf("%s:%s%s", f.Name, f.Type, null)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Validate checks that the schema is usable: named, typed and without duplicates.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return &SchemaError{Column: i, Message: "empty column name"}
		}
		if f.Type < TypeInt64 || f.Type > TypeBool {
			return &SchemaError{Column: i, Field: f.Name, Message: "unknown column type"}
		}
		if _, dup := seen[f.Name]; dup {
			return &SchemaError{Column: i, Field: f.Name, Message: "duplicate column name"}
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// MarshalBinary encodes the schema for persistence in the metadata catalog.
func (s Schema) MarshalBinary() ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(len(s.Fields)))
	for _, f := range s.Fields {
		buf = binary.AppendUvarint(buf, uint64(len(f.Name)))
		buf = append(buf, f.Name...)
		buf = append(buf, byte(f.Type))
		if f.Nullable {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf, nil
}

var errShortSchema = errors.New("truncated schema encoding")

// UnmarshalBinary decodes a schema written by MarshalBinary.
func (s *Schema) UnmarshalBinary(data []byte) error {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return errShortSchema
	}
	data = data[n:]
	fields := make([]Field, 0, count)
	for i := uint64(0); i < count; i++ {
		nameLen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < nameLen+2 {
			return errShortSchema
		}
		data = data[n:]
		name := string(data[:nameLen])
		data = data[nameLen:]
		fields = append(fields, Field{Name: name, Type: FieldType(data[0]), Nullable: data[1] == 1})
		data = data[2:]
	}
	if len(data) != 0 {
		return fmt.Errorf("schema encoding has %d trailing bytes", len(data))
	}
	s.Fields = fields
	return s.Validate()
}

// SchemaError reports a row that does not match its schema.
type SchemaError struct {
	Column  int
	Field   string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema error at column %d (%s): %s", e.Column, e.Field, e.Message)
	}
	return fmt.Sprintf("schema error at column %d: %s", e.Column, e.Message)
}

// IsSchemaError checks if an error (or any error in its chain) is a SchemaError.
func IsSchemaError(err error) bool {
	var target *SchemaError
	return errors.As(err, &target)
}

// normalize coerces common Go numeric types onto the canonical column types.
func normalize(f Field, col int, v any) (any, error) {
	if v == nil {
		if !f.Nullable {
			return nil, &SchemaError{Column: col, Field: f.Name, Message: "null value in non-nullable column"}
		}
		return nil, nil
	}
	mismatch := func() error {
		return &SchemaError{Column: col, Field: f.Name, Message: fmt.Sprintf("expected %s, got %T", f.Type, v)}
	}
	switch f.Type {
	case TypeInt64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case uint16:
			return int64(x), nil
		case uint8:
			return int64(x), nil
		}
	case TypeFloat64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		}
	case TypeString:
		if x, ok := v.(string); ok {
			return x, nil
		}
	case TypeBytes:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	case TypeBool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	}
	return nil, mismatch()
}
