package codec

import "fmt"

// Codec encodes rows into state store keys and values and back.
type Codec interface {
	KeySchema() Schema
	ValueSchema() Schema
	// NumColsPrefixKey is the number of leading key columns used for prefix scans.
	NumColsPrefixKey() int

	EncodeKey(row Row) ([]byte, error)
	DecodeKey(data []byte) (Row, error)
	// EncodePrefix encodes the leading NumColsPrefixKey columns. The result is
	// a byte prefix of every key whose leading columns are equal to prefix.
	EncodePrefix(prefix Row) ([]byte, error)
	EncodeValue(row Row) ([]byte, error)
	DecodeValue(data []byte) (Row, error)
}

// RowCodec is the default schema-driven codec.
type RowCodec struct {
	key         Schema
	value       Schema
	prefixWidth int
}

var _ Codec = (*RowCodec)(nil)

// NewRowCodec builds a codec for the given key and value schemas.
func NewRowCodec(key, value Schema, numColsPrefixKey int) (*RowCodec, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid key schema: %w", err)
	}
	if err := value.Validate(); err != nil {
		return nil, fmt.Errorf("invalid value schema: %w", err)
	}
	if numColsPrefixKey < 0 || numColsPrefixKey > key.Len() {
		return nil, fmt.Errorf("numColsPrefixKey %d out of range for key schema with %d columns", numColsPrefixKey, key.Len())
	}
	return &RowCodec{key: key, value: value, prefixWidth: numColsPrefixKey}, nil
}

func (c *RowCodec) KeySchema() Schema     { return c.key }
func (c *RowCodec) ValueSchema() Schema   { return c.value }
func (c *RowCodec) NumColsPrefixKey() int { return c.prefixWidth }

func (c *RowCodec) EncodeKey(row Row) ([]byte, error) {
	if len(row) != c.key.Len() {
		return nil, &SchemaError{Column: len(row), Message: fmt.Sprintf("key has %d columns, schema has %d", len(row), c.key.Len())}
	}
	return encodeTuple(c.key, row)
}

func (c *RowCodec) DecodeKey(data []byte) (Row, error) {
	return decodeTuple(c.key, data)
}

func (c *RowCodec) EncodePrefix(prefix Row) ([]byte, error) {
	if c.prefixWidth == 0 {
		return nil, fmt.Errorf("codec has no prefix key columns")
	}
	if len(prefix) != c.prefixWidth {
		return nil, &SchemaError{Column: len(prefix), Message: fmt.Sprintf("prefix has %d columns, expected %d", len(prefix), c.prefixWidth)}
	}
	return encodeTuple(c.key, prefix)
}

func (c *RowCodec) EncodeValue(row Row) ([]byte, error) {
	return encodeValue(c.value, row)
}

func (c *RowCodec) DecodeValue(data []byte) (Row, error) {
	return decodeValue(c.value, data)
}

// RawCodec passes bytes through untouched. Readers fall back to it for stores
// registered without schemas.
type RawCodec struct{}

var _ Codec = RawCodec{}

var (
	rawKeySchema   = NewSchema(Field{Name: "bytes", Type: TypeBytes})
	rawValueSchema = NewSchema(Field{Name: "bytes", Type: TypeBytes, Nullable: true})
)

func (RawCodec) KeySchema() Schema     { return rawKeySchema }
func (RawCodec) ValueSchema() Schema   { return rawValueSchema }
func (RawCodec) NumColsPrefixKey() int { return 0 }

func (RawCodec) EncodeKey(row Row) ([]byte, error) { return rawBytes(row) }

func (RawCodec) DecodeKey(data []byte) (Row, error) {
	return Row{append([]byte(nil), data...)}, nil
}

// EncodePrefix treats the single raw column as a byte prefix.
func (RawCodec) EncodePrefix(prefix Row) ([]byte, error) { return rawBytes(prefix) }

func (RawCodec) EncodeValue(row Row) ([]byte, error) { return rawBytes(row) }

func (RawCodec) DecodeValue(data []byte) (Row, error) {
	if data == nil {
		return Row{nil}, nil
	}
	return Row{append([]byte(nil), data...)}, nil
}

func rawBytes(row Row) ([]byte, error) {
	if len(row) != 1 {
		return nil, &SchemaError{Column: len(row), Message: "raw codec expects exactly one column"}
	}
	switch v := row[0].(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case nil:
		return nil, nil
	default:
		return nil, &SchemaError{Column: 0, Field: "bytes", Message: fmt.Sprintf("expected bytes, got %T", v)}
	}
}
