package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Values use the protobuf wire format: column i is field number i+1 and null
// columns are omitted. Unknown field numbers are skipped so a value written
// with extra trailing columns can still be read with an older schema.

func encodeValue(schema Schema, row Row) ([]byte, error) {
	if len(row) != len(schema.Fields) {
		return nil, &SchemaError{Column: len(row), Message: fmt.Sprintf("row has %d columns, schema has %d", len(row), len(schema.Fields))}
	}
	var buf []byte
	for i, v := range row {
		f := schema.Fields[i]
		nv, err := normalize(f, i, v)
		if err != nil {
			return nil, err
		}
		if nv == nil {
			continue
		}
		num := protowire.Number(i + 1)
		switch f.Type {
		case TypeInt64:
			buf = protowire.AppendTag(buf, num, protowire.VarintType)
			buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(nv.(int64)))
		case TypeBool:
			buf = protowire.AppendTag(buf, num, protowire.VarintType)
			buf = protowire.AppendVarint(buf, protowire.EncodeBool(nv.(bool)))
		case TypeFloat64:
			buf = protowire.AppendTag(buf, num, protowire.Fixed64Type)
			buf = protowire.AppendFixed64(buf, math.Float64bits(nv.(float64)))
		case TypeString:
			buf = protowire.AppendTag(buf, num, protowire.BytesType)
			buf = protowire.AppendString(buf, nv.(string))
		case TypeBytes:
			buf = protowire.AppendTag(buf, num, protowire.BytesType)
			buf = protowire.AppendBytes(buf, nv.([]byte))
		}
	}
	return buf, nil
}

func decodeValue(schema Schema, data []byte) (Row, error) {
	row := make(Row, len(schema.Fields))
	seen := make([]bool, len(schema.Fields))
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decode value tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		col := int(num) - 1
		if col < 0 || col >= len(schema.Fields) {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		f := schema.Fields[col]
		mismatch := &SchemaError{Column: col, Field: f.Name, Message: fmt.Sprintf("wire type %d does not match %s", typ, f.Type)}
		switch f.Type {
		case TypeInt64, TypeBool:
			if typ != protowire.VarintType {
				return nil, mismatch
			}
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decode column %s: %w", f.Name, protowire.ParseError(n))
			}
			data = data[n:]
			if f.Type == TypeInt64 {
				row[col] = protowire.DecodeZigZag(v)
			} else {
				row[col] = protowire.DecodeBool(v)
			}
		case TypeFloat64:
			if typ != protowire.Fixed64Type {
				return nil, mismatch
			}
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("decode column %s: %w", f.Name, protowire.ParseError(n))
			}
			data = data[n:]
			row[col] = math.Float64frombits(v)
		case TypeString, TypeBytes:
			if typ != protowire.BytesType {
				return nil, mismatch
			}
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("decode column %s: %w", f.Name, protowire.ParseError(n))
			}
			data = data[n:]
			if f.Type == TypeString {
				row[col] = string(v)
			} else {
				row[col] = append([]byte(nil), v...)
			}
		}
		seen[col] = true
	}
	for i, f := range schema.Fields {
		if !seen[i] && !f.Nullable {
			return nil, &SchemaError{Column: i, Field: f.Name, Message: "missing value for non-nullable column"}
		}
	}
	return row, nil
}
