package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Column markers. Null sorts before every non-null value.
const (
	markerNull    byte = 0x00
	markerPresent byte = 0x01
)

// Variable-length columns escape 0x00 as 0x00 0xFF and end with 0x00 0x01,
// which keeps them prefix free and order preserving.
const (
	escapeByte     byte = 0x00
	escapedZero    byte = 0xFF
	terminatorByte byte = 0x01
)

// appendKeyColumn appends the order-preserving encoding of one column.
func appendKeyColumn(dst []byte, t FieldType, v any) []byte {
	if v == nil {
		return append(dst, markerNull)
	}
	dst = append(dst, markerPresent)
	switch t {
	case TypeInt64:
		return binary.BigEndian.AppendUint64(dst, uint64(v.(int64))^(1<<63))
	case TypeFloat64:
		bits := math.Float64bits(v.(float64))
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits ^= 1 << 63
		}
		return binary.BigEndian.AppendUint64(dst, bits)
	case TypeBool:
		if v.(bool) {
			return append(dst, 1)
		}
		return append(dst, 0)
	case TypeString:
		return appendEscaped(dst, []byte(v.(string)))
	case TypeBytes:
		return appendEscaped(dst, v.([]byte))
	}
	return dst
}

func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == escapeByte {
			dst = append(dst, escapeByte, escapedZero)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, escapeByte, terminatorByte)
}

// readKeyColumn decodes one column and returns the remaining bytes.
func readKeyColumn(data []byte, f Field, col int) (any, []byte, error) {
	short := &SchemaError{Column: col, Field: f.Name, Message: "truncated key encoding"}
	if len(data) == 0 {
		return nil, nil, short
	}
	marker := data[0]
	data = data[1:]
	switch marker {
	case markerNull:
		if !f.Nullable {
			return nil, nil, &SchemaError{Column: col, Field: f.Name, Message: "null value in non-nullable column"}
		}
		return nil, data, nil
	case markerPresent:
	default:
		return nil, nil, &SchemaError{Column: col, Field: f.Name, Message: fmt.Sprintf("invalid column marker 0x%02x", marker)}
	}

	switch f.Type {
	case TypeInt64:
		if len(data) < 8 {
			return nil, nil, short
		}
		return int64(binary.BigEndian.Uint64(data) ^ (1 << 63)), data[8:], nil
	case TypeFloat64:
		if len(data) < 8 {
			return nil, nil, short
		}
		bits := binary.BigEndian.Uint64(data)
		if bits&(1<<63) != 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), data[8:], nil
	case TypeBool:
		if len(data) < 1 {
			return nil, nil, short
		}
		return data[0] == 1, data[1:], nil
	case TypeString, TypeBytes:
		out := make([]byte, 0, 16)
		for i := 0; i < len(data); i++ {
			if data[i] != escapeByte {
				out = append(out, data[i])
				continue
			}
			if i+1 >= len(data) {
				return nil, nil, short
			}
			switch data[i+1] {
			case escapedZero:
				out = append(out, escapeByte)
				i++
			case terminatorByte:
				if f.Type == TypeString {
					return string(out), data[i+2:], nil
				}
				return out, data[i+2:], nil
			default:
				return nil, nil, &SchemaError{Column: col, Field: f.Name, Message: "invalid escape sequence"}
			}
		}
		return nil, nil, short
	}
	return nil, nil, &SchemaError{Column: col, Field: f.Name, Message: "unknown column type"}
}

// encodeTuple encodes the first len(row) columns of schema.
func encodeTuple(schema Schema, row Row) ([]byte, error) {
	if len(row) > len(schema.Fields) {
		return nil, &SchemaError{Column: len(schema.Fields), Message: fmt.Sprintf("row has %d columns, schema has %d", len(row), len(schema.Fields))}
	}
	buf := make([]byte, 0, 16*len(row))
	for i, v := range row {
		f := schema.Fields[i]
		nv, err := normalize(f, i, v)
		if err != nil {
			return nil, err
		}
		buf = appendKeyColumn(buf, f.Type, nv)
	}
	return buf, nil
}

func decodeTuple(schema Schema, data []byte) (Row, error) {
	row := make(Row, len(schema.Fields))
	var err error
	for i, f := range schema.Fields {
		row[i], data, err = readKeyColumn(data, f, i)
		if err != nil {
			return nil, err
		}
	}
	if len(data) != 0 {
		return nil, &SchemaError{Column: len(schema.Fields), Message: fmt.Sprintf("%d trailing bytes after key", len(data))}
	}
	return row, nil
}
