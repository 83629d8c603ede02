package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ColumnType enumerates the value types a column can hold. Types map onto
// SQLite storage classes; vectors are float32 little-endian blobs and string
// slices are JSON-encoded text.
type ColumnType string

const (
	TypeText    ColumnType = "text"
	TypeInt     ColumnType = "int"
	TypeReal    ColumnType = "real"
	TypeBool    ColumnType = "bool"
	TypeTime    ColumnType = "time"
	TypeVector  ColumnType = "vector"
	TypeStrings ColumnType = "strings"
	TypeJSON    ColumnType = "json"
)

// sqlType returns the SQLite column affinity for a ColumnType.
func (t ColumnType) sqlType() string {
	switch t {
	case TypeInt, TypeBool:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	case TypeVector:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// Column describes one table column.
type Column struct {
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	Default any        `json:"default,omitempty"`
}

// Schema describes a table: its columns and which one is the primary key.
// At most one column may be of TypeVector; it is the column vector searches
// rank against.
type Schema struct {
	Columns    []Column `json:"columns"`
	PrimaryKey string   `json:"primary_key,omitempty"`
}

// Row is a single table row keyed by column name. Values use the Go types
// of the column's ColumnType: string, int64, float64, bool, time.Time,
// []float32, []string. Nil means SQL NULL. Vector search results carry an
// additional "_distance" float64 key.
type Row map[string]any

// column returns the named column definition, if present.
func (s Schema) column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// vectorColumn returns the name of the schema's vector column, or "".
func (s Schema) vectorColumn() string {
	for _, c := range s.Columns {
		if c.Type == TypeVector {
			return c.Name
		}
	}
	return ""
}

// encodeValue converts a Go value to its SQLite representation for col.
func encodeValue(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case TypeText, TypeJSON:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("store: column %q expects string, got %T", col.Name, v)
		}
		return s, nil
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		default:
			return nil, fmt.Errorf("store: column %q expects int, got %T", col.Name, v)
		}
	case TypeReal:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("store: column %q expects float, got %T", col.Name, v)
		}
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("store: column %q expects bool, got %T", col.Name, v)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case TypeTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("store: column %q expects time.Time, got %T", col.Name, v)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case TypeVector:
		vec, ok := v.([]float32)
		if !ok {
			return nil, fmt.Errorf("store: column %q expects []float32, got %T", col.Name, v)
		}
		return EncodeVector(vec), nil
	case TypeStrings:
		ss, ok := v.([]string)
		if !ok {
			return nil, fmt.Errorf("store: column %q expects []string, got %T", col.Name, v)
		}
		data, err := json.Marshal(ss)
		if err != nil {
			return nil, fmt.Errorf("store: column %q: %w", col.Name, err)
		}
		return string(data), nil
	default:
		return nil, fmt.Errorf("store: column %q has unknown type %q", col.Name, col.Type)
	}
}

// decodeValue converts a raw SQLite value back to the column's Go type.
func decodeValue(col Column, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch col.Type {
	case TypeText, TypeJSON:
		return asString(raw), nil
	case TypeInt:
		n, err := asInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("store: column %q: %w", col.Name, err)
		}
		return n, nil
	case TypeReal:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("store: column %q: unexpected %T", col.Name, raw)
		}
	case TypeBool:
		n, err := asInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("store: column %q: %w", col.Name, err)
		}
		return n != 0, nil
	case TypeTime:
		t, err := time.Parse(time.RFC3339Nano, asString(raw))
		if err != nil {
			return nil, fmt.Errorf("store: column %q: %w", col.Name, err)
		}
		return t, nil
	case TypeVector:
		b, ok := raw.([]byte)
		if !ok {
			return nil, fmt.Errorf("store: column %q: expected blob, got %T", col.Name, raw)
		}
		return DecodeVector(b), nil
	case TypeStrings:
		var ss []string
		if err := json.Unmarshal([]byte(asString(raw)), &ss); err != nil {
			return nil, fmt.Errorf("store: column %q: %w", col.Name, err)
		}
		return ss, nil
	default:
		return nil, fmt.Errorf("store: column %q has unknown type %q", col.Name, col.Type)
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}

// defaultLiteral renders a column default as a SQL literal for DDL.
func defaultLiteral(col Column) (string, error) {
	if col.Default == nil {
		return "", nil
	}
	enc, err := encodeValue(col, col.Default)
	if err != nil {
		return "", err
	}
	switch d := enc.(type) {
	case string:
		return "'" + EscapeString(d) + "'", nil
	case int64:
		return fmt.Sprintf("%d", d), nil
	case float64:
		return fmt.Sprintf("%g", d), nil
	default:
		return "", fmt.Errorf("store: column %q: unsupported default %T", col.Name, col.Default)
	}
}

// EscapeString doubles single quotes for embedding in a predicate string
// literal. Predicates refuse unescaped quotes, so every caller interpolating
// user text goes through this.
func EscapeString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// EncodeVector serializes a float32 vector as a little-endian blob.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes a little-endian blob into a float32 vector.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 when either vector has zero norm or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CosineDistance is 1 − CosineSimilarity, the ordering used by vector search.
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}
