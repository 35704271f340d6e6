package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EncodeInts encodes a token sequence as a JSON array. Empty input is stored as NULL.
func EncodeInts(v []int) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func DecodeInts(s sql.NullString) ([]int, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []int
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, fmt.Errorf("decode int list: %w", err)
	}
	return out, nil
}

// EncodeFloats encodes a float sequence as a JSON array using the shortest
// representation that parses back to the same bits. Non-finite values are
// written as NaN, Infinity and -Infinity, which encoding/json refuses.
func EncodeFloats(v []float64) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(formatFloat(f))
	}
	b.WriteByte(']')
	return sql.NullString{String: b.String(), Valid: true}
}

func DecodeFloats(s sql.NullString) ([]float64, error) {
	if !s.Valid {
		return nil, nil
	}
	body := strings.TrimSpace(s.String)
	if !strings.HasPrefix(body, "[") || !strings.HasSuffix(body, "]") {
		return nil, fmt.Errorf("decode float list: not an array: %q", s.String)
	}
	body = strings.TrimSpace(body[1 : len(body)-1])
	if body == "" {
		return []float64{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("decode float list: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// EncodeFloatMap encodes named scalars as a JSON object. Non-finite values are
// written as the strings "NaN", "Infinity" and "-Infinity" so the document
// stays valid JSON.
func EncodeFloatMap(v map[string]float64) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	out := make(map[string]any, len(v))
	for k, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			out[k] = formatFloat(f)
			continue
		}
		out[k] = f
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func DecodeFloatMap(s sql.NullString) (map[string]float64, error) {
	raw, err := DecodeObject[any](s)
	if err != nil || raw == nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case float64:
			out[k] = x
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", k, err)
			}
			out[k] = f
		default:
			return nil, fmt.Errorf("decode %s: unexpected %T", k, v)
		}
	}
	return out, nil
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

// EncodeObject encodes a structured value as JSON. Empty maps are stored as NULL.
func EncodeObject[V any](v map[string]V) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func DecodeObject[V any](s sql.NullString) (map[string]V, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out map[string]V
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return out, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
