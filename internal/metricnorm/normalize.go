// Package metricnorm maps loosely named training metrics onto a fixed set of
// canonical fields. Trainers disagree on naming ("reward" vs "reward_mean",
// "optim/lr" vs "learning_rate"); Normalize accepts all of them without losing
// a value. Every input key ends up either in exactly one canonical field or in
// the overflow map.
package metricnorm

import "math"

// Field is a canonical metric and the keys that may carry it, highest
// priority first. An Integer field only accepts values that fit in an int64.
type Field struct {
	Name    string
	Keys    []string
	Integer bool
}

// accepts reports whether v can be stored in f's column without loss.
// Non-finite values never can; they stay in the overflow.
func (f Field) accepts(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if f.Integer {
		return v >= math.MinInt64 && v < math.MaxInt64
	}
	return true
}

type Result struct {
	Values   map[string]float64
	Overflow map[string]float64
}

// Get returns the canonical value for name and whether it was present.
func (r Result) Get(name string) (float64, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// Ptr returns the canonical value for name, or nil when absent.
func (r Result) Ptr(name string) *float64 {
	v, ok := r.Values[name]
	if !ok {
		return nil
	}
	return &v
}

// Normalize extracts each field from input in declaration order. For each key
// of a field the exact name is tried first, then the name under every prefix
// in order; the first hit the field accepts is consumed and the field is done.
// Whatever was not consumed is returned as overflow. input is not modified.
func Normalize(input map[string]float64, fields []Field, prefixes []string) Result {
	remaining := make(map[string]float64, len(input))
	for k, v := range input {
		remaining[k] = v
	}

	values := make(map[string]float64, len(fields))
	for _, f := range fields {
		if key, ok := lookup(remaining, f, prefixes); ok {
			values[f.Name] = remaining[key]
			delete(remaining, key)
		}
	}

	return Result{Values: values, Overflow: remaining}
}

func lookup(m map[string]float64, f Field, prefixes []string) (string, bool) {
	for _, key := range f.Keys {
		if v, ok := m[key]; ok && f.accepts(v) {
			return key, true
		}
		for _, prefix := range prefixes {
			prefixed := prefix + key
			if v, ok := m[prefixed]; ok && f.accepts(v) {
				return prefixed, true
			}
		}
	}
	return "", false
}
