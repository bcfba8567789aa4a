// Package condition evaluates the predicate language used by trigger
// conditions and flow-logic skip rules.
package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/pitabwire/complyflow/model"
)

// Source prefixes.
const (
	SourceEvent   = "event"
	SourceState   = "state"
	SourceContext = "context"
)

// Sources maps a field prefix to the document it resolves against, e.g.
// "event.severity" resolves "severity" in Sources["event"].
type Sources map[string]map[string]any

// Evaluate reports whether cond holds against src. A nil condition always
// holds. Errors are returned for malformed conditions and for ordering
// comparisons between values that cannot be ordered.
func Evaluate(cond *model.Condition, src Sources) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch cond.Op {
	case model.OpAlways:
		return true, nil
	case model.OpAnd:
		for i := range cond.Args {
			ok, err := Evaluate(&cond.Args[i], src)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case model.OpOr:
		for i := range cond.Args {
			ok, err := Evaluate(&cond.Args[i], src)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case model.OpNot:
		if len(cond.Args) != 1 {
			return false, fmt.Errorf("not: expected 1 argument, got %d", len(cond.Args))
		}
		ok, err := Evaluate(&cond.Args[0], src)
		return !ok, err
	}

	val, found, err := src.resolve(cond.Field)
	if err != nil {
		return false, err
	}

	switch cond.Op {
	case model.OpExists:
		return found && val != nil, nil
	case model.OpEq:
		return found && equal(val, cond.Value), nil
	case model.OpNe:
		return !found || !equal(val, cond.Value), nil
	case model.OpIn:
		list, ok := asList(cond.Value)
		if !ok {
			return false, fmt.Errorf("in: value for %q is not a list", cond.Field)
		}
		for _, item := range list {
			if equal(val, item) {
				return true, nil
			}
		}
		return false, nil
	case model.OpContains:
		if !found {
			return false, nil
		}
		return contains(val, cond.Value)
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		if !found {
			return false, fmt.Errorf("%s: field %q not found", cond.Op, cond.Field)
		}
		c, err := compare(val, cond.Value)
		if err != nil {
			return false, fmt.Errorf("%s %q: %w", cond.Op, cond.Field, err)
		}
		switch cond.Op {
		case model.OpGt:
			return c > 0, nil
		case model.OpGte:
			return c >= 0, nil
		case model.OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Op)
	}
}

// Validate checks the shape of cond without evaluating it. Leaf fields must
// use one of the allowed source prefixes.
func Validate(cond *model.Condition, prefixes ...string) error {
	if cond == nil {
		return nil
	}
	switch cond.Op {
	case model.OpAlways:
		return nil
	case model.OpAnd, model.OpOr:
		if len(cond.Args) == 0 {
			return fmt.Errorf("%s: requires at least one argument", cond.Op)
		}
		for i := range cond.Args {
			if err := Validate(&cond.Args[i], prefixes...); err != nil {
				return fmt.Errorf("%s.args[%d]: %w", cond.Op, i, err)
			}
		}
		return nil
	case model.OpNot:
		if len(cond.Args) != 1 {
			return fmt.Errorf("not: requires exactly one argument")
		}
		return Validate(&cond.Args[0], prefixes...)
	case model.OpEq, model.OpNe, model.OpGt, model.OpGte, model.OpLt, model.OpLte,
		model.OpContains, model.OpExists:
	case model.OpIn:
		if _, ok := asList(cond.Value); !ok {
			return fmt.Errorf("in: value must be a list")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown operator %q", cond.Op)
	}

	prefix, path, ok := strings.Cut(cond.Field, ".")
	if !ok || path == "" {
		return fmt.Errorf("field %q must be a dotted path with a source prefix", cond.Field)
	}
	for _, p := range prefixes {
		if p == prefix {
			return nil
		}
	}
	return fmt.Errorf("field %q: unknown source prefix %q", cond.Field, prefix)
}

// resolve looks up a dotted field path. found is false when any segment of
// the path is missing.
func (s Sources) resolve(field string) (any, bool, error) {
	prefix, path, ok := strings.Cut(strings.TrimSpace(field), ".")
	if !ok || path == "" {
		return nil, false, fmt.Errorf("invalid field %q: missing source prefix", field)
	}
	doc, ok := s[prefix]
	if !ok {
		return nil, false, fmt.Errorf("unknown source prefix %q in %q", prefix, field)
	}
	val, found := navigatePath(doc, path)
	return val, found, nil
}

// navigatePath navigates a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot order %T and %T", a, b)
}

func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains: cannot search string for %T", needle)
		}
		return strings.Contains(h, n), nil
	default:
		list, ok := asList(haystack)
		if !ok {
			return false, fmt.Errorf("contains: %T is not a string or list", haystack)
		}
		for _, item := range list {
			if equal(item, needle) {
				return true, nil
			}
		}
		return false, nil
	}
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// toFloat normalises the numeric shapes produced by YAML, JSON and Go
// callers. Numeric string literals count as numbers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		if !isNumericLiteral(n) {
			return 0, false
		}
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// isNumericLiteral returns true if the string looks like a number.
func isNumericLiteral(s string) bool {
	if len(s) == 0 {
		return false
	}
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
		if start >= len(s) {
			return false
		}
	}
	hasDot := false
	for i := start; i < len(s); i++ {
		if s[i] == '.' {
			if hasDot {
				return false
			}
			hasDot = true
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
