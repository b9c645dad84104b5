package engine

import (
	"bytes"
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/autotag/autotag/internal/models"
)

// Condition is one clause of the boolean rule DSL. A leaf carries
// field/operator/value; a compound carries sub-conditions joined by the
// "and"/"or" operator. Top-level clauses in a conditional rule config also
// carry the tag returned when the clause matches.
type Condition struct {
	Field      string      `json:"field,omitempty"`
	Operator   string      `json:"operator,omitempty"`
	Value      any         `json:"value,omitempty"`
	Tag        string      `json:"tag,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// IsZero reports whether the clause is empty, i.e. an absent guard.
func (c Condition) IsZero() bool {
	return c.Field == "" && c.Operator == "" && c.Value == nil && len(c.Conditions) == 0
}

// ParseCondition decodes a stored guard tree. Empty, null and {} documents
// all parse to the zero Condition.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	var c Condition
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Condition{}, err
	}
	return c, nil
}

// Evaluate walks the clause against a transaction and its metadata.
// Compound clauses default to "and" when no operator is given; any compound
// operator other than and/or never matches, as does any unknown leaf operator.
// A clause whose conditions key is present but empty is a compound, not a
// leaf: "and" over nothing is vacuously true, "or" over nothing false.
func (c Condition) Evaluate(tx *models.Transaction, metadata map[string]any) bool {
	if c.Conditions != nil {
		op := c.Operator
		if op == "" {
			op = "and"
		}
		switch op {
		case "and":
			for _, sub := range c.Conditions {
				if !sub.Evaluate(tx, metadata) {
					return false
				}
			}
			return true
		case "or":
			for _, sub := range c.Conditions {
				if sub.Evaluate(tx, metadata) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}

	actual, present := fieldValue(tx, metadata, c.Field)
	return compareValues(actual, present, c.Operator, c.Value)
}

// fieldValue resolves a condition field path. "metadata.<name>" reads from the
// metadata map; anything else reads the named transaction attribute. The
// second return distinguishes a missing field from a present nil value.
func fieldValue(tx *models.Transaction, metadata map[string]any, path string) (any, bool) {
	if name, ok := strings.CutPrefix(path, "metadata."); ok {
		v, found := metadata[name]
		return v, found
	}
	return tx.Field(path)
}

// compareValues applies a leaf operator. Absent fields compare unequal to any
// non-absent value, never satisfy relational operators, and stringify to the
// empty string for contains/regex.
//
// greater_than/less_than first coerce both sides to float; on coercion
// failure they fall back to lexicographic comparison of the stringified
// forms, which can surprise ("10" < "2").
func compareValues(actual any, present bool, operator string, expected any) bool {
	switch operator {
	case "equals":
		if !present {
			return expected == nil
		}
		return valuesEqual(actual, expected)
	case "not_equals":
		if !present {
			return expected != nil
		}
		return !valuesEqual(actual, expected)
	case "greater_than":
		if !present {
			return false
		}
		if a, aok := toFloat(actual); aok {
			if b, bok := toFloat(expected); bok {
				return a > b
			}
		}
		return stringify(actual) > stringify(expected)
	case "less_than":
		if !present {
			return false
		}
		if a, aok := toFloat(actual); aok {
			if b, bok := toFloat(expected); bok {
				return a < b
			}
		}
		return stringify(actual) < stringify(expected)
	case "contains":
		var s string
		if present {
			s = stringify(actual)
		}
		return strings.Contains(s, stringify(expected))
	case "regex":
		re, err := regexp.Compile(stringify(expected))
		if err != nil {
			return false
		}
		var s string
		if present {
			s = stringify(actual)
		}
		return re.MatchString(s)
	default:
		return false
	}
}

// valuesEqual is deep equality with numeric normalization, so a metadata
// float64 compares equal to a config int and a decimal produce_rate compares
// equal to a JSON number.
func valuesEqual(a, b any) bool {
	// Numeric comparison only when both sides are numbers; a string that
	// merely parses as a number still compares as a string.
	if isNumeric(a) && isNumeric(b) {
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if aok && bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, json.Number, decimal.Decimal:
		return true
	default:
		return false
	}
}

// toFloat coerces a native value to float64 the way the relational operators
// expect: numbers directly, numeric strings by parsing, booleans as 1/0.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// stringify renders a native value in the canonical comparison form:
// nil -> "None", booleans -> "True"/"False", numbers as canonical decimal.
func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return "None"
	case string:
		return s
	case bool:
		if s {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int:
		return strconv.Itoa(s)
	case int32:
		return strconv.FormatInt(int64(s), 10)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	case decimal.Decimal:
		return s.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
