package eval

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/crmkit/automation/internal/rule"
)

// compareEq compares two values under the field's declared semantic type.
// Mismatched or uncoercible values compare unequal rather than raising.
func compareEq(ft rule.FieldType, a, b any) bool {
	switch ft {
	case rule.FieldNumber:
		af, aok := asNumber(a)
		bf, bok := asNumber(b)
		return aok && bok && af == bf
	case rule.FieldDate:
		at, aok := asTime(a)
		bt, bok := asTime(b)
		return aok && bok && at.Equal(bt)
	case rule.FieldDuration:
		ad, aok := asDuration(a)
		bd, bok := asDuration(b)
		return aok && bok && ad == bd
	case rule.FieldBool:
		ab, aok := a.(bool)
		bb, bok := b.(bool)
		return aok && bok && ab == bb
	default: // string, enum, ref, undeclared
		as, aok := asString(a)
		bs, bok := asString(b)
		return aok && bok && as == bs
	}
}

// compareOrder handles gt/gte/lt/lte for numbers, dates and durations.
// Ordering a string or bool field is a type mismatch and yields false.
func compareOrder(ft rule.FieldType, op rule.Operator, a, b any) bool {
	var cmp int
	switch ft {
	case rule.FieldNumber:
		af, aok := asNumber(a)
		bf, bok := asNumber(b)
		if !aok || !bok {
			return false
		}
		switch {
		case af < bf:
			cmp = -1
		case af > bf:
			cmp = 1
		}
	case rule.FieldDate:
		at, aok := asTime(a)
		bt, bok := asTime(b)
		if !aok || !bok {
			return false
		}
		switch {
		case at.Before(bt):
			cmp = -1
		case at.After(bt):
			cmp = 1
		}
	case rule.FieldDuration:
		ad, aok := asDuration(a)
		bd, bok := asDuration(b)
		if !aok || !bok {
			return false
		}
		switch {
		case ad < bd:
			cmp = -1
		case ad > bd:
			cmp = 1
		}
	default:
		return false
	}

	switch op {
	case rule.OpGt:
		return cmp > 0
	case rule.OpGte:
		return cmp >= 0
	case rule.OpLt:
		return cmp < 0
	case rule.OpLte:
		return cmp <= 0
	}
	return false
}

// contains matches substring containment for strings and membership for list
// field values.
func contains(actual, operand any) bool {
	switch v := actual.(type) {
	case string:
		s, ok := asString(operand)
		return ok && strings.Contains(v, s)
	case []any:
		for _, item := range v {
			is, iok := asString(item)
			os, ook := asString(operand)
			if iok && ook && is == os {
				return true
			}
		}
	case []string:
		os, ok := asString(operand)
		if !ok {
			return false
		}
		for _, item := range v {
			if item == os {
				return true
			}
		}
	}
	return false
}

func asNumber(v any) (float64, bool) {
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
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case bool:
		return strconv.FormatBool(s), true
	case json.Number:
		return s.String(), true
	}
	return "", false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func asDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	case float64:
		return time.Duration(d) * time.Second, true
	case int:
		return time.Duration(d) * time.Second, true
	}
	return 0, false
}
