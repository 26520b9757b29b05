// Package eval implements condition-tree evaluation against object snapshots.
// Evaluation is total: a coercion mismatch makes the single condition false,
// it never raises. Structural validity (known operators, declared fields) is
// the rule parser's job, enforced at save time.
package eval

import (
	"strings"
	"time"

	"github.com/crmkit/automation/internal/rule"
)

// Snapshot is the field-value view of one object at evaluation time. Before
// is nil outside update/transition contexts.
type Snapshot struct {
	ObjectType string
	Before     map[string]any
	After      map[string]any
	Now        time.Time
}

// ConditionTrace records the outcome of one evaluated leaf, in evaluation
// order. Short-circuited leaves never appear.
type ConditionTrace struct {
	FieldPath string        `json:"field"`
	Op        rule.Operator `json:"op"`
	Actual    any           `json:"actual"`
	Result    bool          `json:"result"`
}

// Evaluate reports whether the condition tree holds for the snapshot.
// A nil tree always matches.
func Evaluate(schemas *rule.SchemaRegistry, node *rule.ConditionNode, snap Snapshot) bool {
	ok, _ := walk(schemas, node, snap, nil)
	return ok
}

// EvaluateTraced is Evaluate plus the per-leaf trace used by rule dry-runs.
func EvaluateTraced(schemas *rule.SchemaRegistry, node *rule.ConditionNode, snap Snapshot) (bool, []ConditionTrace) {
	trace := make([]ConditionTrace, 0, 4)
	ok, trace := walk(schemas, node, snap, trace)
	return ok, trace
}

func walk(schemas *rule.SchemaRegistry, node *rule.ConditionNode, snap Snapshot, trace []ConditionTrace) (bool, []ConditionTrace) {
	if node == nil {
		return true, trace
	}
	switch node.Kind {
	case rule.NodeAnd:
		for _, c := range node.Children {
			var ok bool
			ok, trace = walk(schemas, c, snap, trace)
			if !ok {
				return false, trace
			}
		}
		return true, trace
	case rule.NodeOr:
		for _, c := range node.Children {
			var ok bool
			ok, trace = walk(schemas, c, snap, trace)
			if ok {
				return true, trace
			}
		}
		return false, trace
	case rule.NodeNot:
		ok, trace := walk(schemas, node.Child, snap, trace)
		return !ok, trace
	case rule.NodeLeaf:
		ok := leaf(schemas, node.Cond, snap)
		if trace != nil && node.Cond != nil {
			actual, _ := ResolvePath(snap.After, node.Cond.FieldPath)
			trace = append(trace, ConditionTrace{
				FieldPath: node.Cond.FieldPath,
				Op:        node.Cond.Op,
				Actual:    actual,
				Result:    ok,
			})
		}
		return ok, trace
	}
	return false, trace
}

func leaf(schemas *rule.SchemaRegistry, c *rule.Condition, snap Snapshot) bool {
	if c == nil {
		return false
	}

	actual, present := ResolvePath(snap.After, c.FieldPath)

	switch c.Op {
	case rule.OpIsNull:
		return !present || actual == nil
	case rule.OpNotNull:
		return present && actual != nil
	case rule.OpChangedFrom, rule.OpChangedTo:
		// Meaningless outside an update context; false, not an error.
		if snap.Before == nil {
			return false
		}
		before, _ := ResolvePath(snap.Before, c.FieldPath)
		if equalAs(schemas, snap.ObjectType, c.FieldPath, before, actual) {
			return false // value did not change
		}
		if c.Op == rule.OpChangedFrom {
			return equalAs(schemas, snap.ObjectType, c.FieldPath, before, c.Operand)
		}
		return equalAs(schemas, snap.ObjectType, c.FieldPath, actual, c.Operand)
	}

	if !present {
		return false
	}

	ft, _ := schemas.FieldType(snap.ObjectType, c.FieldPath)

	switch c.Op {
	case rule.OpEq:
		return compareEq(ft, actual, c.Operand)
	case rule.OpNeq:
		return !compareEq(ft, actual, c.Operand)
	case rule.OpGt, rule.OpGte, rule.OpLt, rule.OpLte:
		return compareOrder(ft, c.Op, actual, c.Operand)
	case rule.OpIn, rule.OpNotIn:
		list, ok := c.Operand.([]any)
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if compareEq(ft, actual, item) {
				found = true
				break
			}
		}
		if c.Op == rule.OpIn {
			return found
		}
		return !found
	case rule.OpContains:
		return contains(actual, c.Operand)
	case rule.OpOlderThan:
		ds, ok := c.Operand.(string)
		if !ok {
			return false
		}
		d, err := time.ParseDuration(ds)
		if err != nil {
			return false
		}
		t, ok := asTime(actual)
		if !ok {
			return false
		}
		return snap.Now.Sub(t) > d
	case rule.OpWithinDays:
		n, ok := asNumber(c.Operand)
		if !ok {
			return false
		}
		t, ok := asTime(actual)
		if !ok {
			return false
		}
		// Within n days of now, on either side.
		window := time.Duration(n * 24 * float64(time.Hour))
		diff := snap.Now.Sub(t)
		if diff < 0 {
			diff = -diff
		}
		return diff <= window
	}
	return false
}

func equalAs(schemas *rule.SchemaRegistry, objectType, fieldPath string, a, b any) bool {
	ft, _ := schemas.FieldType(objectType, fieldPath)
	return compareEq(ft, a, b)
}

// ResolvePath walks a dotted path through nested maps. The second return is
// false when any segment is missing.
func ResolvePath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
