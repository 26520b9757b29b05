package eval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmkit/automation/internal/rule"
)

func testSchemas() *rule.SchemaRegistry {
	schemas := rule.NewSchemaRegistry()
	schemas.Register(rule.ObjectSchema{ObjectType: "invoice", Fields: map[string]rule.FieldType{
		"status":         rule.FieldEnum,
		"amount":         rule.FieldNumber,
		"due_date":       rule.FieldDate,
		"customer_email": rule.FieldString,
		"tags":           rule.FieldString,
		"customer":       rule.FieldRef,
	}})
	return schemas
}

func leafNode(field string, op rule.Operator, operand any) *rule.ConditionNode {
	return &rule.ConditionNode{Kind: rule.NodeLeaf, Cond: &rule.Condition{
		FieldPath: field, Op: op, Operand: operand,
	}}
}

func invoiceSnap(after map[string]any) Snapshot {
	return Snapshot{
		ObjectType: "invoice",
		After:      after,
		Now:        time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestLeafOperators(t *testing.T) {
	snap := invoiceSnap(map[string]any{
		"status":         "overdue",
		"amount":         float64(250),
		"due_date":       "2026-03-10",
		"customer_email": "ada@example.com",
		"tags":           []any{"priority", "eu"},
	})
	schemas := testSchemas()

	cases := []struct {
		name string
		node *rule.ConditionNode
		want bool
	}{
		{"eq enum", leafNode("status", rule.OpEq, "overdue"), true},
		{"eq enum miss", leafNode("status", rule.OpEq, "paid"), false},
		{"neq", leafNode("status", rule.OpNeq, "paid"), true},
		{"eq number coerced from int operand", leafNode("amount", rule.OpEq, 250), true},
		{"gt number", leafNode("amount", rule.OpGt, 100), true},
		{"gte boundary", leafNode("amount", rule.OpGte, float64(250)), true},
		{"lt misses", leafNode("amount", rule.OpLt, 100), false},
		{"lte date", leafNode("due_date", rule.OpLte, "2026-03-10"), true},
		{"gt date", leafNode("due_date", rule.OpGt, "2026-02-01"), true},
		{"ordering a string field is false", leafNode("customer_email", rule.OpGt, "a"), false},
		{"in", leafNode("status", rule.OpIn, []any{"sent", "overdue"}), true},
		{"not_in", leafNode("status", rule.OpNotIn, []any{"paid", "void"}), true},
		{"in miss", leafNode("status", rule.OpIn, []any{"paid"}), false},
		{"contains substring", leafNode("customer_email", rule.OpContains, "@example"), true},
		{"contains list member", leafNode("tags", rule.OpContains, "priority"), true},
		{"contains list miss", leafNode("tags", rule.OpContains, "us"), false},
		{"is_null on missing field", leafNode("customer", rule.OpIsNull, nil), true},
		{"not_null on missing field", leafNode("customer", rule.OpNotNull, nil), false},
		{"not_null on present field", leafNode("status", rule.OpNotNull, nil), true},
		{"missing field comparison is false", leafNode("customer", rule.OpEq, "c-1"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(schemas, tc.node, snap))
		})
	}
}

func TestChangeOperatorsNeedUpdateContext(t *testing.T) {
	schemas := testSchemas()

	snap := invoiceSnap(map[string]any{"status": "paid"})
	snap.Before = map[string]any{"status": "sent"}

	assert.True(t, Evaluate(schemas, leafNode("status", rule.OpChangedTo, "paid"), snap))
	assert.True(t, Evaluate(schemas, leafNode("status", rule.OpChangedFrom, "sent"), snap))
	assert.False(t, Evaluate(schemas, leafNode("status", rule.OpChangedFrom, "overdue"), snap))

	// Same value on both sides: not a change.
	snap.Before = map[string]any{"status": "paid"}
	assert.False(t, Evaluate(schemas, leafNode("status", rule.OpChangedTo, "paid"), snap))

	// No before image (create, tick): change operators are false, not an error.
	snap.Before = nil
	assert.False(t, Evaluate(schemas, leafNode("status", rule.OpChangedTo, "paid"), snap))
}

func TestTimeWindowOperators(t *testing.T) {
	schemas := testSchemas()
	snap := invoiceSnap(map[string]any{
		"due_date": "2026-03-10T12:00:00Z", // five days before snap.Now
	})

	assert.True(t, Evaluate(schemas, leafNode("due_date", rule.OpOlderThan, "72h"), snap))
	assert.False(t, Evaluate(schemas, leafNode("due_date", rule.OpOlderThan, "240h"), snap))
	assert.True(t, Evaluate(schemas, leafNode("due_date", rule.OpWithinDays, 7), snap))
	assert.False(t, Evaluate(schemas, leafNode("due_date", rule.OpWithinDays, 2), snap))

	// Malformed duration operand makes the leaf false, never panics.
	assert.False(t, Evaluate(schemas, leafNode("due_date", rule.OpOlderThan, "three days"), snap))
}

func TestBooleanCombinators(t *testing.T) {
	schemas := testSchemas()
	snap := invoiceSnap(map[string]any{"status": "overdue", "amount": float64(50)})

	and := &rule.ConditionNode{Kind: rule.NodeAnd, Children: []*rule.ConditionNode{
		leafNode("status", rule.OpEq, "overdue"),
		leafNode("amount", rule.OpGte, 100),
	}}
	or := &rule.ConditionNode{Kind: rule.NodeOr, Children: []*rule.ConditionNode{
		leafNode("status", rule.OpEq, "overdue"),
		leafNode("amount", rule.OpGte, 100),
	}}
	not := &rule.ConditionNode{Kind: rule.NodeNot, Child: leafNode("status", rule.OpEq, "paid")}

	assert.False(t, Evaluate(schemas, and, snap))
	assert.True(t, Evaluate(schemas, or, snap))
	assert.True(t, Evaluate(schemas, not, snap))
	assert.True(t, Evaluate(schemas, nil, snap))
}

func TestShortCircuitStopsTracing(t *testing.T) {
	schemas := testSchemas()
	snap := invoiceSnap(map[string]any{"status": "paid", "amount": float64(500)})

	and := &rule.ConditionNode{Kind: rule.NodeAnd, Children: []*rule.ConditionNode{
		leafNode("status", rule.OpEq, "overdue"), // false, stops here
		leafNode("amount", rule.OpGte, 100),
	}}
	ok, trace := EvaluateTraced(schemas, and, snap)
	assert.False(t, ok)
	require.Len(t, trace, 1)
	assert.Equal(t, "status", trace[0].FieldPath)
	assert.Equal(t, "paid", trace[0].Actual)
	assert.False(t, trace[0].Result)

	or := &rule.ConditionNode{Kind: rule.NodeOr, Children: []*rule.ConditionNode{
		leafNode("amount", rule.OpGte, 100), // true, stops here
		leafNode("status", rule.OpEq, "overdue"),
	}}
	ok, trace = EvaluateTraced(schemas, or, snap)
	assert.True(t, ok)
	assert.Len(t, trace, 1)
}

func TestResolvePathWalksNestedMaps(t *testing.T) {
	m := map[string]any{
		"customer": map[string]any{
			"address": map[string]any{"country": "DE"},
		},
	}

	v, ok := ResolvePath(m, "customer.address.country")
	require.True(t, ok)
	assert.Equal(t, "DE", v)

	_, ok = ResolvePath(m, "customer.address.city")
	assert.False(t, ok)
	_, ok = ResolvePath(m, "customer.address.country.code")
	assert.False(t, ok)
	_, ok = ResolvePath(nil, "customer")
	assert.False(t, ok)
}

func TestDottedPathConditions(t *testing.T) {
	schemas := testSchemas()
	snap := invoiceSnap(map[string]any{
		"customer": map[string]any{"segment": "enterprise"},
	})

	assert.True(t, Evaluate(schemas, leafNode("customer.segment", rule.OpEq, "enterprise"), snap))
	assert.False(t, Evaluate(schemas, leafNode("customer.segment", rule.OpEq, "smb"), snap))
}
