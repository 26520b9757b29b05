package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchemas() *SchemaRegistry {
	schemas := NewSchemaRegistry()
	schemas.Register(ObjectSchema{ObjectType: "invoice", Fields: map[string]FieldType{
		"status":         FieldEnum,
		"amount":         FieldNumber,
		"due_date":       FieldDate,
		"customer_id":    FieldRef,
		"customer_email": FieldString,
	}})
	schemas.Register(ObjectSchema{ObjectType: "deal", Fields: map[string]FieldType{
		"stage":    FieldEnum,
		"amount":   FieldNumber,
		"owner_id": FieldRef,
	}})
	return schemas
}

const invoiceRuleYAML = `
name: notify on paid invoice
description: thank the customer
trigger:
  kind: on_field_transition
  object_type: invoice
  field: status
  from: [sent, overdue]
  to: [paid]
conditions:
  kind: and
  children:
    - kind: cond
      cond: {field: amount, op: gte, value: 100}
actions:
  - kind: send_notification
    notify:
      subject: "Invoice paid"
      template: "Thanks, {{object.customer_email}}"
      recipients: ["{{object.customer_email}}"]
max_per_day: 3
`

func TestParseYAMLAndBuild(t *testing.T) {
	doc, err := ParseYAML([]byte(invoiceRuleYAML))
	require.NoError(t, err)

	now := time.Now().UTC()
	rl, err := doc.Build(testSchemas(), "t1", "u1", now)
	require.NoError(t, err)

	assert.NotEmpty(t, rl.ID)
	assert.Equal(t, "t1", rl.TenantID)
	assert.True(t, rl.IsActive)
	assert.Equal(t, TriggerOnFieldTransition, rl.Trigger.Kind)
	assert.Equal(t, []string{"paid"}, rl.Trigger.ToSet)
	require.Len(t, rl.Actions, 1)
	assert.Equal(t, ActionSendNotification, rl.Actions[0].Kind)
	assert.Equal(t, 3, rl.MaxPerDay)
	assert.Equal(t, now, rl.CreatedAt)
}

func TestParseJSONRejectsGarbage(t *testing.T) {
	_, err := ParseJSON([]byte(`{"name": `))
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestBuildCollectsAllProblems(t *testing.T) {
	doc := &Document{
		Trigger: Trigger{Kind: TriggerOnUpdate, ObjectType: "spaceship"},
		Conditions: &ConditionNode{Kind: NodeLeaf, Cond: &Condition{
			FieldPath: "hull", Op: Operator("approximately"), Operand: 1,
		}},
		Actions: []Action{{Kind: ActionKind("teleport")}},
	}

	_, err := doc.Build(testSchemas(), "t1", "u1", time.Now().UTC())
	require.ErrorIs(t, err, ErrInvalidRule)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	// Missing name, unknown object type, unknown operator, unknown action kind.
	assert.GreaterOrEqual(t, len(verr.Problems), 4)
}

func TestBuildRejectsUndeclaredFields(t *testing.T) {
	doc := &Document{
		Name:    "watch a ghost field",
		Trigger: Trigger{Kind: TriggerOnUpdate, ObjectType: "invoice", WatchedFields: []string{"phantom"}},
		Actions: []Action{{Kind: ActionCreateTask, Task: &CreateTaskAction{Title: "follow up"}}},
	}
	_, err := doc.Build(testSchemas(), "t1", "u1", time.Now().UTC())
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestBuildRejectsTransitionWithoutToSet(t *testing.T) {
	doc := &Document{
		Name:    "half a transition",
		Trigger: Trigger{Kind: TriggerOnFieldTransition, ObjectType: "invoice", Field: "status"},
		Actions: []Action{{Kind: ActionCreateTask, Task: &CreateTaskAction{Title: "x"}}},
	}
	_, err := doc.Build(testSchemas(), "t1", "u1", time.Now().UTC())
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestBuildRejectsBadSchedules(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	cases := map[string]*Schedule{
		"nil schedule":        nil,
		"one-shot without at": {Recurrence: RecurNone},
		"one-shot in past":    {Recurrence: RecurNone, RunAt: &past},
		"weekday out of range": {
			Recurrence: RecurWeekly, Weekday: 9,
		},
		"day of month zero": {
			Recurrence: RecurMonthly, DayOfMonth: 0,
		},
		"hour out of range": {
			Recurrence: RecurDaily, AtHour: 24,
		},
	}
	for name, sched := range cases {
		t.Run(name, func(t *testing.T) {
			doc := &Document{
				Name:    "scheduled",
				Trigger: Trigger{Kind: TriggerScheduled, Schedule: sched},
				Actions: []Action{{Kind: ActionCreateTask, Task: &CreateTaskAction{Title: "x"}}},
			}
			_, err := doc.Build(testSchemas(), "t1", "u1", now)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestBuildRejectsMalformedActions(t *testing.T) {
	cases := map[string]Action{
		"notify without recipients": {
			Kind:   ActionSendNotification,
			Notify: &NotifyAction{Template: "hi"},
		},
		"update without value or delta": {
			Kind:   ActionUpdateField,
			Update: &UpdateFieldAction{Field: "status"},
		},
		"related update without target type": {
			Kind:   ActionUpdateField,
			Update: &UpdateFieldAction{Target: "customer_id", Field: "segment", Value: "vip"},
		},
		"webhook without url": {
			Kind:    ActionCallWebhook,
			Webhook: &WebhookAction{Method: "POST"},
		},
		"webhook with odd method": {
			Kind:    ActionCallWebhook,
			Webhook: &WebhookAction{URL: "https://example.com", Method: "BREW"},
		},
		"gate without levels": {
			Kind:     ActionApprovalGate,
			Approval: &ApprovalGateAction{},
		},
	}
	for name, action := range cases {
		t.Run(name, func(t *testing.T) {
			doc := &Document{
				Name:    "bad action",
				Trigger: Trigger{Kind: TriggerOnCreate, ObjectType: "invoice"},
				Actions: []Action{action},
			}
			_, err := doc.Build(testSchemas(), "t1", "u1", time.Now().UTC())
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestBuildPrependsImplicitApprovalGate(t *testing.T) {
	doc := &Document{
		Name:             "big discount needs sign-off",
		Trigger:          Trigger{Kind: TriggerOnCreate, ObjectType: "deal"},
		Actions:          []Action{{Kind: ActionCreateTask, Task: &CreateTaskAction{Title: "apply discount"}}},
		ApprovalRequired: true,
		ApprovalLevels:   []ApprovalLevelDef{{Approver: "mgr-1", TimeoutHours: 24}},
	}

	rl, err := doc.Build(testSchemas(), "t1", "u1", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, rl.Actions, 2)
	assert.Equal(t, ActionApprovalGate, rl.Actions[0].Kind)
	require.NotNil(t, rl.Actions[0].Approval)
	assert.Equal(t, "mgr-1", rl.Actions[0].Approval.Levels[0].Approver)
	assert.Equal(t, ActionCreateTask, rl.Actions[1].Kind)
}

func TestBuildKeepsExplicitLeadingGate(t *testing.T) {
	doc := &Document{
		Name:    "explicit gate",
		Trigger: Trigger{Kind: TriggerOnCreate, ObjectType: "deal"},
		Actions: []Action{
			{Kind: ActionApprovalGate, Approval: &ApprovalGateAction{
				Levels: []ApprovalLevelDef{{Approver: "mgr-1"}},
			}},
			{Kind: ActionCreateTask, Task: &CreateTaskAction{Title: "apply discount"}},
		},
		ApprovalRequired: true,
	}

	rl, err := doc.Build(testSchemas(), "t1", "u1", time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, rl.Actions, 2)
}

func TestBuildRejectsApprovalRequiredWithoutLevels(t *testing.T) {
	doc := &Document{
		Name:             "no approvers named",
		Trigger:          Trigger{Kind: TriggerOnCreate, ObjectType: "deal"},
		Actions:          []Action{{Kind: ActionCreateTask, Task: &CreateTaskAction{Title: "x"}}},
		ApprovalRequired: true,
	}
	_, err := doc.Build(testSchemas(), "t1", "u1", time.Now().UTC())
	assert.ErrorIs(t, err, ErrInvalidRule)
}
