package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRule is the sentinel for configuration-time rejection. It is the
// only error class that surfaces to rule-management callers; execution-time
// failures are captured on the execution record instead.
var ErrInvalidRule = errors.New("invalid rule definition")

// ValidationError collects every problem found in a rule document so the
// caller can fix them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule definition: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRule }

// Document is the loose authoring form of a rule, accepted as JSON or YAML.
// It is parsed and validated exactly once, at save time.
type Document struct {
	Name             string             `json:"name" yaml:"name"`
	Description      string             `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger          Trigger            `json:"trigger" yaml:"trigger"`
	Conditions       *ConditionNode     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions          []Action           `json:"actions" yaml:"actions"`
	ApprovalRequired bool               `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
	ApprovalLevels   []ApprovalLevelDef `json:"approval_levels,omitempty" yaml:"approval_levels,omitempty"`
	MaxPerDay        int                `json:"max_per_day,omitempty" yaml:"max_per_day,omitempty"`
	IsActive         *bool              `json:"is_active,omitempty" yaml:"is_active,omitempty"`
}

// ParseJSON decodes a rule document from JSON.
func ParseJSON(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return &d, nil
}

// ParseYAML decodes a rule document from YAML.
func ParseYAML(data []byte) (*Document, error) {
	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return &d, nil
}

// Build validates the document against the schema registry and produces a
// stored Rule. When approval_required is set and the first action is not
// already a gate, a gate built from approval_levels is prepended.
func (d *Document) Build(schemas *SchemaRegistry, tenantID, userID string, now time.Time) (*Rule, error) {
	v := &validator{schemas: schemas, now: now}
	v.validateDocument(d)
	if len(v.problems) > 0 {
		return nil, &ValidationError{Problems: v.problems}
	}

	actions := d.Actions
	if d.ApprovalRequired && (len(actions) == 0 || actions[0].Kind != ActionApprovalGate) {
		gate := Action{
			Kind:     ActionApprovalGate,
			Approval: &ApprovalGateAction{Levels: d.ApprovalLevels},
		}
		actions = append([]Action{gate}, actions...)
	}

	active := true
	if d.IsActive != nil {
		active = *d.IsActive
	}

	return &Rule{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		Name:             d.Name,
		Description:      d.Description,
		IsActive:         active,
		Trigger:          d.Trigger,
		Conditions:       d.Conditions,
		Actions:          actions,
		ApprovalRequired: d.ApprovalRequired,
		MaxPerDay:        d.MaxPerDay,
		CreatedBy:        userID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

type validator struct {
	schemas  *SchemaRegistry
	now      time.Time
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateDocument(d *Document) {
	if d.Name == "" {
		v.addf("name is required")
	}
	v.validateTrigger(&d.Trigger)
	if d.Conditions != nil {
		v.validateTree(d.Trigger.ObjectType, d.Conditions, 0)
	}
	if len(d.Actions) == 0 && !d.ApprovalRequired {
		v.addf("at least one action is required")
	}
	for i := range d.Actions {
		v.validateAction(i, &d.Actions[i])
	}
	if d.ApprovalRequired {
		hasGate := len(d.Actions) > 0 && d.Actions[0].Kind == ActionApprovalGate
		if !hasGate {
			v.validateLevels("approval_levels", d.ApprovalLevels)
		}
	}
	if d.MaxPerDay < 0 {
		v.addf("max_per_day must not be negative")
	}
}

func (v *validator) validateTrigger(t *Trigger) {
	switch t.Kind {
	case TriggerOnCreate, TriggerOnDelete:
		v.requireObjectType(t.ObjectType)
	case TriggerOnUpdate:
		v.requireObjectType(t.ObjectType)
		for _, f := range t.WatchedFields {
			if _, ok := v.schemas.FieldType(t.ObjectType, f); !ok && v.schemas.Known(t.ObjectType) {
				v.addf("watched field %q is not declared on %s", f, t.ObjectType)
			}
		}
	case TriggerOnFieldTransition:
		v.requireObjectType(t.ObjectType)
		if t.Field == "" {
			v.addf("transition trigger requires a field")
		} else if _, ok := v.schemas.FieldType(t.ObjectType, t.Field); !ok && v.schemas.Known(t.ObjectType) {
			v.addf("transition field %q is not declared on %s", t.Field, t.ObjectType)
		}
		if len(t.ToSet) == 0 {
			v.addf("transition trigger requires a non-empty to set")
		}
	case TriggerScheduled:
		v.validateSchedule(t.Schedule)
	default:
		v.addf("unknown trigger kind %q", t.Kind)
	}
}

func (v *validator) requireObjectType(objectType string) {
	if objectType == "" {
		v.addf("trigger requires an object type")
		return
	}
	if !v.schemas.Known(objectType) {
		v.addf("unknown object type %q", objectType)
	}
}

func (v *validator) validateSchedule(s *Schedule) {
	if s == nil {
		v.addf("scheduled trigger requires a schedule")
		return
	}
	switch s.Recurrence {
	case RecurNone:
		if s.RunAt == nil {
			v.addf("one-shot schedule requires run_at")
		} else if !s.RunAt.After(v.now) {
			v.addf("one-shot run_at must be in the future")
		}
	case RecurDaily:
	case RecurWeekly:
		if s.Weekday < 0 || s.Weekday > 6 {
			v.addf("weekly schedule weekday must be 0-6")
		}
	case RecurMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			v.addf("monthly schedule day_of_month must be 1-31")
		}
	default:
		v.addf("unknown recurrence %q", s.Recurrence)
	}
	if s.AtHour < 0 || s.AtHour > 23 {
		v.addf("schedule at_hour must be 0-23")
	}
	if s.AtMinute < 0 || s.AtMinute > 59 {
		v.addf("schedule at_minute must be 0-59")
	}
}

var operators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpContains: true, OpIsNull: true, OpNotNull: true,
	OpChangedFrom: true, OpChangedTo: true, OpOlderThan: true, OpWithinDays: true,
}

func (v *validator) validateTree(objectType string, n *ConditionNode, depth int) {
	if depth > 16 {
		v.addf("condition tree exceeds maximum depth")
		return
	}
	switch n.Kind {
	case NodeAnd, NodeOr:
		if len(n.Children) == 0 {
			v.addf("%s node requires children", n.Kind)
		}
		for _, c := range n.Children {
			v.validateTree(objectType, c, depth+1)
		}
	case NodeNot:
		if n.Child == nil {
			v.addf("not node requires a child")
			return
		}
		v.validateTree(objectType, n.Child, depth+1)
	case NodeLeaf:
		v.validateCondition(objectType, n.Cond)
	default:
		v.addf("unknown condition node kind %q", n.Kind)
	}
}

func (v *validator) validateCondition(objectType string, c *Condition) {
	if c == nil {
		v.addf("condition leaf has no condition")
		return
	}
	if !operators[c.Op] {
		v.addf("unknown operator %q", c.Op)
	}
	if c.FieldPath == "" {
		v.addf("condition requires a field path")
		return
	}
	if objectType != "" && v.schemas.Known(objectType) {
		if _, ok := v.schemas.FieldType(objectType, c.FieldPath); !ok {
			v.addf("field %q is not declared on %s", c.FieldPath, objectType)
		}
	}
	switch c.Op {
	case OpIn, OpNotIn:
		if _, ok := c.Operand.([]any); !ok {
			v.addf("%s operator requires a list operand", c.Op)
		}
	case OpIsNull, OpNotNull:
		// no operand
	case OpOlderThan:
		s, ok := c.Operand.(string)
		if !ok {
			v.addf("older_than requires a duration string operand")
			break
		}
		if _, err := time.ParseDuration(s); err != nil {
			v.addf("older_than operand %q is not a valid duration", s)
		}
	case OpWithinDays:
		if !isNumeric(c.Operand) {
			v.addf("within_days requires a numeric operand")
		}
	default:
		if c.Operand == nil {
			v.addf("%s operator requires an operand", c.Op)
		}
	}
}

func (v *validator) validateAction(i int, a *Action) {
	switch a.Kind {
	case ActionSendNotification:
		if a.Notify == nil || a.Notify.Template == "" || len(a.Notify.Recipients) == 0 {
			v.addf("action %d: send_notification requires template and recipients", i)
		}
	case ActionUpdateField:
		if a.Update == nil || a.Update.Field == "" {
			v.addf("action %d: update_field requires a field", i)
			return
		}
		if a.Update.Value == nil && a.Update.Delta == nil {
			v.addf("action %d: update_field requires value or delta", i)
		}
		if a.Update.Target != "" && a.Update.Target != "self" && a.Update.TargetType == "" {
			v.addf("action %d: update_field on related target requires target_type", i)
		}
	case ActionCreateRecord:
		if a.Create == nil || a.Create.RecordType == "" {
			v.addf("action %d: create_record requires record_type", i)
		}
	case ActionCreateTask:
		if a.Task == nil || a.Task.Title == "" {
			v.addf("action %d: create_task requires a title", i)
		}
	case ActionCallWebhook:
		if a.Webhook == nil || a.Webhook.URL == "" {
			v.addf("action %d: call_webhook requires a url", i)
			return
		}
		switch strings.ToUpper(a.Webhook.Method) {
		case "", "GET", "POST", "PUT", "PATCH", "DELETE":
		default:
			v.addf("action %d: unsupported webhook method %q", i, a.Webhook.Method)
		}
	case ActionApprovalGate:
		if a.Approval == nil {
			v.addf("action %d: approval_gate requires levels", i)
			return
		}
		v.validateLevels(fmt.Sprintf("action %d levels", i), a.Approval.Levels)
	default:
		v.addf("action %d: unknown action kind %q", i, a.Kind)
	}
}

func (v *validator) validateLevels(where string, levels []ApprovalLevelDef) {
	if len(levels) == 0 {
		v.addf("%s: at least one approval level is required", where)
	}
	for j, l := range levels {
		if l.Approver == "" {
			v.addf("%s: level %d requires an approver", where, j+1)
		}
		if l.TimeoutHours < 0 {
			v.addf("%s: level %d timeout must not be negative", where, j+1)
		}
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return true
	}
	return false
}
