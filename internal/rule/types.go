package rule

import "time"

// TriggerKind identifies which class of event makes a rule eligible to run.
type TriggerKind string

const (
	TriggerOnCreate          TriggerKind = "on_create"
	TriggerOnUpdate          TriggerKind = "on_update"
	TriggerOnDelete          TriggerKind = "on_delete"
	TriggerOnFieldTransition TriggerKind = "on_field_transition"
	TriggerScheduled         TriggerKind = "scheduled"
)

// Trigger is the fully parsed trigger configuration of a rule.
// Exactly the fields relevant to Kind are populated.
type Trigger struct {
	Kind       TriggerKind `json:"kind" yaml:"kind"`
	ObjectType string      `json:"object_type,omitempty" yaml:"object_type,omitempty"`

	// on_update: empty list means "any field change"
	WatchedFields []string `json:"watched_fields,omitempty" yaml:"watched_fields,omitempty"`

	// on_field_transition
	Field   string   `json:"field,omitempty" yaml:"field,omitempty"`
	FromSet []string `json:"from,omitempty" yaml:"from,omitempty"` // empty = any
	ToSet   []string `json:"to,omitempty" yaml:"to,omitempty"`

	// scheduled
	Schedule *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Recurrence enumerates the supported schedule recurrences.
type Recurrence string

const (
	RecurNone    Recurrence = "none" // one-shot, requires RunAt
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
)

// Schedule describes when a scheduled rule fires.
type Schedule struct {
	Recurrence Recurrence `json:"recurrence" yaml:"recurrence"`
	RunAt      *time.Time `json:"run_at,omitempty" yaml:"run_at,omitempty"` // one-shot only
	AtHour     int        `json:"at_hour" yaml:"at_hour"`
	AtMinute   int        `json:"at_minute" yaml:"at_minute"`
	Weekday    int        `json:"weekday,omitempty" yaml:"weekday,omitempty"`           // weekly: 0=Sunday
	DayOfMonth int        `json:"day_of_month,omitempty" yaml:"day_of_month,omitempty"` // monthly: 1-31, clamped to month end
}

// Operator is the closed set of condition operators.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpIsNull      Operator = "is_null"
	OpNotNull     Operator = "not_null"
	OpChangedFrom Operator = "changed_from"
	OpChangedTo   Operator = "changed_to"
	OpOlderThan   Operator = "older_than"   // operand: duration string, e.g. "72h"
	OpWithinDays  Operator = "within_days"  // operand: number of days
)

// Condition is a single leaf comparison against one object field.
type Condition struct {
	FieldPath string   `json:"field" yaml:"field"`
	Op        Operator `json:"op" yaml:"op"`
	Operand   any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// NodeKind tags a condition-tree node.
type NodeKind string

const (
	NodeAnd  NodeKind = "and"
	NodeOr   NodeKind = "or"
	NodeNot  NodeKind = "not"
	NodeLeaf NodeKind = "cond"
)

// ConditionNode is one node of the boolean condition tree.
type ConditionNode struct {
	Kind     NodeKind         `json:"kind" yaml:"kind"`
	Children []*ConditionNode `json:"children,omitempty" yaml:"children,omitempty"` // and / or
	Child    *ConditionNode   `json:"child,omitempty" yaml:"child,omitempty"`       // not
	Cond     *Condition       `json:"cond,omitempty" yaml:"cond,omitempty"`         // leaf
}

// ActionKind identifies an action variant. The set is closed: unknown kinds
// are rejected when the rule is saved, never at execution time.
type ActionKind string

const (
	ActionSendNotification ActionKind = "send_notification"
	ActionUpdateField      ActionKind = "update_field"
	ActionCreateRecord     ActionKind = "create_record"
	ActionCreateTask       ActionKind = "create_task"
	ActionCallWebhook      ActionKind = "call_webhook"
	ActionApprovalGate     ActionKind = "approval_gate"
)

// Action is a tagged variant; exactly one payload field matches Kind.
type Action struct {
	Kind       ActionKind `json:"kind" yaml:"kind"`
	BestEffort bool       `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`

	Notify   *NotifyAction       `json:"notify,omitempty" yaml:"notify,omitempty"`
	Update   *UpdateFieldAction  `json:"update,omitempty" yaml:"update,omitempty"`
	Create   *CreateRecordAction `json:"create,omitempty" yaml:"create,omitempty"`
	Task     *CreateTaskAction   `json:"task,omitempty" yaml:"task,omitempty"`
	Webhook  *WebhookAction      `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Approval *ApprovalGateAction `json:"approval,omitempty" yaml:"approval,omitempty"`
}

// NotifyAction sends a rendered message to each resolved recipient.
// Recipients support field interpolation, e.g. "{{object.customer_email}}".
type NotifyAction struct {
	Subject    string            `json:"subject" yaml:"subject"`
	Template   string            `json:"template" yaml:"template"`
	Recipients []string          `json:"recipients" yaml:"recipients"`
	Data       map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
}

// UpdateFieldAction mutates a field on the triggering object or a related one.
// Target "" or "self" addresses the triggering object; any other value names a
// snapshot field holding the related record id, with TargetType its object type.
type UpdateFieldAction struct {
	Target     string   `json:"target,omitempty" yaml:"target,omitempty"`
	TargetType string   `json:"target_type,omitempty" yaml:"target_type,omitempty"`
	Field      string   `json:"field" yaml:"field"`
	Value      any      `json:"value,omitempty" yaml:"value,omitempty"`
	Delta      *float64 `json:"delta,omitempty" yaml:"delta,omitempty"` // numeric increment instead of Value
}

// CreateRecordAction creates a related record. Field map values support
// template interpolation.
type CreateRecordAction struct {
	RecordType string         `json:"record_type" yaml:"record_type"`
	FieldMap   map[string]any `json:"fields" yaml:"fields"`
}

// CreateTaskAction creates a follow-up work item.
type CreateTaskAction struct {
	Title        string `json:"title" yaml:"title"`
	AssigneeRule string `json:"assignee_rule,omitempty" yaml:"assignee_rule,omitempty"`
	DueOffsetHrs int    `json:"due_offset_hours,omitempty" yaml:"due_offset_hours,omitempty"`
}

// WebhookAction calls an external endpoint with a rendered payload.
type WebhookAction struct {
	URL             string `json:"url" yaml:"url"`
	Method          string `json:"method" yaml:"method"`
	PayloadTemplate string `json:"payload_template,omitempty" yaml:"payload_template,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // default 10
	MaxAttempts     int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`       // default 5
}

// ApprovalLevelDef configures one level of an approval gate.
type ApprovalLevelDef struct {
	Approver     string `json:"approver" yaml:"approver"` // user id or dynamic role ref
	TimeoutHours int    `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`
}

// ApprovalGateAction opens a sequential approval chain and suspends the
// execution until the chain resolves.
type ApprovalGateAction struct {
	Levels []ApprovalLevelDef `json:"levels" yaml:"levels"`
}

// Rule is a stored automation definition.
type Rule struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	IsActive         bool           `json:"is_active"`
	Trigger          Trigger        `json:"trigger"`
	Conditions       *ConditionNode `json:"conditions,omitempty"` // nil = always matches
	Actions          []Action       `json:"actions"`
	ApprovalRequired bool           `json:"approval_required,omitempty"`
	MaxPerDay        int            `json:"max_per_day,omitempty"` // per triggering object; 0 = unlimited
	CreatedBy        string         `json:"created_by,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	// Performance tracking, maintained by the ledger.
	ExecutionCount int        `json:"execution_count"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	LastExecuted   *time.Time `json:"last_executed,omitempty"`
}
