package event

import (
	"encoding/json"
	"time"
)

// Kind classifies an event entering the router.
type Kind string

const (
	KindCreated      Kind = "created"
	KindUpdated      Kind = "updated"
	KindDeleted      Kind = "deleted"
	KindScheduleTick Kind = "schedule_tick"
)

// ChainObjectType is the synthetic object type used for approval-chain
// transitions (escalations), letting rules subscribe to them through the same
// field-transition matching as any data event.
const ChainObjectType = "approval_chain"

// Event is one occurrence routed to the engine: a data mutation from the CRUD
// layer, a scheduler tick, or a synthetic approval transition.
type Event struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Kind         Kind           `json:"kind"`
	ObjectType   string         `json:"object_type,omitempty"`
	ObjectID     string         `json:"object_id,omitempty"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	ActingUserID string         `json:"acting_user_id,omitempty"`

	// schedule_tick only
	RuleID string `json:"rule_id,omitempty"`
	TickID string `json:"tick_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Identity is the stable identifier of this occurrence used for idempotency
// keys. An at-least-once transport re-delivers the same event ID; a scheduler
// re-fire of the same due time re-uses the same tick ID.
func (e *Event) Identity() string {
	if e.Kind == KindScheduleTick {
		return "tick/" + e.RuleID + "/" + e.TickID
	}
	return string(e.Kind) + "/" + e.ID
}

// ChangedFields returns the set of field names whose value differs between
// the before and after snapshots. For create/delete events every after (or
// before) field counts as changed.
func (e *Event) ChangedFields() []string {
	if e.Before == nil {
		fields := make([]string, 0, len(e.After))
		for k := range e.After {
			fields = append(fields, k)
		}
		return fields
	}
	var changed []string
	for k, after := range e.After {
		if before, ok := e.Before[k]; !ok || !looseEqual(before, after) {
			changed = append(changed, k)
		}
	}
	for k := range e.Before {
		if _, ok := e.After[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av == bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av == bv
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return av == bv
		}
	}
	// Fallback for nested values: formatted comparison is good enough for
	// change detection, which only has to answer "same or different".
	return stringify(a) == stringify(b)
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
