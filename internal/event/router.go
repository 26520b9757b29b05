package event

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/crmkit/automation/internal/rule"
)

// Router matches incoming events to the active rules they make eligible.
// Matching only consults the trigger; condition evaluation happens later,
// inside the execution.
type Router struct {
	registry *rule.Registry
	logger   *zap.SugaredLogger
}

func NewRouter(registry *rule.Registry, logger *zap.SugaredLogger) *Router {
	return &Router{registry: registry, logger: logger}
}

// Route returns the rules evt should execute, in ascending created_at order.
// A tick event addresses exactly one rule by id; an inactive or deleted rule
// yields an empty match, not an error.
func (r *Router) Route(ctx context.Context, evt *Event) ([]*rule.Rule, error) {
	if evt.Kind == KindScheduleTick {
		rl, err := r.registry.Get(ctx, evt.TenantID, evt.RuleID)
		if errors.Is(err, rule.ErrNotFound) {
			r.logger.Warnw("Tick for unknown rule dropped",
				"tenant_id", evt.TenantID, "rule_id", evt.RuleID)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("route tick: %w", err)
		}
		if !rl.IsActive || rl.Trigger.Kind != rule.TriggerScheduled {
			return nil, nil
		}
		return []*rule.Rule{rl}, nil
	}

	active, err := r.registry.ActiveRules(ctx, evt.TenantID)
	if err != nil {
		return nil, fmt.Errorf("route event: %w", err)
	}

	var matched []*rule.Rule
	for _, rl := range active {
		if r.matches(rl, evt) {
			matched = append(matched, rl)
		}
	}
	return matched, nil
}

func (r *Router) matches(rl *rule.Rule, evt *Event) bool {
	t := rl.Trigger
	if t.ObjectType != "" && t.ObjectType != evt.ObjectType {
		return false
	}

	switch t.Kind {
	case rule.TriggerOnCreate:
		return evt.Kind == KindCreated
	case rule.TriggerOnDelete:
		return evt.Kind == KindDeleted
	case rule.TriggerOnUpdate:
		if evt.Kind != KindUpdated {
			return false
		}
		if len(t.WatchedFields) == 0 {
			return true
		}
		changed := evt.ChangedFields()
		for _, w := range t.WatchedFields {
			for _, c := range changed {
				if w == c {
					return true
				}
			}
		}
		return false
	case rule.TriggerOnFieldTransition:
		if evt.Kind != KindUpdated {
			return false
		}
		before, _ := resolveField(evt.Before, t.Field)
		after, _ := resolveField(evt.After, t.Field)
		if looseEqual(before, after) {
			return false // field did not move
		}
		if len(t.FromSet) > 0 && !inSet(t.FromSet, before) {
			return false
		}
		if len(t.ToSet) > 0 && !inSet(t.ToSet, after) {
			return false
		}
		return true
	}
	return false
}

func inSet(set []string, v any) bool {
	s := stringify(v)
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

func resolveField(m map[string]any, field string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[field]
	return v, ok
}
