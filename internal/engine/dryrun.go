package engine

import (
	"context"
	"time"

	"github.com/crmkit/automation/internal/eval"
	"github.com/crmkit/automation/internal/rule"
)

// ActionPreview is the dry-run rendering of one action: templates resolved
// against the sample object, side effects never invoked.
type ActionPreview struct {
	Index   int            `json:"index"`
	Kind    string         `json:"kind"`
	Preview map[string]any `json:"preview,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// TestReport is the outcome of a rule dry-run.
type TestReport struct {
	Matched      bool                  `json:"matched"`
	Conditions   []eval.ConditionTrace `json:"conditions_evaluated"`
	WouldExecute []ActionPreview       `json:"would_execute"`
}

// DryRun evaluates the rule's conditions against a sample object and previews
// every action's rendered templates. Rendering errors are surfaced on the
// preview so an operator can fix the rule before activating it.
func (x *Executor) DryRun(_ context.Context, rl *rule.Rule, sample map[string]any) *TestReport {
	now := time.Now().UTC()
	matched, trace := eval.EvaluateTraced(x.registry.Schemas(), rl.Conditions, eval.Snapshot{
		ObjectType: rl.Trigger.ObjectType,
		After:      sample,
		Now:        now,
	})

	report := &TestReport{Matched: matched, Conditions: trace}
	if !matched {
		return report
	}

	scope := buildScope(sample, "", "dry_run", now.Format(time.RFC3339))
	for i, act := range rl.Actions {
		report.WouldExecute = append(report.WouldExecute, previewAction(i, act, scope))
	}
	return report
}

func previewAction(index int, act rule.Action, scope map[string]any) ActionPreview {
	p := ActionPreview{Index: index, Kind: string(act.Kind), Preview: map[string]any{}}
	render := func(key, tmpl string) {
		if tmpl == "" {
			return
		}
		out, err := RenderTemplate(tmpl, scope)
		if err != nil {
			p.Error = err.Error()
			return
		}
		p.Preview[key] = out
	}

	switch act.Kind {
	case rule.ActionSendNotification:
		render("subject", act.Notify.Subject)
		render("body", act.Notify.Template)
		recipients := make([]string, 0, len(act.Notify.Recipients))
		for _, r := range act.Notify.Recipients {
			out, err := RenderTemplate(r, scope)
			if err != nil {
				p.Error = err.Error()
				continue
			}
			recipients = append(recipients, out)
		}
		p.Preview["recipients"] = recipients
	case rule.ActionUpdateField:
		p.Preview["target"] = act.Update.Target
		p.Preview["field"] = act.Update.Field
		if act.Update.Delta != nil {
			p.Preview["delta"] = *act.Update.Delta
		} else if s, ok := act.Update.Value.(string); ok {
			render("value", s)
		} else {
			p.Preview["value"] = act.Update.Value
		}
	case rule.ActionCreateRecord:
		p.Preview["record_type"] = act.Create.RecordType
		fields := make(map[string]any, len(act.Create.FieldMap))
		for k, v := range act.Create.FieldMap {
			if s, ok := v.(string); ok {
				out, err := RenderTemplate(s, scope)
				if err != nil {
					p.Error = err.Error()
					continue
				}
				fields[k] = out
				continue
			}
			fields[k] = v
		}
		p.Preview["fields"] = fields
	case rule.ActionCreateTask:
		render("title", act.Task.Title)
		render("assignee", act.Task.AssigneeRule)
		if act.Task.DueOffsetHrs > 0 {
			p.Preview["due_offset_hours"] = act.Task.DueOffsetHrs
		}
	case rule.ActionCallWebhook:
		render("url", act.Webhook.URL)
		render("payload", act.Webhook.PayloadTemplate)
		method := act.Webhook.Method
		if method == "" {
			method = "POST"
		}
		p.Preview["method"] = method
	case rule.ActionApprovalGate:
		levels := make([]string, len(act.Approval.Levels))
		for i, l := range act.Approval.Levels {
			levels[i] = l.Approver
		}
		p.Preview["levels"] = levels
	}
	return p
}
