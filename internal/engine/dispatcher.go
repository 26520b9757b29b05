package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crmkit/automation/internal/approval"
	"github.com/crmkit/automation/internal/capability"
	"github.com/crmkit/automation/internal/eval"
	"github.com/crmkit/automation/internal/ledger"
	"github.com/crmkit/automation/internal/rule"
)

// Disposition tells the executor how to proceed after one action.
type Disposition int

const (
	// DispositionOK: action succeeded, continue with the next one.
	DispositionOK Disposition = iota
	// DispositionFailedContinue: action failed but later actions still run;
	// the execution closes partially_failed.
	DispositionFailedContinue
	// DispositionFatal: action failed and the execution stops here.
	DispositionFatal
	// DispositionSuspend: an approval gate opened, release the execution.
	DispositionSuspend
)

const (
	webhookBaseDelay   = time.Second
	webhookMaxAttempts = 5
)

// Dispatcher executes individual actions through the capability ports.
type Dispatcher struct {
	notifier  capability.Notifier
	webhooks  capability.WebhookClient
	objects   capability.ObjectStore
	approvals *approval.Manager
	logger    *zap.SugaredLogger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(notifier capability.Notifier, webhooks capability.WebhookClient, objects capability.ObjectStore, approvals *approval.Manager, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		notifier:  notifier,
		webhooks:  webhooks,
		objects:   objects,
		approvals: approvals,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch runs one action and records its outcome. The returned result is
// already filled in; the executor only appends it to the ledger. The scope's
// object snapshot is updated in place when the action mutates the triggering
// record, so later actions and templates observe the new values.
func (d *Dispatcher) Dispatch(ctx context.Context, exec *ledger.Execution, rl *rule.Rule, index int, act rule.Action, scope map[string]any, snapshot map[string]any) (ledger.ActionResult, Disposition) {
	res := ledger.ActionResult{
		Index:     index,
		Kind:      string(act.Kind),
		StartedAt: time.Now().UTC(),
		Attempts:  1,
	}

	var (
		output map[string]any
		disp   = DispositionOK
		err    error
	)

	switch act.Kind {
	case rule.ActionSendNotification:
		output, err = d.sendNotification(ctx, exec, act.Notify, scope)
	case rule.ActionUpdateField:
		output, err = d.updateField(ctx, exec, act.Update, scope, snapshot)
	case rule.ActionCreateRecord:
		output, err = d.createRecord(ctx, exec, act.Create, scope)
	case rule.ActionCreateTask:
		output, err = d.createTask(ctx, exec, act.Task, scope)
	case rule.ActionCallWebhook:
		output, res.Attempts, err = d.callWebhook(ctx, act.Webhook, scope)
	case rule.ActionApprovalGate:
		err = d.openGate(ctx, exec, rl, act.Approval, snapshot)
		if err == nil {
			disp = DispositionSuspend
		}
	default:
		// Unknown kinds are rejected at save time; reaching this means the
		// stored definition predates the binary. Fail loudly.
		err = fmt.Errorf("unsupported action kind %q", act.Kind)
	}

	res.CompletedAt = time.Now().UTC()
	if err != nil {
		res.Status = ledger.ActionFailed
		res.Error = err.Error()
		d.logger.Warnw("Action failed",
			"tenant_id", exec.TenantID,
			"execution_id", exec.ID,
			"rule_id", rl.ID,
			"action_index", index,
			"action_kind", act.Kind,
			"attempts", res.Attempts,
			"error", err,
		)
		return res, failureDisposition(act)
	}

	res.Status = ledger.ActionSucceeded
	res.Output = output
	recordOutput(scope, index, output)
	return res, disp
}

// failureDisposition classifies a failed action. A field update (or a gate
// that could not open) stops the execution so dependent downstream effects
// are never silently skipped; notification, webhook and record-creation
// failures are recorded and the remaining actions still run.
func failureDisposition(act rule.Action) Disposition {
	switch act.Kind {
	case rule.ActionUpdateField, rule.ActionApprovalGate:
		if act.BestEffort {
			return DispositionFailedContinue
		}
		return DispositionFatal
	case rule.ActionSendNotification, rule.ActionCallWebhook,
		rule.ActionCreateRecord, rule.ActionCreateTask:
		return DispositionFailedContinue
	}
	return DispositionFatal
}

func (d *Dispatcher) sendNotification(ctx context.Context, exec *ledger.Execution, a *rule.NotifyAction, scope map[string]any) (map[string]any, error) {
	subject, err := RenderTemplate(a.Subject, scope)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	body, err := RenderTemplate(a.Template, scope)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	var delivered []string
	for _, r := range a.Recipients {
		recipient, err := RenderTemplate(r, scope)
		if err != nil {
			return nil, fmt.Errorf("render recipient %q: %w", r, err)
		}
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			continue
		}
		err = d.notifier.Send(ctx, capability.Message{
			TenantID:  exec.TenantID,
			Recipient: recipient,
			Subject:   subject,
			Body:      body,
			Data:      a.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("send to %s: %w", recipient, err)
		}
		delivered = append(delivered, recipient)
	}
	return map[string]any{"recipients": delivered, "subject": subject}, nil
}

func (d *Dispatcher) updateField(ctx context.Context, exec *ledger.Execution, a *rule.UpdateFieldAction, scope map[string]any, snapshot map[string]any) (map[string]any, error) {
	objectType := exec.ObjectType
	objectID := exec.ObjectID
	self := a.Target == "" || a.Target == "self"
	if !self {
		ref, ok := eval.ResolvePath(snapshot, a.Target)
		if !ok || ref == nil {
			return nil, fmt.Errorf("target field %q not set on object", a.Target)
		}
		objectID, ok = ref.(string)
		if !ok {
			return nil, fmt.Errorf("target field %q is not a record id", a.Target)
		}
		objectType = a.TargetType
	}
	if objectID == "" {
		return nil, fmt.Errorf("no target object to update")
	}

	var value any
	if a.Delta != nil {
		rec := snapshot
		if !self {
			loaded, err := d.objects.Read(ctx, exec.TenantID, objectType, objectID)
			if err != nil {
				return nil, fmt.Errorf("read %s %s: %w", objectType, objectID, err)
			}
			rec = loaded
		}
		cur, _ := rec[a.Field].(float64)
		value = cur + *a.Delta
	} else if s, ok := a.Value.(string); ok {
		rendered, err := RenderTemplate(s, scope)
		if err != nil {
			return nil, fmt.Errorf("render value: %w", err)
		}
		value = rendered
	} else {
		value = a.Value
	}

	updated, err := d.objects.Write(ctx, exec.TenantID, objectType, objectID, map[string]any{a.Field: value})
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", objectType, objectID, err)
	}
	if self {
		// Keep the shared snapshot current for later actions and templates.
		for k, v := range updated {
			snapshot[k] = v
		}
	}
	return map[string]any{"object_type": objectType, "object_id": objectID, "field": a.Field, "value": value}, nil
}

func (d *Dispatcher) createRecord(ctx context.Context, exec *ledger.Execution, a *rule.CreateRecordAction, scope map[string]any) (map[string]any, error) {
	fields := make(map[string]any, len(a.FieldMap))
	for k, v := range a.FieldMap {
		if s, ok := v.(string); ok {
			rendered, err := RenderTemplate(s, scope)
			if err != nil {
				return nil, fmt.Errorf("render field %q: %w", k, err)
			}
			fields[k] = rendered
			continue
		}
		fields[k] = v
	}

	rec, err := d.objects.Create(ctx, exec.TenantID, a.RecordType, fields)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", a.RecordType, err)
	}
	return map[string]any{"record_type": a.RecordType, "id": rec["id"]}, nil
}

func (d *Dispatcher) createTask(ctx context.Context, exec *ledger.Execution, a *rule.CreateTaskAction, scope map[string]any) (map[string]any, error) {
	title, err := RenderTemplate(a.Title, scope)
	if err != nil {
		return nil, fmt.Errorf("render title: %w", err)
	}
	assignee, err := RenderTemplate(a.AssigneeRule, scope)
	if err != nil {
		return nil, fmt.Errorf("render assignee: %w", err)
	}

	fields := map[string]any{
		"title":       title,
		"assignee_id": assignee,
		"status":      "open",
		"source_type": exec.ObjectType,
		"source_id":   exec.ObjectID,
	}
	if a.DueOffsetHrs > 0 {
		fields["due_at"] = time.Now().UTC().Add(time.Duration(a.DueOffsetHrs) * time.Hour).Format(time.RFC3339)
	}

	rec, err := d.objects.Create(ctx, exec.TenantID, "task", fields)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return map[string]any{"id": rec["id"], "title": title, "assignee_id": assignee}, nil
}

// callWebhook retries transient failures with exponential backoff (1s, 4s,
// 16s, 64s between attempts). A 4xx response is a permanent failure and is
// not retried.
func (d *Dispatcher) callWebhook(ctx context.Context, a *rule.WebhookAction, scope map[string]any) (map[string]any, int, error) {
	method := strings.ToUpper(a.Method)
	if method == "" {
		method = "POST"
	}
	url, err := RenderTemplate(a.URL, scope)
	if err != nil {
		return nil, 1, fmt.Errorf("render url: %w", err)
	}
	var payload []byte
	if a.PayloadTemplate != "" {
		rendered, err := RenderTemplate(a.PayloadTemplate, scope)
		if err != nil {
			return nil, 1, fmt.Errorf("render payload: %w", err)
		}
		payload = []byte(rendered)
	}
	timeout := time.Duration(a.TimeoutSeconds) * time.Second

	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > webhookMaxAttempts {
		maxAttempts = webhookMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := webhookBaseDelay << (2 * (attempt - 2)) // 1s, 4s, 16s, 64s
			if err := d.sleep(ctx, delay); err != nil {
				return nil, attempt - 1, fmt.Errorf("webhook retry interrupted: %w", err)
			}
		}

		status, body, err := d.webhooks.Do(ctx, method, url, payload, timeout)
		switch {
		case err != nil:
			lastErr = err
		case status >= 200 && status < 300:
			return map[string]any{"status": status, "body": string(body)}, attempt, nil
		case status >= 400 && status < 500:
			return nil, attempt, fmt.Errorf("webhook %s %s rejected with status %d", method, url, status)
		default:
			lastErr = fmt.Errorf("webhook %s %s returned status %d", method, url, status)
		}
	}
	return nil, maxAttempts, fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

func (d *Dispatcher) openGate(ctx context.Context, exec *ledger.Execution, rl *rule.Rule, a *rule.ApprovalGateAction, snapshot map[string]any) error {
	_, err := d.approvals.Open(ctx, approval.OpenParams{
		TenantID:    exec.TenantID,
		RuleID:      rl.ID,
		ExecutionID: exec.ID,
		ObjectType:  exec.ObjectType,
		ObjectID:    exec.ObjectID,
		Snapshot:    snapshot,
		Levels:      a.Levels,
	})
	if err != nil {
		return fmt.Errorf("open approval chain: %w", err)
	}
	return nil
}
