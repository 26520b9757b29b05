package engine

import (
	"strconv"
	"strings"

	"github.com/flosch/pongo2/v6"
)

func init() {
	// Register "truncate" as alias for "truncatechars"
	pongo2.RegisterFilter("truncate", func(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
		s := in.String()
		n := param.Integer()
		if n <= 0 || n >= len(s) {
			return in, nil
		}
		return pongo2.AsValue(s[:n]), nil
	})
}

// RenderTemplate renders a template string using pongo2 with the given context.
// Used at runtime to resolve object.xxx, actions.N.yyy, event fields, etc.
func RenderTemplate(tmpl string, ctx map[string]any) (string, error) {
	// Quick check: if no template syntax, return as-is
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	tpl, err := pongo2.FromString(tmpl)
	if err != nil {
		return tmpl, err
	}

	result, err := tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return tmpl, err
	}

	return result, nil
}

// buildScope constructs the template context shared by every action of one
// execution: the triggering object's snapshot, the acting user, the event,
// and the outputs of already-completed actions keyed by their index.
func buildScope(snapshot map[string]any, actingUserID string, evtKind string, now string) map[string]any {
	return map[string]any{
		"object":  snapshot,
		"user":    map[string]any{"id": actingUserID},
		"event":   map[string]any{"kind": evtKind},
		"now":     now,
		"actions": map[string]any{},
	}
}

// recordOutput exposes an action's output to later actions as
// {{actions.N.field}}.
func recordOutput(scope map[string]any, index int, output map[string]any) {
	if output == nil {
		return
	}
	actions := scope["actions"].(map[string]any)
	// pongo2 resolves map keys as strings, so indexes become "0", "1", ...
	actions[strconv.Itoa(index)] = output
}
