// Package capability defines the side-effect ports the engine acts through:
// sending notifications, calling webhooks, and reading or writing business
// records. Production wiring supplies real clients; tests supply stubs.
package capability

import (
	"context"
	"time"
)

// Message is one rendered notification.
type Message struct {
	TenantID  string
	Recipient string
	Subject   string
	Body      string
	Data      map[string]string
}

// Notifier delivers rendered notifications.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookClient performs one outbound HTTP call. Retries and backoff are the
// caller's concern.
type WebhookClient interface {
	Do(ctx context.Context, method, url string, payload []byte, timeout time.Duration) (status int, body []byte, err error)
}

// ObjectStore is the engine's view of the business-record layer.
type ObjectStore interface {
	Read(ctx context.Context, tenantID, objectType, objectID string) (map[string]any, error)
	// Write applies a partial field update and returns the full updated record.
	Write(ctx context.Context, tenantID, objectType, objectID string, fields map[string]any) (map[string]any, error)
	// Create inserts a new record and returns it with its assigned id.
	Create(ctx context.Context, tenantID, objectType string, fields map[string]any) (map[string]any, error)
}
