package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StubNotifier records every message it is asked to send. Fail makes Send
// return an error after recording.
type StubNotifier struct {
	mu   sync.Mutex
	sent []Message
	Fail error
}

func NewStubNotifier() *StubNotifier { return &StubNotifier{} }

func (n *StubNotifier) Send(_ context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.Fail
}

func (n *StubNotifier) Sent() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.sent...)
}

// WebhookCall records one attempt made through a ScriptedWebhookClient.
type WebhookCall struct {
	Method  string
	URL     string
	Payload []byte
}

// ScriptedWebhookClient plays back a fixed sequence of responses. Once the
// script is exhausted the last entry repeats.
type ScriptedWebhookClient struct {
	mu     sync.Mutex
	calls  []WebhookCall
	Script []ScriptedResponse
}

type ScriptedResponse struct {
	Status int
	Body   []byte
	Err    error
}

func (c *ScriptedWebhookClient) Do(_ context.Context, method, url string, payload []byte, _ time.Duration) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, WebhookCall{Method: method, URL: url, Payload: append([]byte(nil), payload...)})
	if len(c.Script) == 0 {
		return 200, nil, nil
	}
	i := len(c.calls) - 1
	if i >= len(c.Script) {
		i = len(c.Script) - 1
	}
	r := c.Script[i]
	return r.Status, r.Body, r.Err
}

func (c *ScriptedWebhookClient) Calls() []WebhookCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WebhookCall(nil), c.calls...)
}

// MemoryObjectStore is a map-backed ObjectStore for tests and dev setups.
type MemoryObjectStore struct {
	mu      sync.Mutex
	records map[string]map[string]any // tenant/type/id → fields
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{records: make(map[string]map[string]any)}
}

func recordKey(tenantID, objectType, objectID string) string {
	return tenantID + "/" + objectType + "/" + objectID
}

// Put seeds a record directly, bypassing Create's id assignment.
func (s *MemoryObjectStore) Put(tenantID, objectType, objectID string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(tenantID, objectType, objectID)] = copyFields(fields)
}

func (s *MemoryObjectStore) Read(_ context.Context, tenantID, objectType, objectID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(tenantID, objectType, objectID)]
	if !ok {
		return nil, fmt.Errorf("record %s/%s not found", objectType, objectID)
	}
	return copyFields(rec), nil
}

func (s *MemoryObjectStore) Write(_ context.Context, tenantID, objectType, objectID string, fields map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(tenantID, objectType, objectID)]
	if !ok {
		return nil, fmt.Errorf("record %s/%s not found", objectType, objectID)
	}
	for k, v := range fields {
		rec[k] = v
	}
	return copyFields(rec), nil
}

func (s *MemoryObjectStore) Create(_ context.Context, tenantID, objectType string, fields map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := copyFields(fields)
	id, ok := rec["id"].(string)
	if !ok || id == "" {
		// A templated field map can carry a non-string id; replace it rather
		// than trust it as a key.
		id = uuid.NewString()
		rec["id"] = id
	}
	s.records[recordKey(tenantID, objectType, id)] = rec
	return copyFields(rec), nil
}

func copyFields(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
