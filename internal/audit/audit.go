package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Entry is one raw exchange with a payment gateway, kept verbatim for
// dispute resolution.
type Entry struct {
	Gateway       string          `json:"gateway"`
	Operation     string          `json:"operation"`
	CorrelationID string          `json:"correlationId,omitempty"`
	OrderID       string          `json:"orderId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

const (
	OpCreateIntent = "create_intent"
	OpConfirm      = "confirm"
	OpQuery        = "query"
	OpWebhook      = "webhook"
)

type Archive interface {
	Record(ctx context.Context, e Entry) error
	// ByOrder returns the newest entries first.
	ByOrder(ctx context.Context, orderID string, limit int64) ([]Entry, error)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

func (Nop) ByOrder(context.Context, string, int64) ([]Entry, error) { return []Entry{}, nil }

// Memory keeps entries in process; used by the in-memory deployment and tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) ByOrder(_ context.Context, orderID string, limit int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Entry{}
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].OrderID == orderID {
			out = append(out, m.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
