package budget

import (
	"context"
	"sync"
	"time"
)

// Entry is one append-only ledger row.
type Entry struct {
	ID        string
	UserID    string
	SessionID string
	MemoryID  string
	Agent     string
	Operation string
	Units     int
	At        time.Time
}

// Ledger persists usage entries and aggregates them. Implementations must be
// safe for concurrent appends from different sessions.
type Ledger interface {
	Append(ctx context.Context, e Entry) error
	SessionTotal(ctx context.Context, sessionID string) (int, error)
	// DailyTotal sums a user's entries with dayStart <= At < dayStart+24h.
	DailyTotal(ctx context.Context, userID string, dayStart time.Time) (int, error)
	AgentTotal(ctx context.Context, sessionID, agent string) (int, error)
	CountOperations(ctx context.Context, userID, operation string, dayStart time.Time) (int, error)
}

// MemoryLedger keeps entries in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Ledger = &MemoryLedger{}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *MemoryLedger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

func (l *MemoryLedger) sum(match func(Entry) bool) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, e := range l.entries {
		if match(e) {
			total += e.Units
		}
	}
	return total
}

func (l *MemoryLedger) SessionTotal(_ context.Context, sessionID string) (int, error) {
	return l.sum(func(e Entry) bool { return e.SessionID == sessionID }), nil
}

func (l *MemoryLedger) DailyTotal(_ context.Context, userID string, dayStart time.Time) (int, error) {
	end := dayStart.Add(24 * time.Hour)
	return l.sum(func(e Entry) bool {
		return e.UserID == userID && !e.At.Before(dayStart) && e.At.Before(end)
	}), nil
}

func (l *MemoryLedger) AgentTotal(_ context.Context, sessionID, agent string) (int, error) {
	return l.sum(func(e Entry) bool { return e.SessionID == sessionID && e.Agent == agent }), nil
}

func (l *MemoryLedger) CountOperations(_ context.Context, userID, operation string, dayStart time.Time) (int, error) {
	end := dayStart.Add(24 * time.Hour)
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		if e.UserID == userID && e.Operation == operation && !e.At.Before(dayStart) && e.At.Before(end) {
			n++
		}
	}
	return n, nil
}
