// Package budget records consumption units per pipeline step and enforces the
// per-session and per-user-day ceilings. Per-agent budgets are advisory.
package budget

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Agent names used as ledger keys.
const (
	AgentCollector      = "memory_collector"
	AgentScreener       = "content_screener"
	AgentEnricher       = "context_enricher"
	AgentImageGenerator = "image_generator"
	AgentPhotoManager   = "photo_manager"
	AgentOrchestrator   = "orchestrator"
)

// Operations recorded by the pipeline.
const (
	OpCollection = "collection"
	OpScreening  = "screening"
	OpGeneration = "generation"
	OpEdit       = "edit"
)

// Fixed per-step unit estimates.
const (
	CostCollection = 1000
	CostScreening  = 300
	CostGeneration = 2000
)

const defaultAgentBudget = 10000

// DefaultAgentBudgets are the soft per-agent ceilings.
func DefaultAgentBudgets() map[string]int {
	return map[string]int{
		AgentCollector:      2000,
		AgentScreener:       500,
		AgentEnricher:       1500,
		AgentImageGenerator: 5000,
		AgentPhotoManager:   500,
		AgentOrchestrator:   1000,
	}
}

// Limits configures the tracker.
type Limits struct {
	MaxPerSession     int
	MaxPerUserDaily   int
	WarningThreshold  float64
	MaxMemoriesPerDay int
	AgentBudgets      map[string]int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPerSession:     15000,
		MaxPerUserDaily:   50000,
		WarningThreshold:  0.8,
		MaxMemoriesPerDay: 10,
		AgentBudgets:      DefaultAgentBudgets(),
	}
}

var (
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrMemoryQuotaExceeded = errors.New("daily memory limit reached")
)

type Scope string

const (
	ScopeSession Scope = "session"
	ScopeDaily   Scope = "daily"
)

// ExceededError reports which ceiling was crossed. It matches
// ErrBudgetExceeded with errors.Is.
type ExceededError struct {
	Scope Scope
	Total int
	Limit int
}

func (e *ExceededError) Error() string {
	if e == nil {
		return ""
	}
	name := "Session"
	if e.Scope == ScopeDaily {
		name = "Daily"
	}
	return fmt.Sprintf("%s token limit exceeded: %d/%d", name, e.Total, e.Limit)
}

func (e *ExceededError) Unwrap() error { return ErrBudgetExceeded }

// Usage describes one metered call.
type Usage struct {
	UserID    string
	SessionID string
	MemoryID  string
	Agent     string
	Operation string
	Units     int
}

// Totals are the aggregates after a record or check.
type Totals struct {
	Session int `json:"session_total"`
	Daily   int `json:"daily_total"`
}

type Tracker struct {
	ledger Ledger
	limits Limits
	now    func() time.Time
	logger zerolog.Logger
}

type TrackerOption func(*Tracker)

// WithClock overrides the time source used for entry timestamps and the UTC
// day boundary.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTracker(ledger Ledger, limits Limits, opts ...TrackerOption) (*Tracker, error) {
	if ledger == nil {
		return nil, errors.New("budget: ledger is nil")
	}
	if limits.MaxPerSession <= 0 || limits.MaxPerUserDaily <= 0 {
		return nil, errors.New("budget: limits must be positive")
	}
	if limits.WarningThreshold <= 0 || limits.WarningThreshold > 1 {
		return nil, errors.Errorf("budget: warning threshold %v out of range", limits.WarningThreshold)
	}
	if limits.AgentBudgets == nil {
		limits.AgentBudgets = DefaultAgentBudgets()
	}
	t := &Tracker{
		ledger: ledger,
		limits: limits,
		now:    time.Now,
		logger: log.With().Str("component", "budget").Logger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

func (t *Tracker) Limits() Limits { return t.limits }

// DayStart returns midnight UTC of the day containing ts.
func DayStart(ts time.Time) time.Time {
	u := ts.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Totals reads the current session and daily aggregates.
func (t *Tracker) Totals(ctx context.Context, userID, sessionID string) (Totals, error) {
	st, err := t.ledger.SessionTotal(ctx, sessionID)
	if err != nil {
		return Totals{}, errors.Wrap(err, "budget: session total")
	}
	dt, err := t.ledger.DailyTotal(ctx, userID, DayStart(t.now()))
	if err != nil {
		return Totals{}, errors.Wrap(err, "budget: daily total")
	}
	return Totals{Session: st, Daily: dt}, nil
}

// Check projects the totals with units added and fails before a costly call
// would cross a ceiling. Nothing is written.
func (t *Tracker) Check(ctx context.Context, userID, sessionID string, units int) (Totals, error) {
	cur, err := t.Totals(ctx, userID, sessionID)
	if err != nil {
		return Totals{}, err
	}
	projected := Totals{Session: cur.Session + units, Daily: cur.Daily + units}
	if err := t.exceeded(projected); err != nil {
		t.logger.Warn().
			Str("user_id", userID).
			Str("session_id", sessionID).
			Int("units", units).
			Int("session_total", cur.Session).
			Int("daily_total", cur.Daily).
			Msg("token_budget_precheck_failed")
		return cur, err
	}
	return cur, nil
}

// Record appends the usage and returns the updated totals. The entry is
// committed even when it pushes a total over its ceiling; the returned error
// is then an *ExceededError.
func (t *Tracker) Record(ctx context.Context, u Usage) (Totals, error) {
	if strings.TrimSpace(u.SessionID) == "" {
		return Totals{}, errors.New("budget: empty session id")
	}
	if u.Units < 0 {
		return Totals{}, errors.Errorf("budget: negative units %d", u.Units)
	}
	e := Entry{
		ID:        uuid.NewString(),
		UserID:    u.UserID,
		SessionID: u.SessionID,
		MemoryID:  u.MemoryID,
		Agent:     u.Agent,
		Operation: u.Operation,
		Units:     u.Units,
		At:        t.now().UTC(),
	}
	if err := t.ledger.Append(ctx, e); err != nil {
		return Totals{}, errors.Wrap(err, "budget: append")
	}

	totals, err := t.Totals(ctx, u.UserID, u.SessionID)
	if err != nil {
		return Totals{}, err
	}
	t.logger.Info().
		Str("user_id", u.UserID).
		Str("session_id", u.SessionID).
		Str("agent", u.Agent).
		Str("operation", u.Operation).
		Int("tokens", u.Units).
		Int("session_total", totals.Session).
		Int("daily_total", totals.Daily).
		Msg("token_usage")

	t.checkAgentBudget(ctx, u)

	if err := t.exceeded(totals); err != nil {
		t.logger.Error().
			Str("user_id", u.UserID).
			Str("session_id", u.SessionID).
			Err(err).
			Msg("token_budget_exceeded")
		return totals, err
	}

	ratio := float64(totals.Session) / float64(t.limits.MaxPerSession)
	if ratio >= t.limits.WarningThreshold {
		t.logger.Warn().
			Str("user_id", u.UserID).
			Str("session_id", u.SessionID).
			Int("session_total", totals.Session).
			Int("limit", t.limits.MaxPerSession).
			Float64("ratio", ratio).
			Msg("token_budget_warning")
	}
	return totals, nil
}

// CheckDailyMemories fails once the user has generated MaxMemoriesPerDay
// images in the current UTC day. A non-positive limit disables the check.
func (t *Tracker) CheckDailyMemories(ctx context.Context, userID string) error {
	if t.limits.MaxMemoriesPerDay <= 0 {
		return nil
	}
	n, err := t.ledger.CountOperations(ctx, userID, OpGeneration, DayStart(t.now()))
	if err != nil {
		return errors.Wrap(err, "budget: count memories")
	}
	if n >= t.limits.MaxMemoriesPerDay {
		return errors.Wrapf(ErrMemoryQuotaExceeded, "%d/%d memories today", n, t.limits.MaxMemoriesPerDay)
	}
	return nil
}

// AgentBudget returns the soft ceiling for agent.
func (t *Tracker) AgentBudget(agent string) int {
	if b, ok := t.limits.AgentBudgets[agent]; ok {
		return b
	}
	return defaultAgentBudget
}

func (t *Tracker) checkAgentBudget(ctx context.Context, u Usage) {
	used, err := t.ledger.AgentTotal(ctx, u.SessionID, u.Agent)
	if err != nil {
		t.logger.Warn().Err(err).Str("agent", u.Agent).Msg("agent budget lookup failed")
		return
	}
	if budget := t.AgentBudget(u.Agent); used > budget {
		t.logger.Warn().
			Str("session_id", u.SessionID).
			Str("agent", u.Agent).
			Int("used", used).
			Int("budget", budget).
			Msg("agent_budget_exceeded")
	}
}

func (t *Tracker) exceeded(totals Totals) error {
	if totals.Session > t.limits.MaxPerSession {
		return &ExceededError{Scope: ScopeSession, Total: totals.Session, Limit: t.limits.MaxPerSession}
	}
	if totals.Daily > t.limits.MaxPerUserDaily {
		return &ExceededError{Scope: ScopeDaily, Total: totals.Daily, Limit: t.limits.MaxPerUserDaily}
	}
	return nil
}
