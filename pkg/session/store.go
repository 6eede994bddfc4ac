// Package session owns the session-keyed pipeline state and the per-session
// serialization callers use to keep one utterance in flight per session.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gibbonas/MemAgent/pkg/memory"
)

var (
	ErrEmptySessionID  = errors.New("session: empty session id")
	ErrSessionNotFound = errors.New("session: not found")
)

// Store maps session identifiers to pipeline state.
//
// Get creates a fresh default state for an unseen identifier. Save must be
// called after a mutation for stores that do not hand out live pointers.
type Store interface {
	Get(ctx context.Context, sessionID string) (*memory.State, error)
	Create(ctx context.Context, sessionID string) (*memory.State, error)
	Reset(ctx context.Context, sessionID string) (*memory.State, error)
	Save(ctx context.Context, sessionID string, st *memory.State) error
}

type entry struct {
	state        *memory.State
	lastActivity time.Time
}

// MemoryStore keeps sessions in process memory. Restarting the process loses
// every session. Idle eviction is off unless configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
	busy          func(sessionID string) bool
	onEvict       func(sessionID string)
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*entry{}, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*memory.State, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[sessionID]; ok {
		e.lastActivity = s.now()
		return e.state, nil
	}
	st := memory.NewState()
	s.sessions[sessionID] = &entry{state: st, lastActivity: s.now()}
	return st, nil
}

// Create installs a fresh state, replacing any existing one.
func (s *MemoryStore) Create(_ context.Context, sessionID string) (*memory.State, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	st := memory.NewState()
	s.mu.Lock()
	s.sessions[sessionID] = &entry{state: st, lastActivity: s.now()}
	s.mu.Unlock()
	return st, nil
}

// Reset clears the state in place so holders of the pointer observe it.
func (s *MemoryStore) Reset(ctx context.Context, sessionID string) (*memory.State, error) {
	st, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.Reset()
	return st, nil
}

func (s *MemoryStore) Save(_ context.Context, sessionID string, st *memory.State) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}
	if st == nil {
		return errors.New("session: nil state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[sessionID]; ok {
		e.state = st
		e.lastActivity = s.now()
		return nil
	}
	s.sessions[sessionID] = &entry{state: st, lastActivity: s.now()}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetEvictionConfig enables dropping sessions idle for at least idle, checked
// every interval. busy, when set, protects sessions with work in flight.
func (s *MemoryStore) SetEvictionConfig(idle, interval time.Duration, busy func(sessionID string) bool) {
	s.mu.Lock()
	s.evictIdle = idle
	s.evictInterval = interval
	s.busy = busy
	s.mu.Unlock()
}

// SetOnEvict registers fn to run, outside the store lock, for every session
// removed by idle eviction.
func (s *MemoryStore) SetOnEvict(fn func(sessionID string)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

func (s *MemoryStore) StartEvictionLoop(ctx context.Context) {
	if ctx == nil {
		panic("session: StartEvictionLoop requires non-nil ctx")
	}
	s.mu.Lock()
	if s.evictRunning {
		s.mu.Unlock()
		return
	}
	idle := s.evictIdle
	interval := s.evictInterval
	if idle <= 0 || interval <= 0 {
		s.mu.Unlock()
		return
	}
	s.evictRunning = true
	s.mu.Unlock()

	go s.runEvictionLoop(ctx, interval)
}

func (s *MemoryStore) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.evictRunning = false
			s.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := s.evictIdleOnce(now); n > 0 {
				log.Info().Str("component", "session").Int("evicted", n).Msg("evicted idle sessions")
			}
		}
	}
}

func (s *MemoryStore) evictIdleOnce(now time.Time) int {
	if now.IsZero() {
		now = s.now()
	}
	s.mu.Lock()
	if s.evictIdle <= 0 {
		s.mu.Unlock()
		return 0
	}
	var evicted []string
	for id, e := range s.sessions {
		if e.lastActivity.IsZero() || now.Sub(e.lastActivity) < s.evictIdle {
			continue
		}
		if s.busy != nil && s.busy(id) {
			continue
		}
		delete(s.sessions, id)
		evicted = append(evicted, id)
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, id := range evicted {
			onEvict(id)
		}
	}
	return len(evicted)
}
