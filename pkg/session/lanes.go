package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	RequestQueued    = "queued"
	RequestRunning   = "running"
	RequestCompleted = "completed"
	RequestError     = "error"

	maxRecordsPerSession = 64
)

// RequestRecord tracks one keyed request on a session lane.
type RequestRecord[T any] struct {
	IdempotencyKey string
	Status         string // queued|running|completed|error

	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Response T
	Error    string
}

type lane[T any] struct {
	sem      chan struct{}
	waiting  int
	running  string
	requests map[string]*RequestRecord[T]
	order    []string
	lastUsed time.Time
}

// Lanes runs at most one request per session at a time. Requests carrying an
// idempotency key that already completed get the recorded response back
// without running again.
type Lanes[T any] struct {
	mu    sync.Mutex
	lanes map[string]*lane[T]
	now   func() time.Time
}

func NewLanes[T any]() *Lanes[T] {
	return &Lanes[T]{lanes: map[string]*lane[T]{}, now: time.Now}
}

func (l *Lanes[T]) laneLocked(sessionID string) *lane[T] {
	ln, ok := l.lanes[sessionID]
	if !ok {
		ln = &lane[T]{sem: make(chan struct{}, 1), requests: map[string]*RequestRecord[T]{}}
		l.lanes[sessionID] = ln
	}
	return ln
}

// Do runs fn on the session's lane. An empty idempotency key gets a fresh one
// so the request always runs.
func (l *Lanes[T]) Do(ctx context.Context, sessionID, idempotencyKey string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if strings.TrimSpace(sessionID) == "" {
		return zero, ErrEmptySessionID
	}
	if fn == nil {
		return zero, errors.New("session: nil lane func")
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	l.mu.Lock()
	ln := l.laneLocked(sessionID)
	ln.waiting++
	ln.lastUsed = l.now()
	if _, ok := ln.requests[key]; !ok {
		l.recordLocked(ln, &RequestRecord[T]{IdempotencyKey: key, Status: RequestQueued, EnqueuedAt: l.now()})
	}
	l.mu.Unlock()

	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		l.mu.Lock()
		ln.waiting--
		if rec := ln.requests[key]; rec != nil && rec.Status == RequestQueued {
			rec.Status = RequestError
			rec.Error = ctx.Err().Error()
		}
		l.mu.Unlock()
		return zero, ctx.Err()
	}

	l.mu.Lock()
	rec := ln.requests[key]
	if rec == nil {
		rec = &RequestRecord[T]{IdempotencyKey: key, EnqueuedAt: l.now()}
		l.recordLocked(ln, rec)
	}
	if rec.Status == RequestCompleted {
		resp := rec.Response
		ln.waiting--
		l.mu.Unlock()
		<-ln.sem
		return resp, nil
	}
	rec.Status = RequestRunning
	rec.StartedAt = l.now()
	rec.Error = ""
	ln.running = key
	l.mu.Unlock()

	resp, err := fn(ctx)

	l.mu.Lock()
	rec.CompletedAt = l.now()
	if err != nil {
		rec.Status = RequestError
		rec.Error = err.Error()
	} else {
		rec.Status = RequestCompleted
		rec.Response = resp
	}
	ln.running = ""
	ln.waiting--
	ln.lastUsed = rec.CompletedAt
	l.mu.Unlock()
	<-ln.sem

	return resp, err
}

func (l *Lanes[T]) recordLocked(ln *lane[T], rec *RequestRecord[T]) {
	ln.requests[rec.IdempotencyKey] = rec
	ln.order = append(ln.order, rec.IdempotencyKey)
	for len(ln.order) > maxRecordsPerSession {
		oldest := ln.order[0]
		if r := ln.requests[oldest]; r != nil && (r.Status == RequestQueued || r.Status == RequestRunning) {
			break
		}
		delete(ln.requests, oldest)
		ln.order = ln.order[1:]
	}
}

// Record returns a copy of the request record for key.
func (l *Lanes[T]) Record(sessionID, idempotencyKey string) (RequestRecord[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[sessionID]
	if !ok {
		return RequestRecord[T]{}, false
	}
	rec, ok := ln.requests[idempotencyKey]
	if !ok {
		return RequestRecord[T]{}, false
	}
	return *rec, true
}

// Busy reports whether the session has a request running or waiting.
func (l *Lanes[T]) Busy(sessionID string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[sessionID]
	if !ok {
		return false
	}
	return ln.running != "" || ln.waiting > 0
}

// Forget drops the lane and its records once the session is idle.
func (l *Lanes[T]) Forget(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[sessionID]
	if !ok {
		return true
	}
	if ln.running != "" || ln.waiting > 0 {
		return false
	}
	delete(l.lanes, sessionID)
	return true
}

// Len returns the number of sessions holding a lane.
func (l *Lanes[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// PruneIdle drops lanes that have been idle for at least idle, along with
// their request records. A replay of a pruned key runs again.
func (l *Lanes[T]) PruneIdle(now time.Time, idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := 0
	for id, ln := range l.lanes {
		if ln.running != "" || ln.waiting > 0 || now.Sub(ln.lastUsed) < idle {
			continue
		}
		delete(l.lanes, id)
		pruned++
	}
	return pruned
}

// StartPruneLoop prunes idle lanes every interval until ctx is done. A
// non-positive idle or interval disables it.
func (l *Lanes[T]) StartPruneLoop(ctx context.Context, idle, interval time.Duration) {
	if ctx == nil {
		panic("session: StartPruneLoop requires non-nil ctx")
	}
	if idle <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := l.PruneIdle(now, idle); n > 0 {
					log.Debug().Str("component", "session").Int("pruned", n).Msg("pruned idle request lanes")
				}
			}
		}
	}()
}
