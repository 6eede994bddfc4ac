// Package webchat exposes the orchestrator over HTTP and streams stage
// transitions to websocket clients.
package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gibbonas/MemAgent/pkg/budget"
	"github.com/gibbonas/MemAgent/pkg/orchestrator"
	"github.com/gibbonas/MemAgent/pkg/session"
)

const (
	DefaultUserID = "local"

	maxBodyBytes = 1 << 20
)

// ChatService is the orchestrator surface the handlers call.
type ChatService interface {
	ProcessMemory(ctx context.Context, text, userID, sessionID string) orchestrator.Result
	StartPickerFlow(ctx context.Context, userID, sessionID string) orchestrator.Result
	StoreReferenceSelection(ctx context.Context, userID, sessionID string, ids, urls []string) orchestrator.Result
	ConfirmReferenceSelection(ctx context.Context, userID, sessionID string, ids, urls []string) orchestrator.Result
	RunGenerationFromStoredRefs(ctx context.Context, userID, sessionID, photoContext string) orchestrator.Result
	PollPickerSelection(ctx context.Context, userID, sessionID string) orchestrator.Result
}

var _ ChatService = &orchestrator.Orchestrator{}

// UsageReader reports ledger totals.
type UsageReader interface {
	Totals(ctx context.Context, userID, sessionID string) (budget.Totals, error)
	Limits() budget.Limits
}

var _ UsageReader = &budget.Tracker{}

type RouterDeps struct {
	Chat  ChatService
	Usage UsageReader
	Hub   *StreamHub
	// Lanes serializes requests per session. A fresh set is created when nil.
	Lanes *session.Lanes[orchestrator.Result]
}

type Router struct {
	chat     ChatService
	usage    UsageReader
	hub      *StreamHub
	lanes    *session.Lanes[orchestrator.Result]
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewRouter(deps RouterDeps) (*Router, error) {
	if deps.Chat == nil {
		return nil, errors.New("webchat: chat service is nil")
	}
	lanes := deps.Lanes
	if lanes == nil {
		lanes = session.NewLanes[orchestrator.Result]()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewStreamHub()
	}
	return &Router{
		chat:     deps.Chat,
		usage:    deps.Usage,
		hub:      hub,
		lanes:    lanes,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   log.With().Str("component", "webchat").Logger(),
	}, nil
}

func (r *Router) Hub() *StreamHub { return r.hub }

func (r *Router) Lanes() *session.Lanes[orchestrator.Result] { return r.lanes }

// Handler mounts the API and websocket routes.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/message", r.post(func(ctx context.Context, b ChatRequestBody) orchestrator.Result {
		return r.chat.ProcessMemory(ctx, b.Message, b.UserID, b.SessionID)
	}, requireMessage))
	mux.HandleFunc("/api/chat/references/start", r.post(func(ctx context.Context, b ChatRequestBody) orchestrator.Result {
		return r.chat.StartPickerFlow(ctx, b.UserID, b.SessionID)
	}, nil))
	mux.HandleFunc("/api/chat/references/store", r.post(func(ctx context.Context, b ChatRequestBody) orchestrator.Result {
		return r.chat.StoreReferenceSelection(ctx, b.UserID, b.SessionID, b.MediaItemIDs, b.BaseURLs)
	}, nil))
	mux.HandleFunc("/api/chat/references/select", r.post(func(ctx context.Context, b ChatRequestBody) orchestrator.Result {
		return r.chat.ConfirmReferenceSelection(ctx, b.UserID, b.SessionID, b.MediaItemIDs, b.BaseURLs)
	}, nil))
	mux.HandleFunc("/api/chat/references/generate", r.post(func(ctx context.Context, b ChatRequestBody) orchestrator.Result {
		return r.chat.RunGenerationFromStoredRefs(ctx, b.UserID, b.SessionID, b.PhotoContext)
	}, nil))
	mux.HandleFunc("/api/chat/references/poll", r.handlePoll)
	mux.HandleFunc("/api/usage", r.handleUsage)
	mux.HandleFunc("/ws", r.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func requireMessage(b ChatRequestBody) string {
	if strings.TrimSpace(b.Message) == "" {
		return "missing message"
	}
	return ""
}

func userFromRequest(req *http.Request, bodyUser string) string {
	if u := strings.TrimSpace(bodyUser); u != "" {
		return u
	}
	if u := strings.TrimSpace(req.Header.Get("X-User-ID")); u != "" {
		return u
	}
	return DefaultUserID
}

var idempotencyHeaders = []string{"Idempotency-Key", "X-Idempotency-Key"}

// requestKey resolves the idempotency key for a POST: headers win over the
// body, and a request without one gets a fresh key so it is never deduplicated.
func requestKey(req *http.Request, bodyKey string) string {
	for _, h := range idempotencyHeaders {
		if k := strings.TrimSpace(req.Header.Get(h)); k != "" {
			return k
		}
	}
	if k := strings.TrimSpace(bodyKey); k != "" {
		return k
	}
	return uuid.NewString()
}

// post builds a handler that decodes the body and runs call on the session's
// lane. A missing session id starts a new session.
func (r *Router) post(call func(ctx context.Context, b ChatRequestBody) orchestrator.Result, validate func(ChatRequestBody) string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body ChatRequestBody
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if validate != nil {
			if msg := validate(body); msg != "" {
				http.Error(w, msg, http.StatusBadRequest)
				return
			}
		}
		body.SessionID = strings.TrimSpace(body.SessionID)
		if body.SessionID == "" {
			body.SessionID = uuid.NewString()
		}
		body.UserID = userFromRequest(req, body.UserID)
		key := requestKey(req, body.IdempotencyKey)
		r.runOnLane(w, req, body.SessionID, key, func(ctx context.Context) orchestrator.Result {
			return call(ctx, body)
		})
	}
}

func (r *Router) runOnLane(w http.ResponseWriter, req *http.Request, sessionID, key string, call func(ctx context.Context) orchestrator.Result) {
	res, err := r.lanes.Do(req.Context(), sessionID, key, func(ctx context.Context) (orchestrator.Result, error) {
		return call(ctx), nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Str("idempotency_key", key).Msg("request not run")
		http.Error(w, "request canceled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r.logger, http.StatusOK, res.With("session_id", sessionID))
}

func (r *Router) handlePoll(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := req.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	userID := userFromRequest(req, q.Get("user_id"))
	// Polls are reads from the client's point of view; each one runs.
	r.runOnLane(w, req, sessionID, uuid.NewString(), func(ctx context.Context) orchestrator.Result {
		return r.chat.PollPickerSelection(ctx, userID, sessionID)
	})
}

func (r *Router) handleUsage(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.usage == nil {
		http.Error(w, "usage not enabled", http.StatusNotFound)
		return
	}
	q := req.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	userID := userFromRequest(req, q.Get("user_id"))
	totals, err := r.usage.Totals(req.Context(), userID, sessionID)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("usage lookup failed")
		http.Error(w, "usage lookup failed", http.StatusInternalServerError)
		return
	}
	limits := r.usage.Limits()
	resp := UsageResponse{
		SessionID:         sessionID,
		UserID:            userID,
		SessionTotal:      totals.Session,
		DailyTotal:        totals.Daily,
		MaxPerSession:     limits.MaxPerSession,
		MaxPerUserDaily:   limits.MaxPerUserDaily,
		MaxMemoriesPerDay: limits.MaxMemoriesPerDay,
	}
	if limits.MaxPerSession > 0 {
		resp.SessionRatio = float64(totals.Session) / float64(limits.MaxPerSession)
	}
	writeJSON(w, r.logger, http.StatusOK, resp)
}

func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	sessionID := strings.TrimSpace(req.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	if err := r.hub.Attach(sessionID, conn); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
		_ = conn.Close()
	}
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("response write failed")
	}
}
