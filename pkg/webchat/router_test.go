package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gibbonas/MemAgent/pkg/budget"
	"github.com/gibbonas/MemAgent/pkg/events"
	"github.com/gibbonas/MemAgent/pkg/memory"
	"github.com/gibbonas/MemAgent/pkg/orchestrator"
)

type recordedCall struct {
	op        string
	userID    string
	sessionID string
	text      string
	ids       []string
	urls      []string
}

type stubChat struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (s *stubChat) record(c recordedCall) orchestrator.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return orchestrator.Result{Status: orchestrator.StatusCollecting, Stage: memory.StageCollecting, Message: c.op + ":" + c.text}
}

func (s *stubChat) ProcessMemory(_ context.Context, text, userID, sessionID string) orchestrator.Result {
	return s.record(recordedCall{op: "message", userID: userID, sessionID: sessionID, text: text})
}

func (s *stubChat) StartPickerFlow(_ context.Context, userID, sessionID string) orchestrator.Result {
	return s.record(recordedCall{op: "start", userID: userID, sessionID: sessionID})
}

func (s *stubChat) StoreReferenceSelection(_ context.Context, userID, sessionID string, ids, urls []string) orchestrator.Result {
	return s.record(recordedCall{op: "store", userID: userID, sessionID: sessionID, ids: ids, urls: urls})
}

func (s *stubChat) ConfirmReferenceSelection(_ context.Context, userID, sessionID string, ids, urls []string) orchestrator.Result {
	return s.record(recordedCall{op: "select", userID: userID, sessionID: sessionID, ids: ids, urls: urls})
}

func (s *stubChat) RunGenerationFromStoredRefs(_ context.Context, userID, sessionID, photoContext string) orchestrator.Result {
	return s.record(recordedCall{op: "generate", userID: userID, sessionID: sessionID, text: photoContext})
}

func (s *stubChat) PollPickerSelection(_ context.Context, userID, sessionID string) orchestrator.Result {
	return s.record(recordedCall{op: "poll", userID: userID, sessionID: sessionID})
}

func (s *stubChat) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestRouter(t *testing.T) (*Router, *stubChat, *budget.Tracker) {
	t.Helper()
	chat := &stubChat{}
	tracker, err := budget.NewTracker(budget.NewMemoryLedger(), budget.DefaultLimits())
	require.NoError(t, err)
	r, err := NewRouter(RouterDeps{Chat: chat, Usage: tracker})
	require.NoError(t, err)
	return r, chat, tracker
}

func postJSON(t *testing.T, h http.Handler, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestMessageEndpoint(t *testing.T) {
	r, chat, _ := newTestRouter(t)
	h := r.Handler()

	rec, out := postJSON(t, h, "/api/chat/message", ChatRequestBody{SessionID: "s1", Message: "my wedding"}, map[string]string{"X-User-ID": "u9"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "collecting", out["status"])
	require.Equal(t, "message:my wedding", out["message"])
	require.Equal(t, "s1", out["session_id"])
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, recordedCall{op: "message", userID: "u9", sessionID: "s1", text: "my wedding"}, chat.calls[0])

	rec, out = postJSON(t, h, "/api/chat/message", ChatRequestBody{Message: "hello"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, out["session_id"])
	require.Equal(t, DefaultUserID, chat.calls[1].userID)

	rec, _ = postJSON(t, h, "/api/chat/message", ChatRequestBody{SessionID: "s1"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/message", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/chat/message", strings.NewReader("{"))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdempotentRetryReturnsRecordedResult(t *testing.T) {
	r, chat, _ := newTestRouter(t)
	h := r.Handler()
	headers := map[string]string{"Idempotency-Key": "k1"}

	_, first := postJSON(t, h, "/api/chat/message", ChatRequestBody{SessionID: "s1", Message: "yes"}, headers)
	_, second := postJSON(t, h, "/api/chat/message", ChatRequestBody{SessionID: "s1", Message: "yes"}, headers)
	require.Equal(t, first, second)
	require.Equal(t, 1, chat.count())

	postJSON(t, h, "/api/chat/message", ChatRequestBody{SessionID: "s1", Message: "yes"}, nil)
	require.Equal(t, 2, chat.count())
}

func TestReferenceEndpoints(t *testing.T) {
	r, chat, _ := newTestRouter(t)
	h := r.Handler()
	body := ChatRequestBody{SessionID: "s1", UserID: "u1", MediaItemIDs: []string{"a"}, BaseURLs: []string{"https://p/a"}, PhotoContext: "Alex on the left"}

	for _, path := range []string{
		"/api/chat/references/start",
		"/api/chat/references/store",
		"/api/chat/references/select",
		"/api/chat/references/generate",
	} {
		rec, _ := postJSON(t, h, path, body, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	require.Len(t, chat.calls, 4)
	require.Equal(t, "start", chat.calls[0].op)
	require.Equal(t, []string{"a"}, chat.calls[1].ids)
	require.Equal(t, []string{"https://p/a"}, chat.calls[2].urls)
	require.Equal(t, "Alex on the left", chat.calls[3].text)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/references/poll?session_id=s1&user_id=u1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "poll", chat.calls[4].op)

	req = httptest.NewRequest(http.MethodGet, "/api/chat/references/poll", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsageEndpoint(t *testing.T) {
	r, _, tracker := newTestRouter(t)
	_, err := tracker.Record(context.Background(), budget.Usage{
		UserID: "u1", SessionID: "s1", Agent: budget.AgentCollector, Operation: budget.OpCollection, Units: 1500,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/usage?session_id=s1&user_id=u1", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out UsageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, 1500, out.SessionTotal)
	require.Equal(t, 1500, out.DailyTotal)
	require.Equal(t, 15000, out.MaxPerSession)
	require.InDelta(t, 0.1, out.SessionRatio, 1e-9)
}

type chanSource struct {
	ch chan events.StageChanged
}

func (c *chanSource) Subscribe(context.Context) (<-chan events.StageChanged, error) {
	return c.ch, nil
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wsFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestWebsocketStreamsStageEvents(t *testing.T) {
	r, _, _ := newTestRouter(t)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	src := &chanSource{ch: make(chan events.StageChanged, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Hub().Run(ctx, src) }()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	hello := readFrame(t, conn)
	require.Equal(t, frameHello, hello.Type)
	require.Equal(t, "s1", hello.SessionID)
	require.Eventually(t, func() bool { return r.Hub().Count("s1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ws.ping"}`)))
	require.Equal(t, framePong, readFrame(t, conn).Type)

	src.ch <- events.StageChanged{SessionID: "other", From: "collecting", To: "completed"}
	src.ch <- events.StageChanged{SessionID: "s1", From: "collecting", To: "ready_for_search"}
	f := readFrame(t, conn)
	require.Equal(t, frameStage, f.Type)
	require.NotNil(t, f.Event)
	require.Equal(t, "s1", f.Event.SessionID)
	require.Equal(t, "ready_for_search", f.Event.To)

	_ = conn.Close()
	require.Eventually(t, func() bool { return r.Hub().Count("s1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRequiresSession(t *testing.T) {
	r, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

type stubConn struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed bool
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return context.DeadlineExceeded
	}
	s.writes = append(s.writes, data)
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func TestConnectionPoolDropsFailedWriters(t *testing.T) {
	pool := NewConnectionPool("s1")
	good, bad := &stubConn{}, &stubConn{fail: true}
	pool.Add(good)
	pool.Add(bad)

	pool.Broadcast([]byte("one"))
	require.Equal(t, 1, pool.Count())
	require.True(t, bad.closed)
	require.Equal(t, [][]byte{[]byte("one")}, good.writes)

	pool.SendToOne(bad, []byte("two"))
	require.Len(t, good.writes, 1)

	pool.CloseAll()
	require.Equal(t, 0, pool.Count())
	require.True(t, good.closed)
}

func TestHubDispatchOnlyToSession(t *testing.T) {
	h := NewStreamHub()
	a, b := &stubConn{}, &stubConn{}
	h.pool("s1").Add(a)
	h.pool("s2").Add(b)

	h.Dispatch(events.StageChanged{SessionID: "s1", From: "collecting", To: "confirm_generation"})
	require.Len(t, a.writes, 1)
	require.Empty(t, b.writes)

	h.detach("s1", a)
	require.Equal(t, 0, h.Count("s1"))
	require.Equal(t, 1, h.Count("s2"))
}

func TestRequestKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Idempotency-Key", " k2 ")
	require.Equal(t, "k2", requestKey(req, "body"))
	req.Header.Set("Idempotency-Key", "k1")
	require.Equal(t, "k1", requestKey(req, "body"))

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	require.Equal(t, "body", requestKey(req, " body "))
	first, second := requestKey(req, ""), requestKey(req, "")
	require.NotEmpty(t, first)
	require.NotEqual(t, first, second)
}
