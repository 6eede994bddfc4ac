package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gibbonas/MemAgent/pkg/events"
)

const (
	frameHello = "ws.hello"
	framePong  = "ws.pong"
	frameStage = "stage.changed"
)

// StageSource is the subscription side of the event bus.
type StageSource interface {
	Subscribe(ctx context.Context) (<-chan events.StageChanged, error)
}

type wsFrame struct {
	Type       string               `json:"type"`
	SessionID  string               `json:"session_id"`
	ServerTime int64                `json:"server_time,omitempty"`
	Event      *events.StageChanged `json:"event,omitempty"`
}

// StreamHub fans stage events out to the websocket connections of each
// session. One bus subscription serves every connection.
type StreamHub struct {
	mu     sync.Mutex
	pools  map[string]*ConnectionPool
	logger zerolog.Logger
}

func NewStreamHub() *StreamHub {
	return &StreamHub{
		pools:  map[string]*ConnectionPool{},
		logger: log.With().Str("component", "webchat").Logger(),
	}
}

// Run dispatches events from src until ctx is done or the subscription
// closes.
func (h *StreamHub) Run(ctx context.Context, src StageSource) error {
	if h == nil {
		return errors.New("stream hub is not initialized")
	}
	if src == nil {
		return errors.New("stream hub: event source is nil")
	}
	ch, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			h.Dispatch(ev)
		}
	}
}

// Dispatch sends ev to the connections watching its session.
func (h *StreamHub) Dispatch(ev events.StageChanged) {
	if h == nil {
		return
	}
	h.mu.Lock()
	pool := h.pools[ev.SessionID]
	h.mu.Unlock()
	if pool == nil {
		return
	}
	b, err := json.Marshal(wsFrame{Type: frameStage, SessionID: ev.SessionID, Event: &ev})
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", ev.SessionID).Msg("stage frame marshal failed")
		return
	}
	pool.Broadcast(b)
}

func (h *StreamHub) pool(sessionID string) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pools[sessionID]
	if !ok {
		p = NewConnectionPool(sessionID)
		h.pools[sessionID] = p
	}
	return p
}

func (h *StreamHub) detach(sessionID string, conn wsConn) {
	h.mu.Lock()
	p := h.pools[sessionID]
	h.mu.Unlock()
	if p == nil {
		return
	}
	p.Remove(conn)
	h.mu.Lock()
	if p.Count() == 0 && h.pools[sessionID] == p {
		delete(h.pools, sessionID)
	}
	h.mu.Unlock()
}

// Count returns the number of connections watching sessionID.
func (h *StreamHub) Count(sessionID string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	p := h.pools[sessionID]
	h.mu.Unlock()
	return p.Count()
}

// Attach registers conn for sessionID, greets it and answers pings until the
// peer goes away.
func (h *StreamHub) Attach(sessionID string, conn *websocket.Conn) error {
	if h == nil {
		return errors.New("stream hub is not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}

	p := h.pool(sessionID)
	p.Add(conn)
	wsLog := h.logger.With().Str("remote", conn.RemoteAddr().String()).Str("session_id", sessionID).Logger()
	wsLog.Info().Msg("ws connected")
	if b, err := json.Marshal(wsFrame{Type: frameHello, SessionID: sessionID, ServerTime: time.Now().UnixMilli()}); err == nil {
		p.SendToOne(conn, b)
	}

	go func() {
		defer h.detach(sessionID, conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage || !isPing(data) {
				continue
			}
			if b, err := json.Marshal(wsFrame{Type: framePong, SessionID: sessionID, ServerTime: time.Now().UnixMilli()}); err == nil {
				p.SendToOne(conn, b)
			}
		}
	}()
	return nil
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	t, _ := v["type"].(string)
	return strings.EqualFold(t, "ws.ping")
}

func (h *StreamHub) CloseAll() {
	if h == nil {
		return
	}
	h.mu.Lock()
	pools := h.pools
	h.pools = map[string]*ConnectionPool{}
	h.mu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
}
