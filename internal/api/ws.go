package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

const (
	// Standard gorilla keepalive cadence: ping often enough that a healthy
	// client's pong always lands inside the read deadline.
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second

	wsSendBuffer     = 128
	wsMaxBacklog     = 200
	wsDefaultBacklog = 25
)

// Access control happens before the upgrade (token middleware or loopback
// bind), so cross-origin upgrades are fine here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireEvent is the stream frame. Data is the publisher's event payload
// serialized as-is.
type wireEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// streamEvents upgrades the connection and re-streams bus events. The
// optional ?backlog=N query replays the latest stored change events first;
// ?prefix= narrows the live stream to one event family ("monitor.",
// "dispatch.", ...).
func (s *Service) streamEvents(c *gin.Context) {
	if s.deps.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus unavailable"})
		return
	}

	backlog := wsDefaultBacklog
	if raw := c.Query("backlog"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n <= wsMaxBacklog {
			backlog = n
		}
	}
	prefix := c.Query("prefix")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}

	remote := conn.RemoteAddr().String()
	s.log.Info("event stream connected", logx.String("remote", remote), logx.String("prefix", prefix))

	events, unsubscribe := s.deps.Bus.SubscribeFilter(wsSendBuffer, prefix)
	defer unsubscribe()

	done := make(chan struct{})

	// Read loop: discard client frames, surface closure via done.
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		_ = conn.Close()
		s.log.Info("event stream disconnected", logx.String("remote", remote))
	}()

	if backlog > 0 && s.deps.Store != nil {
		if err := s.sendBacklog(c.Request.Context(), conn, s.deps.Store, backlog); err != nil {
			return
		}
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wireEvent{Type: ev.Type, Time: ev.Time, Data: ev.Data}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendBacklog replays stored change events oldest-first so the live stream
// continues chronologically.
func (s *Service) sendBacklog(ctx context.Context, conn *websocket.Conn, st storage.Store, limit int) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	events, err := st.ListEvents(cctx, limit)
	cancel()
	if err != nil {
		s.log.Debug("event backlog unavailable", logx.Err(err))
		return nil
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(wireEvent{Type: "watch.change", Time: ev.At, Data: ev}); err != nil {
			return err
		}
	}
	return nil
}

func auditEntry(action, targetID string, err error) storage.AuditEntry {
	e := storage.AuditEntry{
		At:       time.Now(),
		Actor:    "api",
		Action:   action,
		TargetID: targetID,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
