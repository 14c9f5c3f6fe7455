package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nhle/applytrack/internal/eventbus"
	"github.com/nhle/applytrack/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// streamBuffer is the per-listener event backlog before drops.
	streamBuffer = 256
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// logStream pushes the ingestion log to one websocket listener: first the
// persisted tail after since, then live events. Log entries are sent at
// most once and in id order; a gap left by dropped live events is filled
// from the store.
type logStream struct {
	h      *handler
	conn   *websocket.Conn
	sub    *eventbus.Subscription
	lastID int64
	drops  int64
}

func (h *handler) streamLogs(c *gin.Context) {
	if h.d.Journal == nil || h.d.Journal.Bus() == nil {
		unavailable(c, "live events are not enabled")
		return
	}
	since, ok := queryInt(c, "since", 0)
	if !ok {
		return
	}

	upgrader := newUpgrader(h.d.AllowedOrigins)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// Subscribe before reading the tail so nothing falls between the two.
	bus := h.d.Journal.Bus()
	sub := bus.Subscribe(streamBuffer)
	defer bus.Unsubscribe(sub)

	s := &logStream{h: h, conn: conn, sub: sub, lastID: since}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go s.readPump(cancel)
	s.writePump(ctx)
}

// readPump discards client frames and keeps the read deadline fresh; it
// cancels the stream when the peer goes away.
func (s *logStream) readPump(cancel context.CancelFunc) {
	defer cancel()

	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.h.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
	}
}

func (s *logStream) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	if err := s.catchUp(ctx); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			if dropped := s.sub.Dropped(); dropped > s.drops {
				s.drops = dropped
				if err := s.catchUp(ctx); err != nil {
					return
				}
			}
			if err := s.send(ev); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// catchUp sends every persisted entry after lastID.
func (s *logStream) catchUp(ctx context.Context) error {
	for {
		entries, err := s.h.d.Store.TailLog(ctx, s.lastID, maxLogLimit)
		if err != nil {
			s.h.logger.Warn("stream catch-up", zap.Error(err))
			return err
		}
		for _, e := range entries {
			if err := s.send(eventbus.Event{Type: eventbus.TypeLog, Time: e.Timestamp, Payload: e}); err != nil {
				return err
			}
		}
		if len(entries) < maxLogLimit {
			return nil
		}
	}
}

func (s *logStream) send(ev eventbus.Event) error {
	if ev.Type == eventbus.TypeLog {
		entry, ok := ev.Payload.(model.LogEntry)
		if ok {
			if entry.ID <= s.lastID {
				return nil
			}
			s.lastID = entry.ID
		}
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(ev); err != nil {
		s.h.logger.Debug("websocket write", zap.Error(err))
		return err
	}
	return nil
}
