package web

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/goroutine"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = 30 * time.Second
)

// Origins are checked by sameOrigin and again by the upgrader's default check.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Watch message types.
const (
	watchTypeStatus  = "status"
	watchTypeMetrics = "metrics"
)

type watchMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// watch pushes Metrics while the engine is active. Nothing is sent while it is
// inactive apart from the initial status.
func (s *Server) watch(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.watchCtx)
	defer cancel()

	// The read side only exists to process pongs and notice the client leaving
	goroutine.SafeGo(s.log, "watch-reader", func() {
		defer cancel()
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(watchPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(watchPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("watch client read error", "error", err)
				}
				return
			}
		}
	})

	send := make(chan model.Metrics, 1)
	goroutine.SafeGo(s.log, "watch-poller", func() {
		s.backend.Poll(ctx, func(m model.Metrics) {
			select {
			case send <- m:
			default:
				// Client is slow; it gets the next sample instead
			}
		})
	})

	write := func(msg watchMessage) error {
		conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		return conn.WriteJSON(msg)
	}

	if err := write(watchMessage{Type: watchTypeStatus, Data: s.backend.Status()}); err != nil {
		return
	}

	ticker := time.NewTicker(watchPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case m := <-send:
			if err := write(watchMessage{Type: watchTypeMetrics, Data: m}); err != nil {
				s.log.Debug("watch write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
