package realtime

import (
	"errors"
	"time"

	"realtime-chat/internal/auth"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// conn is one authenticated client connection. rooms and closed are guarded by hub.mu.
type conn struct {
	id       string
	hub      *Hub
	ws       *websocket.Conn
	identity auth.Identity
	send     chan []byte
	limiter  *rate.Limiter

	rooms  map[string]struct{}
	closed bool
}

func (c *conn) readPump() {
	h := c.hub
	defer func() {
		h.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				h.logger.Warnf("Connection %s sent a frame over %d bytes", c.id, h.cfg.MaxFrameBytes)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				h.logger.Debugf("Connection %s read error: %v", c.id, err)
			}
			return
		}

		if !c.limiter.Allow() {
			h.metrics.dropped.WithLabelValues("rate_limited").Inc()
			h.logger.Warnf("Connection %s exceeded event rate, dropping event", c.id)
			continue
		}

		h.handle(c, raw)
	}
}

func (c *conn) writePump() {
	h := c.hub
	ticker := time.NewTicker(h.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debugf("Connection %s write error: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
