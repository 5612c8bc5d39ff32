// Package realtime keeps persistent client connections, groups them into user and chat rooms
// and routes presence, typing and delivery events between them.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MemberResolver returns the current member ids of a chat
type MemberResolver interface {
	ChatMembers(ctx context.Context, chatID string) ([]string, error)
}

// MemberResolverFunc adapts a function to MemberResolver
type MemberResolverFunc func(ctx context.Context, chatID string) ([]string, error)

func (f MemberResolverFunc) ChatMembers(ctx context.Context, chatID string) ([]string, error) {
	return f(ctx, chatID)
}

type Option interface {
	apply(*Hub)
}

type optionFunc func(*Hub)

func (f optionFunc) apply(h *Hub) { f(h) }

// WithConfig overrides DefaultConfig
func WithConfig(cfg Config) Option {
	return optionFunc(func(h *Hub) {
		h.cfg = cfg.sanitize()
	})
}

// WithResolver lets the hub look up chat members for id-only references and room joins
func WithResolver(r MemberResolver) Option {
	return optionFunc(func(h *Hub) {
		h.resolver = r
	})
}

// WithCheckOrigin sets the websocket upgrader origin check
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return optionFunc(func(h *Hub) {
		h.upgrader.CheckOrigin = f
	})
}

// WithRegisterer registers hub metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return optionFunc(func(h *Hub) {
		h.registerer = reg
	})
}

// Hub owns every live connection and the room table. It is safe for concurrent use.
type Hub struct {
	logger     *zap.SugaredLogger
	verifier   auth.Verifier
	resolver   MemberResolver
	cfg        Config
	upgrader   websocket.Upgrader
	parsers    fastjson.ParserPool
	metrics    *metrics
	registerer prometheus.Registerer

	mu     sync.RWMutex
	rooms  map[string]map[*conn]struct{}
	conns  map[*conn]struct{}
	closed bool

	wg sync.WaitGroup
}

func New(logger *zap.SugaredLogger, verifier auth.Verifier, opts ...Option) (*Hub, error) {
	h := &Hub{
		logger:   logger,
		verifier: verifier,
		cfg:      DefaultConfig(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		metrics: newMetrics(),
		rooms:   make(map[string]map[*conn]struct{}),
		conns:   make(map[*conn]struct{}),
	}

	for _, o := range opts {
		o.apply(h)
	}

	if h.registerer != nil {
		if err := h.metrics.register(h.registerer); err != nil {
			return nil, err
		}
	}

	return h, nil
}

func userRoom(id string) string { return "user:" + id }
func chatRoom(id string) string { return "chat:" + id }

// ServeHTTP authenticates the handshake and upgrades the connection.
// The token is taken from the "token" query parameter, the Authorization header or the token cookie.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.FromRequest(r)
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.metrics.rejected.Inc()
		h.logger.Debugf("Rejected realtime handshake from %s: %v", r.RemoteAddr, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"authentication error"}`))
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("Realtime upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := &conn{
		id:       xid.New().String(),
		hub:      h,
		ws:       ws,
		identity: identity,
		send:     make(chan []byte, h.cfg.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.EventRate), h.cfg.EventBurst),
		rooms:    make(map[string]struct{}),
	}

	if !h.register(c) {
		_ = ws.Close()
		return
	}

	h.logger.Infof("Realtime connection %s opened for user %s", c.id, identity.ID)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// register adds c, subscribes it to its user room and queues the connected event
func (h *Hub) register(c *conn) bool {
	b, err := encode(EventConnected, map[string]string{"id": c.identity.ID})
	if err != nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.joinLocked(c, userRoom(c.identity.ID))
	h.deliverLocked(c, b)
	h.metrics.connections.Inc()

	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.conns, c)
	close(c.send)
	h.mu.Unlock()

	h.metrics.connections.Dec()
	h.logger.Infof("Realtime connection %s closed for user %s", c.id, c.identity.ID)
}

func (h *Hub) joinLocked(c *conn, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *conn, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) join(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.closed {
		h.joinLocked(c, room)
	}
}

// deliverLocked queues b without blocking. A full buffer drops the frame, the connection stays.
// h.mu must be held.
func (h *Hub) deliverLocked(c *conn, b []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		h.metrics.delivered.Inc()
		return true
	default:
		h.metrics.dropped.WithLabelValues("slow_consumer").Inc()
		h.logger.Warnf("Send buffer of connection %s is full, dropping frame", c.id)
		return false
	}
}

func (h *Hub) send(c *conn, b []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deliverLocked(c, b)
}

// emitToRoom queues b to every connection in room except skip
func (h *Hub) emitToRoom(room string, skip *conn, b []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.rooms[room] {
		if c == skip {
			continue
		}
		if h.deliverLocked(c, b) {
			n++
		}
	}
	return n
}

// emitToUsers queues b to every connection of userIDs except those of excludeID
func (h *Hub) emitToUsers(userIDs []string, excludeID string, b []byte) int {
	seen := make(map[string]struct{}, len(userIDs))

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, id := range userIDs {
		if id == "" || id == excludeID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		for c := range h.rooms[userRoom(id)] {
			if h.deliverLocked(c, b) {
				n++
			}
		}
	}
	return n
}

// NotifyMessage emits message-received to the user rooms of the message's chat members and of also,
// never to the sender. It returns the number of connections the frame was queued to.
func (h *Hub) NotifyMessage(m storage.Message, also ...string) int {
	b, err := encode(EventMessageReceived, m)
	if err != nil {
		h.logger.Errorf("Encoding message %s: %v", m.ID, err)
		return 0
	}

	targets := make([]string, 0, len(also)+4)
	if m.Chat != nil {
		targets = append(targets, m.Chat.MemberIDs()...)
	}
	targets = append(targets, also...)

	exclude := ""
	if m.Sender != nil {
		exclude = m.Sender.ID
	}

	return h.emitToUsers(targets, exclude, b)
}

// Online returns the number of open connections of userID
func (h *Hub) Online(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userRoom(userID)])
}

// Shutdown closes every connection and waits for their goroutines until ctx is done.
// Later handshakes are refused.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.logger.Infof("Closing %d realtime connections", len(conns))

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
		_ = c.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
