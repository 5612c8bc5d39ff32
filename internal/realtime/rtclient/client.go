// Package rtclient is a realtime client that reconnects with bounded exponential backoff.
package rtclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"realtime-chat/internal/realtime"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized is terminal, a new token is needed
	ErrUnauthorized     = errors.New("realtime handshake rejected")
	ErrRetriesExhausted = errors.New("realtime reconnect retries exhausted")
	ErrNotConnected     = errors.New("realtime client is not connected")
)

// Handler receives every inbound event. It runs on the read goroutine.
type Handler func(event string, data []byte)

type Option interface {
	apply(*Client)
}

type optionFunc func(*Client)

func (f optionFunc) apply(c *Client) { f(c) }

func WithBackoff(b Backoff) Option {
	return optionFunc(func(c *Client) {
		c.backoff = b
	})
}

func WithDialer(d *websocket.Dialer) Option {
	return optionFunc(func(c *Client) {
		c.dialer = d
	})
}

type Client struct {
	logger  *zap.SugaredLogger
	url     string
	token   string
	backoff Backoff
	dialer  *websocket.Dialer

	mu sync.Mutex
	ws *websocket.Conn
}

func New(logger *zap.SugaredLogger, url, token string, opts ...Option) *Client {
	c := &Client{
		logger:  logger,
		url:     url,
		token:   token,
		backoff: DefaultBackoff(),
		dialer:  websocket.DefaultDialer,
	}
	for _, o := range opts {
		o.apply(c)
	}
	return c
}

// Run keeps a connection open and passes events to handle until ctx is done.
// It returns ErrUnauthorized when the handshake is refused and ErrRetriesExhausted after
// MaxRetries consecutive failed reconnects.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	attempt := 0
	for {
		if attempt > 0 {
			delay := c.backoff.Delay(attempt)
			c.logger.Infof("Reconnecting to %s in %s (attempt %d)", c.url, delay, attempt)

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return ErrUnauthorized
			}
			if attempt >= c.backoff.MaxRetries {
				return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			}
			attempt++
			continue
		}

		c.setConn(ws)
		err = c.read(ctx, ws, handle)
		c.setConn(nil)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warnf("Realtime connection lost: %v", err)
		attempt = 1
	}
}

func (c *Client) read(ctx context.Context, ws *websocket.Conn, handle Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()
	defer ws.Close()

	for {
		var f realtime.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		handle(f.Event, f.Data)
	}
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// Emit sends an event on the current connection
func (c *Client) Emit(event string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteJSON(map[string]interface{}{"event": event, "data": data})
}
