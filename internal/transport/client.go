// Package transport is the realtime WebSocket channel to the chat server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Handler receives every valid frame, in arrival order, from the read loop.
type Handler interface {
	HandleFrame(ctx context.Context, f Frame)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, f Frame)

func (h HandlerFunc) HandleFrame(ctx context.Context, f Frame) { h(ctx, f) }

// Config configures a Client.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

// Opt configures a Client.
type Opt func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Opt {
	return func(c *Client) { c.logger = l }
}

// WithToken sets the bearer token source used on dial.
func WithToken(token func() string) Opt {
	return func(c *Client) { c.token = token }
}

// WithHeartbeat sets a callback run for every frame and pong received.
func WithHeartbeat(fn func()) Opt {
	return func(c *Client) { c.heartbeat = fn }
}

// Client dials the channel and runs its read and ping loops. It satisfies
// connstate.Dialer; one connection is open at a time.
type Client struct {
	cfg       Config
	handler   Handler
	token     func() string
	heartbeat func()
	logger    *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// New creates a client that delivers frames to h.
func New(cfg Config, h Handler, opts ...Opt) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	c := &Client{
		cfg:       cfg,
		handler:   h,
		token:     func() string { return "" },
		heartbeat: func() {},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial opens a connection. When it later ends for any reason, closed is
// called once with the cause.
func (c *Client) Dial(ctx context.Context, closed func(error)) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if tok := c.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	runCtx, runCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		_ = c.conn.CloseNow()
	}
	c.conn, c.cancel = conn, runCancel
	c.mu.Unlock()

	c.logger.Info("realtime channel open", zap.String("url", c.cfg.URL))
	go c.readLoop(runCtx, conn, closed)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(runCtx, conn)
	}
	return nil
}

// Close drops the current connection without waiting for a close handshake.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()
	return conn.CloseNow()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, closed func(error)) {
	var err error
	for {
		var typ websocket.MessageType
		var data []byte
		typ, data, err = conn.Read(ctx)
		if err != nil {
			break
		}
		c.heartbeat()

		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", zap.Int("bytes", len(data)))
			continue
		}
		f, perr := Parse(data)
		switch {
		case errors.Is(perr, ErrUnknownFrame):
			c.logger.Debug("ignoring frame", zap.Error(perr))
			continue
		case perr != nil:
			c.logger.Warn("dropping invalid frame", zap.Error(perr), zap.ByteString("frame", data))
			continue
		}
		if _, ok := f.(KeepAlive); ok {
			continue
		}
		c.handler.HandleFrame(ctx, f)
	}

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = nil
	}
	c.logger.Info("realtime channel closed", zap.Error(err))
	closed(err)
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("ping failed", zap.Error(err))
				}
				return
			}
			c.heartbeat()
		}
	}
}
