// Package server drives the lifecycle of individual WebSocket
// connections: registration with the presence registry, the inbound
// read loop, and guaranteed cleanup on every exit path.
package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loftchat/loft/internal/registry"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

// Client owns one WebSocket connection from upgrade to teardown. The
// read loop runs on the goroutine that calls serve; the outbound queue
// forwarder runs on its own goroutine.
type Client struct {
	conn     *websocket.Conn
	registry *registry.Registry
	handler  MessageHandler
	cc       registry.ConnContext
	queue    *registry.Queue

	rateLimiter *rateLimiter
	rateLimit   RateLimitConfig

	logger *zap.Logger
}

func newClient(conn *websocket.Conn, reg *registry.Registry, handler MessageHandler, cc registry.ConnContext, logger *zap.Logger) *Client {
	cfg := currentConfig()
	conn.SetReadLimit(cfg.MaxMessageSize)

	return &Client{
		conn:        conn,
		registry:    reg,
		handler:     handler,
		cc:          cc,
		queue:       registry.NewQueue(logger),
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:   cfg.RateLimit,
		logger: logger.With(
			zap.Uint64("conn_id", uint64(cc.ConnID)),
			zap.Int64("user_id", int64(cc.UserID)),
			zap.Int64("group_id", int64(cc.GroupID)),
		),
	}
}

// serve registers the connection, pumps inbound messages until the
// transport ends, and unregisters. Registration failure aborts before
// any registry state exists; after registration, Disconnect runs on
// every exit path.
func (c *Client) serve(ctx context.Context) {
	go c.queue.Forward(&wsWriter{conn: c.conn})

	if err := c.registry.Connect(ctx, c.cc, c.queue); err != nil {
		c.logger.Error("registering connection failed", zap.Error(err))
		c.queue.Close()
		c.closeConnection()
		return
	}
	c.logger.Debug("socket connected")

	defer func() {
		c.registry.Disconnect(c.cc)
		c.closeConnection()
		c.logger.Debug("socket disconnected")
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.dispatch(ctx, rawMessage)
	}
}

// setupReadConnection configures read deadlines and the pong handler for
// the WebSocket connection.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		c.logger.Warn("setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			c.logger.Warn("setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError classifies the error that ended the read loop. Transport
// errors are local to this connection and never propagate further.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("inbound message exceeded size limit", zap.Error(err))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("peer closed connection", zap.Error(err))
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.logger.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected WebSocket close", zap.Error(err))
	default:
		c.logger.Warn("WebSocket read error", zap.Error(err))
	}
}

// checkRateLimit verifies if the client has exceeded rate limits and
// returns true if the message should be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded, discarding message",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("refill_interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// dispatch hands an inbound payload to the message handler. Handler
// errors are logged and do not end the connection.
func (c *Client) dispatch(ctx context.Context, payload []byte) {
	mc := MessageContext{
		UserID:   c.cc.UserID,
		GroupID:  c.cc.GroupID,
		ConnID:   c.cc.ConnID,
		Payload:  payload,
		Registry: c.registry,
	}
	if err := c.handler.Handle(ctx, mc); err != nil {
		c.logger.Warn("message handler rejected payload", zap.Error(err))
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("closing connection", zap.Error(err))
		}
	}
}

// wsWriter adapts a gorilla connection to the registry's FrameWriter.
// Only the queue forwarder writes through it, so no locking is needed.
type wsWriter struct {
	conn *websocket.Conn
}

var _ registry.FrameWriter = (*wsWriter)(nil)

func (w *wsWriter) WriteData(payload []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsWriter) WriteClose(code int, reason string) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (w *wsWriter) WritePing() error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}
