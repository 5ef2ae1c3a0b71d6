package srv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/parley/pkg/logger"
)

const (
	sendBufferSize    = 100
	controlBufferSize = 5
)

// Client is one joined socket: a subscriber of exactly one conversation.
//
// Run is the only goroutine that writes to the connection. The read loop in
// WebSocketHandler.Handle queues pongs through the control channel, and the
// hub delivers echoes through the send channel without ever blocking.
//
// Close may be called from the read loop, the writer, the hub (on overflow)
// and hub shutdown. It only closes done and the connection, never the
// channels the hub writes to, so a concurrent delivery cannot panic.
type Client struct {
	conn         *wsCloser
	send         chan Echo
	control      chan control
	done         chan struct{}
	ID           string
	Username     string
	Conversation string
	closeOnce    sync.Once
	closed       atomic.Bool
}

// NewClient creates a client for username joined to conversation. conn may be
// nil when the client is driven directly by tests.
func NewClient(id, username, conversation string, conn *wsCloser) *Client {
	return &Client{
		ID:           id,
		Username:     username,
		Conversation: conversation,
		conn:         conn,
		send:         make(chan Echo, sendBufferSize),
		control:      make(chan control, controlBufferSize),
		done:         make(chan struct{}),
	}
}

// Run writes echoes, queued control frames and periodic pings until the
// client is closed, ctx is cancelled or a write fails.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pingSeq int64

	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "client context cancelled, shutting down", logger.Fields{"client_id": c.ID})
			return

		case <-c.done:
			logger.Debug(ctx, "client done signal received", logger.Fields{"client_id": c.ID})
			return

		case <-pingTicker.C:
			pingSeq++
			ping := control{Type: TypePing, Seq: []byte(fmt.Sprint(pingSeq))}
			if err := c.write(ping, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}

		case ctrl := <-c.control:
			if err := c.write(ctrl, writeTimeout); err != nil {
				logger.Warn(ctx, "client control frame send failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
				return
			}

		case echo := <-c.send:
			if err := c.write(echo, writeTimeout); err != nil {
				logger.Warn(ctx, "client echo send failed", logger.Fields{
					"client_id":  c.ID,
					"message_id": echo.Message.ID.String(),
					"error":      err.Error(),
				})
				return
			}
		}
	}
}

func (c *Client) write(msg any, timeout time.Duration) error {
	if c.conn == nil {
		return fmt.Errorf("client %s has no connection", c.ID)
	}
	if err := c.conn.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(c.conn.ws, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// deliver queues echo without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *Client) deliver(echo Echo) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case c.send <- echo:
		return true
	default:
		return false
	}
}

// queueControl queues a control frame, dropping it when the buffer is full.
func (c *Client) queueControl(frame control) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case c.control <- frame:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the connection. Safe to call repeatedly
// from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
				logger.Debug(context.Background(), "client connection close failed", logger.Fields{"client_id": c.ID, "error": err.Error()})
			}
		}
	})
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// wsCloser closes a socket exactly once; the writer, the hub and the
// handler all hold it.
type wsCloser struct {
	ws        *websocket.Conn
	err       error
	closeOnce sync.Once
}

// Close closes the connection. Later calls return the first call's error.
func (wc *wsCloser) Close() error {
	wc.closeOnce.Do(func() {
		wc.err = wc.ws.Close()
	})
	return wc.err
}
