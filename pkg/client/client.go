// Package client is a Go client for a parley chat server. It fetches a
// single-use ticket over HTTP, joins a conversation over WebSocket and
// reconnects with backoff when the connection drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"
)

// AuthenticationError represents an authentication or authorization failure
// that should not trigger reconnection attempts.
type AuthenticationError struct {
	message string
}

func (e *AuthenticationError) Error() string {
	return e.message
}

// ErrNotConnected is returned by Send while no connection is established.
var ErrNotConnected = errors.New("not connected")

// errClosedDuringJoin means the server hung up inside the join window. That
// is how a rejection looks, but also an expired reservation or a restart.
var errClosedDuringJoin = errors.New("server closed the connection during join")

const (
	// Version is the client library version.
	Version = "v0.1.0"

	// TicketHeader carries the optional channel binding.
	TicketHeader = "Ticket-Header"

	msgTypeField = "type"

	// Read timeout for WebSocket operations.
	// Set to 90s to be longer than server ping interval (54s) to avoid false timeouts.
	readTimeout = 90 * time.Second

	// The server rejects a handshake by closing the socket without a word.
	// A close inside this window after the upgrade is treated as a rejection.
	joinWindow = 500 * time.Millisecond

	// Consecutive closes inside the join window, each with a fresh ticket,
	// before the client gives up on the credential.
	rejectionThreshold = 2

	writeChannelBuffer = 10
	httpTimeout        = 10 * time.Second
)

// Message is a chat message delivered live or read from history.
type Message struct {
	Timestamp        time.Time `json:"timestamp"`
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation"`
	ConversationName string    `json:"conversation_name"`
	From             string    `json:"from_user"`
	FromUserID       string    `json:"-"`
	Content          string    `json:"content"`
}

// HistoryPage is one page of history. Next is empty on the last page.
type HistoryPage struct {
	Next     string    `json:"next"`
	Messages []Message `json:"results"`
}

// Config holds the configuration for the client.
type Config struct {
	Logger         *slog.Logger
	HTTPClient     *http.Client
	OnDisconnect   func(error)
	OnMessage      func(Message)
	OnConnect      func()
	TokenProvider  func() (string, error) // Optional: dynamically provide fresh tokens for reconnection
	ServerURL      string                 // Base URL, e.g. https://chat.example.com
	Token          string
	UserAgent      string // Required: User-Agent in format "client-name/version" (e.g., "myapp/v1.0.0")
	Conversation   string // Join specifier, e.g. "alice.bob"
	ChannelBinding string // Optional value bound to each ticket
	MaxBackoff     time.Duration
	PingInterval   time.Duration
	MaxRetries     int
	NoReconnect    bool
}

// inbound is any frame the server sends.
type inbound struct {
	Seq  json.RawMessage `json:"seq,omitempty"`
	Type string          `json:"type"`
	Name struct {
		UserID string `json:"user_id"`
	} `json:"name"`
	Message Message `json:"message"`
}

type outbound struct {
	Seq     json.RawMessage `json:"seq,omitempty"`
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
}

// Client is a conversation member with automatic reconnection.
// Connection management:
//   - Read loop (readFrames) receives all frames from the server
//   - Write channel (writeCh) serializes all writes through one goroutine
//   - Server sends pings; client responds with pongs
//   - Client also sends pings; server responds with pongs
//
//nolint:govet // Field alignment optimization would reduce readability
type Client struct {
	mu        sync.RWMutex
	config    Config
	logger    *slog.Logger
	http      *http.Client
	baseURL   *url.URL
	ws        *websocket.Conn
	writeCh   chan outbound
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
	received  int
	retries   int
	earlyEOFs int
}

// New creates a new client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("serverURL is required")
	}
	base, err := url.Parse(config.ServerURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("serverURL must be an http(s) URL, got %q", config.ServerURL)
	}
	if config.UserAgent == "" {
		return nil, errors.New("userAgent is required (format: client-name/version, e.g., myapp/v1.0.0)")
	}
	if config.Conversation == "" {
		return nil, errors.New("conversation is required")
	}
	if config.Token == "" && config.TokenProvider == nil {
		return nil, errors.New("token or tokenProvider is required")
	}

	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 2 * time.Minute
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpTimeout}
	}

	return &Client{
		config:    config,
		logger:    logger,
		http:      httpClient,
		baseURL:   base,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// Start connects and keeps reconnecting until ctx is cancelled, Stop is
// called, retries run out or the server rejects the credential.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.stoppedCh)

	var rejected *AuthenticationError
	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.mu.Lock()
			//nolint:gosec // Retry count will not overflow in practice
			c.retries = int(n)
			received := c.received
			c.mu.Unlock()

			c.logger.Warn("connection lost", "error", err, "messages_received", received, "attempt", n+1)
			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(error) bool {
			if c.config.NoReconnect {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}
	if c.config.MaxRetries > 0 {
		//nolint:gosec // MaxRetries is a user-configured value, overflow not a concern
		retryOpts = append(retryOpts, retry.Attempts(uint(c.config.MaxRetries)))
	} else {
		retryOpts = append(retryOpts, retry.UntilSucceeded())
	}

	err := retry.Do(func() error {
		select {
		case <-ctx.Done():
			c.logger.Info("client context cancelled, shutting down")
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			c.logger.Info("client stop requested")
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}

		c.mu.RLock()
		n := c.retries
		c.mu.RUnlock()
		if n == 0 {
			c.logger.Info("connecting", "server", c.config.ServerURL, "conversation", c.config.Conversation)
		} else {
			c.logger.Info("reconnecting", "server", c.config.ServerURL, "conversation", c.config.Conversation, "attempt", n)
		}
		err := c.connect(ctx)
		if errors.As(err, &rejected) {
			c.logger.Error("authentication failed, not reconnecting", "error", err)
			return retry.Unrecoverable(err)
		}
		return err
	}, retryOpts...)
	if rejected != nil {
		return rejected
	}
	return err
}

// Stop gracefully stops the client.
// Safe to call multiple times - only the first call will take effect.
// Also safe to call before Start() or if Start() was never called.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.ws != nil {
			if err := c.ws.Close(); err != nil {
				c.logger.Debug("error closing websocket on shutdown", "error", err)
			}
		}
		c.mu.Unlock()

		select {
		case <-c.stoppedCh:
		case <-time.After(100 * time.Millisecond):
			// Start() was never called or hasn't started yet - that's ok
		}
	})
}

// Send queues content as a chat message. It does not wait for the echo.
func (c *Client) Send(ctx context.Context, content string) error {
	c.mu.RLock()
	ch := c.writeCh
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	select {
	case ch <- outbound{Type: "form_message", Message: content}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrNotConnected
	}
}

func (c *Client) token() (string, error) {
	if c.config.TokenProvider == nil {
		return c.config.Token, nil
	}
	t, err := c.config.TokenProvider()
	if err != nil {
		return "", fmt.Errorf("token provider: %w", err)
	}
	return t, nil
}

func (c *Client) newRequest(ctx context.Context, path string, query url.Values, token string) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.ChannelBinding != "" {
		req.Header.Set(TicketHeader, c.config.ChannelBinding)
	}
	return req, nil
}

// fetchTicket asks the server for a single-use ticket.
func (c *Client) fetchTicket(ctx context.Context, token string) (string, error) {
	req, err := c.newRequest(ctx, "/api/ticket", nil, token)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch ticket: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // body fully read below
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining
		return "", fmt.Errorf("fetch ticket: unexpected status %s", resp.Status)
	}
	var body struct {
		TicketUUID string `json:"ticket_uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode ticket: %w", err)
	}
	if body.TicketUUID == "" {
		return "", errors.New("server returned an empty ticket")
	}
	return body.TicketUUID, nil
}

// History fetches one page of the conversation's history, starting after cursor.
func (c *Client) History(ctx context.Context, cursor string, limit int) (HistoryPage, error) {
	token, err := c.token()
	if err != nil {
		return HistoryPage{}, err
	}
	q := url.Values{"conversation_name": {c.config.Conversation}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	req, err := c.newRequest(ctx, "/api/messages/by_conversation", q, token)
	if err != nil {
		return HistoryPage{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("fetch history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // body fully read below

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return HistoryPage{}, &AuthenticationError{message: "history request rejected: " + resp.Status}
	default:
		return HistoryPage{}, fmt.Errorf("fetch history: unexpected status %s", resp.Status)
	}
	var page HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return HistoryPage{}, fmt.Errorf("decode history: %w", err)
	}
	return page, nil
}

func (c *Client) socketURL(ticketID string) string {
	u := *c.baseURL
	u.Scheme = "ws"
	if c.baseURL.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := url.Values{"ticket_uuid": {ticketID}, "conv_name": {c.config.Conversation}}
	if c.config.ChannelBinding != "" {
		q.Set("ticket_header", c.config.ChannelBinding)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// connect runs one ticket-and-socket session until it ends.
//
//nolint:funlen // connection lifecycle orchestration
func (c *Client) connect(ctx context.Context) error {
	token, err := c.token()
	if err != nil {
		return err
	}
	ticketID, err := c.fetchTicket(ctx, token)
	if err != nil {
		return err
	}

	origin := "http://localhost/"
	if c.baseURL.Scheme == "https" {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(c.socketURL(ticketID), origin)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	wsConfig.Header = http.Header{}
	wsConfig.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.ChannelBinding != "" {
		wsConfig.Header.Set(TicketHeader, c.config.ChannelBinding)
	}

	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.writeCh = nil
		c.mu.Unlock()
		if err := ws.Close(); err != nil {
			c.logger.Debug("websocket close", "error", err)
		}
		c.logger.Info("connection closed", "conversation", c.config.Conversation)
	}()

	first, err := c.awaitJoin(ws)
	if errors.Is(err, errClosedDuringJoin) {
		c.mu.Lock()
		c.earlyEOFs++
		n := c.earlyEOFs
		c.mu.Unlock()
		if n >= rejectionThreshold {
			return &AuthenticationError{message: fmt.Sprintf("server rejected the join for %s %d times", c.config.Conversation, n)}
		}
		return fmt.Errorf("%w; retrying with a fresh ticket", err)
	}
	if err != nil {
		return err
	}
	writeCh := make(chan outbound, writeChannelBuffer)
	c.mu.Lock()
	c.retries = 0
	c.earlyEOFs = 0
	c.writeCh = writeCh
	c.mu.Unlock()

	c.logger.Info("joined conversation", "conversation", c.config.Conversation)
	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- c.writePump(writeCtx, ws, writeCh)
	}()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	pingDone := make(chan struct{})
	go func() {
		c.sendPings(pingCtx, writeCh)
		close(pingDone)
	}()

	if first != nil {
		c.handleFrame(ctx, first, writeCh)
	}
	readErr := c.readFrames(ctx, ws, writeCh)

	cancelPing()
	<-pingDone
	cancelWrite()
	writeErr := <-writeDone

	if readErr != nil {
		return readErr
	}
	if errors.Is(writeErr, context.Canceled) {
		return nil
	}
	return writeErr
}

// awaitJoin waits joinWindow for the server to either close the socket
// (errClosedDuringJoin) or stay quiet (joined). A frame arriving in the window proves
// the join and is returned for normal handling.
func (c *Client) awaitJoin(ws *websocket.Conn) ([]byte, error) {
	if err := ws.SetReadDeadline(time.Now().Add(joinWindow)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	var raw []byte
	err := websocket.Message.Receive(ws, &raw)
	if err == nil {
		return raw, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil, nil
	}
	if errors.Is(err, io.EOF) {
		return nil, errClosedDuringJoin
	}
	return nil, fmt.Errorf("read: %w", err)
}

// writePump is the ONLY goroutine that writes to the websocket.
func (*Client) writePump(ctx context.Context, ws *websocket.Conn, writeCh <-chan outbound) error {
	const writeTimeout = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-writeCh:
			if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := websocket.JSON.Send(ws, msg); err != nil {
				_ = ws.Close() //nolint:errcheck // unblock the reader
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// sendPings queues periodic pings on the write channel.
func (c *Client) sendPings(ctx context.Context, writeCh chan<- outbound) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			ping := outbound{Type: "ping", Seq: []byte(strconv.FormatInt(seq, 10))}
			select {
			case writeCh <- ping:
			case <-ctx.Done():
				return
			default:
				c.logger.Warn("write channel full, skipping ping", "seq", seq)
			}
		}
	}
}

func (c *Client) readFrames(ctx context.Context, ws *websocket.Conn, writeCh chan<- outbound) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			select {
			case <-c.stopCh:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handleFrame(ctx, raw, writeCh)
	}
}

func (c *Client) handleFrame(ctx context.Context, raw []byte, writeCh chan<- outbound) {
	var frame inbound
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Warn("ignoring malformed frame", "error", err)
		return
	}
	switch frame.Type {
	case "ping":
		select {
		case writeCh <- outbound{Type: "pong", Seq: frame.Seq}:
		case <-ctx.Done():
		default:
			c.logger.Warn("write channel full, dropping pong")
		}
	case "pong":
		c.logger.Debug("pong received", "seq", string(frame.Seq))
	case "form_message_echo":
		msg := frame.Message
		msg.FromUserID = frame.Name.UserID
		c.mu.Lock()
		c.received++
		c.mu.Unlock()
		if c.config.OnMessage != nil {
			c.config.OnMessage(msg)
		}
	default:
		c.logger.Debug("ignoring frame", msgTypeField, frame.Type)
	}
}
