// Package srv runs the real-time side of the chat server: the conversation
// registry, the broadcast hub and the WebSocket session that ties a redeemed
// ticket to a conversation.
package srv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/parley/pkg/logger"
)

const broadcastBufferSize = 1000

var (
	// ErrHubStopped is returned by Publish after Stop.
	ErrHubStopped = errors.New("hub stopped")
	// ErrHubSaturated is returned by Publish when the broadcast queue is full.
	ErrHubSaturated = errors.New("hub broadcast queue full")
)

// Hub fans echoes out to the clients subscribed to each conversation.
//
// Subscribe and Unsubscribe take effect before they return, so a closed
// session is never offered another echo. Publish only enqueues; Run drains
// the queue in FIFO order and hands each echo to a snapshot of the
// conversation's subscribers, the publisher included. A client whose send
// buffer is full is unsubscribed and closed rather than waited on.
//
//nolint:govet // Field order optimized for readability over memory padding
type Hub struct {
	rooms                 map[string]map[string]*Client
	broadcast             chan publishMsg
	stop                  chan struct{}
	stopped               chan struct{}
	mu                    sync.RWMutex
	periodicCheckInterval time.Duration // For testing; 0 means use default (1 minute)
}

type publishMsg struct {
	conversation string
	echo         Echo
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub() *Hub {
	return &Hub{
		rooms:     make(map[string]map[string]*Client),
		broadcast: make(chan publishMsg, broadcastBufferSize),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Run delivers published echoes until ctx is cancelled or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup(ctx)

	logger.Info(ctx, "hub started", nil)

	checkInterval := h.periodicCheckInterval
	if checkInterval == 0 {
		checkInterval = 1 * time.Minute
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "hub stop requested", nil)
			return

		case <-ticker.C:
			h.mu.RLock()
			conversations := len(h.rooms)
			clients := h.countLocked()
			h.mu.RUnlock()
			logger.Info(ctx, "periodic check", logger.Fields{
				"conversations": conversations,
				"total_clients": clients,
				"queued":        len(h.broadcast),
			})

		case msg := <-h.broadcast:
			h.fanOut(ctx, msg)
		}
	}
}

func (h *Hub) fanOut(ctx context.Context, msg publishMsg) {
	h.mu.RLock()
	room := h.rooms[msg.conversation]
	snapshot := make([]*Client, 0, len(room))
	for _, c := range room {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range snapshot {
		if c.deliver(msg.echo) {
			delivered++
			continue
		}
		if c.IsClosed() {
			continue
		}
		logger.Warn(ctx, "evicting slow subscriber: send buffer full", logger.Fields{
			"client_id":    c.ID,
			"user":         c.Username,
			"conversation": msg.conversation,
		})
		h.Unsubscribe(msg.conversation, c.ID)
		c.Close()
	}
	logger.Debug(ctx, "broadcast echo", logger.Fields{
		"conversation": msg.conversation,
		"message_id":   msg.echo.Message.ID.String(),
		"delivered":    delivered,
		"subscribers":  len(snapshot),
	})
}

// Publish queues echo for every subscriber of conversation. It never waits
// on a subscriber.
func (h *Hub) Publish(ctx context.Context, conversation string, echo Echo) error {
	select {
	case <-h.stop:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- publishMsg{conversation: conversation, echo: echo}:
		return nil
	default:
		logger.Warn(ctx, "dropping broadcast: hub at capacity", logger.Fields{"conversation": conversation})
		return ErrHubSaturated
	}
}

// Subscribe adds c to the conversation's broadcast group.
func (h *Hub) Subscribe(conversation string, c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[conversation]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[conversation] = room
	}
	room[c.ID] = c
	size := len(room)
	h.mu.Unlock()
	logger.Info(context.Background(), "client subscribed", logger.Fields{
		"client_id":    c.ID,
		"user":         c.Username,
		"conversation": conversation,
		"subscribers":  size,
	})
}

// Unsubscribe removes a client from the conversation's broadcast group. It
// reports whether the client was subscribed; removing an unknown client is
// a no-op.
func (h *Hub) Unsubscribe(conversation, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[conversation]
	if !ok {
		return false
	}
	if _, ok := room[clientID]; !ok {
		return false
	}
	delete(room, clientID)
	if len(room) == 0 {
		delete(h.rooms, conversation)
	}
	return true
}

// Stop signals the hub to stop.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.stopped
}

// ClientCount returns the number of subscribed clients across all conversations.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// SubscriberCount returns the number of clients subscribed to conversation.
func (h *Hub) SubscriberCount(conversation string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversation])
}

func (h *Hub) countLocked() int {
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// cleanup closes every subscribed client. It does not write to client
// channels; closing the connection is the shutdown signal.
func (h *Hub) cleanup(ctx context.Context) {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]map[string]*Client)
	h.mu.Unlock()

	n := 0
	for _, room := range rooms {
		for _, c := range room {
			c.Close()
			n++
		}
	}
	logger.Info(ctx, "hub cleanup complete", logger.Fields{"closed_clients": n})
}
