// Package ticket implements single-use tickets that let a WebSocket upgrade
// authenticate without carrying the caller's bearer credential.
//
// A ticket is issued over HTTP for an authenticated (or anonymous) caller and
// redeemed exactly once by the WebSocket handshake. Anonymous callers still
// receive a ticket; it is bound to a denied outcome, so only redemption
// reveals whether it was any good.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/fido"
	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/parley/pkg/logger"
)

const (
	// DefaultCapacity bounds the number of outstanding tickets.
	DefaultCapacity = 65536
	// DefaultMaxTTL is the longest a ticket may live.
	DefaultMaxTTL = 5 * time.Minute
)

// ErrNotFound is returned when a ticket is malformed, unknown, expired or
// already redeemed. Callers must not distinguish these cases to the client.
var ErrNotFound = errors.New("ticket not found")

// Outcome is the authentication result bound to a ticket.
type Outcome struct {
	UserID         string
	Username       string
	ChannelBinding string
	Granted        bool
}

// Denied is the outcome stored for callers without a valid credential.
func Denied() Outcome {
	return Outcome{}
}

// Granted is the outcome stored for an authenticated caller.
func Granted(userID, username, channelBinding string) Outcome {
	return Outcome{UserID: userID, Username: username, ChannelBinding: channelBinding, Granted: true}
}

// entry is what the cache holds per ticket until it is redeemed.
type entry struct {
	createdAt time.Time
	expiresAt time.Time
	outcome   Outcome
}

// Store is a process-wide, TTL-bounded ticket cache. Construct one per
// server and hand it to both the issuing endpoint and the WebSocket handler.
type Store struct {
	cache    *fido.Cache[string, entry]
	now      func() time.Time
	maxTTL   time.Duration
	capacity int
	mu       sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity sets the maximum number of cached tickets.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithMaxTTL sets the longest lifetime a ticket may be issued with.
func WithMaxTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxTTL = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a ticket store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		maxTTL:   DefaultMaxTTL,
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = fido.New[string, entry](
		fido.Size(s.capacity),
		fido.TTL(s.maxTTL),
	)
	return s
}

// Issue stores outcome under a new random ticket id that expires after ttl.
// A ttl <= 0 or above the store maximum is clamped to the maximum.
func (s *Store) Issue(ctx context.Context, outcome Outcome, ttl time.Duration) (uuid.UUID, error) {
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate ticket id: %w", err)
	}
	now := s.now()

	s.mu.Lock()
	s.cache.SetTTL(id.String(), entry{outcome: outcome, createdAt: now, expiresAt: now.Add(ttl)}, ttl)
	s.mu.Unlock()

	logger.Debug(ctx, "ticket issued", logger.Fields{
		"ticket":  truncateID(id.String()),
		"granted": outcome.Granted,
		"user_id": outcome.UserID,
		"ttl":     ttl.String(),
	})
	return id, nil
}

// Redeem deletes the ticket and returns its outcome. Lookup and deletion
// happen in one critical section, so among concurrent redeemers of the same
// id exactly one sees the outcome and the rest get ErrNotFound. A denied
// outcome is returned without error; the caller decides what denial means.
func (s *Store) Redeem(ctx context.Context, id string) (Outcome, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: malformed id", ErrNotFound)
	}
	key := parsed.String()

	s.mu.Lock()
	e, found := s.cache.Get(key)
	if found {
		s.cache.Delete(key)
	}
	s.mu.Unlock()
	if !found {
		return Outcome{}, ErrNotFound
	}

	if !s.now().Before(e.expiresAt) {
		logger.Debug(ctx, "ticket expired before redemption", logger.Fields{
			"ticket": truncateID(key),
			"age":    s.now().Sub(e.createdAt).Round(time.Millisecond).String(),
		})
		return Outcome{}, ErrNotFound
	}
	return e.outcome, nil
}

// Len returns the number of outstanding tickets.
func (s *Store) Len() int {
	return s.cache.Len()
}

// truncateID keeps ticket ids out of logs in full.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
