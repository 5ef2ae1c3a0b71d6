package security

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	reservationTTL  = 30 * time.Second
	cleanupInterval = time.Minute
	maxIPEntries    = 10000
)

type ipInfo struct {
	lastActive   time.Time
	active       int
	reservations int
}

type reservation struct {
	createdAt time.Time
	ip        string
}

// ConnectionLimiter caps WebSocket connections per client IP and in total.
//
// A slot is reserved before the upgrade and committed once the socket is
// accepted, so concurrent upgrades from one IP cannot overshoot the limit
// between the check and the registration.
//
//nolint:govet // field order kept for readability
type ConnectionLimiter struct {
	mu           sync.Mutex
	perIP        map[string]*ipInfo
	reservations map[string]*reservation
	stop         chan struct{}
	stopOnce     sync.Once
	maxPerIP     int
	maxTotal     int
	total        int
	totalReserve int
}

// NewConnectionLimiter creates a limiter and starts its cleanup goroutine.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:        make(map[string]*ipInfo),
		reservations: make(map[string]*reservation),
		stop:         make(chan struct{}),
		maxPerIP:     maxPerIP,
		maxTotal:     maxTotal,
	}
	go cl.cleanupLoop()
	return cl
}

// Reserve holds a slot for ip and returns a reservation token, or "" if a
// limit would be exceeded.
func (cl *ConnectionLimiter) Reserve(ip string) string {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.total+cl.totalReserve >= cl.maxTotal {
		return ""
	}
	info := cl.perIP[ip]
	if info == nil {
		if len(cl.perIP) >= maxIPEntries && !cl.evictOldestInactive() {
			return ""
		}
		info = &ipInfo{}
		cl.perIP[ip] = info
	}
	if info.active+info.reservations >= cl.maxPerIP {
		return ""
	}

	token := uuid.NewString()
	cl.reservations[token] = &reservation{ip: ip, createdAt: time.Now()}
	info.reservations++
	info.lastActive = time.Now()
	cl.totalReserve++
	return token
}

// CommitReservation turns a reservation into an active connection. It
// returns false for unknown, already-used or expired tokens.
func (cl *ConnectionLimiter) CommitReservation(token string) bool {
	if token == "" {
		return false
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	res := cl.reservations[token]
	if res == nil {
		return false
	}
	delete(cl.reservations, token)
	cl.totalReserve = max(cl.totalReserve-1, 0)

	info := cl.perIP[res.ip]
	if info == nil {
		return false
	}
	info.reservations = max(info.reservations-1, 0)
	if time.Since(res.createdAt) > reservationTTL {
		return false
	}
	info.active++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// CancelReservation releases an uncommitted reservation. Unknown tokens are ignored.
func (cl *ConnectionLimiter) CancelReservation(token string) {
	if token == "" {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	res := cl.reservations[token]
	if res == nil {
		return
	}
	delete(cl.reservations, token)
	cl.totalReserve = max(cl.totalReserve-1, 0)
	if info := cl.perIP[res.ip]; info != nil {
		info.reservations = max(info.reservations-1, 0)
	}
}

// Add registers an active connection without a reservation.
func (cl *ConnectionLimiter) Add(ip string) bool {
	token := cl.Reserve(ip)
	if token == "" {
		return false
	}
	return cl.CommitReservation(token)
}

// Remove releases one active connection for ip. Extra calls are ignored.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.perIP[ip]
	if info == nil || info.active == 0 {
		return
	}
	info.active--
	info.lastActive = time.Now()
	cl.total = max(cl.total-1, 0)
}

// Active returns the number of committed connections.
func (cl *ConnectionLimiter) Active() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.cleanup()
		}
	}
}

// cleanup drops expired reservations and idle IP entries.
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for token, res := range cl.reservations {
		if time.Since(res.createdAt) <= reservationTTL {
			continue
		}
		delete(cl.reservations, token)
		cl.totalReserve = max(cl.totalReserve-1, 0)
		if info := cl.perIP[res.ip]; info != nil {
			info.reservations = max(info.reservations-1, 0)
		}
	}
	for ip, info := range cl.perIP {
		if info.active == 0 && info.reservations == 0 {
			delete(cl.perIP, ip)
		}
	}
}

// evictOldestInactive removes the least recently used idle IP entry.
// Callers must hold mu.
func (cl *ConnectionLimiter) evictOldestInactive() bool {
	var oldestIP string
	var oldest time.Time
	for ip, info := range cl.perIP {
		if info.active > 0 || info.reservations > 0 {
			continue
		}
		if oldestIP == "" || info.lastActive.Before(oldest) {
			oldestIP, oldest = ip, info.lastActive
		}
	}
	if oldestIP == "" {
		return false
	}
	delete(cl.perIP, oldestIP)
	return true
}
