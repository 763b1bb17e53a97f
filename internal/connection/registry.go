package connection

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/avela/mailflow/internal/database"
	"github.com/avela/mailflow/internal/provider"
)

// Status is the live, in-memory state of one connection. Distinct from the
// persisted account status and from the derived health classification.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// ErrAlreadyConnected is returned when a live connection already exists for
// the (user, mailbox) pair.
var ErrAlreadyConnected = errors.New("connection already exists for this mailbox")

// ErrNoActiveConnection is returned for operations on a mailbox with no
// live registry entry.
var ErrNoActiveConnection = errors.New("no active connection for this mailbox")

// Key builds the registry key for a (user, mailbox) pair.
func Key(userID, mailbox string) string {
	return userID + "/" + strings.ToLower(mailbox)
}

// Connection is a live session for one polled mailbox. Never persisted: on
// process restart every connection is re-established from the account store.
type Connection struct {
	UserID  string
	Mailbox string

	adapter provider.Adapter
	done    chan struct{}

	// pollMu serializes poll-and-process sequences for this connection.
	// Scheduled ticks, manual checks and full syncs all take it, so a
	// connection never runs overlapping polls.
	pollMu sync.Mutex

	mu                  sync.Mutex
	account             *database.Account // Snapshot of settings; hot-updated in place
	status              Status
	startTime           time.Time
	lastActivity        time.Time
	lastSync            time.Time
	consecutiveFailures int
	lastError           string
	stopOnce            sync.Once
}

// Snapshot is a read-only copy of a connection's state.
type Snapshot struct {
	Key                 string            `json:"key"`
	UserID              string            `json:"user_id"`
	Mailbox             string            `json:"mailbox"`
	Provider            database.Provider `json:"provider"`
	Status              Status            `json:"status"`
	StartTime           time.Time         `json:"start_time"`
	LastActivity        time.Time         `json:"last_activity"`
	LastSync            *time.Time        `json:"last_sync"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastError           string            `json:"last_error,omitempty"`
	PollIntervalSeconds int               `json:"poll_interval_seconds"`
	SyncEnabled         bool              `json:"sync_enabled"`
}

// Snapshot returns a copy of the connection's current state.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Key:                 Key(c.UserID, c.Mailbox),
		UserID:              c.UserID,
		Mailbox:             c.Mailbox,
		Provider:            c.account.Provider,
		Status:              c.status,
		StartTime:           c.startTime,
		LastActivity:        c.lastActivity,
		ConsecutiveFailures: c.consecutiveFailures,
		LastError:           c.lastError,
		PollIntervalSeconds: c.account.PollIntervalSeconds,
		SyncEnabled:         c.account.SyncEnabled,
	}
	if !c.lastSync.IsZero() {
		t := c.lastSync
		snap.LastSync = &t
	}
	return snap
}

func (c *Connection) setStatus(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *Connection) pollInterval(defaultInterval time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.account.PollIntervalSeconds > 0 {
		return time.Duration(c.account.PollIntervalSeconds) * time.Second
	}
	return defaultInterval
}

// Registry is the process-wide table of live connections, keyed by
// (user, mailbox). It is the only structure mutated from concurrent timer
// callbacks; the map is guarded here, per-connection state by each
// connection's own mutex.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add inserts a connection, enforcing at most one live entry per key.
func (r *Registry) Add(conn *Connection) error {
	key := Key(conn.UserID, conn.Mailbox)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[key]; exists {
		return ErrAlreadyConnected
	}
	r.conns[key] = conn
	return nil
}

// Get returns the live connection for a (user, mailbox) pair.
func (r *Registry) Get(userID, mailbox string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[Key(userID, mailbox)]
	return conn, ok
}

// Remove deletes the entry for a (user, mailbox) pair.
func (r *Registry) Remove(userID, mailbox string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, Key(userID, mailbox))
}

// All returns every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// ForUser returns all live connections belonging to one user.
func (r *Registry) ForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, conn := range r.conns {
		if conn.UserID == userID {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
