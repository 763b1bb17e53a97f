package monitoring

import (
	"sync"
	"time"

	"github.com/avela/mailflow/internal/connection"
	"github.com/google/uuid"
)

// Health is the derived classification of a connection, distinct from its
// raw status.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthWarning Health = "warning"
	HealthStalled Health = "stalled"
	HealthError   Health = "error"
)

// Event is one entry in the per-user monitoring log.
type Event struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Mailbox   string            `json:"mailbox"`
	Timestamp time.Time         `json:"timestamp"`
	Status    connection.Status `json:"status"`
	Message   string            `json:"message"`
}

// ConnectionSource provides read-only connection snapshots. Implemented by
// the connection manager.
type ConnectionSource interface {
	GetConnection(userID, mailbox string) (connection.Snapshot, bool)
	GetUserConnections(userID string) []connection.Snapshot
	GetAllConnections() []connection.Snapshot
}

// ConnectionMonitoring is the health view of one connection.
type ConnectionMonitoring struct {
	Connection connection.Snapshot `json:"connection"`
	Health     Health              `json:"health"`
	Message    string              `json:"message"`
}

// SystemStatus is the aggregated health view of every live connection.
type SystemStatus struct {
	TotalConnections int                       `json:"total_connections"`
	ByStatus         map[connection.Status]int `json:"by_status"`
	ByHealth         map[Health]int            `json:"by_health"`
	Users            map[string]int            `json:"users"` // Live connections per user
	GeneratedAt      time.Time                 `json:"generated_at"`
}

const (
	// DefaultLogCapacity bounds the per-user event ring. Memory stays
	// bounded no matter how long the process runs.
	DefaultLogCapacity = 500

	// stallCeiling is the absolute no-successful-sync limit after which a
	// connection is classified stalled regardless of status.
	stallCeiling = 30 * time.Minute
)

// Manager derives health classifications from registry snapshots and retains
// a bounded log of status events per user.
type Manager struct {
	source      ConnectionSource
	logCapacity int

	mu   sync.RWMutex
	logs map[string][]Event // Per-user ring, oldest first

	now func() time.Time // Overridable in tests
}

func NewManager(source ConnectionSource, logCapacity int) *Manager {
	if logCapacity <= 0 {
		logCapacity = DefaultLogCapacity
	}
	return &Manager{
		source:      source,
		logCapacity: logCapacity,
		logs:        make(map[string][]Event),
		now:         time.Now,
	}
}

// RecordEvent appends a status event to the user's log, evicting the oldest
// entry when the ring is full.
func (m *Manager) RecordEvent(userID, mailbox string, status connection.Status, message string) {
	event := Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Mailbox:   mailbox,
		Timestamp: m.now(),
		Status:    status,
		Message:   message,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := append(m.logs[userID], event)
	if len(log) > m.logCapacity {
		log = log[len(log)-m.logCapacity:]
	}
	m.logs[userID] = log
}

// GetUserLogs returns up to limit of the user's most recent events,
// newest first.
func (m *Manager) GetUserLogs(userID string, limit int) []Event {
	m.mu.RLock()
	log := m.logs[userID]
	m.mu.RUnlock()

	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}

	events := make([]Event, 0, limit)
	for i := len(log) - 1; i >= len(log)-limit; i-- {
		events = append(events, log[i])
	}
	return events
}

// GetConnectionMonitoring classifies the health of one connection on demand.
func (m *Manager) GetConnectionMonitoring(userID, mailbox string) (ConnectionMonitoring, bool) {
	snap, ok := m.source.GetConnection(userID, mailbox)
	if !ok {
		return ConnectionMonitoring{}, false
	}

	health, message := m.classify(snap)
	return ConnectionMonitoring{Connection: snap, Health: health, Message: message}, true
}

// GetUserMonitoring classifies all of one user's connections.
func (m *Manager) GetUserMonitoring(userID string) []ConnectionMonitoring {
	snaps := m.source.GetUserConnections(userID)
	views := make([]ConnectionMonitoring, 0, len(snaps))
	for _, snap := range snaps {
		health, message := m.classify(snap)
		views = append(views, ConnectionMonitoring{Connection: snap, Health: health, Message: message})
	}
	return views
}

// GetMonitoringStatus aggregates the system-wide view.
func (m *Manager) GetMonitoringStatus() SystemStatus {
	snaps := m.source.GetAllConnections()

	status := SystemStatus{
		TotalConnections: len(snaps),
		ByStatus:         make(map[connection.Status]int),
		ByHealth:         make(map[Health]int),
		Users:            make(map[string]int),
		GeneratedAt:      m.now(),
	}

	for _, snap := range snaps {
		status.ByStatus[snap.Status]++
		health, _ := m.classify(snap)
		status.ByHealth[health]++
		status.Users[snap.UserID]++
	}

	return status
}

// classify derives a health classification from a snapshot:
// error when the failure threshold was exceeded, stalled when no successful
// sync happened within the absolute ceiling, warning when the last sync is
// older than twice the poll interval, healthy otherwise.
func (m *Manager) classify(snap connection.Snapshot) (Health, string) {
	now := m.now()

	if snap.Status == connection.StatusError {
		message := "connection in error state"
		if snap.LastError != "" {
			message = snap.LastError
		}
		return HealthError, message
	}

	lastOK := snap.StartTime
	if snap.LastSync != nil {
		lastOK = *snap.LastSync
	}
	if now.Sub(lastOK) > stallCeiling {
		return HealthStalled, "no successful sync within the last 30 minutes"
	}

	if snap.Status == connection.StatusActive {
		interval := time.Duration(snap.PollIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = connection.DefaultPollInterval
		}
		if snap.LastSync != nil && now.Sub(*snap.LastSync) > 2*interval {
			return HealthWarning, "last sync older than twice the poll interval"
		}
		return HealthHealthy, "syncing on schedule"
	}

	// Paused and connecting states are not failing, just not syncing
	return HealthHealthy, "sync " + string(snap.Status)
}
