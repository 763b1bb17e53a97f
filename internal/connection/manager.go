package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/avela/mailflow/internal/database"
	"github.com/avela/mailflow/internal/pipeline"
	"github.com/avela/mailflow/internal/provider"
	"github.com/google/uuid"
)

// AccountStore is the slice of account persistence the manager needs.
type AccountStore interface {
	GetAccount(ctx context.Context, userID, mailbox string) (*database.Account, error)
	GetActiveAccounts(ctx context.Context) ([]*database.Account, error)
	SetLastSync(ctx context.Context, userID, mailbox string, lastSync time.Time) error
	ClearCredentials(ctx context.Context, userID, mailbox string) error
}

// AdapterFactory builds provider adapters from opaque credentials.
type AdapterFactory interface {
	GetAdapter(ctx context.Context, kind database.Provider, credentials json.RawMessage) (provider.Adapter, error)
}

// MessageProcessor runs the decision pipeline on one inbound message.
type MessageProcessor interface {
	Process(ctx context.Context, msg *provider.Message, account *database.Account, adapter provider.Adapter) (*pipeline.Result, error)
}

// EventRecorder receives connection status events for the monitoring log.
type EventRecorder interface {
	RecordEvent(userID, mailbox string, status Status, message string)
}

// CheckResult is the outcome of a manual poll.
type CheckResult struct {
	Success  bool       `json:"success"`
	Count    int        `json:"count"`
	LastSync *time.Time `json:"last_sync"`
}

// HealthResult is the outcome of a liveness probe.
type HealthResult struct {
	Healthy bool   `json:"healthy"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

const (
	// DefaultPollInterval applies when an account has no poll interval set.
	DefaultPollInterval = 60 * time.Second

	// DefaultFailureThreshold is the number of consecutive poll failures
	// after which a connection transitions to the error state.
	DefaultFailureThreshold = 3

	pollTimeout = 2 * time.Minute
)

// Manager owns the lifecycle of live connections: start, stop, scheduled
// polls, manual checks, full resyncs, config hot-updates and health probes.
// Constructed once per process; rehydrated from the account store at startup
// and drained at shutdown.
type Manager struct {
	registry  *Registry
	store     AccountStore
	factory   AdapterFactory
	processor MessageProcessor
	events    EventRecorder

	defaultPollInterval time.Duration
	failureThreshold    int

	wg sync.WaitGroup
}

func NewManager(store AccountStore, factory AdapterFactory, processor MessageProcessor, events EventRecorder) *Manager {
	return &Manager{
		registry:            NewRegistry(),
		store:               store,
		factory:             factory,
		processor:           processor,
		events:              events,
		defaultPollInterval: DefaultPollInterval,
		failureThreshold:    DefaultFailureThreshold,
	}
}

// SetEventRecorder wires the monitoring event sink. The monitor needs the
// manager as its connection source, so the sink is attached after both are
// constructed; call this before starting any connections.
func (m *Manager) SetEventRecorder(events EventRecorder) {
	m.events = events
}

// SetPollDefaults overrides the default poll interval and failure threshold.
func (m *Manager) SetPollDefaults(interval time.Duration, failureThreshold int) {
	if interval > 0 {
		m.defaultPollInterval = interval
	}
	if failureThreshold > 0 {
		m.failureThreshold = failureThreshold
	}
}

// StartConnection establishes the adapter for an account, registers the
// connection and schedules its poll loop. Returns the registry key.
// The caller persists the account separately; this only mutates the registry.
func (m *Manager) StartConnection(ctx context.Context, account *database.Account) (string, error) {
	adapter, err := m.factory.GetAdapter(ctx, account.Provider, account.Credentials)
	if err != nil {
		return "", fmt.Errorf("failed to create %s adapter: %w", account.Provider, err)
	}

	acctCopy := *account
	conn := &Connection{
		UserID:    account.UserID,
		Mailbox:   account.Mailbox,
		adapter:   adapter,
		done:      make(chan struct{}),
		account:   &acctCopy,
		status:    StatusConnecting,
		startTime: time.Now(),
	}
	if account.LastSync != nil {
		conn.lastSync = *account.LastSync
	}

	if err := m.registry.Add(conn); err != nil {
		adapter.Disconnect()
		return "", err
	}

	status := StatusActive
	if !acctCopy.SyncEnabled {
		status = StatusPaused
	}
	conn.setStatus(status)
	m.recordEvent(conn, status, "connection established")
	log.Printf("[%s/%s] connection started (%s, poll every %v)",
		conn.UserID, conn.Mailbox, account.Provider, conn.pollInterval(m.defaultPollInterval))

	m.wg.Add(1)
	go m.pollLoop(conn)

	return Key(account.UserID, account.Mailbox), nil
}

// StopConnection cancels the scheduled poll, lets any in-flight poll finish,
// closes the adapter and removes the registry entry. Stopping an absent
// connection is a no-op success.
func (m *Manager) StopConnection(userID, mailbox string) error {
	conn, ok := m.registry.Get(userID, mailbox)
	if !ok {
		return nil
	}

	conn.stopOnce.Do(func() { close(conn.done) })

	// Wait for any in-flight poll rather than interrupting it mid-call
	conn.pollMu.Lock()
	conn.pollMu.Unlock()

	if err := conn.adapter.Disconnect(); err != nil {
		log.Printf("[%s/%s] adapter disconnect: %v", userID, mailbox, err)
	}
	conn.setStatus(StatusDisconnected)
	m.registry.Remove(userID, mailbox)
	m.recordEvent(conn, StatusDisconnected, "connection stopped")
	log.Printf("[%s/%s] connection stopped", userID, mailbox)

	return nil
}

// DisconnectAccount stops the live connection and soft-disables the account:
// credentials cleared, status disconnected, history kept.
func (m *Manager) DisconnectAccount(ctx context.Context, userID, mailbox string) error {
	if err := m.StopConnection(userID, mailbox); err != nil {
		return err
	}
	return m.store.ClearCredentials(ctx, userID, mailbox)
}

// CheckEmails runs a manual out-of-band poll. The scheduled timer is not
// reset; the next tick fires on its original schedule.
func (m *Manager) CheckEmails(ctx context.Context, userID, mailbox string) (*CheckResult, error) {
	conn, ok := m.registry.Get(userID, mailbox)
	if !ok {
		return nil, ErrNoActiveConnection
	}

	count, err := m.poll(conn)
	if err != nil {
		return nil, err
	}

	snap := conn.Snapshot()
	return &CheckResult{Success: true, Count: count, LastSync: snap.LastSync}, nil
}

// StartFullSync kicks off a fire-and-forget full-history resync. Progress is
// reported asynchronously through monitoring events, not a blocking return.
func (m *Manager) StartFullSync(userID, mailbox string) error {
	conn, ok := m.registry.Get(userID, mailbox)
	if !ok {
		return ErrNoActiveConnection
	}

	jobID := uuid.NewString()
	m.recordEvent(conn, conn.Snapshot().Status, fmt.Sprintf("full sync %s started", jobID))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		conn.pollMu.Lock()
		defer conn.pollMu.Unlock()

		select {
		case <-conn.done:
			return
		default:
		}

		count, err := m.fetchAndProcess(conn, time.Time{})
		if err != nil {
			m.recordEvent(conn, conn.Snapshot().Status, fmt.Sprintf("full sync %s failed: %v", jobID, err))
			return
		}
		m.recordEvent(conn, conn.Snapshot().Status, fmt.Sprintf("full sync %s completed: %d message(s)", jobID, count))
	}()

	return nil
}

// UpdateConnectionConfig hot-applies sync and automation settings to a live
// connection without reconnecting. A changed poll interval takes effect on
// the next scheduled tick. Returns false if no live connection exists; the
// caller decides whether that is an error.
func (m *Manager) UpdateConnectionConfig(userID, mailbox string, update ConfigUpdate) bool {
	conn, ok := m.registry.Get(userID, mailbox)
	if !ok {
		return false
	}

	conn.mu.Lock()
	update.Apply(conn.account)
	enabled := conn.account.SyncEnabled
	status := conn.status
	conn.mu.Unlock()

	// Resuming a paused connection makes it active again on the next tick
	if enabled && status == StatusPaused {
		conn.setStatus(StatusActive)
	}
	if !enabled && status == StatusActive {
		conn.setStatus(StatusPaused)
	}

	log.Printf("[%s/%s] connection config updated", userID, mailbox)
	return true
}

// CheckHealth runs a lightweight liveness probe against the provider,
// distinct from the scheduled poll.
func (m *Manager) CheckHealth(ctx context.Context, userID, mailbox string) HealthResult {
	conn, ok := m.registry.Get(userID, mailbox)
	if !ok {
		return HealthResult{Healthy: false, Status: StatusDisconnected, Message: "no active connection"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := conn.adapter.Ping(probeCtx); err != nil {
		return HealthResult{Healthy: false, Status: conn.Snapshot().Status, Message: err.Error()}
	}

	conn.mu.Lock()
	conn.lastActivity = time.Now()
	conn.mu.Unlock()

	return HealthResult{Healthy: true, Status: conn.Snapshot().Status, Message: "provider reachable"}
}

// GetAdapter exposes the live adapter for out-of-band pipeline invocations,
// such as reprocessing a pending email.
func (m *Manager) GetAdapter(userID, mailbox string) (provider.Adapter, error) {
	conn, ok := m.registry.Get(userID, mailbox)
	if !ok {
		return nil, ErrNoActiveConnection
	}
	return conn.adapter, nil
}

// GetConnection returns a snapshot of one live connection.
func (m *Manager) GetConnection(userID, mailbox string) (Snapshot, bool) {
	conn, ok := m.registry.Get(userID, mailbox)
	if !ok {
		return Snapshot{}, false
	}
	return conn.Snapshot(), true
}

// GetUserConnections returns snapshots of one user's live connections.
func (m *Manager) GetUserConnections(userID string) []Snapshot {
	conns := m.registry.ForUser(userID)
	snaps := make([]Snapshot, 0, len(conns))
	for _, conn := range conns {
		snaps = append(snaps, conn.Snapshot())
	}
	return snaps
}

// GetAllConnections returns snapshots of every live connection.
func (m *Manager) GetAllConnections() []Snapshot {
	conns := m.registry.All()
	snaps := make([]Snapshot, 0, len(conns))
	for _, conn := range conns {
		snaps = append(snaps, conn.Snapshot())
	}
	return snaps
}

// RestoreAll re-establishes connections for every active account. Called once
// at startup; connections are never persisted across restarts.
func (m *Manager) RestoreAll(ctx context.Context) error {
	accounts, err := m.store.GetActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active accounts: %w", err)
	}

	log.Printf("Restoring %d connection(s)...", len(accounts))

	var wg sync.WaitGroup
	for _, account := range accounts {
		wg.Add(1)
		go func(acct *database.Account) {
			defer wg.Done()
			if _, err := m.StartConnection(ctx, acct); err != nil {
				log.Printf("[%s/%s] failed to restore connection: %v", acct.UserID, acct.Mailbox, err)
			}
		}(account)
	}
	wg.Wait()

	return nil
}

// StopAll drains every connection: timers cancelled, in-flight polls allowed
// to finish, adapters closed.
func (m *Manager) StopAll() {
	for _, conn := range m.registry.All() {
		if err := m.StopConnection(conn.UserID, conn.Mailbox); err != nil {
			log.Printf("[%s/%s] stop failed: %v", conn.UserID, conn.Mailbox, err)
		}
	}
	m.wg.Wait()
}

// pollLoop runs one connection's scheduled polling until the connection is
// stopped. The interval is re-read after each poll, so config hot-updates
// take effect on the next tick without dropping an in-flight poll.
func (m *Manager) pollLoop(conn *Connection) {
	defer m.wg.Done()

	// First poll right away, matching connection start expectations
	if _, err := m.poll(conn); err != nil {
		log.Printf("[%s/%s] initial poll: %v", conn.UserID, conn.Mailbox, err)
	}

	timer := time.NewTimer(conn.pollInterval(m.defaultPollInterval))
	defer timer.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-timer.C:
			if _, err := m.poll(conn); err != nil {
				log.Printf("[%s/%s] poll: %v", conn.UserID, conn.Mailbox, err)
			}
			timer.Reset(conn.pollInterval(m.defaultPollInterval))
		}
	}
}

// poll runs one poll-and-process sequence to completion. Transient provider
// errors are counted here; the status flips to error only when the
// consecutive-failure threshold is crossed, and exactly one event marks the
// transition. No immediate retry: the next scheduled tick is the retry.
func (m *Manager) poll(conn *Connection) (int, error) {
	conn.pollMu.Lock()
	defer conn.pollMu.Unlock()

	conn.mu.Lock()
	enabled := conn.account.SyncEnabled
	since := conn.lastSync
	if since.IsZero() {
		since = conn.startTime
	}
	conn.mu.Unlock()

	// Sync disabled: skip entirely, no failure counted
	if !enabled {
		conn.setStatus(StatusPaused)
		return 0, nil
	}

	pollStart := time.Now()
	count, err := m.fetchAndProcess(conn, since)
	if err != nil {
		return 0, m.handlePollFailure(conn, err)
	}

	conn.mu.Lock()
	conn.consecutiveFailures = 0
	conn.lastError = ""
	conn.status = StatusActive
	conn.lastSync = pollStart
	conn.lastActivity = time.Now()
	conn.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SetLastSync(ctx, conn.UserID, conn.Mailbox, pollStart); err != nil {
		log.Printf("[%s/%s] failed to persist last sync: %v", conn.UserID, conn.Mailbox, err)
	}

	return count, nil
}

// fetchAndProcess fetches messages after since and hands them to the pipeline
// sequentially, preserving provider-delivery order so replies go out in
// receipt order. A pipeline failure for one message is logged and must not
// abort the rest of the batch. Caller holds pollMu.
func (m *Manager) fetchAndProcess(conn *Connection, since time.Time) (int, error) {
	conn.mu.Lock()
	account := *conn.account
	conn.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	messages, err := conn.adapter.FetchNew(fetchCtx, account.Folders, since)
	if err != nil {
		return 0, err
	}

	if len(messages) == 0 {
		return 0, nil
	}
	log.Printf("[%s/%s] %d new message(s)", conn.UserID, conn.Mailbox, len(messages))

	for _, msg := range messages {
		// Re-read settings per message: a hot-update mid-batch applies
		// from the next message onward
		conn.mu.Lock()
		account = *conn.account
		conn.mu.Unlock()

		msgCtx, msgCancel := context.WithTimeout(context.Background(), pollTimeout)
		if _, err := m.processor.Process(msgCtx, msg, &account, conn.adapter); err != nil {
			log.Printf("[%s/%s] failed to process message %s: %v", conn.UserID, conn.Mailbox, msg.ID, err)
		}
		msgCancel()
	}

	return len(messages), nil
}

// handlePollFailure counts a failed poll and transitions the connection to
// error when the threshold is crossed.
func (m *Manager) handlePollFailure(conn *Connection, cause error) error {
	conn.mu.Lock()
	conn.consecutiveFailures++
	conn.lastError = cause.Error()
	failures := conn.consecutiveFailures
	crossed := failures == m.failureThreshold
	if failures >= m.failureThreshold {
		conn.status = StatusError
	}
	conn.mu.Unlock()

	if crossed {
		m.recordEvent(conn, StatusError, fmt.Sprintf("connection entered error state after %d consecutive failures: %v", failures, cause))
	}

	if provider.IsAuthError(cause) {
		return cause
	}
	return fmt.Errorf("poll failed (%d consecutive): %w", failures, cause)
}

func (m *Manager) recordEvent(conn *Connection, status Status, message string) {
	if m.events != nil {
		m.events.RecordEvent(conn.UserID, conn.Mailbox, status, message)
	}
}

// ConfigUpdate is a partial settings change applied to a live connection.
// Nil fields are left unchanged.
type ConfigUpdate struct {
	SyncEnabled         *bool            `json:"sync_enabled,omitempty"`
	SyncPaused          *bool            `json:"sync_paused,omitempty"`
	Folders             []string         `json:"folders,omitempty"`
	PollIntervalSeconds *int             `json:"poll_interval_seconds,omitempty"`
	AIEnabled           *bool            `json:"ai_enabled,omitempty"`
	AIMode              *database.AIMode `json:"ai_mode,omitempty"`
	Categories          []string         `json:"categories,omitempty"`
	ResponseTemplates   []string         `json:"response_templates,omitempty"`
}

// Apply merges the update into an account settings snapshot.
func (u ConfigUpdate) Apply(account *database.Account) {
	if u.SyncEnabled != nil {
		account.SyncEnabled = *u.SyncEnabled
	}
	if u.SyncPaused != nil {
		account.SyncPaused = *u.SyncPaused
	}
	if u.Folders != nil {
		account.Folders = u.Folders
	}
	if u.PollIntervalSeconds != nil {
		account.PollIntervalSeconds = *u.PollIntervalSeconds
	}
	if u.AIEnabled != nil {
		account.AIEnabled = *u.AIEnabled
	}
	if u.AIMode != nil {
		account.AIMode = *u.AIMode
	}
	if u.Categories != nil {
		account.Categories = u.Categories
	}
	if u.ResponseTemplates != nil {
		account.ResponseTemplates = u.ResponseTemplates
	}
}
