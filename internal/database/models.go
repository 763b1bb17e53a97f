package database

import (
	"encoding/json"
	"time"
)

// Provider identifies the kind of mail provider an account is linked to.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// AIMode controls what the pipeline does with an inbound message.
type AIMode string

const (
	AIModeOff       AIMode = "off"
	AIModeSuggest   AIMode = "suggest"
	AIModeDraft     AIMode = "draft"
	AIModeAutoReply AIMode = "auto_reply"
)

// AccountStatus is the persisted lifecycle state of a linked mailbox.
type AccountStatus string

const (
	AccountStatusConnected    AccountStatus = "connected"
	AccountStatusDisconnected AccountStatus = "disconnected"
)

// Account represents a connected mailbox with its sync and automation settings
type Account struct {
	ID       int64    `db:"id" json:"id"`
	UserID   string   `db:"user_id" json:"user_id"`
	Mailbox  string   `db:"mailbox" json:"mailbox"`   // Mailbox address, e.g. "user@example.com"
	Provider Provider `db:"provider" json:"provider"` // Which adapter serves this account

	// Credentials is an opaque blob (OAuth token JSON, IMAP login JSON).
	// Cleared on disconnect, never exposed in API responses.
	Credentials json.RawMessage `db:"credentials" json:"-"`

	// Sync configuration
	SyncEnabled         bool     `db:"sync_enabled" json:"sync_enabled"`
	SyncPaused          bool     `db:"sync_paused" json:"sync_paused"` // Messages still land but are not acted on
	Folders             []string `db:"folders" json:"folders"`
	PollIntervalSeconds int      `db:"poll_interval_seconds" json:"poll_interval_seconds"`

	// AI automation settings
	AIEnabled         bool     `db:"ai_enabled" json:"ai_enabled"`
	AIMode            AIMode   `db:"ai_mode" json:"ai_mode"`
	Categories        []string `db:"categories" json:"categories"` // Ordered; first heuristic match wins
	ResponseTemplates []string `db:"response_templates" json:"response_templates"`

	// Running statistics
	ProcessedEmails     int64      `db:"processed_emails" json:"processed_emails"`
	AutoRespondedEmails int64      `db:"auto_responded_emails" json:"auto_responded_emails"`
	DraftCreatedEmails  int64      `db:"draft_created_emails" json:"draft_created_emails"`
	FailedAttempts      int64      `db:"failed_attempts" json:"failed_attempts"`
	LastSync            *time.Time `db:"last_sync" json:"last_sync"`

	Status    AccountStatus `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// StatsDelta is an atomic per-document stats increment applied to an account.
// Email persistence and stats updates are two independent writes; a crash
// between them leaves a bounded eventual-consistency window, which we accept.
type StatsDelta struct {
	ProcessedEmails     int64
	AutoRespondedEmails int64
	DraftCreatedEmails  int64
	FailedAttempts      int64
}

// ProcessingStatus is the persisted processing state of an email record.
type ProcessingStatus string

const (
	ProcessingStatusPending   ProcessingStatus = "pending"
	ProcessingStatusProcessed ProcessingStatus = "processed"
	ProcessingStatusSkipped   ProcessingStatus = "skipped"
)

// ProcessingLogEntry is one append-only line in an email's processing log.
type ProcessingLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}

// Email represents the persisted result of processing one inbound message
type Email struct {
	ID                string `db:"id" json:"id"` // UUID assigned at creation
	UserID            string `db:"user_id" json:"user_id"`
	Mailbox           string `db:"mailbox" json:"mailbox"`
	ProviderMessageID string `db:"provider_message_id" json:"provider_message_id"`
	ThreadID          string `db:"thread_id" json:"thread_id"`
	FromAddress       string `db:"from_address" json:"from_address"`
	ToAddress         string `db:"to_address" json:"to_address"`
	Subject           string `db:"subject" json:"subject"`

	Category  string `db:"category" json:"category"`
	Sentiment string `db:"sentiment" json:"sentiment"`

	ProcessingStatus ProcessingStatus     `db:"processing_status" json:"processing_status"`
	Processed        bool                 `db:"processed" json:"processed"`
	AutoReplied      bool                 `db:"auto_replied" json:"auto_replied"`
	DraftCreated     bool                 `db:"draft_created" json:"draft_created"`
	ProcessingLog    []ProcessingLogEntry `db:"processing_log" json:"processing_log"`

	ReceivedAt  time.Time  `db:"received_at" json:"received_at"`
	RespondedAt *time.Time `db:"responded_at" json:"responded_at"` // Set when an auto-reply was sent
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// EmailStats holds aggregate counts for one time window.
type EmailStats struct {
	EmailsProcessed   int64
	AutoResponsesSent int64
	DraftsCreated     int64
	AvgResponseTimeMs float64
}

// BlocklistEntry is a sender address or domain the pipeline must skip.
type BlocklistEntry struct {
	ID        int64     `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Entry     string    `db:"entry" json:"entry"` // "user@example.com" or "example.com"
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
