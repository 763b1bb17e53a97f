package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrAccountNotFound is returned when no account exists for a (user, mailbox) pair.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `id, user_id, mailbox, provider, credentials, sync_enabled, sync_paused,
	folders, poll_interval_seconds, ai_enabled, ai_mode, categories, response_templates,
	processed_emails, auto_responded_emails, draft_created_emails, failed_attempts, last_sync,
	status, created_at, updated_at`

// CreateAccount persists a newly linked mailbox
func (db *DB) CreateAccount(ctx context.Context, account *Account) error {
	foldersJSON, err := json.Marshal(account.Folders)
	if err != nil {
		return fmt.Errorf("failed to marshal folders: %w", err)
	}
	categoriesJSON, err := json.Marshal(account.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}
	templatesJSON, err := json.Marshal(account.ResponseTemplates)
	if err != nil {
		return fmt.Errorf("failed to marshal response templates: %w", err)
	}

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now
	if account.Status == "" {
		account.Status = AccountStatusConnected
	}

	query := `
		INSERT INTO accounts (user_id, mailbox, provider, credentials, sync_enabled, sync_paused,
			folders, poll_interval_seconds, ai_enabled, ai_mode, categories, response_templates,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`

	err = db.conn.QueryRowContext(ctx, query,
		account.UserID,
		account.Mailbox,
		account.Provider,
		[]byte(account.Credentials),
		account.SyncEnabled,
		account.SyncPaused,
		foldersJSON,
		account.PollIntervalSeconds,
		account.AIEnabled,
		account.AIMode,
		categoriesJSON,
		templatesJSON,
		account.Status,
		account.CreatedAt,
		account.UpdatedAt,
	).Scan(&account.ID)

	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccount retrieves the account for a (user, mailbox) pair
func (db *DB) GetAccount(ctx context.Context, userID, mailbox string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 AND mailbox = $2`

	account, err := scanAccount(db.conn.QueryRowContext(ctx, query, userID, mailbox))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// GetActiveAccounts returns all connected accounts with sync enabled.
// Used at startup to rehydrate live connections.
func (db *DB) GetActiveAccounts(ctx context.Context) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE status = $1 AND sync_enabled = TRUE ORDER BY id`

	rows, err := db.conn.QueryContext(ctx, query, AccountStatusConnected)
	if err != nil {
		return nil, fmt.Errorf("failed to query active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// UpdateSyncConfig updates the sync configuration for an account
func (db *DB) UpdateSyncConfig(ctx context.Context, userID, mailbox string, enabled, paused bool, folders []string, pollIntervalSeconds int) error {
	foldersJSON, err := json.Marshal(folders)
	if err != nil {
		return fmt.Errorf("failed to marshal folders: %w", err)
	}

	query := `
		UPDATE accounts
		SET sync_enabled = $1, sync_paused = $2, folders = $3, poll_interval_seconds = $4, updated_at = NOW()
		WHERE user_id = $5 AND mailbox = $6
	`

	if _, err := db.conn.ExecContext(ctx, query, enabled, paused, foldersJSON, pollIntervalSeconds, userID, mailbox); err != nil {
		return fmt.Errorf("failed to update sync config: %w", err)
	}

	return nil
}

// UpdateAISettings updates the automation settings for an account
func (db *DB) UpdateAISettings(ctx context.Context, userID, mailbox string, enabled bool, mode AIMode, categories, templates []string) error {
	categoriesJSON, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}
	templatesJSON, err := json.Marshal(templates)
	if err != nil {
		return fmt.Errorf("failed to marshal response templates: %w", err)
	}

	query := `
		UPDATE accounts
		SET ai_enabled = $1, ai_mode = $2, categories = $3, response_templates = $4, updated_at = NOW()
		WHERE user_id = $5 AND mailbox = $6
	`

	if _, err := db.conn.ExecContext(ctx, query, enabled, mode, categoriesJSON, templatesJSON, userID, mailbox); err != nil {
		return fmt.Errorf("failed to update ai settings: %w", err)
	}

	return nil
}

// AddStats applies a stats delta to an account's running counters
func (db *DB) AddStats(ctx context.Context, userID, mailbox string, delta StatsDelta) error {
	query := `
		UPDATE accounts
		SET processed_emails = processed_emails + $1,
		    auto_responded_emails = auto_responded_emails + $2,
		    draft_created_emails = draft_created_emails + $3,
		    failed_attempts = failed_attempts + $4,
		    updated_at = NOW()
		WHERE user_id = $5 AND mailbox = $6
	`

	if _, err := db.conn.ExecContext(ctx, query,
		delta.ProcessedEmails,
		delta.AutoRespondedEmails,
		delta.DraftCreatedEmails,
		delta.FailedAttempts,
		userID, mailbox,
	); err != nil {
		return fmt.Errorf("failed to update account stats: %w", err)
	}

	return nil
}

// SetLastSync records the time of the last successful poll
func (db *DB) SetLastSync(ctx context.Context, userID, mailbox string, lastSync time.Time) error {
	query := `UPDATE accounts SET last_sync = $1, updated_at = NOW() WHERE user_id = $2 AND mailbox = $3`

	if _, err := db.conn.ExecContext(ctx, query, lastSync, userID, mailbox); err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}

	return nil
}

// UpdateCredentials replaces the opaque credentials blob, reviving a
// previously disconnected account.
func (db *DB) UpdateCredentials(ctx context.Context, userID, mailbox string, credentials json.RawMessage) error {
	query := `
		UPDATE accounts
		SET credentials = $1, status = $2, updated_at = NOW()
		WHERE user_id = $3 AND mailbox = $4
	`

	if _, err := db.conn.ExecContext(ctx, query, []byte(credentials), AccountStatusConnected, userID, mailbox); err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}

	return nil
}

// ClearCredentials soft-disables an account on disconnect. Credentials are
// wiped and the status flips to disconnected; the row stays because email
// history still references it.
func (db *DB) ClearCredentials(ctx context.Context, userID, mailbox string) error {
	query := `
		UPDATE accounts
		SET credentials = NULL, status = $1, sync_enabled = FALSE, updated_at = NOW()
		WHERE user_id = $2 AND mailbox = $3
	`

	if _, err := db.conn.ExecContext(ctx, query, AccountStatusDisconnected, userID, mailbox); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var account Account
	var credentials []byte
	var foldersJSON, categoriesJSON, templatesJSON []byte

	err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.Mailbox,
		&account.Provider,
		&credentials,
		&account.SyncEnabled,
		&account.SyncPaused,
		&foldersJSON,
		&account.PollIntervalSeconds,
		&account.AIEnabled,
		&account.AIMode,
		&categoriesJSON,
		&templatesJSON,
		&account.ProcessedEmails,
		&account.AutoRespondedEmails,
		&account.DraftCreatedEmails,
		&account.FailedAttempts,
		&account.LastSync,
		&account.Status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.Credentials = credentials

	if err := json.Unmarshal(foldersJSON, &account.Folders); err != nil {
		return nil, fmt.Errorf("failed to unmarshal folders: %w", err)
	}
	if err := json.Unmarshal(categoriesJSON, &account.Categories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
	}
	if err := json.Unmarshal(templatesJSON, &account.ResponseTemplates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response templates: %w", err)
	}

	return &account, nil
}
