package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmailNotFound is returned when no email record exists for the given id.
var ErrEmailNotFound = errors.New("email not found")

const emailColumns = `id, user_id, mailbox, provider_message_id, thread_id, from_address, to_address,
	subject, category, sentiment, processing_status, processed, auto_replied, draft_created,
	processing_log, received_at, responded_at, processed_at, created_at`

// CreateEmail saves the processing result for one inbound message.
// Re-polling the same provider message is a no-op thanks to the unique
// (user, mailbox, provider_message_id) constraint.
func (db *DB) CreateEmail(ctx context.Context, email *Email) error {
	logJSON, err := json.Marshal(email.ProcessingLog)
	if err != nil {
		return fmt.Errorf("failed to marshal processing log: %w", err)
	}

	query := `
		INSERT INTO emails (id, user_id, mailbox, provider_message_id, thread_id, from_address, to_address,
			subject, category, sentiment, processing_status, processed, auto_replied, draft_created,
			processing_log, received_at, responded_at, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (user_id, mailbox, provider_message_id) DO NOTHING
	`

	_, err = db.conn.ExecContext(ctx, query,
		email.ID,
		email.UserID,
		email.Mailbox,
		email.ProviderMessageID,
		email.ThreadID,
		email.FromAddress,
		email.ToAddress,
		email.Subject,
		email.Category,
		email.Sentiment,
		email.ProcessingStatus,
		email.Processed,
		email.AutoReplied,
		email.DraftCreated,
		logJSON,
		email.ReceivedAt,
		email.RespondedAt,
		email.ProcessedAt,
		email.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create email: %w", err)
	}

	return nil
}

// UpdateEmailProcessing records the outcome of a (re-)processing attempt
func (db *DB) UpdateEmailProcessing(ctx context.Context, email *Email) error {
	logJSON, err := json.Marshal(email.ProcessingLog)
	if err != nil {
		return fmt.Errorf("failed to marshal processing log: %w", err)
	}

	query := `
		UPDATE emails
		SET category = $1, sentiment = $2, processing_status = $3, processed = $4,
		    auto_replied = $5, draft_created = $6, processing_log = $7,
		    responded_at = $8, processed_at = $9
		WHERE id = $10
	`

	_, err = db.conn.ExecContext(ctx, query,
		email.Category,
		email.Sentiment,
		email.ProcessingStatus,
		email.Processed,
		email.AutoReplied,
		email.DraftCreated,
		logJSON,
		email.RespondedAt,
		email.ProcessedAt,
		email.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update email: %w", err)
	}

	return nil
}

// GetEmail retrieves a single email record by id
func (db *DB) GetEmail(ctx context.Context, id string) (*Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = $1`

	email, err := scanEmail(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmailNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	return email, nil
}

// GetRecentEmails retrieves recently processed emails for a user
func (db *DB) GetRecentEmails(ctx context.Context, userID string, limit int) ([]*Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE user_id = $1 ORDER BY received_at DESC LIMIT $2`

	rows, err := db.conn.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent emails: %w", err)
	}
	defer rows.Close()

	var emails []*Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, email)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating emails: %w", err)
	}

	return emails, nil
}

// GetEmailStats aggregates processing counts and the average response time
// (milliseconds between receipt and auto-reply) over [from, to).
func (db *DB) GetEmailStats(ctx context.Context, userID string, from, to time.Time) (*EmailStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE processed),
			COUNT(*) FILTER (WHERE auto_replied),
			COUNT(*) FILTER (WHERE draft_created),
			COALESCE(AVG(EXTRACT(EPOCH FROM (responded_at - received_at)) * 1000) FILTER (WHERE responded_at IS NOT NULL), 0)
		FROM emails
		WHERE user_id = $1 AND received_at >= $2 AND received_at < $3
	`

	stats := &EmailStats{}
	err := db.conn.QueryRowContext(ctx, query, userID, from, to).Scan(
		&stats.EmailsProcessed,
		&stats.AutoResponsesSent,
		&stats.DraftsCreated,
		&stats.AvgResponseTimeMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate email stats: %w", err)
	}

	return stats, nil
}

func scanEmail(row rowScanner) (*Email, error) {
	var email Email
	var logJSON []byte

	err := row.Scan(
		&email.ID,
		&email.UserID,
		&email.Mailbox,
		&email.ProviderMessageID,
		&email.ThreadID,
		&email.FromAddress,
		&email.ToAddress,
		&email.Subject,
		&email.Category,
		&email.Sentiment,
		&email.ProcessingStatus,
		&email.Processed,
		&email.AutoReplied,
		&email.DraftCreated,
		&logJSON,
		&email.ReceivedAt,
		&email.RespondedAt,
		&email.ProcessedAt,
		&email.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(logJSON, &email.ProcessingLog); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processing log: %w", err)
	}

	return &email, nil
}
