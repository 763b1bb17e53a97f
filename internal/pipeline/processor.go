package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/avela/mailflow/internal/ai"
	"github.com/avela/mailflow/internal/database"
	"github.com/avela/mailflow/internal/provider"
	"github.com/google/uuid"
)

// Action is the single terminal outcome recorded for one inbound message.
type Action string

const (
	ActionSkip      Action = "skip"
	ActionDraft     Action = "draft"
	ActionAutoReply Action = "auto_reply"
	ActionReceived  Action = "received"
)

// AccountStore is the slice of account persistence the pipeline needs.
type AccountStore interface {
	AddStats(ctx context.Context, userID, mailbox string, delta database.StatsDelta) error
}

// EmailStore persists processing results.
type EmailStore interface {
	CreateEmail(ctx context.Context, email *database.Email) error
	UpdateEmailProcessing(ctx context.Context, email *database.Email) error
}

// BlocklistProvider supplies a user's blocklist entries.
type BlocklistProvider interface {
	GetBlocklistEntries(ctx context.Context, userID string) ([]string, error)
}

// ReplyGenerator is the external generative-text collaborator. Slow and
// fallible; never assume bounded latency.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, rc ai.ReplyContext) (string, error)
}

// Result describes what the pipeline did with one message.
type Result struct {
	Action Action
	Detail string
	Email  *database.Email
}

// Processor runs the deterministic decision pipeline on inbound messages:
// sync-paused check, blocklist, categorization and sentiment, then mode
// dispatch. Exactly one terminal action per message.
type Processor struct {
	accounts  AccountStore
	emails    EmailStore
	blocklist BlocklistProvider
	generator ReplyGenerator
}

func NewProcessor(accounts AccountStore, emails EmailStore, blocklist BlocklistProvider, generator ReplyGenerator) *Processor {
	return &Processor{
		accounts:  accounts,
		emails:    emails,
		blocklist: blocklist,
		generator: generator,
	}
}

// Process runs the pipeline on a freshly fetched message and persists a new
// email record. The automation mode in effect at this moment wins; a config
// change mid-flight does not affect this message.
func (p *Processor) Process(ctx context.Context, msg *provider.Message, account *database.Account, adapter provider.Adapter) (*Result, error) {
	email := &database.Email{
		ID:                uuid.NewString(),
		UserID:            account.UserID,
		Mailbox:           account.Mailbox,
		ProviderMessageID: msg.ID,
		ThreadID:          msg.ThreadID,
		FromAddress:       msg.From,
		ToAddress:         msg.To,
		Subject:           msg.Subject,
		ProcessingStatus:  database.ProcessingStatusPending,
		ReceivedAt:        msg.Date,
		CreatedAt:         time.Now(),
	}

	return p.run(ctx, msg, account, adapter, email, true)
}

// Reprocess re-runs the pipeline for an email left pending by an earlier
// failed attempt. The body is not persisted, so generation works from the
// stored envelope.
func (p *Processor) Reprocess(ctx context.Context, email *database.Email, account *database.Account, adapter provider.Adapter) (*Result, error) {
	if email.ProcessingStatus != database.ProcessingStatusPending {
		return nil, fmt.Errorf("email %s is %s, only pending emails can be reprocessed", email.ID, email.ProcessingStatus)
	}

	msg := &provider.Message{
		ID:       email.ProviderMessageID,
		ThreadID: email.ThreadID,
		From:     email.FromAddress,
		To:       email.ToAddress,
		Subject:  email.Subject,
		Date:     email.ReceivedAt,
	}

	return p.run(ctx, msg, account, adapter, email, false)
}

func (p *Processor) run(ctx context.Context, msg *provider.Message, account *database.Account, adapter provider.Adapter, email *database.Email, create bool) (*Result, error) {
	// The mode captured here is the one that counts for this message
	mode := database.AIModeOff
	if account.AIEnabled {
		mode = account.AIMode
	}

	// 1. Sync paused: record the message, take no action
	if account.SyncPaused {
		appendLog(email, "received", "sync paused")
		return p.finalize(ctx, account, email, create, database.StatsDelta{ProcessedEmails: 1},
			&Result{Action: ActionReceived, Detail: "sync paused", Email: email})
	}

	// 2. Blocklist
	address, domain := senderParts(msg.From)
	entries, err := p.blocklist.GetBlocklistEntries(ctx, account.UserID)
	if err != nil {
		// A missing blocklist must not block mail flow
		log.Printf("[%s/%s] failed to load blocklist: %v", account.UserID, account.Mailbox, err)
		entries = nil
	}
	if entry, blocked := matchBlocklist(address, domain, entries); blocked {
		appendLog(email, "skipped", fmt.Sprintf("sender blocked by %q", entry))
		email.ProcessingStatus = database.ProcessingStatusSkipped
		email.Processed = true
		now := time.Now()
		email.ProcessedAt = &now
		if err := p.persist(ctx, email, create); err != nil {
			return nil, err
		}
		p.addStats(ctx, account, database.StatsDelta{ProcessedEmails: 1})
		return &Result{Action: ActionSkip, Detail: fmt.Sprintf("blocked by %q", entry), Email: email}, nil
	}

	// 3. Enrichment: always attached, never gates the outcome
	email.Category = categorize(msg, account.Categories)
	email.Sentiment = analyzeSentiment(msg)

	// 4. Mode dispatch
	switch mode {
	case database.AIModeDraft:
		return p.dispatchDraft(ctx, msg, account, adapter, email, create)
	case database.AIModeAutoReply:
		return p.dispatchAutoReply(ctx, msg, account, adapter, email, create)
	}

	// Passive receive (off and suggest modes)
	appendLog(email, "received", fmt.Sprintf("categorized as %s (%s)", email.Category, email.Sentiment))
	return p.finalize(ctx, account, email, create, database.StatsDelta{ProcessedEmails: 1},
		&Result{Action: ActionReceived, Email: email})
}

func (p *Processor) dispatchDraft(ctx context.Context, msg *provider.Message, account *database.Account, adapter provider.Adapter, email *database.Email, create bool) (*Result, error) {
	reply, err := p.generator.GenerateReply(ctx, replyContext(msg, account, email))
	if err != nil {
		return p.recordFailure(ctx, account, email, create, ActionDraft, fmt.Errorf("generate reply: %w", err))
	}

	draft := &provider.OutgoingMessage{
		From:      account.Mailbox,
		To:        msg.From,
		Subject:   replySubject(msg.Subject),
		Body:      reply,
		ThreadID:  msg.ThreadID,
		InReplyTo: msg.ThreadID,
	}
	if err := adapter.CreateDraft(ctx, draft); err != nil {
		return p.recordFailure(ctx, account, email, create, ActionDraft, fmt.Errorf("create draft: %w", err))
	}

	email.DraftCreated = true
	appendLog(email, "draft", "reply draft created")
	return p.finalize(ctx, account, email, create,
		database.StatsDelta{ProcessedEmails: 1, DraftCreatedEmails: 1},
		&Result{Action: ActionDraft, Email: email})
}

func (p *Processor) dispatchAutoReply(ctx context.Context, msg *provider.Message, account *database.Account, adapter provider.Adapter, email *database.Email, create bool) (*Result, error) {
	reply, err := p.generator.GenerateReply(ctx, replyContext(msg, account, email))
	if err != nil {
		return p.recordFailure(ctx, account, email, create, ActionAutoReply, fmt.Errorf("generate reply: %w", err))
	}

	out := &provider.OutgoingMessage{
		From:      account.Mailbox,
		To:        msg.From,
		Subject:   replySubject(msg.Subject),
		Body:      reply,
		ThreadID:  msg.ThreadID,
		InReplyTo: msg.ThreadID,
	}
	if err := adapter.Send(ctx, out); err != nil {
		return p.recordFailure(ctx, account, email, create, ActionAutoReply, fmt.Errorf("send reply: %w", err))
	}

	now := time.Now()
	email.AutoReplied = true
	email.RespondedAt = &now
	appendLog(email, "auto_reply", "reply sent")

	// Best effort: the original is answered, mark it read
	if err := adapter.MarkRead(ctx, msg.ID); err != nil {
		log.Printf("[%s/%s] failed to mark %s read: %v", account.UserID, account.Mailbox, msg.ID, err)
	}

	return p.finalize(ctx, account, email, create,
		database.StatsDelta{ProcessedEmails: 1, AutoRespondedEmails: 1},
		&Result{Action: ActionAutoReply, Email: email})
}

// recordFailure absorbs a generation or provider failure: the record stays
// pending and eligible for reprocessing, the failure is counted, the batch
// continues.
func (p *Processor) recordFailure(ctx context.Context, account *database.Account, email *database.Email, create bool, attempted Action, cause error) (*Result, error) {
	log.Printf("[%s/%s] %s failed for message %s: %v", account.UserID, account.Mailbox, attempted, email.ProviderMessageID, cause)

	appendLog(email, "failed", cause.Error())
	email.ProcessingStatus = database.ProcessingStatusPending
	email.Processed = false

	if err := p.persist(ctx, email, create); err != nil {
		return nil, err
	}
	p.addStats(ctx, account, database.StatsDelta{FailedAttempts: 1})

	return &Result{Action: attempted, Detail: cause.Error(), Email: email}, nil
}

// finalize marks the record processed, persists it, and applies the stats delta.
func (p *Processor) finalize(ctx context.Context, account *database.Account, email *database.Email, create bool, delta database.StatsDelta, result *Result) (*Result, error) {
	email.Processed = true
	if email.ProcessingStatus != database.ProcessingStatusSkipped {
		email.ProcessingStatus = database.ProcessingStatusProcessed
	}
	now := time.Now()
	email.ProcessedAt = &now

	if err := p.persist(ctx, email, create); err != nil {
		return nil, err
	}
	p.addStats(ctx, account, delta)

	return result, nil
}

func (p *Processor) persist(ctx context.Context, email *database.Email, create bool) error {
	if create {
		return p.emails.CreateEmail(ctx, email)
	}
	return p.emails.UpdateEmailProcessing(ctx, email)
}

// addStats applies the stats delta as a second, independent write. Losing it
// after the email write succeeded leaves counters briefly behind, which the
// dashboard tolerates.
func (p *Processor) addStats(ctx context.Context, account *database.Account, delta database.StatsDelta) {
	if err := p.accounts.AddStats(ctx, account.UserID, account.Mailbox, delta); err != nil {
		log.Printf("[%s/%s] failed to update account stats: %v", account.UserID, account.Mailbox, err)
	}
}

func replyContext(msg *provider.Message, account *database.Account, email *database.Email) ai.ReplyContext {
	return ai.ReplyContext{
		Mailbox:   account.Mailbox,
		From:      msg.From,
		Subject:   msg.Subject,
		Body:      msg.PlainBody,
		Category:  email.Category,
		Sentiment: email.Sentiment,
		Templates: account.ResponseTemplates,
	}
}

func replySubject(subject string) string {
	if subject == "" {
		return "Re:"
	}
	if len(subject) >= 3 && (subject[:3] == "Re:" || subject[:3] == "RE:") {
		return subject
	}
	return "Re: " + subject
}

func appendLog(email *database.Email, status, message string) {
	email.ProcessingLog = append(email.ProcessingLog, database.ProcessingLogEntry{
		Timestamp: time.Now(),
		Status:    status,
		Message:   message,
	})
}
