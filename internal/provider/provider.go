package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avela/mailflow/internal/database"
	"golang.org/x/oauth2"
)

// Message is the normalized envelope every adapter produces, regardless of
// the provider's native message shape.
type Message struct {
	ID        string // Provider-assigned message identifier
	ThreadID  string
	From      string
	To        string
	Subject   string
	Date      time.Time
	PlainBody string
	HTMLBody  string
}

// OutgoingMessage is a reply to be sent or drafted through an adapter.
type OutgoingMessage struct {
	From      string
	To        string
	Subject   string
	Body      string
	ThreadID  string
	InReplyTo string
}

// Adapter is the uniform per-provider interface. Each provider kind is one
// implementation, selected once at connection start and never branched on
// again downstream.
type Adapter interface {
	// FetchNew returns messages received after the given time in the
	// configured folders, in provider-delivery order (oldest first).
	FetchNew(ctx context.Context, folders []string, since time.Time) ([]*Message, error)

	// Send delivers a reply immediately.
	Send(ctx context.Context, msg *OutgoingMessage) error

	// CreateDraft stores a reply as a provider-side draft without sending.
	CreateDraft(ctx context.Context, msg *OutgoingMessage) error

	// MarkRead flags a message as read.
	MarkRead(ctx context.Context, messageID string) error

	// MoveFolder relocates a message to another folder.
	MoveFolder(ctx context.Context, messageID, folder string) error

	// Ping is a lightweight liveness probe, cheaper than a full fetch.
	Ping(ctx context.Context) error

	// Disconnect releases the underlying session.
	Disconnect() error
}

// AuthError indicates that credentials are invalid or expired. The
// connection enters the error state and the user must re-authenticate.
type AuthError struct {
	Provider database.Provider
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider auth failed (%s): %s", e.Provider, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransientError wraps a network or rate-limit failure that is expected to
// clear on a later attempt. Tolerated up to the failure threshold.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// ErrUnknownProvider is returned by the factory for an unrecognized kind.
var ErrUnknownProvider = errors.New("unknown provider kind")

// Factory builds adapters from a provider kind and an opaque credentials blob.
type Factory struct {
	oauthConfig *oauth2.Config
}

// NewFactory creates an adapter factory. The OAuth config is shared by all
// Gmail adapters; IMAP adapters carry their credentials inline.
func NewFactory(oauthConfig *oauth2.Config) *Factory {
	return &Factory{oauthConfig: oauthConfig}
}

// GetAdapter creates and connects an adapter for the given provider kind.
func (f *Factory) GetAdapter(ctx context.Context, kind database.Provider, credentials json.RawMessage) (Adapter, error) {
	switch kind {
	case database.ProviderGmail:
		return NewGmailAdapter(ctx, f.oauthConfig, credentials)
	case database.ProviderIMAP:
		return NewIMAPAdapter(ctx, credentials)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
}
