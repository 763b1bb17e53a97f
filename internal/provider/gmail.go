package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/avela/mailflow/internal/database"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GmailOAuthConfig builds the OAuth config used for all Gmail-linked
// mailboxes. The modify scope covers reading, drafting, sending and labels.
func GmailOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmail.GmailModifyScope},
		Endpoint:     google.Endpoint,
	}
}

// GmailAdapter serves OAuth-linked Gmail mailboxes through the Gmail API.
type GmailAdapter struct {
	service *gmail.Service
	userID  string // "me" for the authenticated user
}

// NewGmailAdapter creates a Gmail adapter from an OAuth token blob.
func NewGmailAdapter(ctx context.Context, config *oauth2.Config, credentials json.RawMessage) (*GmailAdapter, error) {
	token := &oauth2.Token{}
	if err := json.Unmarshal(credentials, token); err != nil {
		return nil, &AuthError{Provider: database.ProviderGmail, Message: "malformed OAuth token"}
	}
	if token.RefreshToken == "" && !token.Valid() {
		return nil, &AuthError{Provider: database.ProviderGmail, Message: "token expired and no refresh token present"}
	}

	httpClient := config.Client(ctx, token)
	service, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailAdapter{service: service, userID: "me"}, nil
}

// FetchNew fetches messages received after since in the given folders,
// oldest first. A zero since means no lower bound: every page of history
// is walked.
func (a *GmailAdapter) FetchNew(ctx context.Context, folders []string, since time.Time) ([]*Message, error) {
	query := searchQuery(folders, since)

	var ids []string
	pageToken := ""
	for {
		req := a.service.Users.Messages.List(a.userID).Q(query).MaxResults(100)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		res, err := req.Context(ctx).Do()
		if err != nil {
			return nil, gmailError("list messages", err)
		}

		for _, m := range res.Messages {
			ids = append(ids, m.Id)
		}
		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}

	messages := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msg, err := a.getMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	// The list endpoint returns newest first; processing order is oldest first
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Date.Before(messages[j].Date)
	})

	return messages, nil
}

func (a *GmailAdapter) getMessage(ctx context.Context, messageID string) (*Message, error) {
	msg, err := a.service.Users.Messages.Get(a.userID, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, gmailError("get message", err)
	}

	message := &Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Date:     time.UnixMilli(msg.InternalDate),
	}

	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			message.Subject = header.Value
		case "From":
			message.From = header.Value
		case "To":
			message.To = header.Value
		}
	}

	message.PlainBody = extractBody(msg.Payload, "text/plain")
	message.HTMLBody = extractBody(msg.Payload, "text/html")

	return message, nil
}

// extractBody walks a message payload looking for the first part of the
// given mime type. Gmail bodies arrive base64url encoded.
func extractBody(payload *gmail.MessagePart, mimeType string) string {
	if payload.MimeType == mimeType && payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			return string(decoded)
		}
		return payload.Body.Data
	}

	for _, part := range payload.Parts {
		if body := extractBody(part, mimeType); body != "" {
			return body
		}
	}

	return ""
}

// Send delivers a reply immediately
func (a *GmailAdapter) Send(ctx context.Context, msg *OutgoingMessage) error {
	gm := &gmail.Message{
		Raw:      encodeRFC822(msg),
		ThreadId: msg.ThreadID,
	}

	if _, err := a.service.Users.Messages.Send(a.userID, gm).Context(ctx).Do(); err != nil {
		return gmailError("send message", err)
	}

	return nil
}

// CreateDraft stores a reply as a Gmail draft
func (a *GmailAdapter) CreateDraft(ctx context.Context, msg *OutgoingMessage) error {
	draft := &gmail.Draft{
		Message: &gmail.Message{
			Raw:      encodeRFC822(msg),
			ThreadId: msg.ThreadID,
		},
	}

	if _, err := a.service.Users.Drafts.Create(a.userID, draft).Context(ctx).Do(); err != nil {
		return gmailError("create draft", err)
	}

	return nil
}

// MarkRead removes the UNREAD label
func (a *GmailAdapter) MarkRead(ctx context.Context, messageID string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}

	if _, err := a.service.Users.Messages.Modify(a.userID, messageID, req).Context(ctx).Do(); err != nil {
		return gmailError("mark read", err)
	}

	return nil
}

// MoveFolder applies the target label and removes the message from the inbox
func (a *GmailAdapter) MoveFolder(ctx context.Context, messageID, folder string) error {
	labelID, err := a.findLabelID(ctx, folder)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    []string{labelID},
		RemoveLabelIds: []string{"INBOX"},
	}

	if _, err := a.service.Users.Messages.Modify(a.userID, messageID, req).Context(ctx).Do(); err != nil {
		return gmailError("move message", err)
	}

	return nil
}

// Ping verifies the session by fetching the user's profile
func (a *GmailAdapter) Ping(ctx context.Context) error {
	if _, err := a.service.Users.GetProfile(a.userID).Context(ctx).Do(); err != nil {
		return gmailError("get profile", err)
	}
	return nil
}

// Disconnect is a no-op: the Gmail API is stateless between calls.
func (a *GmailAdapter) Disconnect() error {
	return nil
}

func (a *GmailAdapter) findLabelID(ctx context.Context, name string) (string, error) {
	res, err := a.service.Users.Labels.List(a.userID).Context(ctx).Do()
	if err != nil {
		return "", gmailError("list labels", err)
	}

	for _, label := range res.Labels {
		if strings.EqualFold(label.Name, name) {
			return label.Id, nil
		}
	}

	created, err := a.service.Users.Labels.Create(a.userID, &gmail.Label{
		Name:                  name,
		MessageListVisibility: "show",
		LabelListVisibility:   "labelShow",
		Type:                  "user",
	}).Context(ctx).Do()
	if err != nil {
		return "", gmailError("create label", err)
	}

	return created.Id, nil
}

// searchQuery builds the Gmail search string for a fetch. The after: clause
// is omitted for a zero since; the search parser rejects negative timestamps.
func searchQuery(folders []string, since time.Time) string {
	var terms []string
	if !since.IsZero() {
		terms = append(terms, fmt.Sprintf("after:%d", since.Unix()))
	}
	if scopes := folderQuery(folders); scopes != "" {
		terms = append(terms, scopes)
	}
	return strings.Join(terms, " ")
}

// folderQuery maps configured folder names onto a Gmail search scope.
func folderQuery(folders []string) string {
	var scopes []string
	for _, folder := range folders {
		switch strings.ToUpper(folder) {
		case "INBOX":
			scopes = append(scopes, "in:inbox")
		case "SPAM":
			scopes = append(scopes, "in:spam")
		default:
			scopes = append(scopes, fmt.Sprintf("label:%s", strings.ToLower(folder)))
		}
	}
	if len(scopes) == 0 {
		return ""
	}
	if len(scopes) == 1 {
		return scopes[0]
	}
	return "{" + strings.Join(scopes, " ") + "}"
}

func encodeRFC822(msg *OutgoingMessage) string {
	var b strings.Builder
	if msg.From != "" {
		fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	}
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.InReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", msg.InReplyTo)
	}
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

// gmailError classifies a Gmail API failure into the adapter error taxonomy.
func gmailError(op string, err error) error {
	if apiErr, ok := err.(*googleapi.Error); ok {
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
			return &AuthError{Provider: database.ProviderGmail, Message: apiErr.Message}
		}
	}
	return &TransientError{Op: op, Err: err}
}
