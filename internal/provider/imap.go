package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avela/mailflow/internal/database"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// imapCredentials is the opaque credentials blob for IMAP-linked mailboxes.
type imapCredentials struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	IMAPServer   string `json:"imap_server"` // host:port
	SMTPServer   string `json:"smtp_server"` // host:port, used for outbound replies
	DraftsFolder string `json:"drafts_folder,omitempty"`
}

const dialTimeout = 30 * time.Second

// IMAPAdapter serves password-authenticated mailboxes over IMAP, with
// outbound replies delivered over SMTP.
type IMAPAdapter struct {
	creds imapCredentials

	mu     sync.Mutex
	client *client.Client
}

// NewIMAPAdapter creates and connects an IMAP adapter from a credentials blob.
func NewIMAPAdapter(ctx context.Context, credentials json.RawMessage) (*IMAPAdapter, error) {
	var creds imapCredentials
	if err := json.Unmarshal(credentials, &creds); err != nil {
		return nil, &AuthError{Provider: database.ProviderIMAP, Message: "malformed IMAP credentials"}
	}
	if creds.Username == "" || creds.Password == "" || creds.IMAPServer == "" {
		return nil, &AuthError{Provider: database.ProviderIMAP, Message: "username, password and imap_server are required"}
	}
	if creds.DraftsFolder == "" {
		creds.DraftsFolder = "Drafts"
	}

	a := &IMAPAdapter{creds: creds}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	return a, nil
}

// connect dials the IMAP server over TLS and logs in. Caller must not hold mu.
func (a *IMAPAdapter) connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return nil
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", a.creds.IMAPServer, nil)
	if err != nil {
		return &TransientError{Op: "dial", Err: err}
	}

	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return &TransientError{Op: "handshake", Err: err}
	}

	if err := imapClient.Login(a.creds.Username, a.creds.Password); err != nil {
		imapClient.Logout()
		return &AuthError{Provider: database.ProviderIMAP, Message: err.Error()}
	}

	a.client = imapClient
	return nil
}

// FetchNew fetches messages received after since from the given folders,
// oldest first across all folders.
func (a *IMAPAdapter) FetchNew(ctx context.Context, folders []string, since time.Time) ([]*Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return nil, &TransientError{Op: "fetch", Err: fmt.Errorf("not connected")}
	}

	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}

	var all []*Message
	for _, folder := range folders {
		messages, err := a.fetchFolder(folder, since)
		if err != nil {
			return nil, err
		}
		all = append(all, messages...)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Date.Before(all[j].Date)
	})

	return all, nil
}

// fetchFolder selects one folder and fetches messages after since.
// Caller holds mu.
func (a *IMAPAdapter) fetchFolder(folder string, since time.Time) ([]*Message, error) {
	if _, err := a.client.Select(folder, false); err != nil {
		return nil, &TransientError{Op: "select " + folder, Err: err}
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	uids, err := a.client.UidSearch(criteria)
	if err != nil {
		return nil, &TransientError{Op: "search " + folder, Err: err}
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		done <- a.client.UidFetch(seqSet, items, ch)
	}()

	var messages []*Message
	for msg := range ch {
		parsed := parseIMAPMessage(folder, msg, section)
		// IMAP SINCE is date-granular; drop same-day messages already seen
		if !parsed.Date.After(since) {
			continue
		}
		messages = append(messages, parsed)
	}

	if err := <-done; err != nil {
		return messages, &TransientError{Op: "fetch " + folder, Err: err}
	}

	return messages, nil
}

// parseIMAPMessage normalizes a raw IMAP message. Message IDs are encoded as
// "folder:uid" so later flag operations can find the message again.
func parseIMAPMessage(folder string, msg *imap.Message, section *imap.BodySectionName) *Message {
	message := &Message{
		ID: fmt.Sprintf("%s:%d", folder, msg.Uid),
	}

	if msg.Envelope != nil {
		message.Subject = msg.Envelope.Subject
		message.Date = msg.Envelope.Date
		message.ThreadID = msg.Envelope.MessageId
		if len(msg.Envelope.From) > 0 {
			message.From = msg.Envelope.From[0].Address()
		}
		if len(msg.Envelope.To) > 0 {
			message.To = msg.Envelope.To[0].Address()
		}
	}

	bodyReader := msg.GetBody(section)
	if bodyReader == nil {
		return message
	}

	mr, err := mail.CreateReader(bodyReader)
	if err != nil {
		return message
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/html"):
				message.HTMLBody = string(body)
			case strings.HasPrefix(ct, "text/plain"):
				message.PlainBody = string(body)
			}
		}
	}

	return message
}

// Send delivers a reply over SMTP
func (a *IMAPAdapter) Send(ctx context.Context, msg *OutgoingMessage) error {
	if a.creds.SMTPServer == "" {
		return &TransientError{Op: "send", Err: fmt.Errorf("no smtp_server configured for %s", a.creds.Username)}
	}

	from := msg.From
	if from == "" {
		from = a.creds.Username
	}

	raw := buildRFC822(from, msg)
	auth := sasl.NewPlainClient("", a.creds.Username, a.creds.Password)

	if err := smtp.SendMailTLS(a.creds.SMTPServer, auth, from, []string{msg.To}, strings.NewReader(raw)); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "authentication") {
			return &AuthError{Provider: database.ProviderIMAP, Message: err.Error()}
		}
		return &TransientError{Op: "send", Err: err}
	}

	return nil
}

// CreateDraft appends the reply to the drafts folder with the \Draft flag
func (a *IMAPAdapter) CreateDraft(ctx context.Context, msg *OutgoingMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return &TransientError{Op: "create draft", Err: fmt.Errorf("not connected")}
	}

	from := msg.From
	if from == "" {
		from = a.creds.Username
	}

	raw := buildRFC822(from, msg)
	flags := []string{imap.DraftFlag}

	if err := a.client.Append(a.creds.DraftsFolder, flags, time.Now(), strings.NewReader(raw)); err != nil {
		return &TransientError{Op: "create draft", Err: err}
	}

	return nil
}

// MarkRead adds the \Seen flag
func (a *IMAPAdapter) MarkRead(ctx context.Context, messageID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	folder, uid, err := splitMessageID(messageID)
	if err != nil {
		return err
	}
	if a.client == nil {
		return &TransientError{Op: "mark read", Err: fmt.Errorf("not connected")}
	}

	if _, err := a.client.Select(folder, false); err != nil {
		return &TransientError{Op: "select " + folder, Err: err}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)

	if err := a.client.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return &TransientError{Op: "mark read", Err: err}
	}

	return nil
}

// MoveFolder copies the message to the target folder and expunges the original
func (a *IMAPAdapter) MoveFolder(ctx context.Context, messageID, folder string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	srcFolder, uid, err := splitMessageID(messageID)
	if err != nil {
		return err
	}
	if a.client == nil {
		return &TransientError{Op: "move", Err: fmt.Errorf("not connected")}
	}

	if _, err := a.client.Select(srcFolder, false); err != nil {
		return &TransientError{Op: "select " + srcFolder, Err: err}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := a.client.UidCopy(seqSet, folder); err != nil {
		return &TransientError{Op: "copy", Err: err}
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := a.client.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return &TransientError{Op: "flag deleted", Err: err}
	}
	if err := a.client.Expunge(nil); err != nil {
		return &TransientError{Op: "expunge", Err: err}
	}

	return nil
}

// Ping issues a NOOP on the live session
func (a *IMAPAdapter) Ping(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return &TransientError{Op: "ping", Err: fmt.Errorf("not connected")}
	}
	if err := a.client.Noop(); err != nil {
		return &TransientError{Op: "ping", Err: err}
	}

	return nil
}

// Disconnect logs out and drops the session
func (a *IMAPAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return nil
	}
	err := a.client.Logout()
	a.client = nil
	return err
}

func splitMessageID(messageID string) (folder string, uid uint32, err error) {
	idx := strings.LastIndex(messageID, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed imap message id: %s", messageID)
	}
	n, err := strconv.ParseUint(messageID[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed imap message id: %s", messageID)
	}
	return messageID[:idx], uint32(n), nil
}

func buildRFC822(from string, msg *OutgoingMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.InReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", msg.InReplyTo)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return b.String()
}
