package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/avela/mailflow/internal/ai"
	"github.com/avela/mailflow/internal/database"
	"github.com/avela/mailflow/internal/provider"
)

type MockAccountStore struct {
	mock.Mock
}

func (m *MockAccountStore) AddStats(ctx context.Context, userID, mailbox string, delta database.StatsDelta) error {
	args := m.Called(ctx, userID, mailbox, delta)
	return args.Error(0)
}

type MockEmailStore struct {
	mock.Mock
}

func (m *MockEmailStore) CreateEmail(ctx context.Context, email *database.Email) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}
func (m *MockEmailStore) UpdateEmailProcessing(ctx context.Context, email *database.Email) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

type MockBlocklist struct {
	mock.Mock
}

func (m *MockBlocklist) GetBlocklistEntries(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) GenerateReply(ctx context.Context, rc ai.ReplyContext) (string, error) {
	args := m.Called(ctx, rc)
	return args.String(0), args.Error(1)
}

type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) FetchNew(ctx context.Context, folders []string, since time.Time) ([]*provider.Message, error) {
	args := m.Called(ctx, folders, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*provider.Message), args.Error(1)
}
func (m *MockAdapter) Send(ctx context.Context, msg *provider.OutgoingMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockAdapter) CreateDraft(ctx context.Context, msg *provider.OutgoingMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockAdapter) MarkRead(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}
func (m *MockAdapter) MoveFolder(ctx context.Context, messageID, folder string) error {
	args := m.Called(ctx, messageID, folder)
	return args.Error(0)
}
func (m *MockAdapter) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockAdapter) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

func testAccount(mode database.AIMode) *database.Account {
	return &database.Account{
		UserID:      "user-1",
		Mailbox:     "me@corp.com",
		Provider:    database.ProviderGmail,
		SyncEnabled: true,
		AIEnabled:   mode != database.AIModeOff,
		AIMode:      mode,
	}
}

func testMessage() *provider.Message {
	return &provider.Message{
		ID:        "msg-1",
		ThreadID:  "thread-1",
		From:      "Alice <alice@example.com>",
		To:        "me@corp.com",
		Subject:   "Need help with my invoice",
		Date:      time.Now().Add(-time.Minute),
		PlainBody: "Hi, there is a problem with my invoice, please help.",
	}
}

func newTestProcessor() (*Processor, *MockAccountStore, *MockEmailStore, *MockBlocklist, *MockGenerator) {
	accounts := new(MockAccountStore)
	emails := new(MockEmailStore)
	blocklist := new(MockBlocklist)
	generator := new(MockGenerator)
	return NewProcessor(accounts, emails, blocklist, generator), accounts, emails, blocklist, generator
}

func TestProcess_OffMode_RecordsWithoutActing(t *testing.T) {
	ctx := context.Background()
	p, accounts, emails, blocklist, generator := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeOff)

	blocklist.On("GetBlocklistEntries", ctx, "user-1").Return([]string{}, nil)
	emails.On("CreateEmail", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
	accounts.On("AddStats", ctx, "user-1", "me@corp.com",
		database.StatsDelta{ProcessedEmails: 1}).Return(nil)

	result, err := p.Process(ctx, testMessage(), account, adapter)

	assert.NoError(t, err)
	assert.Equal(t, ActionReceived, result.Action)
	assert.True(t, result.Email.Processed)
	assert.Equal(t, database.ProcessingStatusProcessed, result.Email.ProcessingStatus)
	assert.NotNil(t, result.Email.ProcessedAt)
	assert.Equal(t, "billing", result.Email.Category)
	assert.NotEmpty(t, result.Email.Sentiment)
	generator.AssertNotCalled(t, "GenerateReply", mock.Anything, mock.Anything)
	adapter.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	accounts.AssertExpectations(t)
	emails.AssertExpectations(t)
}

func TestProcess_SyncPaused_SkipsPipeline(t *testing.T) {
	ctx := context.Background()
	p, accounts, emails, blocklist, generator := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeAutoReply)
	account.SyncPaused = true

	emails.On("CreateEmail", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
	accounts.On("AddStats", ctx, "user-1", "me@corp.com",
		database.StatsDelta{ProcessedEmails: 1}).Return(nil)

	result, err := p.Process(ctx, testMessage(), account, adapter)

	assert.NoError(t, err)
	assert.Equal(t, ActionReceived, result.Action)
	assert.True(t, result.Email.Processed)
	blocklist.AssertNotCalled(t, "GetBlocklistEntries", mock.Anything, mock.Anything)
	generator.AssertNotCalled(t, "GenerateReply", mock.Anything, mock.Anything)
}

func TestProcess_BlockedSender_Skipped(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		blocked bool
	}{
		{"exact domain", "user@example.com", true},
		{"subdomain", "user@mail.example.com", true},
		{"similar but different domain", "user@notexample.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p, accounts, emails, blocklist, generator := newTestProcessor()
			adapter := new(MockAdapter)
			account := testAccount(database.AIModeOff)

			msg := testMessage()
			msg.From = tt.from

			blocklist.On("GetBlocklistEntries", ctx, "user-1").Return([]string{"example.com"}, nil)
			emails.On("CreateEmail", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
			accounts.On("AddStats", ctx, "user-1", "me@corp.com",
				database.StatsDelta{ProcessedEmails: 1}).Return(nil)

			result, err := p.Process(ctx, msg, account, adapter)

			assert.NoError(t, err)
			assert.True(t, result.Email.Processed)
			if tt.blocked {
				assert.Equal(t, ActionSkip, result.Action)
				assert.Equal(t, database.ProcessingStatusSkipped, result.Email.ProcessingStatus)
			} else {
				assert.Equal(t, ActionReceived, result.Action)
				assert.Equal(t, database.ProcessingStatusProcessed, result.Email.ProcessingStatus)
			}
			generator.AssertNotCalled(t, "GenerateReply", mock.Anything, mock.Anything)
		})
	}
}

func TestProcess_BlocklistLoadFailure_DoesNotBlockMail(t *testing.T) {
	ctx := context.Background()
	p, accounts, emails, blocklist, _ := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeOff)

	blocklist.On("GetBlocklistEntries", ctx, "user-1").Return(nil, errors.New("db down"))
	emails.On("CreateEmail", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
	accounts.On("AddStats", ctx, "user-1", "me@corp.com",
		database.StatsDelta{ProcessedEmails: 1}).Return(nil)

	result, err := p.Process(ctx, testMessage(), account, adapter)

	assert.NoError(t, err)
	assert.Equal(t, ActionReceived, result.Action)
}

func TestProcess_DraftMode_CreatesDraft(t *testing.T) {
	ctx := context.Background()
	p, accounts, emails, blocklist, generator := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeDraft)

	blocklist.On("GetBlocklistEntries", ctx, "user-1").Return([]string{}, nil)
	generator.On("GenerateReply", ctx, mock.AnythingOfType("ai.ReplyContext")).Return("Happy to help.", nil)
	adapter.On("CreateDraft", ctx, mock.AnythingOfType("*provider.OutgoingMessage")).Return(nil)
	emails.On("CreateEmail", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
	accounts.On("AddStats", ctx, "user-1", "me@corp.com",
		database.StatsDelta{ProcessedEmails: 1, DraftCreatedEmails: 1}).Return(nil)

	result, err := p.Process(ctx, testMessage(), account, adapter)

	assert.NoError(t, err)
	assert.Equal(t, ActionDraft, result.Action)
	assert.True(t, result.Email.DraftCreated)
	assert.False(t, result.Email.AutoReplied)
	assert.True(t, result.Email.Processed)
	adapter.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	adapter.AssertExpectations(t)
	accounts.AssertExpectations(t)
}

func TestProcess_AutoReplyMode_SendsAndMarksRead(t *testing.T) {
	ctx := context.Background()
	p, accounts, emails, blocklist, generator := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeAutoReply)

	blocklist.On("GetBlocklistEntries", ctx, "user-1").Return([]string{}, nil)
	generator.On("GenerateReply", ctx, mock.AnythingOfType("ai.ReplyContext")).Return("On it!", nil)
	adapter.On("Send", ctx, mock.MatchedBy(func(out *provider.OutgoingMessage) bool {
		return out.To == "Alice <alice@example.com>" && out.Subject == "Re: Need help with my invoice"
	})).Return(nil)
	adapter.On("MarkRead", ctx, "msg-1").Return(nil)
	emails.On("CreateEmail", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
	accounts.On("AddStats", ctx, "user-1", "me@corp.com",
		database.StatsDelta{ProcessedEmails: 1, AutoRespondedEmails: 1}).Return(nil)

	result, err := p.Process(ctx, testMessage(), account, adapter)

	assert.NoError(t, err)
	assert.Equal(t, ActionAutoReply, result.Action)
	assert.True(t, result.Email.AutoReplied)
	assert.NotNil(t, result.Email.RespondedAt)
	assert.True(t, result.Email.Processed)
	adapter.AssertExpectations(t)
}

func TestProcess_GenerationFailure_LeavesEmailPending(t *testing.T) {
	ctx := context.Background()
	p, accounts, emails, blocklist, generator := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeAutoReply)

	blocklist.On("GetBlocklistEntries", ctx, "user-1").Return([]string{}, nil)
	generator.On("GenerateReply", ctx, mock.AnythingOfType("ai.ReplyContext")).Return("", errors.New("model overloaded"))
	emails.On("CreateEmail", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
	accounts.On("AddStats", ctx, "user-1", "me@corp.com",
		database.StatsDelta{FailedAttempts: 1}).Return(nil)

	result, err := p.Process(ctx, testMessage(), account, adapter)

	// The failure is absorbed so the rest of the batch keeps flowing
	assert.NoError(t, err)
	assert.Equal(t, ActionAutoReply, result.Action)
	assert.False(t, result.Email.Processed)
	assert.Equal(t, database.ProcessingStatusPending, result.Email.ProcessingStatus)
	assert.False(t, result.Email.AutoReplied)
	adapter.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	accounts.AssertExpectations(t)
}

func TestProcess_SendFailure_LeavesEmailPending(t *testing.T) {
	ctx := context.Background()
	p, accounts, emails, blocklist, generator := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeAutoReply)

	blocklist.On("GetBlocklistEntries", ctx, "user-1").Return([]string{}, nil)
	generator.On("GenerateReply", ctx, mock.AnythingOfType("ai.ReplyContext")).Return("reply", nil)
	adapter.On("Send", ctx, mock.AnythingOfType("*provider.OutgoingMessage")).Return(errors.New("smtp refused"))
	emails.On("CreateEmail", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
	accounts.On("AddStats", ctx, "user-1", "me@corp.com",
		database.StatsDelta{FailedAttempts: 1}).Return(nil)

	result, err := p.Process(ctx, testMessage(), account, adapter)

	assert.NoError(t, err)
	assert.False(t, result.Email.Processed)
	assert.Equal(t, database.ProcessingStatusPending, result.Email.ProcessingStatus)
	adapter.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything)
}

func TestReprocess_OnlyPendingEmails(t *testing.T) {
	ctx := context.Background()
	p, _, _, _, _ := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeDraft)

	email := &database.Email{
		ID:               "e-1",
		ProcessingStatus: database.ProcessingStatusProcessed,
	}

	result, err := p.Reprocess(ctx, email, account, adapter)

	assert.Error(t, err)
	assert.Nil(t, result)
}

func TestReprocess_PendingEmail_UpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	p, accounts, emails, blocklist, generator := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeDraft)

	email := &database.Email{
		ID:                "e-1",
		UserID:            "user-1",
		Mailbox:           "me@corp.com",
		ProviderMessageID: "msg-1",
		FromAddress:       "alice@example.com",
		Subject:           "Need help",
		ProcessingStatus:  database.ProcessingStatusPending,
		ReceivedAt:        time.Now().Add(-time.Hour),
	}

	blocklist.On("GetBlocklistEntries", ctx, "user-1").Return([]string{}, nil)
	generator.On("GenerateReply", ctx, mock.AnythingOfType("ai.ReplyContext")).Return("reply", nil)
	adapter.On("CreateDraft", ctx, mock.AnythingOfType("*provider.OutgoingMessage")).Return(nil)
	emails.On("UpdateEmailProcessing", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
	accounts.On("AddStats", ctx, "user-1", "me@corp.com",
		database.StatsDelta{ProcessedEmails: 1, DraftCreatedEmails: 1}).Return(nil)

	result, err := p.Reprocess(ctx, email, account, adapter)

	assert.NoError(t, err)
	assert.Equal(t, ActionDraft, result.Action)
	assert.True(t, result.Email.Processed)
	emails.AssertNotCalled(t, "CreateEmail", mock.Anything, mock.Anything)
	emails.AssertExpectations(t)
}

func TestProcess_ModeDisabled_TreatedAsOff(t *testing.T) {
	ctx := context.Background()
	p, accounts, emails, blocklist, generator := newTestProcessor()
	adapter := new(MockAdapter)
	account := testAccount(database.AIModeAutoReply)
	account.AIEnabled = false

	blocklist.On("GetBlocklistEntries", ctx, "user-1").Return([]string{}, nil)
	emails.On("CreateEmail", ctx, mock.AnythingOfType("*database.Email")).Return(nil)
	accounts.On("AddStats", ctx, "user-1", "me@corp.com",
		database.StatsDelta{ProcessedEmails: 1}).Return(nil)

	result, err := p.Process(ctx, testMessage(), account, adapter)

	assert.NoError(t, err)
	assert.Equal(t, ActionReceived, result.Action)
	generator.AssertNotCalled(t, "GenerateReply", mock.Anything, mock.Anything)
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Hello", replySubject("Hello"))
	assert.Equal(t, "Re: Hello", replySubject("Re: Hello"))
	assert.Equal(t, "RE: Hello", replySubject("RE: Hello"))
	assert.Equal(t, "Re:", replySubject(""))
}
