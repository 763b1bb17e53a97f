package connection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/avela/mailflow/internal/database"
	"github.com/avela/mailflow/internal/pipeline"
	"github.com/avela/mailflow/internal/provider"
)

type MockAccountStore struct {
	mock.Mock
}

func (m *MockAccountStore) GetAccount(ctx context.Context, userID, mailbox string) (*database.Account, error) {
	args := m.Called(ctx, userID, mailbox)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Account), args.Error(1)
}
func (m *MockAccountStore) GetActiveAccounts(ctx context.Context) ([]*database.Account, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*database.Account), args.Error(1)
}
func (m *MockAccountStore) SetLastSync(ctx context.Context, userID, mailbox string, lastSync time.Time) error {
	args := m.Called(ctx, userID, mailbox, lastSync)
	return args.Error(0)
}
func (m *MockAccountStore) ClearCredentials(ctx context.Context, userID, mailbox string) error {
	args := m.Called(ctx, userID, mailbox)
	return args.Error(0)
}

type MockFactory struct {
	mock.Mock
}

func (m *MockFactory) GetAdapter(ctx context.Context, kind database.Provider, credentials json.RawMessage) (provider.Adapter, error) {
	args := m.Called(ctx, kind, credentials)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(provider.Adapter), args.Error(1)
}

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Process(ctx context.Context, msg *provider.Message, account *database.Account, adapter provider.Adapter) (*pipeline.Result, error) {
	args := m.Called(ctx, msg, account, adapter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) RecordEvent(userID, mailbox string, status Status, message string) {
	m.Called(userID, mailbox, status, message)
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

func testAccount() *database.Account {
	return &database.Account{
		UserID:              "user-1",
		Mailbox:             "me@corp.com",
		Provider:            database.ProviderGmail,
		Credentials:         json.RawMessage(`{"access_token":"x"}`),
		SyncEnabled:         true,
		Folders:             []string{"INBOX"},
		PollIntervalSeconds: 3600, // Long enough that no scheduled tick fires mid-test
	}
}

func newTestManager() (*Manager, *MockAccountStore, *MockFactory, *MockProcessor, *MockEvents) {
	store := new(MockAccountStore)
	factory := new(MockFactory)
	processor := new(MockProcessor)
	events := new(MockEvents)
	return NewManager(store, factory, processor, events), store, factory, processor, events
}

// testConnection builds a registered connection without a poll loop, so tests
// can drive polls deterministically.
func testConnection(m *Manager, adapter provider.Adapter, account *database.Account) *Connection {
	acctCopy := *account
	conn := &Connection{
		UserID:    account.UserID,
		Mailbox:   account.Mailbox,
		adapter:   adapter,
		done:      make(chan struct{}),
		account:   &acctCopy,
		status:    StatusActive,
		startTime: time.Now(),
	}
	m.registry.Add(conn)
	return conn
}

func TestStartConnection_RejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	m, store, factory, _, events := newTestManager()
	account := testAccount()

	adapter := new(MockAdapter)
	adapter.On("FetchNew", mock.Anything, []string{"INBOX"}, mock.AnythingOfType("time.Time")).
		Return([]*provider.Message{}, nil).Maybe()
	adapter.On("Disconnect").Return(nil)
	factory.On("GetAdapter", ctx, database.ProviderGmail, account.Credentials).Return(adapter, nil)
	store.On("SetLastSync", mock.Anything, "user-1", "me@corp.com", mock.AnythingOfType("time.Time")).
		Return(nil).Maybe()
	events.On("RecordEvent", "user-1", "me@corp.com", mock.AnythingOfType("connection.Status"), mock.AnythingOfType("string")).
		Return().Maybe()

	key, err := m.StartConnection(ctx, account)
	assert.NoError(t, err)
	assert.Equal(t, "user-1/me@corp.com", key)

	_, err = m.StartConnection(ctx, account)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, m.registry.Len())

	m.StopAll()
}

func TestStartConnection_PausedAccountEventMatchesStatus(t *testing.T) {
	ctx := context.Background()
	m, _, factory, _, events := newTestManager()
	account := testAccount()
	account.SyncEnabled = false

	adapter := new(MockAdapter)
	adapter.On("Disconnect").Return(nil)
	factory.On("GetAdapter", ctx, database.ProviderGmail, account.Credentials).Return(adapter, nil)
	events.On("RecordEvent", "user-1", "me@corp.com", StatusPaused, "connection established").Return()
	events.On("RecordEvent", "user-1", "me@corp.com", StatusDisconnected, mock.AnythingOfType("string")).
		Return().Maybe()

	_, err := m.StartConnection(ctx, account)
	assert.NoError(t, err)

	snap, ok := m.GetConnection("user-1", "me@corp.com")
	assert.True(t, ok)
	assert.Equal(t, StatusPaused, snap.Status)
	events.AssertCalled(t, "RecordEvent", "user-1", "me@corp.com", StatusPaused, "connection established")

	m.StopAll()
}

func TestStopConnection_IdempotentForAbsentMailbox(t *testing.T) {
	m, _, _, _, _ := newTestManager()

	assert.NoError(t, m.StopConnection("user-1", "nobody@corp.com"))
	assert.NoError(t, m.StopConnection("user-1", "nobody@corp.com"))
}

func TestPoll_FailuresBelowThresholdStayActive(t *testing.T) {
	m, _, _, _, events := newTestManager()
	adapter := new(MockAdapter)
	conn := testConnection(m, adapter, testAccount())

	adapter.On("FetchNew", mock.Anything, []string{"INBOX"}, mock.AnythingOfType("time.Time")).
		Return(nil, errors.New("connection reset"))

	for i := 0; i < 2; i++ {
		_, err := m.poll(conn)
		assert.Error(t, err)
	}

	snap := conn.Snapshot()
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	events.AssertNotCalled(t, "RecordEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPoll_ThresholdCrossingEmitsSingleEvent(t *testing.T) {
	m, _, _, _, events := newTestManager()
	adapter := new(MockAdapter)
	conn := testConnection(m, adapter, testAccount())

	adapter.On("FetchNew", mock.Anything, []string{"INBOX"}, mock.AnythingOfType("time.Time")).
		Return(nil, errors.New("connection reset"))
	events.On("RecordEvent", "user-1", "me@corp.com", StatusError, mock.AnythingOfType("string")).Return()

	// Third failure crosses the threshold; the fourth must not re-announce it
	for i := 0; i < 4; i++ {
		m.poll(conn)
	}

	snap := conn.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, 4, snap.ConsecutiveFailures)
	events.AssertNumberOfCalls(t, "RecordEvent", 1)
}

func TestPoll_SuccessResetsFailureCount(t *testing.T) {
	m, store, _, _, _ := newTestManager()
	adapter := new(MockAdapter)
	conn := testConnection(m, adapter, testAccount())

	conn.mu.Lock()
	conn.consecutiveFailures = 2
	conn.lastError = "connection reset"
	conn.mu.Unlock()

	adapter.On("FetchNew", mock.Anything, []string{"INBOX"}, mock.AnythingOfType("time.Time")).
		Return([]*provider.Message{}, nil)
	store.On("SetLastSync", mock.Anything, "user-1", "me@corp.com", mock.AnythingOfType("time.Time")).Return(nil)

	count, err := m.poll(conn)

	assert.NoError(t, err)
	assert.Equal(t, 0, count)
	snap := conn.Snapshot()
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Empty(t, snap.LastError)
	assert.NotNil(t, snap.LastSync)
	store.AssertExpectations(t)
}

func TestPoll_SyncDisabledSkipsWithoutFailure(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	adapter := new(MockAdapter)
	account := testAccount()
	account.SyncEnabled = false
	conn := testConnection(m, adapter, account)

	count, err := m.poll(conn)

	assert.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, StatusPaused, conn.Snapshot().Status)
	adapter.AssertNotCalled(t, "FetchNew", mock.Anything, mock.Anything, mock.Anything)
}

func TestPoll_ProcessesMessagesInOrder(t *testing.T) {
	m, store, _, processor, _ := newTestManager()
	adapter := new(MockAdapter)
	conn := testConnection(m, adapter, testAccount())

	first := &provider.Message{ID: "msg-1", From: "a@x.com"}
	second := &provider.Message{ID: "msg-2", From: "b@x.com"}

	adapter.On("FetchNew", mock.Anything, []string{"INBOX"}, mock.AnythingOfType("time.Time")).
		Return([]*provider.Message{first, second}, nil)
	store.On("SetLastSync", mock.Anything, "user-1", "me@corp.com", mock.AnythingOfType("time.Time")).Return(nil)

	var order []string
	processor.On("Process", mock.Anything, mock.AnythingOfType("*provider.Message"), mock.AnythingOfType("*database.Account"), adapter).
		Run(func(args mock.Arguments) {
			order = append(order, args.Get(1).(*provider.Message).ID)
		}).
		Return(&pipeline.Result{Action: pipeline.ActionReceived}, nil)

	count, err := m.poll(conn)

	assert.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"msg-1", "msg-2"}, order)
}

func TestPoll_PipelineFailureDoesNotAbortBatch(t *testing.T) {
	m, store, _, processor, _ := newTestManager()
	adapter := new(MockAdapter)
	conn := testConnection(m, adapter, testAccount())

	messages := []*provider.Message{{ID: "msg-1"}, {ID: "msg-2"}}
	adapter.On("FetchNew", mock.Anything, []string{"INBOX"}, mock.AnythingOfType("time.Time")).
		Return(messages, nil)
	store.On("SetLastSync", mock.Anything, "user-1", "me@corp.com", mock.AnythingOfType("time.Time")).Return(nil)
	processor.On("Process", mock.Anything, mock.AnythingOfType("*provider.Message"), mock.AnythingOfType("*database.Account"), adapter).
		Return(nil, errors.New("persist failed"))

	count, err := m.poll(conn)

	assert.NoError(t, err)
	assert.Equal(t, 2, count)
	processor.AssertNumberOfCalls(t, "Process", 2)
}

func TestCheckEmails_NoConnection(t *testing.T) {
	m, _, _, _, _ := newTestManager()

	_, err := m.CheckEmails(context.Background(), "user-1", "nobody@corp.com")

	assert.ErrorIs(t, err, ErrNoActiveConnection)
}

func TestUpdateConnectionConfig_NoConnection(t *testing.T) {
	m, _, _, _, _ := newTestManager()

	interval := 30
	applied := m.UpdateConnectionConfig("user-1", "nobody@corp.com", ConfigUpdate{PollIntervalSeconds: &interval})

	assert.False(t, applied)
}

func TestUpdateConnectionConfig_HotUpdatesInterval(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	adapter := new(MockAdapter)
	conn := testConnection(m, adapter, testAccount())

	interval := 30
	applied := m.UpdateConnectionConfig("user-1", "me@corp.com", ConfigUpdate{PollIntervalSeconds: &interval})

	assert.True(t, applied)
	assert.Equal(t, 30*time.Second, conn.pollInterval(DefaultPollInterval))
}

func TestUpdateConnectionConfig_PauseAndResume(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	adapter := new(MockAdapter)
	conn := testConnection(m, adapter, testAccount())

	disabled := false
	m.UpdateConnectionConfig("user-1", "me@corp.com", ConfigUpdate{SyncEnabled: &disabled})
	assert.Equal(t, StatusPaused, conn.Snapshot().Status)

	enabled := true
	m.UpdateConnectionConfig("user-1", "me@corp.com", ConfigUpdate{SyncEnabled: &enabled})
	assert.Equal(t, StatusActive, conn.Snapshot().Status)
}

func TestCheckHealth_NoConnection(t *testing.T) {
	m, _, _, _, _ := newTestManager()

	result := m.CheckHealth(context.Background(), "user-1", "nobody@corp.com")

	assert.False(t, result.Healthy)
	assert.Equal(t, StatusDisconnected, result.Status)
}

func TestCheckHealth_ProbeFailure(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	adapter := new(MockAdapter)
	testConnection(m, adapter, testAccount())

	adapter.On("Ping", mock.Anything).Return(errors.New("unreachable"))

	result := m.CheckHealth(context.Background(), "user-1", "me@corp.com")

	assert.False(t, result.Healthy)
	assert.Equal(t, "unreachable", result.Message)
}

func TestDisconnectAccount_ClearsCredentials(t *testing.T) {
	ctx := context.Background()
	m, store, _, _, events := newTestManager()
	adapter := new(MockAdapter)
	testConnection(m, adapter, testAccount())

	adapter.On("Disconnect").Return(nil)
	store.On("ClearCredentials", ctx, "user-1", "me@corp.com").Return(nil)
	events.On("RecordEvent", "user-1", "me@corp.com", StatusDisconnected, mock.AnythingOfType("string")).Return()

	err := m.DisconnectAccount(ctx, "user-1", "me@corp.com")

	assert.NoError(t, err)
	assert.Equal(t, 0, m.registry.Len())
	store.AssertExpectations(t)
	adapter.AssertExpectations(t)
}

func TestRestoreAll_StartsEveryActiveAccount(t *testing.T) {
	ctx := context.Background()
	m, store, factory, _, events := newTestManager()

	first := testAccount()
	second := testAccount()
	second.Mailbox = "other@corp.com"

	adapter := new(MockAdapter)
	adapter.On("FetchNew", mock.Anything, []string{"INBOX"}, mock.AnythingOfType("time.Time")).
		Return([]*provider.Message{}, nil).Maybe()
	adapter.On("Disconnect").Return(nil)
	factory.On("GetAdapter", ctx, database.ProviderGmail, mock.AnythingOfType("json.RawMessage")).Return(adapter, nil)
	store.On("GetActiveAccounts", ctx).Return([]*database.Account{first, second}, nil)
	store.On("SetLastSync", mock.Anything, "user-1", mock.AnythingOfType("string"), mock.AnythingOfType("time.Time")).
		Return(nil).Maybe()
	events.On("RecordEvent", "user-1", mock.AnythingOfType("string"), mock.AnythingOfType("connection.Status"), mock.AnythingOfType("string")).
		Return().Maybe()

	err := m.RestoreAll(ctx)

	assert.NoError(t, err)
	assert.Equal(t, 2, m.registry.Len())

	m.StopAll()
	assert.Equal(t, 0, m.registry.Len())
}
