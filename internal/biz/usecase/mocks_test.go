package usecase

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/biz/repo"
)

// Mock implementations

type sentMessage struct {
	ChatID  string
	Text    string
	ReplyTo string
}

type mockTransport struct {
	mu        sync.Mutex
	connected bool
	self      domain.User
	users     map[string]*domain.User
	messages  map[string]*domain.Message
	handlers  map[string]repo.MessageHandler
	shortcuts []repo.Shortcut
	sent      []sentMessage
	calls     []string
	nextID    int

	// errors keyed by raw method, "connect", "get_self" or "send"
	errs map[string]error
	// shortcut create succeeds but the new shortcut is never listed
	hideCreated bool
	sendDelay   time.Duration
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		connected: true,
		self:      domain.User{ID: "ou_self", Handle: "alice"},
		users:     make(map[string]*domain.User),
		messages:  make(map[string]*domain.Message),
		handlers:  make(map[string]repo.MessageHandler),
		errs:      make(map[string]error),
	}
}

func (m *mockTransport) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("connect")
	if err := m.errs["connect"]; err != nil {
		return err
	}
	m.connected = true
	return nil
}

func (m *mockTransport) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("disconnect")
	m.connected = false
	return nil
}

func (m *mockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) GetSelf(ctx context.Context) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get_self")
	if err := m.errs["get_self"]; err != nil {
		return nil, err
	}
	u := m.self
	return &u, nil
}

func (m *mockTransport) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockTransport) GetMessage(ctx context.Context, chatID, msgID string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[msgID]; ok {
		return msg, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockTransport) ListRecentDialogs(ctx context.Context, limit int) ([]domain.Dialog, error) {
	return nil, nil
}

func (m *mockTransport) FetchMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	return nil, nil
}

func (m *mockTransport) SendMessage(ctx context.Context, chatID, text string, opts repo.SendOptions) error {
	if m.sendDelay > 0 {
		time.Sleep(m.sendDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("send")
	if err := m.errs["send"]; err != nil {
		return err
	}
	m.sent = append(m.sent, sentMessage{ChatID: chatID, Text: text, ReplyTo: opts.ReplyTo})
	return nil
}

func (m *mockTransport) AddHandler(key string, h repo.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[key] = h
}

func (m *mockTransport) RemoveHandler(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, key)
}

func (m *mockTransport) HandlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

func (m *mockTransport) Invoke(ctx context.Context, req repo.RawRequest) (*repo.RawResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(req.Method())
	if err := m.errs[req.Method()]; err != nil {
		return nil, err
	}

	switch r := req.(type) {
	case repo.CreateShortcut:
		m.nextID++
		if !m.hideCreated {
			m.shortcuts = append(m.shortcuts, repo.Shortcut{ID: strconv.Itoa(m.nextID), Name: r.Name})
		}
	case repo.DeleteShortcut:
		for i, sc := range m.shortcuts {
			if sc.ID == r.ShortcutID {
				m.shortcuts = append(m.shortcuts[:i], m.shortcuts[i+1:]...)
				return &repo.RawResponse{}, nil
			}
		}
		return nil, domain.ErrNotFound
	case repo.ListShortcuts:
		return &repo.RawResponse{Shortcuts: append([]repo.Shortcut(nil), m.shortcuts...)}, nil
	}
	return &repo.RawResponse{}, nil
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) called(call string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

type mockSettingsRepo struct {
	mu       sync.Mutex
	settings map[string]*domain.ReplyConfig
}

func newMockSettingsRepo(cfgs ...*domain.ReplyConfig) *mockSettingsRepo {
	m := &mockSettingsRepo{settings: make(map[string]*domain.ReplyConfig)}
	for _, c := range cfgs {
		m.settings[c.AccountID] = c
	}
	return m
}

func (m *mockSettingsRepo) GetAccountSettings(ctx context.Context, accountID string) (*domain.ReplyConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.settings[accountID]
	if !ok {
		return nil, nil
	}
	c := *cfg
	return &c, nil
}

func (m *mockSettingsRepo) SetNativeMode(ctx context.Context, accountID string, active bool, shortcutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.settings[accountID]; ok {
		cfg.NativeModeActive = active
		cfg.NativeShortcutID = shortcutID
	}
	return nil
}

func (m *mockSettingsRepo) ListAccountIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.settings))
	for id := range m.settings {
		ids = append(ids, id)
	}
	return ids, nil
}

type mockProcessedIndex struct {
	mu   sync.Mutex
	seen map[domain.MessageKey]bool
}

func newMockProcessedIndex() *mockProcessedIndex {
	return &mockProcessedIndex{seen: make(map[domain.MessageKey]bool)}
}

func (m *mockProcessedIndex) MarkIfNew(ctx context.Context, key domain.MessageKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type mockCooldownRepo struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

func newMockCooldownRepo(window time.Duration) *mockCooldownRepo {
	return &mockCooldownRepo{window: window, last: make(map[string]time.Time)}
}

func (m *mockCooldownRepo) Active(accountID, chatID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.last[accountID+":"+chatID]
	return ok && now.Sub(at) < m.window
}

func (m *mockCooldownRepo) Touch(accountID, chatID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[accountID+":"+chatID] = at
}
