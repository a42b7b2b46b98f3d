package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/biz/repo"
	"github.com/devricklin/autoreply/internal/biz/usecase"
)

// Mock implementations

type mockTransport struct {
	mu        sync.Mutex
	connected bool
	self      domain.User
	handlers  map[string]repo.MessageHandler
	dialogs   []domain.Dialog
	latest    map[string][]domain.Message
	shortcuts []repo.Shortcut
	sent      []string
	calls     []string
	nextID    int

	// errors keyed by raw method or "connect"
	errs map[string]error
	// AddHandler silently does nothing
	dropHandlers bool
	// ListRecentDialogs waits on listGate after signalling listEntered
	listGate    chan struct{}
	listEntered chan struct{}
	// HandlerCount waits on handlerGate after signalling handlerEntered
	handlerGate    chan struct{}
	handlerEntered chan struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		self:     domain.User{ID: "ou_self", Handle: "alice"},
		handlers: make(map[string]repo.MessageHandler),
		latest:   make(map[string][]domain.Message),
		errs:     make(map[string]error),
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
	u := m.self
	return &u, nil
}

func (m *mockTransport) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return &domain.User{ID: userID}, nil
}

func (m *mockTransport) GetMessage(ctx context.Context, chatID, msgID string) (*domain.Message, error) {
	return nil, domain.ErrNotFound
}

func (m *mockTransport) ListRecentDialogs(ctx context.Context, limit int) ([]domain.Dialog, error) {
	m.mu.Lock()
	m.record("list_dialogs")
	gate, entered := m.listGate, m.listEntered
	m.mu.Unlock()
	awaitGate(gate, entered)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["list_dialogs"]; err != nil {
		return nil, err
	}
	return append([]domain.Dialog(nil), m.dialogs...), nil
}

func (m *mockTransport) FetchMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.latest[chatID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (m *mockTransport) SendMessage(ctx context.Context, chatID, text string, opts repo.SendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("send")
	m.sent = append(m.sent, chatID)
	return nil
}

func (m *mockTransport) AddHandler(key string, h repo.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropHandlers {
		return
	}
	m.handlers[key] = h
}

func (m *mockTransport) RemoveHandler(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, key)
}

func (m *mockTransport) HandlerCount() int {
	m.mu.Lock()
	gate, entered := m.handlerGate, m.handlerEntered
	m.mu.Unlock()
	awaitGate(gate, entered)

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// awaitGate signals entered without blocking, then blocks until gate is closed
func awaitGate(gate, entered chan struct{}) {
	if gate == nil {
		return
	}
	select {
	case entered <- struct{}{}:
	default:
	}
	<-gate
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
		m.shortcuts = append(m.shortcuts, repo.Shortcut{ID: strconv.Itoa(m.nextID), Name: r.Name})
	case repo.ListShortcuts:
		return &repo.RawResponse{Shortcuts: append([]repo.Shortcut(nil), m.shortcuts...)}, nil
	}
	return &repo.RawResponse{}, nil
}

func (m *mockTransport) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockTransport) count(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// deliver pushes msg to every installed handler, like an inbound event
func (m *mockTransport) deliver(ctx context.Context, msg *domain.Message) {
	m.mu.Lock()
	hs := make([]repo.MessageHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(ctx, msg)
	}
}

type mockDirectory struct {
	mu         sync.Mutex
	transports map[string]*mockTransport
	err        error
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{transports: make(map[string]*mockTransport)}
}

func (d *mockDirectory) add(accountID string) *mockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := newMockTransport()
	d.transports[accountID] = tr
	return tr
}

func (d *mockDirectory) Session(ctx context.Context, accountID string) (repo.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	tr, ok := d.transports[accountID]
	if !ok {
		return nil, domain.ErrSessionInvalid
	}
	return tr, nil
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

func (m *mockSettingsRepo) set(cfg *domain.ReplyConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[cfg.AccountID] = cfg
}

func (m *mockSettingsRepo) get(accountID string) domain.ReplyConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.settings[accountID]
}

type mockProcessedIndex struct {
	mu   sync.Mutex
	seen map[domain.MessageKey]bool
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

type mockCooldownRepo struct{}

func (mockCooldownRepo) Active(accountID, chatID string, now time.Time) bool { return false }
func (mockCooldownRepo) Touch(accountID, chatID string, at time.Time)        {}

// mockCheckpointRepo keeps checkpoints in memory; frozen ignores Advance
type mockCheckpointRepo struct {
	mu     sync.Mutex
	at     map[string]time.Time
	frozen bool
}

func newMockCheckpointRepo() *mockCheckpointRepo {
	return &mockCheckpointRepo{at: make(map[string]time.Time)}
}

func (m *mockCheckpointRepo) Get(ctx context.Context, accountID string, kind domain.ChatKind) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.at[accountID+":"+string(kind)], nil
}

func (m *mockCheckpointRepo) Advance(ctx context.Context, accountID string, kind domain.ChatKind, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return nil
	}
	key := accountID + ":" + string(kind)
	if at.After(m.at[key]) {
		m.at[key] = at
	}
	return nil
}

// fixture wires the service layer over mocks
type fixture struct {
	settings    *mockSettingsRepo
	directory   *mockDirectory
	checkpoints *mockCheckpointRepo
	intake      *usecase.IntakeUsecase
	supervisor  *ConnectionSupervisor
	poller      *PollingScanner
	liveness    *LivenessSupervisor
	presence    *PresenceRefresher
	reconciler  *Reconciler
}

func newFixture(cfgs ...*domain.ReplyConfig) *fixture {
	log := zerolog.Nop()
	f := &fixture{
		settings:    newMockSettingsRepo(cfgs...),
		directory:   newMockDirectory(),
		checkpoints: newMockCheckpointRepo(),
	}
	for _, c := range cfgs {
		f.directory.add(c.AccountID)
	}

	processed := &mockProcessedIndex{seen: make(map[domain.MessageKey]bool)}
	f.intake = usecase.NewIntakeUsecase(f.settings, processed, mockCooldownRepo{}, usecase.IntakeConfig{}, log)
	native := usecase.NewNativeUsecase(f.settings, log)

	f.supervisor = NewConnectionSupervisor(f.directory, f.intake, 10*time.Millisecond, log)
	f.poller = NewPollingScanner(f.directory, f.intake, f.checkpoints, 20, log)

	mcfg := MaintenanceConfig{
		LivenessInterval: time.Hour,
		PresenceMin:      time.Hour,
		PresenceMax:      2 * time.Hour,
		Timeout:          time.Second,
		Concurrency:      4,
	}
	f.liveness = NewLivenessSupervisor(f.supervisor, mcfg, log)
	f.presence = NewPresenceRefresher(f.supervisor, mcfg, log)

	f.reconciler = NewReconciler(f.settings, f.directory, native, f.intake, f.supervisor, f.poller, f.liveness, f.presence,
		ReconcilerConfig{RefreshInterval: time.Hour, Concurrency: 4, Timeout: 5 * time.Second}, log)
	return f
}

// eventually polls cond until it holds or a second passes
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) transport(accountID string) *mockTransport {
	f.directory.mu.Lock()
	defer f.directory.mu.Unlock()
	return f.directory.transports[accountID]
}
