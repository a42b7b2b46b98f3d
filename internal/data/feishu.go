package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/biz/repo"
	"github.com/devricklin/autoreply/internal/infra/feishu"
)

// FeishuTransport adapts a Feishu app client to repo.Transport.
// Feishu apps are bots: there is no away message and no presence, so the
// shortcut and away requests report ErrCapabilityAbsent and presence updates succeed as no-ops.
type FeishuTransport struct {
	client  *feishu.Client
	handle  string
	timeout time.Duration
	log     zerolog.Logger

	connected atomic.Bool

	mu          sync.RWMutex
	self        *domain.User
	handlers    map[string]repo.MessageHandler
	senderTypes map[string]string
	chatKinds   map[string]domain.ChatKind
}

// NewFeishuTransport creates a transport over client; handle overrides the bot name for "@handle" matching
func NewFeishuTransport(client *feishu.Client, handle string, timeout time.Duration, log zerolog.Logger) *FeishuTransport {
	t := &FeishuTransport{
		client:      client,
		handle:      handle,
		timeout:     timeout,
		log:         log,
		handlers:    make(map[string]repo.MessageHandler),
		senderTypes: make(map[string]string),
		chatKinds:   make(map[string]domain.ChatKind),
	}
	client.OnMessage(t.dispatch)
	return t
}

func (t *FeishuTransport) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout)
}

// Connect validates the session by resolving the bot identity
func (t *FeishuTransport) Connect(ctx context.Context) error {
	if _, err := t.loadSelf(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	t.connected.Store(true)
	return nil
}

// Disconnect stops accepting events; the event socket itself belongs to the client
func (t *FeishuTransport) Disconnect(ctx context.Context) error {
	t.connected.Store(false)
	return nil
}

func (t *FeishuTransport) IsConnected() bool {
	return t.connected.Load()
}

func (t *FeishuTransport) GetSelf(ctx context.Context) (*domain.User, error) {
	t.mu.RLock()
	self := t.self
	t.mu.RUnlock()
	if self != nil {
		return self, nil
	}
	return t.loadSelf(ctx)
}

func (t *FeishuTransport) loadSelf(ctx context.Context) (*domain.User, error) {
	ctx, cancel := t.callCtx(ctx)
	defer cancel()

	info, err := t.client.GetBotInfo(ctx)
	if err != nil {
		return nil, mapFeishuErr(err)
	}

	handle := t.handle
	if handle == "" {
		handle = info.AppName
	}
	self := &domain.User{ID: info.OpenID, Handle: handle, IsBot: true}

	t.mu.Lock()
	t.self = self
	t.mu.Unlock()
	return self, nil
}

// GetUser answers from sender types seen on messages; unknown senders are ErrNotFound
func (t *FeishuTransport) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	t.mu.RLock()
	senderType, ok := t.senderTypes[userID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sender %s", domain.ErrNotFound, userID)
	}
	return &domain.User{ID: userID, IsBot: senderType == feishu.SenderTypeApp}, nil
}

func (t *FeishuTransport) GetMessage(ctx context.Context, chatID, msgID string) (*domain.Message, error) {
	ctx, cancel := t.callCtx(ctx)
	defer cancel()

	msg, err := t.client.GetMessage(ctx, msgID)
	if err != nil {
		return nil, mapFeishuErr(err)
	}
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	return t.toDomain(msg, t.cachedKind(msg.ChatID)), nil
}

func (t *FeishuTransport) ListRecentDialogs(ctx context.Context, limit int) ([]domain.Dialog, error) {
	callCtx, cancel := t.callCtx(ctx)
	chats, err := t.client.ListChats(callCtx, limit)
	cancel()
	if err != nil {
		return nil, mapFeishuErr(err)
	}

	dialogs := make([]domain.Dialog, 0, len(chats))
	for _, chat := range chats {
		kind, err := t.chatKind(ctx, chat.ChatID)
		if err != nil {
			t.log.Debug().Err(err).Str("chat_id", chat.ChatID).Msg("classify chat")
			kind = domain.ChatKindOther
		}
		dialogs = append(dialogs, domain.Dialog{ChatID: chat.ChatID, Kind: kind, Title: chat.Name})
	}
	return dialogs, nil
}

func (t *FeishuTransport) FetchMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	kind, err := t.chatKind(ctx, chatID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := t.callCtx(ctx)
	defer cancel()
	msgs, err := t.client.ListMessages(callCtx, chatID, limit)
	if err != nil {
		return nil, mapFeishuErr(err)
	}

	result := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, *t.toDomain(m, kind))
	}
	return result, nil
}

func (t *FeishuTransport) SendMessage(ctx context.Context, chatID, text string, opts repo.SendOptions) error {
	ctx, cancel := t.callCtx(ctx)
	defer cancel()

	var err error
	if opts.ReplyTo != "" {
		err = t.client.ReplyText(ctx, opts.ReplyTo, text)
	} else {
		err = t.client.SendText(ctx, chatID, text)
	}
	return mapFeishuErr(err)
}

// AddHandler installs h and makes sure the event socket is running
func (t *FeishuTransport) AddHandler(key string, h repo.MessageHandler) {
	t.mu.Lock()
	t.handlers[key] = h
	t.mu.Unlock()
	t.client.Listen()
}

func (t *FeishuTransport) RemoveHandler(key string) {
	t.mu.Lock()
	delete(t.handlers, key)
	t.mu.Unlock()
}

func (t *FeishuTransport) HandlerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

func (t *FeishuTransport) Invoke(ctx context.Context, req repo.RawRequest) (*repo.RawResponse, error) {
	switch req.(type) {
	case repo.UpdatePresence:
		return &repo.RawResponse{}, nil
	case repo.CreateShortcut, repo.DeleteShortcut, repo.ListShortcuts, repo.SetAwayMessage, repo.ClearAwayMessage:
		return nil, fmt.Errorf("%w: %s not supported for feishu apps", domain.ErrCapabilityAbsent, req.Method())
	default:
		return nil, fmt.Errorf("unknown raw request %s", req.Method())
	}
}

func (t *FeishuTransport) dispatch(msg *feishu.Message) {
	if !t.connected.Load() {
		return
	}

	kind := chatKindFromMode(msg.ChatType)
	t.mu.Lock()
	if kind != domain.ChatKindOther {
		t.chatKinds[msg.ChatID] = kind
	}
	handlers := make([]repo.MessageHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	m := t.toDomain(msg, kind)
	for _, h := range handlers {
		h(context.Background(), m)
	}
}

func (t *FeishuTransport) toDomain(msg *feishu.Message, kind domain.ChatKind) *domain.Message {
	if msg.SenderID != "" && msg.SenderType != "" {
		t.mu.Lock()
		t.senderTypes[msg.SenderID] = msg.SenderType
		t.mu.Unlock()
	}

	return &domain.Message{
		ID:       msg.MsgID,
		ChatID:   msg.ChatID,
		ChatKind: kind,
		SenderID: msg.SenderID,
		Text:     msg.Content,
		Mentions: msg.Mentions,
		Date:     time.UnixMilli(msg.CreateTime),
		Outgoing: msg.SenderType == feishu.SenderTypeApp && msg.SenderID == t.client.AppID(),

		ReplyToID: msg.ParentID,
	}
}

func (t *FeishuTransport) cachedKind(chatID string) domain.ChatKind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if kind, ok := t.chatKinds[chatID]; ok {
		return kind
	}
	return domain.ChatKindOther
}

// chatKind classifies a chat, asking the API once per chat
func (t *FeishuTransport) chatKind(ctx context.Context, chatID string) (domain.ChatKind, error) {
	t.mu.RLock()
	kind, ok := t.chatKinds[chatID]
	t.mu.RUnlock()
	if ok {
		return kind, nil
	}

	ctx, cancel := t.callCtx(ctx)
	defer cancel()
	mode, err := t.client.GetChatMode(ctx, chatID)
	if err != nil {
		return domain.ChatKindOther, mapFeishuErr(err)
	}

	kind = chatKindFromMode(mode)
	t.mu.Lock()
	t.chatKinds[chatID] = kind
	t.mu.Unlock()
	return kind, nil
}

func chatKindFromMode(mode string) domain.ChatKind {
	switch mode {
	case feishu.ChatModeP2P:
		return domain.ChatKindDirect
	case feishu.ChatModeGroup, feishu.ChatModeTopic:
		return domain.ChatKindGroup
	default:
		return domain.ChatKindOther
	}
}

// mapFeishuErr folds Feishu failures onto the domain error taxonomy
func mapFeishuErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}

	switch feishu.APICode(err) {
	case 0, feishu.CodeRateLimited, feishu.CodeInternalServerErr:
		// no code means the request never got an answer
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	case feishu.CodeTokenInvalid, feishu.CodeTokenExpired, feishu.CodeAppUnauthorized, feishu.CodeAppSecretInvalid:
		return fmt.Errorf("%w: %v", domain.ErrSessionInvalid, err)
	case feishu.CodeBotNotInChat, feishu.CodeUserNotReachable, feishu.CodeChatDisbanded:
		return fmt.Errorf("%w: %v", domain.ErrPeerInvalid, err)
	case feishu.CodeMessageNotFound:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	default:
		return err
	}
}
