package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"github.com/rs/zerolog"
)

// Chat modes reported by the chat API
const (
	ChatModeP2P   = "p2p"
	ChatModeGroup = "group"
	ChatModeTopic = "topic"
)

// Sender types
const (
	SenderTypeUser = "user"
	SenderTypeApp  = "app"
)

// Message represents a Feishu message from an event or a history listing
type Message struct {
	ChatID     string
	MsgID      string
	MsgType    string // text, post, image, ...
	ChatType   string // p2p, group; empty for listed messages
	Content    string // text extracted from text and post messages
	SenderID   string
	SenderType string // user, app
	Mentions   []string
	ParentID   string // message this one replies to
	CreateTime int64  // milliseconds
}

// Chat is a conversation the app belongs to
type Chat struct {
	ChatID string
	Name   string
}

// BotInfo is the app's own bot identity
type BotInfo struct {
	OpenID  string
	AppName string
}

// MessageHandler is the callback for received messages
type MessageHandler func(msg *Message)

// Client is one account's Feishu API client
type Client struct {
	appID     string
	appSecret string
	larkCli   *lark.Client
	log       zerolog.Logger

	onMessage atomic.Pointer[MessageHandler]

	mu           sync.Mutex
	eventsCtx    context.Context
	cancelEvents context.CancelFunc
	listening    bool
}

// NewClient creates a new Feishu client
func NewClient(appID, appSecret string, log zerolog.Logger) *Client {
	return &Client{
		appID:     appID,
		appSecret: appSecret,
		larkCli:   lark.NewClient(appID, appSecret),
		log:       log.With().Str("component", "feishu").Str("app_id", appID).Logger(),
	}
}

// AppID returns the app id, which is also the sender id of the app's own messages
func (c *Client) AppID() string {
	return c.appID
}

// OnMessage sets the message handler
func (c *Client) OnMessage(handler MessageHandler) {
	c.onMessage.Store(&handler)
}

// Listen starts the event websocket once; later calls are no-ops.
// The socket lives until Close.
func (c *Client) Listen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return
	}
	c.listening = true
	c.eventsCtx, c.cancelEvents = context.WithCancel(context.Background())

	// Must return quickly so the SDK can ACK, otherwise Feishu redelivers
	eventHandler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			go c.handleEvent(event)
			return nil
		})

	wsCli := larkws.NewClient(c.appID, c.appSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	ctx := c.eventsCtx
	go func() {
		c.log.Info().Msg("starting websocket")
		if err := wsCli.Start(ctx); err != nil {
			c.log.Error().Err(err).Msg("websocket stopped")
			c.mu.Lock()
			c.listening = false
			c.mu.Unlock()
		}
	}()
}

// Close stops event delivery
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelEvents != nil {
		c.cancelEvents()
	}
	c.listening = false
}

func (c *Client) handleEvent(event *larkim.P2MessageReceiveV1) {
	if event.Event == nil || event.Event.Message == nil {
		return
	}
	raw := event.Event.Message

	msg := &Message{
		ChatID:   deref(raw.ChatId),
		MsgID:    deref(raw.MessageId),
		MsgType:  deref(raw.MessageType),
		ChatType: deref(raw.ChatType),
		ParentID: deref(raw.ParentId),
	}
	if ts, err := strconv.ParseInt(deref(raw.CreateTime), 10, 64); err == nil {
		msg.CreateTime = ts
	}
	if s := event.Event.Sender; s != nil {
		if s.SenderId != nil {
			msg.SenderID = deref(s.SenderId.OpenId)
		}
		msg.SenderType = deref(s.SenderType)
	}

	mentionNames := make(map[string]string)
	for _, m := range raw.Mentions {
		if m.Id != nil && m.Id.OpenId != nil {
			msg.Mentions = append(msg.Mentions, *m.Id.OpenId)
		}
		if m.Key != nil && m.Name != nil {
			mentionNames[*m.Key] = *m.Name
		}
	}
	msg.Content = extractText(msg.MsgType, deref(raw.Content), mentionNames)

	c.log.Debug().Str("chat_id", msg.ChatID).Str("msg_id", msg.MsgID).Str("chat_type", msg.ChatType).Msg("event received")

	if h := c.onMessage.Load(); h != nil && *h != nil {
		(*h)(msg)
	}
}

// GetBotInfo fetches the bot's own identity, which also validates the credentials
func (c *Client) GetBotInfo(ctx context.Context) (*BotInfo, error) {
	resp, err := c.larkCli.Get(ctx, "/open-apis/bot/v3/info", nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return nil, fmt.Errorf("get bot info failed: %w", err)
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID  string `json:"open_id"`
			AppName string `json:"app_name"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(resp.RawBody, &result); err != nil {
		return nil, fmt.Errorf("decode bot info: %w", err)
	}
	if result.Code != 0 {
		return nil, &APIError{Op: "get bot info", Code: result.Code, Msg: result.Msg}
	}
	return &BotInfo{OpenID: result.Bot.OpenID, AppName: result.Bot.AppName}, nil
}

// ListChats lists chats the app is in, most recently active first
func (c *Client) ListChats(ctx context.Context, pageSize int) ([]Chat, error) {
	if pageSize > 100 {
		pageSize = 100
	}
	req := larkim.NewListChatReqBuilder().
		SortType("ByActiveTimeDesc").
		PageSize(pageSize).
		Build()

	resp, err := c.larkCli.Im.Chat.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list chats failed: %w", err)
	}
	if !resp.Success() {
		return nil, &APIError{Op: "list chats", Code: resp.Code, Msg: resp.Msg}
	}

	chats := make([]Chat, 0, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		chats = append(chats, Chat{ChatID: deref(item.ChatId), Name: deref(item.Name)})
	}
	return chats, nil
}

// GetChatMode returns p2p, group or topic for a chat
func (c *Client) GetChatMode(ctx context.Context, chatID string) (string, error) {
	req := larkim.NewGetChatReqBuilder().
		ChatId(chatID).
		Build()

	resp, err := c.larkCli.Im.Chat.Get(ctx, req)
	if err != nil {
		return "", fmt.Errorf("get chat failed: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Op: "get chat", Code: resp.Code, Msg: resp.Msg}
	}
	return deref(resp.Data.ChatMode), nil
}

// ListMessages returns up to pageSize messages of a chat, newest first
func (c *Client) ListMessages(ctx context.Context, chatID string, pageSize int) ([]*Message, error) {
	if pageSize > 50 {
		pageSize = 50
	}
	if pageSize <= 0 {
		pageSize = 1
	}

	// Feishu defaults to ascending order, which starts at the chat's creation
	req := larkim.NewListMessageReqBuilder().
		ContainerIdType("chat").
		ContainerId(chatID).
		SortType("ByCreateTimeDesc").
		PageSize(pageSize).
		Build()

	resp, err := c.larkCli.Im.Message.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	if !resp.Success() {
		return nil, &APIError{Op: "list messages", Code: resp.Code, Msg: resp.Msg}
	}

	messages := make([]*Message, 0, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		if item.Deleted != nil && *item.Deleted {
			continue
		}
		messages = append(messages, convertMessage(chatID, item))
	}
	return messages, nil
}

// GetMessage fetches a single message
func (c *Client) GetMessage(ctx context.Context, msgID string) (*Message, error) {
	req := larkim.NewGetMessageReqBuilder().
		MessageId(msgID).
		Build()

	resp, err := c.larkCli.Im.Message.Get(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	if !resp.Success() {
		return nil, &APIError{Op: "get message", Code: resp.Code, Msg: resp.Msg}
	}
	if len(resp.Data.Items) == 0 {
		return nil, &APIError{Op: "get message", Code: CodeMessageNotFound, Msg: "no items"}
	}
	item := resp.Data.Items[0]
	return convertMessage(deref(item.ChatId), item), nil
}

func convertMessage(chatID string, item *larkim.Message) *Message {
	msg := &Message{
		ChatID:   chatID,
		MsgID:    deref(item.MessageId),
		MsgType:  deref(item.MsgType),
		ParentID: deref(item.ParentId),
	}
	if ts, err := strconv.ParseInt(deref(item.CreateTime), 10, 64); err == nil {
		msg.CreateTime = ts
	}
	if item.Sender != nil {
		msg.SenderID = deref(item.Sender.Id)
		msg.SenderType = deref(item.Sender.SenderType)
	}

	mentionNames := make(map[string]string)
	for _, m := range item.Mentions {
		if m.Id != nil {
			msg.Mentions = append(msg.Mentions, *m.Id)
		}
		if m.Key != nil && m.Name != nil {
			mentionNames[*m.Key] = *m.Name
		}
	}
	if item.Body != nil {
		msg.Content = extractText(msg.MsgType, deref(item.Body.Content), mentionNames)
	}
	return msg
}

// SendText sends a text message to a chat
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(larkim.MsgTypeText).
			Content(textContent(text)).
			Build()).
		Build()

	resp, err := c.larkCli.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("send message failed: %w", err)
	}
	if !resp.Success() {
		return &APIError{Op: "send message", Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

// ReplyText sends a text reply threaded under msgID
func (c *Client) ReplyText(ctx context.Context, msgID, text string) error {
	req := larkim.NewReplyMessageReqBuilder().
		MessageId(msgID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			MsgType(larkim.MsgTypeText).
			Content(textContent(text)).
			Build()).
		Build()

	resp, err := c.larkCli.Im.Message.Reply(ctx, req)
	if err != nil {
		return fmt.Errorf("reply message failed: %w", err)
	}
	if !resp.Success() {
		return &APIError{Op: "reply message", Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

func textContent(text string) string {
	contentJSON, _ := json.Marshal(map[string]string{"text": text})
	return string(contentJSON)
}

// extractText pulls plain text out of text and post messages.
// Mention placeholders (@_user_1) are replaced with "@Name".
func extractText(msgType, content string, mentionNames map[string]string) string {
	switch msgType {
	case "text":
		var parsed struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &parsed); err != nil {
			return ""
		}
		return replaceMentions(parsed.Text, mentionNames)
	case "post":
		return replaceMentions(parsePostText(content, mentionNames), mentionNames)
	default:
		return ""
	}
}

func parsePostText(content string, mentionNames map[string]string) string {
	var parsed struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag    string `json:"tag"`
			Text   string `json:"text,omitempty"`
			UserID string `json:"user_id,omitempty"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}

	var lines []string
	if parsed.Title != "" {
		lines = append(lines, parsed.Title)
	}
	for _, line := range parsed.Content {
		var b strings.Builder
		for _, elem := range line {
			switch elem.Tag {
			case "text":
				b.WriteString(elem.Text)
			case "at":
				if name, ok := mentionNames[elem.UserID]; ok {
					b.WriteString("@" + name)
				} else if elem.UserID != "" {
					b.WriteString("@" + elem.UserID)
				}
			}
		}
		if b.Len() > 0 {
			lines = append(lines, b.String())
		}
	}
	return strings.Join(lines, "\n")
}

func replaceMentions(text string, mentionNames map[string]string) string {
	for key, name := range mentionNames {
		text = strings.ReplaceAll(text, key, "@"+name)
	}
	return text
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
