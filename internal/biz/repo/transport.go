package repo

import (
	"context"

	"github.com/devricklin/autoreply/internal/biz/domain"
)

// MessageHandler receives new-message events pushed by a connected transport
type MessageHandler func(ctx context.Context, msg *domain.Message)

// SendOptions controls how a reply is delivered
type SendOptions struct {
	ReplyTo string // message id to thread under, empty for a plain message
}

// Transport is one account's session with the chat platform.
// Every blocking call honours ctx; implementations return errors wrapping the
// domain sentinels so callers can Classify them.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// GetSelf returns the account's own identity
	GetSelf(ctx context.Context) (*domain.User, error)

	// GetUser resolves a sender; ErrNotFound when unknown
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// GetMessage fetches a single message, used to resolve reply targets
	GetMessage(ctx context.Context, chatID, msgID string) (*domain.Message, error)

	// ListRecentDialogs lists conversations ordered by latest activity
	ListRecentDialogs(ctx context.Context, limit int) ([]domain.Dialog, error)

	// FetchMessages returns up to limit messages of a chat, newest first
	FetchMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error)

	SendMessage(ctx context.Context, chatID, text string, opts SendOptions) error

	// AddHandler installs h under key, replacing any handler with the same key
	AddHandler(key string, h MessageHandler)
	RemoveHandler(key string)
	HandlerCount() int

	// Invoke issues a raw capability request (shortcuts, away message, presence)
	Invoke(ctx context.Context, req RawRequest) (*RawResponse, error)
}

// AccountDirectory maps an account to its transport session
type AccountDirectory interface {
	Session(ctx context.Context, accountID string) (Transport, error)
}
