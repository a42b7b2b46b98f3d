package domain

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ChatKind classifies a conversation
type ChatKind string

const (
	ChatKindDirect ChatKind = "direct"
	ChatKindGroup  ChatKind = "group"
	ChatKindOther  ChatKind = "other"
)

// Message represents a message observed on an account's transport
type Message struct {
	ID       string
	ChatID   string
	ChatKind ChatKind
	SenderID string
	Text     string
	Mentions []string // structured mentions, user ids
	Date     time.Time
	Outgoing bool

	ReplyToID       string
	ReplyToSenderID string // filled lazily when ReplyToID is set
}

// HasText checks if the message carries non-blank text
func (m *Message) HasText() bool {
	return strings.TrimSpace(m.Text) != ""
}

// MentionsUser checks the structured mention entities for userID
func (m *Message) MentionsUser(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}

// MentionsHandle checks for a literal "@handle" in the text.
// Matching is case-insensitive and the handle must not be followed by a handle character.
func (m *Message) MentionsHandle(handle string) bool {
	handle = strings.TrimPrefix(handle, "@")
	if handle == "" {
		return false
	}
	text := strings.ToLower(m.Text)
	needle := "@" + strings.ToLower(handle)
	for from := 0; ; {
		i := strings.Index(text[from:], needle)
		if i < 0 {
			return false
		}
		end := from + i + len(needle)
		if end == len(text) {
			return true
		}
		r, _ := utf8.DecodeRuneInString(text[end:])
		if !isHandleRune(r) {
			return true
		}
		from = end
	}
}

func isHandleRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Dialog is a recent conversation as listed by the transport
type Dialog struct {
	ChatID string
	Kind   ChatKind
	Title  string
}

// User is a platform identity
type User struct {
	ID     string
	Handle string
	IsBot  bool
}

// MessageKey identifies one message of one account
type MessageKey struct {
	AccountID string
	ChatID    string
	MessageID string
}

// String renders the key for logs and external indexes
func (k MessageKey) String() string {
	return k.AccountID + ":" + k.ChatID + ":" + k.MessageID
}
