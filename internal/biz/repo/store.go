package repo

import (
	"context"
	"time"

	"github.com/devricklin/autoreply/internal/biz/domain"
)

// SettingsRepo is the settings store interface
// The store is owned elsewhere; this service only writes back the native fields.
type SettingsRepo interface {
	// GetAccountSettings returns nil, nil when the account has no settings
	GetAccountSettings(ctx context.Context, accountID string) (*domain.ReplyConfig, error)

	// SetNativeMode persists the native away state
	SetNativeMode(ctx context.Context, accountID string, active bool, shortcutID string) error

	// ListAccountIDs lists every account with settings
	ListAccountIDs(ctx context.Context) ([]string, error)
}

// ProcessedIndex is the dedup index of handled messages
type ProcessedIndex interface {
	// MarkIfNew records key and reports true when it was not present.
	// Check and mark happen as one atomic step.
	MarkIfNew(ctx context.Context, key domain.MessageKey) (bool, error)
}

// CooldownRepo tracks the last direct reply per chat
type CooldownRepo interface {
	// Active reports whether a reply was recorded within the cooldown window
	Active(accountID, chatID string, now time.Time) bool
	Touch(accountID, chatID string, at time.Time)
}

// CheckpointRepo stores the polling checkpoint per account and chat kind
type CheckpointRepo interface {
	// Get returns the zero time when nothing is recorded
	Get(ctx context.Context, accountID string, kind domain.ChatKind) (time.Time, error)

	// Advance moves the checkpoint forward; older values are ignored
	Advance(ctx context.Context, accountID string, kind domain.ChatKind, at time.Time) error
}
