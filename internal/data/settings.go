package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/devricklin/autoreply/internal/biz/domain"
)

// SettingsRepo implements repo.SettingsRepo on SQLite
type SettingsRepo struct {
	db *sql.DB
}

// NewSettingsRepo creates the settings repository, creating its table if needed
func NewSettingsRepo(db *sql.DB) (*SettingsRepo, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS account_settings (
			account_id TEXT PRIMARY KEY,
			dm_enabled INTEGER NOT NULL DEFAULT 0,
			dm_message TEXT NOT NULL DEFAULT '',
			groups_enabled INTEGER NOT NULL DEFAULT 0,
			groups_message TEXT NOT NULL DEFAULT '',
			check_interval_seconds INTEGER NOT NULL DEFAULT 0,
			native_mode_active INTEGER NOT NULL DEFAULT 0,
			native_shortcut_id TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create account_settings table: %w", err)
	}
	return &SettingsRepo{db: db}, nil
}

// GetAccountSettings gets settings by account id, nil when absent
func (r *SettingsRepo) GetAccountSettings(ctx context.Context, accountID string) (*domain.ReplyConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT account_id, dm_enabled, dm_message, groups_enabled, groups_message,
			check_interval_seconds, native_mode_active, native_shortcut_id
		FROM account_settings
		WHERE account_id = ?
	`, accountID)

	var cfg domain.ReplyConfig
	err := row.Scan(
		&cfg.AccountID,
		&cfg.DMEnabled,
		&cfg.DMMessage,
		&cfg.GroupsEnabled,
		&cfg.GroupsMessage,
		&cfg.CheckIntervalSeconds,
		&cfg.NativeModeActive,
		&cfg.NativeShortcutID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	return &cfg, nil
}

// SetNativeMode writes back the native away state
func (r *SettingsRepo) SetNativeMode(ctx context.Context, accountID string, active bool, shortcutID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE account_settings
		SET native_mode_active = ?, native_shortcut_id = ?, updated_at = ?
		WHERE account_id = ?
	`, active, shortcutID, time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to set native mode: %w", err)
	}
	return nil
}

// ListAccountIDs lists every configured account
func (r *SettingsRepo) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT account_id FROM account_settings ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Upsert saves the user-owned fields of cfg, leaving the native fields untouched on update
func (r *SettingsRepo) Upsert(ctx context.Context, cfg *domain.ReplyConfig) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_settings (account_id, dm_enabled, dm_message, groups_enabled, groups_message,
			check_interval_seconds, native_mode_active, native_shortcut_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			dm_enabled = excluded.dm_enabled,
			dm_message = excluded.dm_message,
			groups_enabled = excluded.groups_enabled,
			groups_message = excluded.groups_message,
			check_interval_seconds = excluded.check_interval_seconds,
			updated_at = excluded.updated_at
	`,
		cfg.AccountID,
		cfg.DMEnabled,
		cfg.DMMessage,
		cfg.GroupsEnabled,
		cfg.GroupsMessage,
		cfg.CheckIntervalSeconds,
		cfg.NativeModeActive,
		cfg.NativeShortcutID,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}
