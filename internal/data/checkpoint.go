package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/devricklin/autoreply/internal/biz/domain"
)

// CheckpointRepo implements repo.CheckpointRepo on SQLite
type CheckpointRepo struct {
	db *sql.DB
}

// NewCheckpointRepo creates the checkpoint repository
func NewCheckpointRepo(db *sql.DB) (*CheckpointRepo, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dialog_checkpoints (
			account_id TEXT NOT NULL,
			chat_kind TEXT NOT NULL,
			last_msg_ms INTEGER NOT NULL,
			PRIMARY KEY (account_id, chat_kind)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create dialog_checkpoints table: %w", err)
	}
	return &CheckpointRepo{db: db}, nil
}

// Get returns the checkpoint, zero time when none is recorded
func (r *CheckpointRepo) Get(ctx context.Context, accountID string, kind domain.ChatKind) (time.Time, error) {
	var ms int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_msg_ms FROM dialog_checkpoints WHERE account_id = ? AND chat_kind = ?
	`, accountID, string(kind)).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Advance moves the checkpoint forward, never backward
func (r *CheckpointRepo) Advance(ctx context.Context, accountID string, kind domain.ChatKind, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dialog_checkpoints (account_id, chat_kind, last_msg_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, chat_kind) DO UPDATE SET
			last_msg_ms = MAX(last_msg_ms, excluded.last_msg_ms)
	`, accountID, string(kind), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}
