package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/repo"
	"github.com/devricklin/autoreply/internal/conf"

	_ "modernc.org/sqlite"
)

// Repositories contains all repositories
type Repositories struct {
	Settings    *SettingsRepo
	Checkpoints repo.CheckpointRepo
	Processed   repo.ProcessedIndex
	Cooldowns   repo.CooldownRepo
	Sessions    *SessionPool
}

// OpenDB opens the SQLite database, creating its directory if needed
func OpenDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewRepositories creates all repositories. The returned cleanup closes
// the database, Redis and every event socket.
func NewRepositories(cfg *conf.Config, accounts []conf.Account, log zerolog.Logger) (*Repositories, func(), error) {
	db, err := OpenDB(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, err
	}

	settingsRepo, err := NewSettingsRepo(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	checkpointRepo, err := NewCheckpointRepo(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	cleanups := []func(){func() { db.Close() }}

	var processed repo.ProcessedIndex
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			rdb.Close()
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		cleanups = append(cleanups, func() { rdb.Close() })
		processed = NewRedisProcessedIndex(rdb, WithIndexTTL(cfg.Intake.DedupTTL))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("processed index shared in redis")
	} else {
		processed = NewMemoryProcessedIndex(cfg.Intake.DedupTTL, cfg.Intake.DedupCapacity)
	}

	sessions := NewSessionPool(accounts, cfg.Reconcile.TransportTimeout, log)
	cleanups = append(cleanups, sessions.Close)

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	return &Repositories{
		Settings:    settingsRepo,
		Checkpoints: checkpointRepo,
		Processed:   processed,
		Cooldowns:   NewCooldownRepo(cfg.Intake.DMCooldown),
		Sessions:    sessions,
	}, cleanup, nil
}
