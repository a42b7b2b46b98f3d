package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/biz/repo"
)

// IntakeHandlerKey is the key the intake handler is registered under on a transport
const IntakeHandlerKey = "autoreply.intake"

const shortcutPrefix = "autoreply-"

// NativeUsecase offloads direct replies to the platform's away message
type NativeUsecase struct {
	settingsRepo repo.SettingsRepo
	log          zerolog.Logger
}

// NewNativeUsecase creates a new native usecase
func NewNativeUsecase(settingsRepo repo.SettingsRepo, log zerolog.Logger) *NativeUsecase {
	return &NativeUsecase{
		settingsRepo: settingsRepo,
		log:          log.With().Str("component", "native").Logger(),
	}
}

// Setup runs the away-message protocol for cfg.DMMessage.
// activeText is the text the away message was last set up with, empty when unknown;
// an active native mode with identical text is left untouched.
// The returned error is nil only for ProbeActive.
func (uc *NativeUsecase) Setup(ctx context.Context, tr repo.Transport, cfg *domain.ReplyConfig, activeText string) (domain.ProbeOutcome, error) {
	if cfg.NativeModeActive && activeText != "" && activeText == cfg.DMMessage {
		return domain.ProbeActive, nil
	}

	log := uc.log.With().Str("account_id", cfg.AccountID).Logger()

	wasConnected := tr.IsConnected()
	if !wasConnected {
		if err := tr.Connect(ctx); err != nil {
			return uc.fail(ctx, cfg, fmt.Errorf("connect: %w", err))
		}
		defer func() {
			if err := tr.Disconnect(context.WithoutCancel(ctx)); err != nil {
				log.Debug().Err(err).Msg("disconnect after native setup")
			}
		}()
	}

	if cfg.NativeShortcutID != "" {
		_, err := tr.Invoke(ctx, repo.DeleteShortcut{ShortcutID: cfg.NativeShortcutID})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Debug().Err(err).Str("shortcut_id", cfg.NativeShortcutID).Msg("delete previous shortcut")
		}
	}

	name := shortcutPrefix + uuid.NewString()
	if _, err := tr.Invoke(ctx, repo.CreateShortcut{Name: name, Text: cfg.DMMessage}); err != nil {
		return uc.fail(ctx, cfg, fmt.Errorf("create shortcut: %w", err))
	}

	resp, err := tr.Invoke(ctx, repo.ListShortcuts{})
	if err != nil {
		return uc.fail(ctx, cfg, fmt.Errorf("list shortcuts: %w", err))
	}
	shortcutID := ""
	for _, sc := range resp.Shortcuts {
		if sc.Name == name {
			shortcutID = sc.ID
			break
		}
	}
	if shortcutID == "" {
		return uc.fail(ctx, cfg, fmt.Errorf("%w: shortcut %s not listed after create", domain.ErrTransient, name))
	}

	_, err = tr.Invoke(ctx, repo.SetAwayMessage{
		ShortcutID:  shortcutID,
		OfflineOnly: true,
		Permanent:   true,
		Recipients:  repo.AwayRecipientsAll,
	})
	if err != nil {
		return uc.fail(ctx, cfg, fmt.Errorf("set away message: %w", err))
	}

	// The away message only fires while the account looks offline
	if _, err := tr.Invoke(ctx, repo.UpdatePresence{Offline: true}); err != nil {
		log.Warn().Err(err).Msg("force offline after native setup")
	}
	tr.RemoveHandler(IntakeHandlerKey)

	if err := uc.settingsRepo.SetNativeMode(ctx, cfg.AccountID, true, shortcutID); err != nil {
		return domain.ProbeTransient, fmt.Errorf("persist native mode: %w", err)
	}

	log.Info().Str("shortcut_id", shortcutID).Msg("native away message active")
	return domain.ProbeActive, nil
}

func (uc *NativeUsecase) fail(ctx context.Context, cfg *domain.ReplyConfig, err error) (domain.ProbeOutcome, error) {
	log := uc.log.With().Str("account_id", cfg.AccountID).Logger()

	outcome := domain.ProbeTransient
	switch domain.Classify(err) {
	case domain.KindCapabilityAbsent:
		outcome = domain.ProbeCapabilityAbsent
	case domain.KindSessionInvalid:
		outcome = domain.ProbeSessionInvalid
	}

	// A previous away message was torn down or is now unusable
	if outcome == domain.ProbeCapabilityAbsent || cfg.NativeModeActive {
		if perr := uc.settingsRepo.SetNativeMode(ctx, cfg.AccountID, false, ""); perr != nil {
			log.Warn().Err(perr).Msg("persist native mode off")
		}
	}

	log.Info().Err(err).Str("outcome", string(outcome)).Msg("native away message unavailable")
	return outcome, err
}

// Clear disables the away message and forgets the shortcut
func (uc *NativeUsecase) Clear(ctx context.Context, tr repo.Transport, cfg *domain.ReplyConfig) error {
	log := uc.log.With().Str("account_id", cfg.AccountID).Logger()

	if !tr.IsConnected() {
		if err := tr.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer func() {
			if err := tr.Disconnect(context.WithoutCancel(ctx)); err != nil {
				log.Debug().Err(err).Msg("disconnect after native clear")
			}
		}()
	}

	if _, err := tr.Invoke(ctx, repo.ClearAwayMessage{}); err != nil && !errors.Is(err, domain.ErrCapabilityAbsent) {
		return fmt.Errorf("clear away message: %w", err)
	}

	if cfg.NativeShortcutID != "" {
		if _, err := tr.Invoke(ctx, repo.DeleteShortcut{ShortcutID: cfg.NativeShortcutID}); err != nil {
			log.Debug().Err(err).Str("shortcut_id", cfg.NativeShortcutID).Msg("delete shortcut")
		}
	}

	if err := uc.settingsRepo.SetNativeMode(ctx, cfg.AccountID, false, ""); err != nil {
		return fmt.Errorf("persist native mode: %w", err)
	}

	log.Info().Msg("native away message cleared")
	return nil
}
