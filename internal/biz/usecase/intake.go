package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/biz/repo"
)

// Source tells where a message was observed
type Source string

const (
	SourceEvent Source = "event"
	SourcePoll  Source = "poll"
)

// Verdict is the result of running one message through intake
type Verdict string

const (
	VerdictReplied    Verdict = "replied"
	VerdictDuplicate  Verdict = "duplicate"
	VerdictDropped    Verdict = "dropped"
	VerdictSendFailed Verdict = "send_failed"
)

// IntakeConfig configures the intake pipeline
type IntakeConfig struct {
	// CooldownEnforce suppresses direct replies inside the cooldown window.
	// When false the cooldown is still recorded but every message is answered.
	CooldownEnforce bool
}

// IntakeUsecase is the shared decide, dedup and send path for events and polls
type IntakeUsecase struct {
	settingsRepo  repo.SettingsRepo
	processedRepo repo.ProcessedIndex
	cooldownRepo  repo.CooldownRepo
	config        IntakeConfig
	log           zerolog.Logger
	now           func() time.Time

	mu     sync.RWMutex
	selves map[string]*domain.User
}

// NewIntakeUsecase creates a new intake usecase
func NewIntakeUsecase(
	settingsRepo repo.SettingsRepo,
	processedRepo repo.ProcessedIndex,
	cooldownRepo repo.CooldownRepo,
	config IntakeConfig,
	log zerolog.Logger,
) *IntakeUsecase {
	return &IntakeUsecase{
		settingsRepo:  settingsRepo,
		processedRepo: processedRepo,
		cooldownRepo:  cooldownRepo,
		config:        config,
		log:           log.With().Str("component", "intake").Logger(),
		now:           time.Now,
		selves:        make(map[string]*domain.User),
	}
}

// Handle runs msg through the pipeline for accountID.
// At most one reply is ever sent for a given account, chat and message.
func (uc *IntakeUsecase) Handle(ctx context.Context, accountID string, tr repo.Transport, msg *domain.Message, src Source) Verdict {
	log := uc.log.With().
		Str("account_id", accountID).
		Str("chat_id", msg.ChatID).
		Str("msg_id", msg.ID).
		Str("source", string(src)).
		Logger()
	drop := func(reason string) Verdict {
		log.Debug().Str("reason", reason).Msg("dropped")
		return VerdictDropped
	}

	if msg.ChatID == "" || msg.ID == "" {
		return drop("unresolved_ids")
	}

	// Resolved before marking so a lookup failure leaves the message for a later pass
	self, err := uc.self(ctx, accountID, tr)
	if err != nil {
		log.Warn().Err(err).Msg("resolve self")
		return VerdictDropped
	}
	if msg.Outgoing || msg.SenderID == self.ID {
		return drop("self")
	}

	// Mark first: a concurrent event and poll of the same message must not both pass
	key := domain.MessageKey{AccountID: accountID, ChatID: msg.ChatID, MessageID: msg.ID}
	isNew, err := uc.processedRepo.MarkIfNew(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("dedup index unavailable")
		return VerdictDropped
	}
	if !isNew {
		log.Debug().Str("reason", "duplicate").Msg("dropped")
		return VerdictDuplicate
	}

	if msg.SenderID != "" {
		sender, err := tr.GetUser(ctx, msg.SenderID)
		if err != nil {
			log.Debug().Err(err).Str("sender_id", msg.SenderID).Msg("sender lookup failed, assuming human")
		} else if sender.IsBot {
			return drop("bot_sender")
		}
	}

	if !msg.HasText() {
		return drop("no_text")
	}

	if msg.ChatKind != domain.ChatKindDirect && msg.ChatKind != domain.ChatKindGroup {
		return drop("chat_kind")
	}

	cfg, err := uc.settingsRepo.GetAccountSettings(ctx, accountID)
	if err != nil {
		log.Warn().Err(err).Msg("read settings")
		return VerdictDropped
	}
	if cfg == nil {
		return drop("no_settings")
	}

	var (
		text string
		opts repo.SendOptions
	)
	now := uc.now()

	switch msg.ChatKind {
	case domain.ChatKindDirect:
		if !cfg.DMReady() {
			return drop("dm_disabled")
		}
		if cfg.NativeModeActive {
			return drop("native_covers_dm")
		}
		if uc.cooldownRepo.Active(accountID, msg.ChatID, now) {
			if uc.config.CooldownEnforce {
				return drop("cooldown")
			}
			log.Debug().Msg("cooldown active, not enforced")
		}
		text = cfg.DMMessage

	case domain.ChatKindGroup:
		if !cfg.GroupsReady() {
			return drop("groups_disabled")
		}
		if !uc.triggersGroup(ctx, tr, msg, self) {
			return drop("not_addressed")
		}
		text = cfg.GroupsMessage
		opts.ReplyTo = msg.ID
	}

	if !tr.IsConnected() {
		return drop("not_connected")
	}

	if err := tr.SendMessage(ctx, msg.ChatID, text, opts); err != nil {
		kind := domain.Classify(err)
		if kind == domain.KindPeerInvalid {
			log.Debug().Err(err).Msg("peer gone, reply skipped")
		} else {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("send reply failed")
		}
		return VerdictSendFailed
	}

	if msg.ChatKind == domain.ChatKindDirect {
		uc.cooldownRepo.Touch(accountID, msg.ChatID, now)
	}

	log.Info().Str("chat_kind", string(msg.ChatKind)).Msg("auto-reply sent")
	return VerdictReplied
}

// triggersGroup checks for a mention of self or a reply to one of self's messages
func (uc *IntakeUsecase) triggersGroup(ctx context.Context, tr repo.Transport, msg *domain.Message, self *domain.User) bool {
	if msg.MentionsUser(self.ID) || msg.MentionsHandle(self.Handle) {
		return true
	}
	if msg.ReplyToID == "" {
		return false
	}

	senderID := msg.ReplyToSenderID
	if senderID == "" {
		parent, err := tr.GetMessage(ctx, msg.ChatID, msg.ReplyToID)
		if err != nil {
			uc.log.Debug().Err(err).Str("msg_id", msg.ReplyToID).Msg("resolve reply target")
			return false
		}
		senderID = parent.SenderID
	}
	return senderID != "" && senderID == self.ID
}

func (uc *IntakeUsecase) self(ctx context.Context, accountID string, tr repo.Transport) (*domain.User, error) {
	uc.mu.RLock()
	u, ok := uc.selves[accountID]
	uc.mu.RUnlock()
	if ok {
		return u, nil
	}

	u, err := tr.GetSelf(ctx)
	if err != nil {
		return nil, err
	}

	uc.mu.Lock()
	uc.selves[accountID] = u
	uc.mu.Unlock()
	return u, nil
}

// Forget drops cached identity for an account
func (uc *IntakeUsecase) Forget(accountID string) {
	uc.mu.Lock()
	delete(uc.selves, accountID)
	uc.mu.Unlock()
}
