package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/biz/repo"
	"github.com/devricklin/autoreply/internal/biz/usecase"
)

// ErrCycleInFlight is returned when a poll cycle for the account is already running
var ErrCycleInFlight = errors.New("poll cycle already in flight")

// PollingScanner periodically connects briefly, checks the newest message of
// recent dialogs and feeds unseen ones to intake.
type PollingScanner struct {
	directory      repo.AccountDirectory
	intakeUC       *usecase.IntakeUsecase
	checkpointRepo repo.CheckpointRepo
	window         int
	log            zerolog.Logger
	now            func() time.Time

	mu             sync.Mutex
	base           context.Context
	pollers        map[string]*poller
	inflight       map[string]*atomic.Bool
	sessionInvalid func(accountID string, err error)
}

type poller struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// CycleResult summarizes one poll cycle
type CycleResult struct {
	Dialogs int
	Handled int
	Replied int
}

// NewPollingScanner creates a new polling scanner
func NewPollingScanner(
	directory repo.AccountDirectory,
	intakeUC *usecase.IntakeUsecase,
	checkpointRepo repo.CheckpointRepo,
	window int,
	log zerolog.Logger,
) *PollingScanner {
	return &PollingScanner{
		directory:      directory,
		intakeUC:       intakeUC,
		checkpointRepo: checkpointRepo,
		window:         window,
		log:            log.With().Str("component", "poller").Logger(),
		now:            time.Now,
		pollers:        make(map[string]*poller),
		inflight:       make(map[string]*atomic.Bool),
	}
}

// Start sets the parent context of every poll loop
func (p *PollingScanner) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = ctx
}

// OnSessionInvalid registers fn to be called when a cycle finds the account's session revoked.
// fn runs on the poll loop goroutine and must not block on Stop.
func (p *PollingScanner) OnSessionInvalid(fn func(accountID string, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionInvalid = fn
}

// Ensure runs a poll loop for accountID at interval, restarting it if the interval changed.
// It reports whether a loop was started.
func (p *PollingScanner) Ensure(accountID string, interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.pollers[accountID]; ok {
		if cur.interval == interval {
			return false
		}
		cur.cancel()
		delete(p.pollers, accountID)
	}

	base := p.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	pl := &poller{interval: interval, cancel: cancel, done: make(chan struct{})}
	p.pollers[accountID] = pl

	go p.loop(ctx, accountID, pl)
	p.log.Info().Str("account_id", accountID).Dur("interval", interval).Msg("polling started")
	return true
}

// Stop cancels the account's poll loop and waits for an in-flight cycle to
// finish, so the cycle's brief connection is closed before Stop returns.
func (p *PollingScanner) Stop(accountID string) {
	p.mu.Lock()
	pl, ok := p.pollers[accountID]
	delete(p.pollers, accountID)
	p.mu.Unlock()
	if !ok {
		return
	}

	pl.cancel()
	<-pl.done
	p.log.Info().Str("account_id", accountID).Msg("polling stopped")
}

// StopAll cancels every loop and waits for them to exit
func (p *PollingScanner) StopAll() {
	p.mu.Lock()
	pollers := p.pollers
	p.pollers = make(map[string]*poller)
	p.mu.Unlock()

	for _, pl := range pollers {
		pl.cancel()
	}
	for _, pl := range pollers {
		<-pl.done
	}
}

// Interval returns the account's polling interval and whether it is polling
func (p *PollingScanner) Interval(accountID string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pollers[accountID]
	if !ok {
		return 0, false
	}
	return pl.interval, true
}

// Polling lists accounts with a running poll loop
func (p *PollingScanner) Polling() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.pollers))
	for id := range p.pollers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *PollingScanner) loop(ctx context.Context, accountID string, pl *poller) {
	defer close(pl.done)

	p.runLogged(ctx, accountID, pl.interval)

	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runLogged(ctx, accountID, pl.interval)
		}
	}
}

func (p *PollingScanner) runLogged(ctx context.Context, accountID string, interval time.Duration) {
	log := p.log.With().Str("account_id", accountID).Logger()

	res, err := p.cycleSafe(ctx, accountID, interval)
	switch {
	case errors.Is(err, ErrCycleInFlight):
		log.Debug().Msg("previous cycle still running, skipped")
	case domain.Classify(err) == domain.KindSessionInvalid:
		log.Error().Err(err).Msg("poll cycle found session invalid")
		p.mu.Lock()
		fn := p.sessionInvalid
		p.mu.Unlock()
		if fn != nil {
			fn(accountID, err)
		}
	case err != nil:
		log.Warn().Err(err).Str("kind", string(domain.Classify(err))).Msg("poll cycle failed")
	default:
		log.Debug().Int("dialogs", res.Dialogs).Int("handled", res.Handled).Int("replied", res.Replied).Msg("poll cycle done")
	}
}

func (p *PollingScanner) cycleSafe(ctx context.Context, accountID string, lookback time.Duration) (res CycleResult, err error) {
	err = safeCall(func() error {
		var cerr error
		res, cerr = p.Cycle(ctx, accountID, lookback)
		return cerr
	})
	return res, err
}

func (p *PollingScanner) guard(accountID string) *atomic.Bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.inflight[accountID]
	if !ok {
		g = new(atomic.Bool)
		p.inflight[accountID] = g
	}
	return g
}

// Cycle runs one poll pass for accountID. Without a recorded checkpoint only
// messages newer than lookback are considered.
func (p *PollingScanner) Cycle(ctx context.Context, accountID string, lookback time.Duration) (CycleResult, error) {
	var res CycleResult

	g := p.guard(accountID)
	if !g.CompareAndSwap(false, true) {
		return res, ErrCycleInFlight
	}
	defer g.Store(false)

	tr, err := p.directory.Session(ctx, accountID)
	if err != nil {
		return res, fmt.Errorf("get session: %w", err)
	}
	if !tr.IsConnected() {
		if err := tr.Connect(ctx); err != nil {
			return res, fmt.Errorf("connect: %w", err)
		}
		defer func() {
			if err := tr.Disconnect(context.WithoutCancel(ctx)); err != nil {
				p.log.Debug().Err(err).Str("account_id", accountID).Msg("disconnect after poll")
			}
		}()
	}

	// Cutoffs are fixed at cycle start so a newer dialog cannot hide an older unseen one
	cutoffs := make(map[domain.ChatKind]time.Time, 2)
	for _, kind := range []domain.ChatKind{domain.ChatKindDirect, domain.ChatKindGroup} {
		at, err := p.checkpointRepo.Get(ctx, accountID, kind)
		if err != nil {
			return res, fmt.Errorf("get checkpoint: %w", err)
		}
		if at.IsZero() && lookback > 0 {
			at = p.now().Add(-lookback)
		}
		cutoffs[kind] = at
	}
	newest := make(map[domain.ChatKind]time.Time, 2)

	dialogs, err := tr.ListRecentDialogs(ctx, p.window)
	if err != nil {
		return res, fmt.Errorf("list dialogs: %w", err)
	}
	res.Dialogs = len(dialogs)

	for _, d := range dialogs {
		if ctx.Err() != nil {
			break
		}
		cutoff, ok := cutoffs[d.Kind]
		if !ok {
			continue
		}

		msgs, err := tr.FetchMessages(ctx, d.ChatID, 1)
		if err != nil {
			p.log.Debug().Err(err).Str("account_id", accountID).Str("chat_id", d.ChatID).Msg("fetch latest message")
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		msg.ChatKind = d.Kind
		if msg.ChatID == "" {
			msg.ChatID = d.ChatID
		}
		if !msg.Date.After(cutoff) {
			continue
		}

		res.Handled++
		if p.intakeUC.Handle(ctx, accountID, tr, &msg, usecase.SourcePoll) == usecase.VerdictReplied {
			res.Replied++
		}
		if msg.Date.After(newest[d.Kind]) {
			newest[d.Kind] = msg.Date
		}
	}

	for kind, at := range newest {
		if err := p.checkpointRepo.Advance(ctx, accountID, kind, at); err != nil {
			p.log.Warn().Err(err).Str("account_id", accountID).Str("chat_kind", string(kind)).Msg("advance checkpoint")
		}
	}
	return res, nil
}
