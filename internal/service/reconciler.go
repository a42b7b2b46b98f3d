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
	"golang.org/x/sync/errgroup"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/biz/repo"
	"github.com/devricklin/autoreply/internal/biz/usecase"
)

// errStale aborts a pass whose account was torn down or re-reconciled meanwhile
var errStale = errors.New("reconciliation superseded")

// ReconcilerConfig configures the reconciler
type ReconcilerConfig struct {
	RefreshInterval time.Duration
	Concurrency     int
	Timeout         time.Duration // bound on a single account pass
}

// AccountStatus reports an account's delivery state
type AccountStatus struct {
	AccountID       string              `json:"account_id"`
	State           domain.AccountState `json:"state"`
	Mode            domain.ConnMode     `json:"mode,omitempty"`
	PollInterval    string              `json:"poll_interval,omitempty"`
	Connected       bool                `json:"connected"`
	LastHealthCheck *time.Time          `json:"last_health_check,omitempty"`
	NativeProbe     domain.ProbeOutcome `json:"native_probe,omitempty"`
	SessionInvalid  bool                `json:"session_invalid"`
	LastError       string              `json:"last_error,omitempty"`
	LastReconciled  *time.Time          `json:"last_reconciled,omitempty"`
}

// accountState is the per-account state machine. mu makes passes single-flight.
type accountState struct {
	mu         sync.Mutex
	generation atomic.Uint64

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	state          domain.AccountState
	fingerprint    string
	probe          domain.ProbeOutcome
	nativeText     string
	sessionInvalid bool
	lastErr        string
	lastReconciled time.Time
}

// interrupt invalidates and cancels any in-flight pass
func (st *accountState) interrupt() {
	st.generation.Add(1)
	st.cancelMu.Lock()
	if st.cancel != nil {
		st.cancel()
	}
	st.cancelMu.Unlock()
}

// Reconciler decides and applies the delivery mechanisms of every account
type Reconciler struct {
	settingsRepo repo.SettingsRepo
	directory    repo.AccountDirectory
	nativeUC     *usecase.NativeUsecase
	intakeUC     *usecase.IntakeUsecase
	supervisor   *ConnectionSupervisor
	poller       *PollingScanner
	liveness     *LivenessSupervisor
	presence     *PresenceRefresher
	cfg          ReconcilerConfig
	log          zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*accountState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a new reconciler
func NewReconciler(
	settingsRepo repo.SettingsRepo,
	directory repo.AccountDirectory,
	nativeUC *usecase.NativeUsecase,
	intakeUC *usecase.IntakeUsecase,
	supervisor *ConnectionSupervisor,
	poller *PollingScanner,
	liveness *LivenessSupervisor,
	presence *PresenceRefresher,
	cfg ReconcilerConfig,
	log zerolog.Logger,
) *Reconciler {
	r := &Reconciler{
		settingsRepo: settingsRepo,
		directory:    directory,
		nativeUC:     nativeUC,
		intakeUC:     intakeUC,
		supervisor:   supervisor,
		poller:       poller,
		liveness:     liveness,
		presence:     presence,
		cfg:          cfg,
		log:          log.With().Str("component", "reconciler").Logger(),
		accounts:     make(map[string]*accountState),
	}
	poller.OnSessionInvalid(r.onSessionInvalid)
	supervisor.OnSessionInvalid(r.onSessionInvalid)
	return r
}

// Start starts the maintenance loops and the periodic refresh, which runs immediately
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.poller.Start(ctx)
	r.liveness.Start(ctx)
	r.presence.Start(ctx)

	r.wg.Add(1)
	go r.refreshLoop(ctx)

	r.log.Info().Dur("refresh_interval", r.cfg.RefreshInterval).Msg("started")
}

// Stop stops every loop and releases all connections
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	for _, st := range r.accounts {
		st.interrupt()
	}
	r.mu.Unlock()

	r.poller.StopAll()
	for _, id := range r.supervisor.Tracked() {
		r.supervisor.Release(id)
	}
	r.liveness.Stop()
	r.presence.Stop()
	r.log.Info().Msg("stopped")
}

func (r *Reconciler) refreshLoop(ctx context.Context) {
	defer r.wg.Done()

	r.refresh(ctx)

	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Reconciler) refresh(ctx context.Context) {
	if err := r.reconcileAll(ctx, false); err != nil {
		r.log.Warn().Err(err).Msg("refresh finished with errors")
	}
}

// ReconcileAll reconciles every known account with bounded concurrency.
// Accounts in session-invalid quarantine are retried too.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	return r.reconcileAll(ctx, true)
}

func (r *Reconciler) reconcileAll(ctx context.Context, explicit bool) error {
	ids, err := r.settingsRepo.ListAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	// Accounts that lost their settings still need tearing down
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range r.known() {
		if !seen[id] {
			ids = append(ids, id)
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	if r.cfg.Concurrency > 0 {
		g.SetLimit(r.cfg.Concurrency)
	}
	for _, id := range ids {
		g.Go(func() error {
			err := safeCall(func() error { return r.reconcile(ctx, id, explicit) })
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ReconcileAccount reconciles one account now, lifting any session-invalid quarantine
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID string) error {
	return r.reconcile(ctx, accountID, true)
}

// TeardownAccount removes every mechanism of an account and forgets its state
func (r *Reconciler) TeardownAccount(ctx context.Context, accountID string) error {
	st := r.account(accountID)
	st.interrupt()

	st.mu.Lock()
	defer st.mu.Unlock()

	err := r.teardownLocked(ctx, accountID)
	r.intakeUC.Forget(accountID)

	r.mu.Lock()
	delete(r.accounts, accountID)
	r.mu.Unlock()

	r.log.Info().Str("account_id", accountID).Msg("account torn down")
	return err
}

// Status reports the account's current delivery state
func (r *Reconciler) Status(accountID string) AccountStatus {
	status := AccountStatus{AccountID: accountID, State: domain.StateUnprobed}

	r.mu.Lock()
	st, ok := r.accounts[accountID]
	r.mu.Unlock()
	if ok {
		st.mu.Lock()
		status.State = st.state
		status.NativeProbe = st.probe
		status.SessionInvalid = st.sessionInvalid
		status.LastError = st.lastErr
		if !st.lastReconciled.IsZero() {
			at := st.lastReconciled
			status.LastReconciled = &at
		}
		st.mu.Unlock()
	}

	if rec, ok := r.supervisor.Record(accountID); ok {
		status.Mode = rec.Mode
		status.Connected = rec.Transport.IsConnected()
		at := rec.LastHealthCheck
		status.LastHealthCheck = &at
	} else if status.State == domain.StateNative {
		status.Mode = domain.ConnModeNative
	}
	if interval, ok := r.poller.Interval(accountID); ok {
		status.PollInterval = interval.String()
	}
	return status
}

// Accounts lists accounts the reconciler has state for
func (r *Reconciler) Accounts() []string {
	ids := r.known()
	sort.Strings(ids)
	return ids
}

func (r *Reconciler) known() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	return ids
}

func (r *Reconciler) account(accountID string) *accountState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.accounts[accountID]
	if !ok {
		st = &accountState{state: domain.StateUnprobed}
		r.accounts[accountID] = st
	}
	return st
}

func (r *Reconciler) reconcile(ctx context.Context, accountID string, explicit bool) error {
	st := r.account(accountID)
	log := r.log.With().Str("account_id", accountID).Logger()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sessionInvalid && !explicit {
		log.Debug().Msg("session invalid, waiting for explicit reconcile")
		return nil
	}

	passCtx, cancel := withTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	st.cancelMu.Lock()
	st.cancel = cancel
	st.cancelMu.Unlock()
	gen := st.generation.Add(1)

	err := r.apply(passCtx, accountID, st, gen, log)

	st.cancelMu.Lock()
	st.cancel = nil
	st.cancelMu.Unlock()

	st.lastReconciled = time.Now()
	switch {
	case err == nil:
		st.lastErr = ""
		st.sessionInvalid = false
	case errors.Is(err, errStale) || st.generation.Load() != gen:
		log.Debug().Err(err).Msg("pass superseded, results discarded")
		return nil
	case domain.Classify(err) == domain.KindSessionInvalid:
		r.quarantineLocked(context.WithoutCancel(ctx), accountID, st, err, log)
	default:
		st.lastErr = err.Error()
		log.Warn().Err(err).Str("kind", string(domain.Classify(err))).Msg("reconcile failed")
	}
	return err
}

// onSessionInvalid quarantines an account whose session a poll cycle or a
// liveness check found revoked. It runs apart from the caller, which may be
// the very loop the teardown stops.
func (r *Reconciler) onSessionInvalid(accountID string, cause error) {
	go func() {
		st := r.account(accountID)
		st.interrupt()

		st.mu.Lock()
		defer st.mu.Unlock()
		if st.sessionInvalid {
			return
		}

		ctx, cancel := withTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		st.lastReconciled = time.Now()
		r.quarantineLocked(ctx, accountID, st, cause, r.log.With().Str("account_id", accountID).Logger())
	}()
}

// quarantineLocked tears the account down until an explicit reconcile; the caller holds st.mu
func (r *Reconciler) quarantineLocked(ctx context.Context, accountID string, st *accountState, cause error, log zerolog.Logger) {
	st.lastErr = cause.Error()
	st.sessionInvalid = true
	log.Error().Err(cause).Msg("session invalid, account needs re-authentication")
	if err := r.teardownLocked(ctx, accountID); err != nil {
		log.Warn().Err(err).Msg("teardown after invalid session")
	}
	st.state = domain.StateDisabled
}

// apply runs one pass of the state machine for accountID
func (r *Reconciler) apply(ctx context.Context, accountID string, st *accountState, gen uint64, log zerolog.Logger) error {
	stale := func() bool { return st.generation.Load() != gen }

	cfg, err := r.settingsRepo.GetAccountSettings(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get settings: %w", err)
	}
	if cfg == nil {
		cfg = &domain.ReplyConfig{AccountID: accountID}
	}

	if plan := domain.DecidePlan(cfg, false); plan.State == domain.StateDisabled {
		if st.state != domain.StateDisabled {
			log.Info().Msg("no reply type enabled, tearing down")
		}
		if err := r.teardownLocked(ctx, accountID); err != nil {
			return err
		}
		st.state = domain.StateDisabled
		st.fingerprint, st.probe, st.nativeText = "", domain.ProbeNone, ""
		return nil
	}

	tr, err := r.directory.Session(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	nativeCovered, probed, err := r.native(ctx, tr, cfg, st, log)
	if err != nil {
		return err
	}
	if stale() {
		return errStale
	}

	plan := domain.DecidePlan(cfg, nativeCovered)

	// Stop the mechanism that is no longer wanted before starting the other
	if !plan.NeedConnection {
		r.supervisor.Release(accountID)
	}
	if !plan.NeedPolling {
		r.poller.Stop(accountID)
	}

	if plan.NeedPolling {
		r.poller.Ensure(accountID, cfg.CheckInterval())
	}

	if plan.NeedConnection {
		rec, tracked := r.supervisor.Record(accountID)
		if !tracked || rec.Mode != plan.Mode || probed {
			if err := r.supervisor.Ensure(ctx, accountID, plan.Mode); err != nil {
				st.state = domain.StateUnprobed
				return fmt.Errorf("ensure connection: %w", err)
			}
			if stale() {
				r.supervisor.Release(accountID)
				return errStale
			}
		}
	}

	if st.state != plan.State {
		log.Info().Str("from", string(st.state)).Str("to", string(plan.State)).Str("mode", string(plan.Mode)).Msg("state changed")
	}
	st.state = plan.State
	return nil
}

// native handles the away-message part of a pass. It reports whether direct
// messages are covered and whether the platform was probed in this pass.
// Only session-invalid errors are returned; anything else degrades to fallback.
func (r *Reconciler) native(ctx context.Context, tr repo.Transport, cfg *domain.ReplyConfig, st *accountState, log zerolog.Logger) (covered, probed bool, err error) {
	if !cfg.DMReady() {
		if cfg.NativeModeActive {
			if err := r.nativeUC.Clear(ctx, tr, cfg); err != nil {
				log.Warn().Err(err).Msg("clear native away message")
			}
		}
		st.fingerprint, st.probe, st.nativeText = "", domain.ProbeNone, ""
		return false, false, nil
	}

	fp := cfg.Fingerprint()
	if st.fingerprint == fp {
		switch {
		case st.probe == domain.ProbeCapabilityAbsent:
			return false, false, nil
		case st.probe == domain.ProbeActive && cfg.NativeModeActive && st.nativeText == cfg.DMMessage:
			return true, false, nil
		}
	}

	outcome, perr := r.nativeUC.Setup(ctx, tr, cfg, st.nativeText)
	st.probe = outcome
	st.fingerprint = fp

	switch outcome {
	case domain.ProbeActive:
		st.nativeText = cfg.DMMessage
		return true, true, nil
	case domain.ProbeSessionInvalid:
		return false, true, perr
	case domain.ProbeCapabilityAbsent:
		st.nativeText = ""
		return false, true, nil
	default:
		// Retried on the next pass
		st.fingerprint = ""
		st.nativeText = ""
		log.Info().Err(perr).Msg("native setup failed transiently, falling back")
		return false, true, nil
	}
}

// teardownLocked removes every mechanism; the caller holds the account lock
func (r *Reconciler) teardownLocked(ctx context.Context, accountID string) error {
	r.poller.Stop(accountID)
	r.supervisor.Release(accountID)

	cfg, err := r.settingsRepo.GetAccountSettings(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get settings: %w", err)
	}
	if cfg == nil || !cfg.NativeModeActive {
		return nil
	}

	tr, err := r.directory.Session(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if err := r.nativeUC.Clear(ctx, tr, cfg); err != nil {
		return fmt.Errorf("clear native: %w", err)
	}
	return nil
}
