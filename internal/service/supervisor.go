package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/biz/repo"
	"github.com/devricklin/autoreply/internal/biz/usecase"
)

// ConnectionRecord is a persistent connection kept for fallback replies
type ConnectionRecord struct {
	AccountID       string
	Transport       repo.Transport
	Mode            domain.ConnMode
	LastHealthCheck time.Time
}

// ConnectionSupervisor owns persistent connections and their intake handlers.
// Ensure, Release and Verify are serialized per account, so a liveness check
// never reinstalls a handler on a connection released meanwhile.
type ConnectionSupervisor struct {
	directory  repo.AccountDirectory
	intakeUC   *usecase.IntakeUsecase
	retryDelay time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu             sync.RWMutex
	records        map[string]*ConnectionRecord
	locks          map[string]*sync.Mutex
	listeners      []func(tracked int)
	sessionInvalid func(accountID string, err error)
}

// NewConnectionSupervisor creates a new connection supervisor
func NewConnectionSupervisor(
	directory repo.AccountDirectory,
	intakeUC *usecase.IntakeUsecase,
	retryDelay time.Duration,
	log zerolog.Logger,
) *ConnectionSupervisor {
	return &ConnectionSupervisor{
		directory:  directory,
		intakeUC:   intakeUC,
		retryDelay: retryDelay,
		log:        log.With().Str("component", "supervisor").Logger(),
		now:        time.Now,
		records:    make(map[string]*ConnectionRecord),
		locks:      make(map[string]*sync.Mutex),
	}
}

// OnTrackedChange registers fn to be called with the tracked count after every change
func (s *ConnectionSupervisor) OnTrackedChange(fn func(tracked int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// OnSessionInvalid registers fn to be called when a liveness check finds the session revoked.
// fn must not block on Release.
func (s *ConnectionSupervisor) OnSessionInvalid(fn func(accountID string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionInvalid = fn
}

// Ensure keeps a live session with the intake handler installed for accountID
func (s *ConnectionSupervisor) Ensure(ctx context.Context, accountID string, mode domain.ConnMode) error {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	log := s.log.With().Str("account_id", accountID).Str("mode", string(mode)).Logger()

	tr, err := s.directory.Session(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if !tr.IsConnected() {
		if err := tr.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	s.install(accountID, tr)
	s.forceOffline(ctx, tr, log)

	if tr.HandlerCount() == 0 {
		log.Warn().Dur("delay", s.retryDelay).Msg("handler not registered, retrying once")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
		s.install(accountID, tr)
		if tr.HandlerCount() == 0 {
			return fmt.Errorf("%w: message handler did not register", domain.ErrTransient)
		}
	}

	s.mu.Lock()
	rec, ok := s.records[accountID]
	if !ok {
		rec = &ConnectionRecord{AccountID: accountID}
		s.records[accountID] = rec
	}
	rec.Transport = tr
	rec.Mode = mode
	rec.LastHealthCheck = s.now()
	s.mu.Unlock()

	if !ok {
		log.Info().Msg("persistent connection tracked")
		s.notify()
	}
	return nil
}

// Release removes the handler and forgets the session; the socket belongs to the session pool
func (s *ConnectionSupervisor) Release(accountID string) {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	rec, ok := s.records[accountID]
	delete(s.records, accountID)
	s.mu.Unlock()
	if !ok {
		return
	}

	rec.Transport.RemoveHandler(usecase.IntakeHandlerKey)
	s.log.Info().Str("account_id", accountID).Msg("persistent connection released")
	s.notify()
}

// Verify reconnects or reinstalls the handler as needed and records the check time.
// A revoked session is reported to the OnSessionInvalid callback.
func (s *ConnectionSupervisor) Verify(ctx context.Context, accountID string) error {
	err := s.verify(ctx, accountID)
	if domain.Classify(err) == domain.KindSessionInvalid {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("liveness check found session invalid")
		s.mu.RLock()
		fn := s.sessionInvalid
		s.mu.RUnlock()
		if fn != nil {
			fn(accountID, err)
		}
	}
	return err
}

func (s *ConnectionSupervisor) verify(ctx context.Context, accountID string) error {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	rec, ok := s.Record(accountID)
	if !ok {
		return nil
	}
	defer s.touch(accountID)

	tr := rec.Transport
	log := s.log.With().Str("account_id", accountID).Logger()

	if !tr.IsConnected() {
		log.Info().Msg("connection lost, reconnecting")
		if err := tr.Connect(ctx); err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
		s.install(accountID, tr)
		s.forceOffline(ctx, tr, log)
		return nil
	}

	if tr.HandlerCount() == 0 {
		log.Info().Msg("handler missing, reinstalling")
		s.install(accountID, tr)
	}
	return nil
}

// ForceOffline reasserts offline presence on a tracked connection
func (s *ConnectionSupervisor) ForceOffline(ctx context.Context, accountID string) error {
	rec, ok := s.Record(accountID)
	if !ok {
		return nil
	}
	if _, err := rec.Transport.Invoke(ctx, repo.UpdatePresence{Offline: true}); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// Record returns a copy of the account's connection record
func (s *ConnectionSupervisor) Record(accountID string) (ConnectionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[accountID]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

// Tracked lists accounts with a persistent connection
func (s *ConnectionSupervisor) Tracked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *ConnectionSupervisor) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = new(sync.Mutex)
		s.locks[accountID] = l
	}
	return l
}

// install registers the intake handler, replacing any earlier registration
func (s *ConnectionSupervisor) install(accountID string, tr repo.Transport) {
	tr.RemoveHandler(usecase.IntakeHandlerKey)
	tr.AddHandler(usecase.IntakeHandlerKey, func(ctx context.Context, msg *domain.Message) {
		s.intakeUC.Handle(ctx, accountID, tr, msg, usecase.SourceEvent)
	})
}

func (s *ConnectionSupervisor) forceOffline(ctx context.Context, tr repo.Transport, log zerolog.Logger) {
	if _, err := tr.Invoke(ctx, repo.UpdatePresence{Offline: true}); err != nil {
		log.Warn().Err(err).Msg("force offline")
	}
}

func (s *ConnectionSupervisor) touch(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[accountID]; ok {
		rec.LastHealthCheck = s.now()
	}
}

func (s *ConnectionSupervisor) notify() {
	s.mu.RLock()
	n := len(s.records)
	listeners := append([]func(int){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(n)
	}
}
