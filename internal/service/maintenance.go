package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// gatedLoop runs a loop goroutine only while started and enabled
type gatedLoop struct {
	run func(ctx context.Context)

	mu      sync.Mutex
	base    context.Context
	enabled bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (g *gatedLoop) start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.base = ctx
	if g.enabled {
		g.spawnLocked()
	}
}

// setEnabled starts or cancels the loop; a cancelled pass may still finish in the background
func (g *gatedLoop) setEnabled(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = on
	switch {
	case on && g.base != nil && g.cancel == nil:
		g.spawnLocked()
	case !on && g.cancel != nil:
		g.cancel()
		g.cancel = nil
	}
}

func (g *gatedLoop) stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.base = nil
	g.cancel = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (g *gatedLoop) running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

func (g *gatedLoop) spawnLocked() {
	ctx, cancel := context.WithCancel(g.base)
	done := make(chan struct{})
	g.cancel, g.done = cancel, done
	go func() {
		defer close(done)
		g.run(ctx)
	}()
}

// forEachAccount runs fn for every id with bounded concurrency.
// Each call gets its own timeout; errors and panics are logged and never stop the others.
func forEachAccount(ctx context.Context, ids []string, limit int, timeout time.Duration, log zerolog.Logger, op string, fn func(ctx context.Context, accountID string) error) {
	g := new(errgroup.Group)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, id := range ids {
		g.Go(func() error {
			callCtx, cancel := withTimeout(ctx, timeout)
			defer cancel()
			if err := safeCall(func() error { return fn(callCtx, id) }); err != nil {
				log.Warn().Err(err).Str("account_id", id).Str("op", op).Msg("account maintenance failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// MaintenanceConfig configures the liveness and presence loops
type MaintenanceConfig struct {
	LivenessInterval time.Duration
	PresenceMin      time.Duration
	PresenceMax      time.Duration
	Timeout          time.Duration
	Concurrency      int
}

// LivenessSupervisor periodically checks every persistent connection.
// It only runs while at least one connection is tracked.
type LivenessSupervisor struct {
	supervisor *ConnectionSupervisor
	cfg        MaintenanceConfig
	log        zerolog.Logger
	loop       gatedLoop
}

// NewLivenessSupervisor creates a liveness supervisor bound to sup's tracked connections
func NewLivenessSupervisor(sup *ConnectionSupervisor, cfg MaintenanceConfig, log zerolog.Logger) *LivenessSupervisor {
	l := &LivenessSupervisor{
		supervisor: sup,
		cfg:        cfg,
		log:        log.With().Str("component", "liveness").Logger(),
	}
	l.loop.run = l.runLoop
	sup.OnTrackedChange(func(tracked int) { l.loop.setEnabled(tracked > 0) })
	return l
}

// Start allows the loop to run
func (l *LivenessSupervisor) Start(ctx context.Context) {
	l.loop.start(ctx)
}

// Stop stops the loop and waits for it
func (l *LivenessSupervisor) Stop() {
	l.loop.stop()
}

// Running reports whether the loop is active
func (l *LivenessSupervisor) Running() bool {
	return l.loop.running()
}

func (l *LivenessSupervisor) runLoop(ctx context.Context) {
	l.log.Info().Dur("interval", l.cfg.LivenessInterval).Msg("started")
	ticker := time.NewTicker(l.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("stopped")
			return
		case <-ticker.C:
			l.Pass(ctx)
		}
	}
}

// Pass checks every tracked connection once
func (l *LivenessSupervisor) Pass(ctx context.Context) {
	forEachAccount(ctx, l.supervisor.Tracked(), l.cfg.Concurrency, l.cfg.Timeout, l.log, "verify", l.supervisor.Verify)
}

// PresenceRefresher reasserts offline presence on every persistent connection
// at a randomized interval, rescheduling only after each pass completes.
type PresenceRefresher struct {
	supervisor *ConnectionSupervisor
	cfg        MaintenanceConfig
	log        zerolog.Logger
	loop       gatedLoop
}

// NewPresenceRefresher creates a presence refresher bound to sup's tracked connections
func NewPresenceRefresher(sup *ConnectionSupervisor, cfg MaintenanceConfig, log zerolog.Logger) *PresenceRefresher {
	p := &PresenceRefresher{
		supervisor: sup,
		cfg:        cfg,
		log:        log.With().Str("component", "presence").Logger(),
	}
	p.loop.run = p.runLoop
	sup.OnTrackedChange(func(tracked int) { p.loop.setEnabled(tracked > 0) })
	return p
}

// Start allows the loop to run
func (p *PresenceRefresher) Start(ctx context.Context) {
	p.loop.start(ctx)
}

// Stop stops the loop and waits for it
func (p *PresenceRefresher) Stop() {
	p.loop.stop()
}

// Running reports whether the loop is active
func (p *PresenceRefresher) Running() bool {
	return p.loop.running()
}

func (p *PresenceRefresher) nextDelay() time.Duration {
	band := p.cfg.PresenceMax - p.cfg.PresenceMin
	if band <= 0 {
		return p.cfg.PresenceMin
	}
	return p.cfg.PresenceMin + rand.N(band)
}

func (p *PresenceRefresher) runLoop(ctx context.Context) {
	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.Pass(ctx)
			timer.Reset(p.nextDelay())
		}
	}
}

// Pass forces every tracked connection offline once
func (p *PresenceRefresher) Pass(ctx context.Context) {
	forEachAccount(ctx, p.supervisor.Tracked(), p.cfg.Concurrency, p.cfg.Timeout, p.log, "presence", p.supervisor.ForceOffline)
}
