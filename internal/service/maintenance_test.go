package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/domain"
)

func TestMaintenance_RunsOnlyWhileTracked(t *testing.T) {
	f := newFixture(dmOnly("acct"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.liveness.Start(ctx)
	f.presence.Start(ctx)
	defer f.liveness.Stop()
	defer f.presence.Stop()

	if f.liveness.Running() || f.presence.Running() {
		t.Fatal("Expected loops idle with no connections")
	}

	if err := f.supervisor.Ensure(ctx, "acct", domain.ConnModeDMFallback); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if !f.liveness.Running() || !f.presence.Running() {
		t.Error("Expected loops running with a tracked connection")
	}

	f.supervisor.Release("acct")
	if f.liveness.Running() || f.presence.Running() {
		t.Error("Expected loops stopped after the last release")
	}
}

func TestPresenceRefresher_Pass(t *testing.T) {
	f := newFixture(dmOnly("a"), dmOnly("b"))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := f.supervisor.Ensure(ctx, id, domain.ConnModeDMFallback); err != nil {
			t.Fatalf("Ensure %s failed: %v", id, err)
		}
	}
	f.transport("a").errs["presence.update"] = errors.New("boom")

	f.presence.Pass(ctx)

	if n := f.transport("b").count("presence.update"); n != 2 {
		t.Errorf("Expected presence reasserted on b despite a failing, got %d calls", n)
	}
}

func TestPresenceRefresher_DelayWithinBand(t *testing.T) {
	f := newFixture()
	for i := 0; i < 100; i++ {
		d := f.presence.nextDelay()
		if d < time.Hour || d >= 2*time.Hour {
			t.Fatalf("Delay %v outside [1h, 2h)", d)
		}
	}
}

func TestForEachAccount_RecoversPanics(t *testing.T) {
	var calls atomic.Int32
	forEachAccount(context.Background(), []string{"a", "b", "c"}, 2, time.Second, zerolog.Nop(), "test",
		func(ctx context.Context, accountID string) error {
			calls.Add(1)
			if accountID == "b" {
				panic("bad account")
			}
			return nil
		})

	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
}
