package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devricklin/autoreply/internal/biz/domain"
)

func pollFixture(t *testing.T) (*fixture, *mockTransport) {
	t.Helper()
	f := newFixture(&domain.ReplyConfig{
		AccountID:            "acct",
		DMEnabled:            true,
		DMMessage:            "I'm away",
		CheckIntervalSeconds: 60,
	})
	tr := f.transport("acct")
	tr.dialogs = []domain.Dialog{
		{ChatID: "oc_dm", Kind: domain.ChatKindDirect},
		{ChatID: "oc_channel", Kind: domain.ChatKindOther},
	}
	tr.latest["oc_dm"] = []domain.Message{{ID: "om_1", ChatID: "oc_dm", SenderID: "ou_peer", Text: "hi", Date: time.Now()}}
	tr.latest["oc_channel"] = []domain.Message{{ID: "om_2", ChatID: "oc_channel", SenderID: "ou_peer", Text: "news", Date: time.Now()}}
	return f, tr
}

func TestPollingScanner_DuplicateAcrossTicks(t *testing.T) {
	f, tr := pollFixture(t)
	f.checkpoints.frozen = true
	ctx := context.Background()

	first, err := f.poller.Cycle(ctx, "acct", time.Minute)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if first.Replied != 1 {
		t.Fatalf("Expected 1 reply, got %+v", first)
	}

	second, err := f.poller.Cycle(ctx, "acct", time.Minute)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if second.Handled != 1 || second.Replied != 0 {
		t.Errorf("Expected the message re-observed but not answered, got %+v", second)
	}
	if tr.sentCount() != 1 {
		t.Errorf("Expected exactly 1 send, got %d", tr.sentCount())
	}
}

func TestPollingScanner_CheckpointAdvances(t *testing.T) {
	f, tr := pollFixture(t)
	ctx := context.Background()

	if _, err := f.poller.Cycle(ctx, "acct", time.Minute); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	res, err := f.poller.Cycle(ctx, "acct", time.Minute)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if res.Handled != 0 {
		t.Errorf("Expected nothing newer than the checkpoint, got %+v", res)
	}

	at, _ := f.checkpoints.Get(ctx, "acct", domain.ChatKindDirect)
	if at.IsZero() {
		t.Error("Expected direct checkpoint recorded")
	}
	if other, _ := f.checkpoints.Get(ctx, "acct", domain.ChatKindGroup); !other.IsZero() {
		t.Error("Expected group checkpoint untouched")
	}

	// Connected only for the duration of each cycle
	if tr.IsConnected() {
		t.Error("Expected transport disconnected after the cycle")
	}
	if tr.count("connect") != 2 || tr.count("disconnect") != 2 {
		t.Errorf("Expected one connect and disconnect per cycle, got %d/%d", tr.count("connect"), tr.count("disconnect"))
	}
}

func TestPollingScanner_LookbackWithoutCheckpoint(t *testing.T) {
	f, tr := pollFixture(t)
	tr.latest["oc_dm"][0].Date = time.Now().Add(-2 * time.Hour)

	res, err := f.poller.Cycle(context.Background(), "acct", time.Hour)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if res.Dialogs != 2 || res.Handled != 0 {
		t.Errorf("Expected old message ignored, got %+v", res)
	}
}

func TestPollingScanner_CycleInFlight(t *testing.T) {
	f, _ := pollFixture(t)
	f.poller.guard("acct").Store(true)

	if _, err := f.poller.Cycle(context.Background(), "acct", time.Minute); !errors.Is(err, ErrCycleInFlight) {
		t.Errorf("Expected ErrCycleInFlight, got %v", err)
	}
}

func TestPollingScanner_EnsureAndStop(t *testing.T) {
	f, _ := pollFixture(t)
	t.Cleanup(f.poller.StopAll)

	if !f.poller.Ensure("acct", time.Hour) {
		t.Fatal("Expected a loop to start")
	}
	if f.poller.Ensure("acct", time.Hour) {
		t.Error("Expected the same interval to be a no-op")
	}
	if !f.poller.Ensure("acct", 2*time.Hour) {
		t.Error("Expected a changed interval to restart the loop")
	}
	if interval, ok := f.poller.Interval("acct"); !ok || interval != 2*time.Hour {
		t.Errorf("Expected 2h interval, got %v %v", interval, ok)
	}

	f.poller.Stop("acct")
	if len(f.poller.Polling()) != 0 {
		t.Error("Expected no polling after Stop")
	}
}

func TestPollingScanner_StopWaitsForCycleBeforeConnection(t *testing.T) {
	f, tr := pollFixture(t)
	t.Cleanup(f.poller.StopAll)
	ctx := context.Background()

	gate := make(chan struct{})
	tr.listGate, tr.listEntered = gate, make(chan struct{}, 1)

	f.poller.Ensure("acct", time.Hour)
	<-tr.listEntered

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(gate)
	}()
	f.poller.Stop("acct")
	if tr.IsConnected() {
		t.Error("Expected the cycle's connection closed once Stop returns")
	}

	// The persistent connection must survive the finished cycle
	if err := f.supervisor.Ensure(ctx, "acct", domain.ConnModeGroupsFallback); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if !tr.IsConnected() || tr.HandlerCount() != 1 {
		t.Errorf("Expected a live connection with handler, got connected=%v handlers=%d", tr.IsConnected(), tr.HandlerCount())
	}
}

func TestPollingScanner_ReportsSessionInvalid(t *testing.T) {
	f, tr := pollFixture(t)
	tr.errs["list_dialogs"] = domain.ErrSessionInvalid

	reported := make(chan string, 1)
	f.poller.OnSessionInvalid(func(accountID string, err error) { reported <- accountID })

	f.poller.runLogged(context.Background(), "acct", time.Minute)
	select {
	case id := <-reported:
		if id != "acct" {
			t.Errorf("Expected acct reported, got %s", id)
		}
	default:
		t.Error("Expected the revoked session to be reported")
	}

	// Other failures are only logged
	tr.errs["list_dialogs"] = errors.New("timeout")
	f.poller.runLogged(context.Background(), "acct", time.Minute)
	if len(reported) != 0 {
		t.Error("Expected no report for a non-session error")
	}
}
