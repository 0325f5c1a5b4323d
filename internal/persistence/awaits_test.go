package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/go-atlas/internal/persistence"
)

func mustCreateTrigger(t *testing.T, store *persistence.Store, tr persistence.Trigger) *persistence.Trigger {
	t.Helper()
	created, err := store.CreateTrigger(context.Background(), tr)
	if err != nil {
		t.Fatalf("create trigger %q: %v", tr.Name, err)
	}
	return created
}

func TestAwaits_RoundTripProducesExactlyOneWake(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateTrigger(t, store, persistence.Trigger{Name: "signal-chat", Type: persistence.TriggerTypeManual, Channel: "signal", Enabled: true})
	if err := store.SaveTriggerSession(ctx, "signal-chat", "+15550100", "sess-42"); err != nil {
		t.Fatalf("save session: %v", err)
	}
	task := mustEnqueue(t, store, "signal-chat", "reply to Bob")
	if reg, err := store.RegisterAwait(ctx, task.ID, "signal-chat", "+15550100"); err != nil || reg.Wake != nil || reg.Await == nil {
		t.Fatalf("register await: wake=%#v err=%v", wake, err)
	}

	mustClaim(t, store)
	done, wake, err := store.CompleteTask(ctx, task.ID, "sent reply")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != persistence.TaskStatusDone || done.ResponseSummary != "sent reply" {
		t.Fatalf("unexpected task: %#v", done)
	}
	if wake == nil {
		t.Fatal("expected a wake record")
	}
	if wake.TriggerName != "signal-chat" || wake.SessionID != "sess-42" || wake.Channel != "signal" ||
		wake.SessionKey != "+15550100" || wake.ResponseSummary != "sent reply" || wake.Outcome != persistence.WakeOutcomeDone {
		t.Fatalf("unexpected wake: %#v", wake)
	}

	if n := queryCount(t, store.DB(), "SELECT COUNT(*) FROM wakes WHERE task_id = ?", task.ID); n != 1 {
		t.Fatalf("expected exactly one wake, got %d", n)
	}
	if _, err := store.GetAwait(ctx, task.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected await removed, got %v", err)
	}
}

func TestAwaits_MissingAuxiliaryRowsDegrade(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// No trigger row and no session row for "ghost".
	task := mustEnqueue(t, store, "", "adhoc work")
	if _, err := store.RegisterAwait(ctx, task.ID, "ghost", ""); err != nil {
		t.Fatalf("register await: %v", err)
	}
	mustClaim(t, store)
	_, wake, err := store.CompleteTask(ctx, task.ID, "ok")
	if err != nil {
		t.Fatalf("complete must not fail on missing rows: %v", err)
	}
	if wake == nil || wake.Channel != "internal" || wake.SessionID != "" {
		t.Fatalf("expected degraded wake, got %#v", wake)
	}
}

func TestAwaits_LastWriterWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustEnqueue(t, store, "", "shared")

	if _, err := store.RegisterAwait(ctx, task.ID, "first", "a"); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if _, err := store.RegisterAwait(ctx, task.ID, "second", "b"); err != nil {
		t.Fatalf("register second: %v", err)
	}
	a, err := store.GetAwait(ctx, task.ID)
	if err != nil {
		t.Fatalf("get await: %v", err)
	}
	if a.TriggerName != "second" || a.SessionKey != "b" {
		t.Fatalf("expected second registration to win, got %#v", a)
	}
	if n := queryCount(t, store.DB(), "SELECT COUNT(*) FROM task_awaits"); n != 1 {
		t.Fatalf("expected one await row, got %d", n)
	}
}

func TestAwaits_RegisterGuards(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterAwait(ctx, 777, "x", ""); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("unknown task: expected ErrNotFound, got %v", err)
	}

	cancelled := mustEnqueue(t, store, "", "gone")
	if _, _, err := store.CancelTask(ctx, cancelled.ID, "", false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := store.RegisterAwait(ctx, cancelled.ID, "x", ""); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("cancelled task: expected ErrInvalidTransition, got %v", err)
	}
}

func TestAwaits_RegisterAfterCompletionWakesImmediately(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustEnqueue(t, store, "", "fast worker")
	mustClaim(t, store)
	if _, _, err := store.CompleteTask(ctx, task.ID, "already done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	reg, err := store.RegisterAwait(ctx, task.ID, "late", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Await != nil {
		t.Fatalf("expected no outstanding await, got %#v", reg.Await)
	}
	if !reg.Emitted || reg.Wake == nil || reg.Wake.ResponseSummary != "already done" {
		t.Fatalf("expected immediate wake, got %#v", reg)
	}

	again, err := store.RegisterAwait(ctx, task.ID, "late", "")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if again.Emitted {
		t.Fatal("repeat registration must not report a new wake")
	}
	if again.Wake == nil || again.Wake.ID != reg.Wake.ID {
		t.Fatalf("expected the existing wake back, got %#v", again.Wake)
	}
	if again.Await != nil {
		t.Fatalf("await must not linger, got %#v", again.Await)
	}
	if n := queryCount(t, store.DB(), "SELECT COUNT(*) FROM wakes WHERE task_id = ?", task.ID); n != 1 {
		t.Fatalf("expected one wake row, got %d", n)
	}
}

func TestAwaits_CancelDeletesAwaitSilently(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustEnqueue(t, store, "", "cancel me")
	if _, err := store.RegisterAwait(ctx, task.ID, "nightly", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, wake, err := store.CancelTask(ctx, task.ID, "", false)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if wake != nil {
		t.Fatalf("silent cancel must not wake, got %#v", wake)
	}
	if n := queryCount(t, store.DB(), "SELECT COUNT(*) FROM task_awaits"); n != 0 {
		t.Fatalf("expected await deleted, got %d rows", n)
	}
	if n := queryCount(t, store.DB(), "SELECT COUNT(*) FROM wakes"); n != 0 {
		t.Fatalf("expected no wakes, got %d", n)
	}
}

func TestAwaits_CancelCanWakeAwaiter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustEnqueue(t, store, "", "cancel me loudly")
	if _, err := store.RegisterAwait(ctx, task.ID, "nightly", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, wake, err := store.CancelTask(ctx, task.ID, "superseded", true)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if wake == nil || wake.Outcome != persistence.WakeOutcomeCancelled || wake.ResponseSummary != "superseded" {
		t.Fatalf("expected cancelled wake, got %#v", wake)
	}
	if n := queryCount(t, store.DB(), "SELECT COUNT(*) FROM task_awaits"); n != 0 {
		t.Fatalf("expected await deleted, got %d rows", n)
	}
}

func TestAwaits_DistinctTriggersDoNotClobber(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, name := range []string{"alpha", "beta"} {
		task := mustEnqueue(t, store, name, "work for "+name)
		if _, err := store.RegisterAwait(ctx, task.ID, name, ""); err != nil {
			t.Fatalf("register: %v", err)
		}
		ids = append(ids, task.ID)
	}
	for range ids {
		task := mustClaim(t, store)
		if _, _, err := store.CompleteTask(ctx, task.ID, "ok"); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	wakes, err := store.ListWakes(ctx, persistence.WakeFilter{})
	if err != nil {
		t.Fatalf("list wakes: %v", err)
	}
	if len(wakes) != 2 || wakes[0].TriggerName != "alpha" || wakes[1].TriggerName != "beta" {
		t.Fatalf("unexpected wakes: %#v", wakes)
	}
}

func TestWakes_AckHidesFromPending(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := mustEnqueue(t, store, "", "ack")
	if _, err := store.RegisterAwait(ctx, task.ID, "nightly", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustClaim(t, store)
	_, wake, err := store.CompleteTask(ctx, task.ID, "ok")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if n, err := store.PendingWakeCount(ctx); err != nil || n != 1 {
		t.Fatalf("pending count = %d, %v", n, err)
	}
	if err := store.AckWake(ctx, wake.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := store.AckWake(ctx, wake.ID); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}
	if err := store.AckWake(ctx, 5555); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("ack missing: expected ErrNotFound, got %v", err)
	}
	pending, err := store.ListWakes(ctx, persistence.WakeFilter{TriggerName: "nightly"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending wakes, got %d", len(pending))
	}
	all, err := store.ListWakes(ctx, persistence.WakeFilter{IncludeAcked: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || all[0].AckedAt == nil {
		t.Fatalf("expected acked wake, got %#v", all)
	}
}

func TestWakes_FilterByChannel(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateTrigger(t, store, persistence.Trigger{Name: "telegram-chat", Type: persistence.TriggerTypeManual, Channel: "telegram", Enabled: true})

	for _, name := range []string{"telegram-chat", "nightly"} {
		task := mustEnqueue(t, store, name, "work for "+name)
		if _, err := store.RegisterAwait(ctx, task.ID, name, "4242"); err != nil {
			t.Fatalf("register: %v", err)
		}
		mustClaim(t, store)
		if _, _, err := store.CompleteTask(ctx, task.ID, "ok"); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	tg, err := store.ListWakes(ctx, persistence.WakeFilter{Channel: "telegram"})
	if err != nil {
		t.Fatalf("list telegram: %v", err)
	}
	if len(tg) != 1 || tg[0].TriggerName != "telegram-chat" || tg[0].SessionKey != "4242" {
		t.Fatalf("unexpected telegram wakes: %#v", tg)
	}
	internal, err := store.ListWakes(ctx, persistence.WakeFilter{Channel: "internal"})
	if err != nil {
		t.Fatalf("list internal: %v", err)
	}
	if len(internal) != 1 || internal[0].TriggerName != "nightly" {
		t.Fatalf("unexpected internal wakes: %#v", internal)
	}
}
