package wake_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-atlas/internal/bus"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/wake"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "atlas.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// completeAwaited enqueues, awaits, claims and completes one task directly
// against the store and returns the resulting wake.
func completeAwaited(t *testing.T, store *persistence.Store, trigger, summary string) *persistence.Wake {
	t.Helper()
	ctx := context.Background()
	task, err := store.EnqueueTask(ctx, trigger, "work for "+trigger)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.RegisterAwait(ctx, task.ID, trigger, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := store.ClaimNextTask(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, w, err := store.CompleteTask(ctx, task.ID, summary)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if w == nil {
		t.Fatal("expected wake")
	}
	return w
}

func TestSignal_TouchCreatesAndBumps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox", ".trigger-wake")
	sig := wake.NewSignal(path)
	if !sig.ModTime().IsZero() {
		t.Fatal("untouched signal should report zero mtime")
	}
	if err := sig.Touch(); err != nil {
		t.Fatalf("touch: %v", err)
	}
	first := sig.ModTime()
	if first.IsZero() {
		t.Fatal("expected signal file to exist")
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := sig.Touch(); err != nil {
		t.Fatalf("touch again: %v", err)
	}
	if !sig.ModTime().After(old) {
		t.Fatal("touch should advance mtime")
	}
}

func TestSignal_NilIsNoop(t *testing.T) {
	var sig *wake.Signal
	if err := sig.Touch(); err != nil {
		t.Fatalf("nil touch: %v", err)
	}
	if sig.Path() != "" {
		t.Fatal("nil path should be empty")
	}
}

func TestCoordinator_RegisterAfterDoneNotifies(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	b := bus.New()
	sub := b.Subscribe(bus.TopicWakeEmitted)
	defer b.Unsubscribe(sub)
	sigPath := filepath.Join(t.TempDir(), ".trigger-wake")
	c := wake.New(wake.Config{Store: store, Bus: b, Signal: wake.NewSignal(sigPath), Logger: quietLogger()})

	task, err := store.EnqueueTask(ctx, "nightly", "late await")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := store.ClaimNextTask(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := store.CompleteTask(ctx, task.ID, "finished"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	reg, err := c.RegisterAwait(ctx, task.ID, "nightly", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Await != nil || !reg.Emitted {
		t.Fatalf("expected an immediate wake and no outstanding await, got %#v", reg)
	}
	select {
	case ev := <-sub.Ch():
		we, ok := ev.Payload.(bus.WakeEvent)
		if !ok || we.TaskID != task.ID || we.TriggerName != "nightly" || we.Outcome != "done" {
			t.Fatalf("unexpected event: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected wake event on bus")
	}
	if _, err := os.Stat(sigPath); err != nil {
		t.Fatalf("expected signal file: %v", err)
	}

	// A repeat registration finds the same wake and must not notify again.
	if err := os.Remove(sigPath); err != nil {
		t.Fatalf("remove signal: %v", err)
	}
	again, err := c.RegisterAwait(ctx, task.ID, "nightly", "")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if again.Emitted || again.Wake == nil || again.Wake.ID != reg.Wake.ID {
		t.Fatalf("expected the existing wake without emission, got %#v", again)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second wake event: %#v", ev.Payload)
	case <-time.After(100 * time.Millisecond):
	}
	if _, err := os.Stat(sigPath); !os.IsNotExist(err) {
		t.Fatalf("signal must not be touched again, stat err = %v", err)
	}
}

func TestCoordinator_SignalFailureIsNotFatal(t *testing.T) {
	store := openStore(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The parent of the signal path is a regular file, so touch must fail.
	c := wake.New(wake.Config{Store: store, Signal: wake.NewSignal(filepath.Join(blocker, "sig")), Logger: quietLogger()})
	w := completeAwaited(t, store, "nightly", "ok")
	c.Notify(context.Background(), w)

	pending, err := c.Pending(context.Background(), "nightly", 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != w.ID {
		t.Fatalf("wake record must survive a failed signal, got %#v", pending)
	}
}

func TestCoordinator_PendingAndAck(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	c := wake.New(wake.Config{Store: store, Logger: quietLogger()})
	a := completeAwaited(t, store, "alpha", "a")
	completeAwaited(t, store, "beta", "b")

	all, err := c.Pending(ctx, "", 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(all))
	}
	if err := c.Ack(ctx, a.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	alpha, err := c.Pending(ctx, "alpha", 0)
	if err != nil {
		t.Fatalf("pending alpha: %v", err)
	}
	if len(alpha) != 0 {
		t.Fatalf("acked wake still pending: %#v", alpha)
	}
	if err := c.Ack(ctx, 31337); err == nil {
		t.Fatal("expected error acking unknown wake")
	}
}

func TestWatcher_DeliversExistingAndNewWakes(t *testing.T) {
	store := openStore(t)
	sig := wake.NewSignal(filepath.Join(t.TempDir(), "inbox", ".trigger-wake"))
	first := completeAwaited(t, store, "alpha", "first")

	w := wake.NewWatcher(wake.WatcherConfig{
		Store:        store,
		Signal:       sig,
		PollInterval: 50 * time.Millisecond,
		AutoAck:      true,
		Logger:       quietLogger(),
	})
	got := make(chan persistence.Wake, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, wk persistence.Wake) error {
			got <- wk
			return nil
		})
	}()

	recv := func() persistence.Wake {
		t.Helper()
		select {
		case wk := <-got:
			return wk
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for wake")
		}
		return persistence.Wake{}
	}
	if wk := recv(); wk.ID != first.ID {
		t.Fatalf("expected existing wake %d, got %d", first.ID, wk.ID)
	}

	second := completeAwaited(t, store, "alpha", "second")
	if err := sig.Touch(); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if wk := recv(); wk.ID != second.ID {
		t.Fatalf("expected new wake %d, got %d", second.ID, wk.ID)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if n, err := store.PendingWakeCount(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected all wakes acked, pending=%d err=%v", n, err)
	}
}

func TestWatcher_FiltersByTrigger(t *testing.T) {
	store := openStore(t)
	completeAwaited(t, store, "alpha", "a")
	beta := completeAwaited(t, store, "beta", "b")

	w := wake.NewWatcher(wake.WatcherConfig{Store: store, TriggerName: "beta", PollInterval: 20 * time.Millisecond, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	var seen []int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(_ context.Context, wk persistence.Wake) error {
			seen = append(seen, wk.ID)
			cancel()
			return nil
		})
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatal("watcher did not deliver")
	}
	if len(seen) != 1 || seen[0] != beta.ID {
		t.Fatalf("expected only beta wake, got %v", seen)
	}
}

func TestWatcher_FiltersByChannel(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if _, err := store.CreateTrigger(ctx, persistence.Trigger{Name: "telegram-chat", Type: persistence.TriggerTypeManual, Channel: "telegram", Enabled: true}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	internal := completeAwaited(t, store, "alpha", "a")
	tg := completeAwaited(t, store, "telegram-chat", "b")

	w := wake.NewWatcher(wake.WatcherConfig{Store: store, Channel: "telegram", PollInterval: 20 * time.Millisecond, AutoAck: true, Logger: quietLogger()})
	runCtx, cancel := context.WithCancel(ctx)
	var seen []int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(runCtx, func(_ context.Context, wk persistence.Wake) error {
			seen = append(seen, wk.ID)
			cancel()
			return nil
		})
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatal("watcher did not deliver")
	}
	if len(seen) != 1 || seen[0] != tg.ID {
		t.Fatalf("expected only the telegram wake, got %v", seen)
	}
	got, err := store.GetWake(ctx, internal.ID)
	if err != nil {
		t.Fatalf("get wake: %v", err)
	}
	if got.AckedAt != nil {
		t.Fatal("wake on another channel must stay pending")
	}
}
