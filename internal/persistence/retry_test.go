package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"driver busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"driver locked wrapped", fmt.Errorf("claim: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"driver constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"flattened message", fmt.Errorf("begin claim tx: %v", "database is locked"), true},
		{"sentinel", fmt.Errorf("task 5: %w", ErrInvalidTransition), false},
		{"other", errors.New("no such table: tasks"), false},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.want {
			t.Fatalf("%s: isSQLiteBusy(%v) = %v, want %v", tt.name, tt.err, got, tt.want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}) {
		t.Fatal("unique extended code not detected")
	}
	if isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}) {
		t.Fatal("foreign key violation reported as unique")
	}
	if isUniqueViolation(nil) {
		t.Fatal("nil reported as unique violation")
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	tests := []struct {
		name       string
		maxRetries int
		failures   int // calls returning busy before success; -1 = always
		other      error
		wantCalls  int
		wantErr    bool
	}{
		{name: "first try", maxRetries: 3, wantCalls: 1},
		{name: "busy then ok", maxRetries: 3, failures: 2, wantCalls: 3},
		{name: "exhausted", maxRetries: 2, failures: -1, wantCalls: 3, wantErr: true},
		{name: "non-busy not retried", maxRetries: 3, other: errors.New("syntax error"), wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		calls := 0
		err := retryOnBusy(context.Background(), tt.maxRetries, func() error {
			calls++
			if tt.other != nil {
				return tt.other
			}
			if tt.failures < 0 || calls <= tt.failures {
				return busy
			}
			return nil
		})
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if calls != tt.wantCalls {
			t.Fatalf("%s: calls = %d, want %d", tt.name, calls, tt.wantCalls)
		}
	}
}

func TestRetryOnBusy_ContextCanceledStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retry after cancel, got %d calls", calls)
	}
}

func TestBusyDelay_Bounds(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		base := min(busyBaseDelay<<attempt, busyMaxDelay)
		if attempt >= 4 {
			base = busyMaxDelay
		}
		for i := 0; i < 50; i++ {
			d := busyDelay(attempt)
			if d < base*3/4 || d >= base*5/4 {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", attempt, d, base*3/4, base*5/4)
			}
		}
	}
}

func TestDSN_CarriesPragmas(t *testing.T) {
	got := dsn("/tmp/atlas.db")
	for _, want := range []string{"_busy_timeout=5000", "_foreign_keys=on", "_journal_mode=WAL", "_synchronous=FULL", "_txlock=immediate"} {
		if !strings.Contains(got, want) {
			t.Fatalf("dsn %q missing %s", got, want)
		}
	}
}

func TestRetryOnBusy_SentinelNotRetried(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 5, func() error {
		calls++
		return fmt.Errorf("complete task 4: %w", ErrInvalidTransition)
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("guarded no-op must not be retried, got %d calls", calls)
	}
}
