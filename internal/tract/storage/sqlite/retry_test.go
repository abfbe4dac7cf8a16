package sqlite

import (
	"errors"
	"testing"
	"time"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"database is locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"SQLITE_BUSY", errors.New("SQLITE_BUSY"), true},
		{"other error", errors.New("no such table: density_runs"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.expected {
				t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	busyErr := errors.New("database is locked (5) (SQLITE_BUSY)")

	t.Run("success on first try", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return nil
		})
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("success after retry", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return busyErr
			}
			return nil
		})
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		testErr := errors.New("no such table")
		err := retryOnBusy(func() error {
			calls++
			return testErr
		})
		if err != testErr {
			t.Errorf("expected error %v, got %v", testErr, err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return busyErr
		})
		if err == nil {
			t.Error("expected error, got nil")
		}
		if calls != busyMaxAttempts {
			t.Errorf("expected %d calls, got %d", busyMaxAttempts, calls)
		}
	})

	t.Run("backoff doubles between attempts", func(t *testing.T) {
		calls := 0
		var delays []time.Duration
		last := time.Now()

		err := retryOnBusy(func() error {
			now := time.Now()
			if calls > 0 {
				delays = append(delays, now.Sub(last))
			}
			last = now
			calls++
			if calls < 3 {
				return busyErr
			}
			return nil
		})
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if len(delays) != 2 {
			t.Fatalf("expected 2 delays, got %d", len(delays))
		}

		// Generous tolerance; scheduler jitter makes exact timing flaky.
		if delays[0] < 5*time.Millisecond || delays[0] > 30*time.Millisecond {
			t.Errorf("first delay should be ~10ms, got %v", delays[0])
		}
		if delays[1] < 10*time.Millisecond || delays[1] > 60*time.Millisecond {
			t.Errorf("second delay should be ~20ms, got %v", delays[1])
		}
	})
}
