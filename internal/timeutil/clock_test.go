package timeutil

import (
	"sync"
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	before := time.Now()
	now := RealClock{}.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, want between %v and %v", now, before, after)
	}
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	clock := NewMockClock(start)

	if !clock.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", clock.Now(), start)
	}

	clock.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !clock.Now().Equal(want) {
		t.Errorf("after Advance: Now() = %v, want %v", clock.Now(), want)
	}

	// Repeated reads must not drift.
	if !clock.Now().Equal(clock.Now()) {
		t.Error("mock clock moved between reads")
	}
}

func TestMockClockSet(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	target := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	clock.Set(target)
	if !clock.Now().Equal(target) {
		t.Errorf("Now() = %v, want %v", clock.Now(), target)
	}
}

func TestMockClockConcurrent(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Advance(time.Millisecond)
				_ = clock.Now()
			}
		}()
	}
	wg.Wait()

	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(800 * time.Millisecond)
	if !clock.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v after 800 advances", clock.Now(), want)
	}
}
