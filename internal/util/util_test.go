package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryIfStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("rejected")
	attempts := 0

	err := RetryIf(context.Background(), 5, 0, func() error {
		attempts++
		return fatal
	}, func(err error) bool {
		return !errors.Is(err, fatal)
	})

	if !errors.Is(err, fatal) {
		t.Fatalf("RetryIf err = %v, want the non-retryable error", err)
	}
	if attempts != 1 {
		t.Errorf("RetryIf called fn %d times, want 1", attempts)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait should not block: %v", err)
	}
}

func TestTradingCalendar(t *testing.T) {
	cal := NewTradingCalendar()

	// Wednesday 2026-01-07 13:00 ET is mid-session.
	midSession := time.Date(2026, 1, 7, 13, 0, 0, 0, nyse)
	if !cal.IsMarketOpen(midSession) {
		t.Error("13:00 ET on a Wednesday should be open")
	}

	// 08:00 ET the same day is pre-market.
	preMarket := time.Date(2026, 1, 7, 8, 0, 0, 0, nyse)
	if cal.IsMarketOpen(preMarket) {
		t.Error("08:00 ET should be closed")
	}
	wantOpen := time.Date(2026, 1, 7, 9, 30, 0, 0, nyse)
	if got := cal.NextOpen(preMarket); !got.Equal(wantOpen) {
		t.Errorf("NextOpen = %v, want %v", got, wantOpen)
	}

	// Saturday rolls forward to Monday's open.
	saturday := time.Date(2026, 1, 10, 12, 0, 0, 0, nyse)
	if cal.IsMarketOpen(saturday) {
		t.Error("Saturday should be closed")
	}
	monOpen := time.Date(2026, 1, 12, 9, 30, 0, 0, nyse)
	if got := cal.NextOpen(saturday); !got.Equal(monOpen) {
		t.Errorf("NextOpen from Saturday = %v, want %v", got, monOpen)
	}

	// After Friday's close the next close is Monday's.
	afterClose := time.Date(2026, 1, 9, 17, 0, 0, 0, nyse)
	monClose := time.Date(2026, 1, 12, 16, 0, 0, 0, nyse)
	if got := cal.NextClose(afterClose); !got.Equal(monClose) {
		t.Errorf("NextClose after Friday close = %v, want %v", got, monClose)
	}
}

func TestTradingCalendarDayStart(t *testing.T) {
	cal := NewTradingCalendar()

	// 01:00 UTC on Jan 7 is still the evening of Jan 6 in New York; the
	// trading day starts at Eastern midnight, not the UTC one.
	evening := time.Date(2026, 1, 7, 1, 0, 0, 0, time.UTC)
	want := time.Date(2026, 1, 6, 0, 0, 0, 0, nyse)
	if got := cal.DayStart(evening); !got.Equal(want) {
		t.Errorf("DayStart = %v, want %v", got, want)
	}

	midDay := time.Date(2026, 1, 7, 13, 0, 0, 0, nyse)
	want = time.Date(2026, 1, 7, 0, 0, 0, 0, nyse)
	if got := cal.DayStart(midDay); !got.Equal(want) {
		t.Errorf("DayStart mid-session = %v, want %v", got, want)
	}
}
