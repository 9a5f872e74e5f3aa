package infra

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(3, 1000)

	for i := 0; i < 3; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("acquire %d within burst should succeed", i)
		}
	}
}

func TestRateLimiter_Exhausted(t *testing.T) {
	rl := NewRateLimiter(1, 0.001) // effectively no refill during the test

	if !rl.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if rl.TryAcquire() {
		t.Fatal("second acquire should fail, bucket empty")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(1, 100) // 100 tokens/s

	if !rl.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	time.Sleep(25 * time.Millisecond) // ~2.5 tokens refilled, capped at 1
	if !rl.TryAcquire() {
		t.Fatal("acquire after refill window should succeed")
	}
}

func TestRateLimiter_WaitContextCancel(t *testing.T) {
	rl := NewRateLimiter(1, 0.001)
	rl.TryAcquire() // drain

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Fatal("Wait should fail when ctx expires before a token frees up")
	}
}
