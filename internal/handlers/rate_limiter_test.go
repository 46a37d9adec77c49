package handlers

import (
	"testing"
	"time"
)

func TestShopRateLimiterRefillsOverWindow(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := newShopRateLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("shop_1") || !limiter.Allow("shop_1") {
		t.Fatalf("expected first two calls to pass")
	}
	if limiter.Allow("shop_1") {
		t.Fatalf("expected third call in window to be limited")
	}
	if !limiter.Allow("shop_2") {
		t.Fatalf("expected separate key to have its own budget")
	}

	now = now.Add(31 * time.Second)
	if !limiter.Allow("shop_1") {
		t.Fatalf("expected one token back after half the window elapsed")
	}
	if limiter.Allow("shop_1") {
		t.Fatalf("expected the refilled token to be spent")
	}

	now = now.Add(61 * time.Second)
	if !limiter.Allow("shop_1") || !limiter.Allow("shop_1") {
		t.Fatalf("expected full budget after the window")
	}
}

func TestShopRateLimiterEvictsIdleShops(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := newShopRateLimiter(1, time.Minute, func() time.Time { return now }).(*shopRateLimiter)

	limiter.Allow("shop_1")
	now = now.Add(2 * time.Minute)
	limiter.Allow("shop_2")

	if _, ok := limiter.buckets["shop_1"]; ok {
		t.Fatalf("expected idle bucket to be evicted")
	}
	if len(limiter.buckets) != 1 {
		t.Fatalf("expected one live bucket, got %d", len(limiter.buckets))
	}
}

func TestShopRateLimiterDisabled(t *testing.T) {
	if limiter := newShopRateLimiter(0, time.Minute, nil); limiter != nil {
		t.Fatalf("expected nil limiter for zero limit")
	}
}
