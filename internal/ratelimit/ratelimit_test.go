package ratelimit

import (
	"testing"
	"time"
)

func TestAllowRejectsAfterPerMinuteThreshold(t *testing.T) {
	cfg := Config{PerMinute: 5, PerHour: 1000, BurstPerSec: 1000, Burst: 1000}
	l := New(cfg)
	key := Key{ClientID: "client-a", Operation: "goto"}
	base := time.Now()

	for i := 0; i < 5; i++ {
		if !l.AllowAt(key, base.Add(time.Duration(i)*time.Millisecond)) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.AllowAt(key, base.Add(6*time.Millisecond)) {
		t.Fatal("6th request within the minute window should be rejected")
	}
}

func TestDifferentOperationClassesAreIndependent(t *testing.T) {
	cfg := Config{PerMinute: 1, PerHour: 1000, BurstPerSec: 1000, Burst: 1000}
	l := New(cfg)
	base := time.Now()

	if !l.AllowAt(Key{ClientID: "c", Operation: "goto"}, base) {
		t.Fatal("first goto should be allowed")
	}
	if l.AllowAt(Key{ClientID: "c", Operation: "goto"}, base.Add(time.Millisecond)) {
		t.Fatal("second goto in the same window should be rejected")
	}
	if !l.AllowAt(Key{ClientID: "c", Operation: "click"}, base.Add(time.Millisecond)) {
		t.Fatal("click is a different operation class and should be allowed")
	}
}

func TestWindowExpiryAllowsAgain(t *testing.T) {
	cfg := Config{PerMinute: 1, PerHour: 1000, BurstPerSec: 1000, Burst: 1000}
	l := New(cfg)
	key := Key{ClientID: "c", Operation: "goto"}
	base := time.Now()

	if !l.AllowAt(key, base) {
		t.Fatal("first request should be allowed")
	}
	if !l.AllowAt(key, base.Add(time.Minute+time.Second)) {
		t.Fatal("request after the minute window expires should be allowed")
	}
}

func TestUpdateConfigRaisesAndLowersThresholds(t *testing.T) {
	l := New(Config{PerMinute: 1, PerHour: 1000, BurstPerSec: 1000, Burst: 1000})
	key := Key{ClientID: "c", Operation: "goto"}
	base := time.Now()

	if !l.AllowAt(key, base) {
		t.Fatal("first request should be allowed")
	}
	if l.AllowAt(key, base.Add(time.Millisecond)) {
		t.Fatal("second request should be rejected under the original PerMinute=1 cap")
	}

	l.UpdateConfig(Config{PerMinute: 5, PerHour: 1000, BurstPerSec: 1000, Burst: 1000})

	if !l.AllowAt(key, base.Add(2*time.Millisecond)) {
		t.Fatal("request should be allowed once PerMinute is raised, even against an existing bucket")
	}
}

func TestCountInWindowMatchesAllowedRequests(t *testing.T) {
	cfg := Config{PerMinute: 100, PerHour: 1000, BurstPerSec: 1000, Burst: 1000}
	l := New(cfg)
	key := Key{ClientID: "c", Operation: "goto"}
	base := time.Now()

	for i := 0; i < 3; i++ {
		l.AllowAt(key, base.Add(time.Duration(i)*time.Millisecond))
	}
	if n := l.CountInWindow(key, time.Minute); n != 3 {
		t.Fatalf("CountInWindow = %d, want 3", n)
	}
}
