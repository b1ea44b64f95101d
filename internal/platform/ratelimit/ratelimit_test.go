package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BurstThenRefill(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if !l.Allow("u1", now) || !l.Allow("u1", now) {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("u1", now) {
		t.Fatal("third immediate request should be limited")
	}
	if !l.Allow("u1", now.Add(time.Second)) {
		t.Fatal("request after refill window should be allowed")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if !l.Allow("u1", now) {
		t.Fatal("first u1 request should pass")
	}
	if !l.Allow("u2", now) {
		t.Fatal("u2 must not share u1's bucket")
	}
}

func TestAllow_NilAndEmptyKeyPass(t *testing.T) {
	var l *KeyLimiter
	if !l.Allow("u1", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	if !New(1, 1, time.Minute).Allow("  ", time.Now()) {
		t.Fatal("blank key must allow")
	}
}
