package process

import (
	"net"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	// create rate limiter with 10 connections per second, burst of 5
	rl := newRateLimiter(10, 5)
	rl.start(ctx)

	peer := "192.0.2.7"

	// should allow burst requests immediately
	for i := range 5 {
		if !rl.allow(peer) {
			t.Errorf("connection %d should be allowed (within burst)", i+1)
		}
	}

	// next request should be denied (burst exhausted)
	if rl.allow(peer) {
		t.Error("connection should be denied after burst exhausted")
	}
}

func TestRateLimiterMultiplePeers(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	// create rate limiter with 10 connections per second, burst of 3
	rl := newRateLimiter(10, 3)
	rl.start(ctx)

	peer1 := "192.0.2.1"
	peer2 := "192.0.2.2"

	// each peer should have independent rate limits
	for i := range 3 {
		if !rl.allow(peer1) {
			t.Errorf("peer1 connection %d should be allowed", i+1)
		}
		if !rl.allow(peer2) {
			t.Errorf("peer2 connection %d should be allowed", i+1)
		}
	}

	// both peers should be rate limited now
	if rl.allow(peer1) {
		t.Error("peer1 should be rate limited")
	}
	if rl.allow(peer2) {
		t.Error("peer2 should be rate limited")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	// create rate limiter with short TTL and cleanup interval for testing
	rl := newRateLimiter(10, 5)
	rl.bucketTTL = 50 * time.Millisecond
	rl.cleanupInterval = 100 * time.Millisecond
	rl.start(ctx)

	peer := "192.0.2.7"

	// create a bucket
	rl.allow(peer)

	// check bucket exists
	rl.mu.Lock()
	if len(rl.limiters) != 1 {
		t.Errorf("expected 1 bucket, got %d", len(rl.limiters))
	}
	rl.mu.Unlock()

	// wait for cleanup to remove inactive bucket
	time.Sleep(200 * time.Millisecond)

	rl.mu.Lock()
	bucketCount := len(rl.limiters)
	rl.mu.Unlock()

	if bucketCount != 0 {
		t.Errorf("expected 0 buckets after cleanup, got %d", bucketCount)
	}
}

func TestLimitedListenerRefusesFloods(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer inner.Close()

	rl := newRateLimiter(1, 2)
	rl.start(ctx)

	ln := limitListener(inner, rl)

	accepted := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(accepted)
				return
			}
			accepted <- conn
		}
	}()

	// within burst: both connections come through
	for range 2 {
		conn, err := net.Dial("tcp", inner.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()

		select {
		case c := <-accepted:
			defer c.Close()
		case <-time.After(2 * time.Second):
			t.Fatal("connection within burst was not accepted")
		}
	}

	// over burst: refused with a 421 and closed
	conn, err := net.Dial("tcp", inner.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, 64)
	n, _ := conn.Read(buf)
	if n == 0 {
		t.Fatal("refused connection should receive a reply before close")
	}
	if got := string(buf[:3]); got != "421" {
		t.Errorf("refused connection got %q, want a 421", string(buf[:n]))
	}
}
