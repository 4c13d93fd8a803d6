// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package udp

import (
	"net"
	"testing"
	"time"
)

func newTestGenerator(t *testing.T) *connectionIDGenerator {
	t.Helper()
	// A long interval keeps rotation out of the way of the hour-bucket
	// tests below; rotation itself is covered separately.
	g, err := newConnectionIDGenerator(time.Hour)
	if err != nil {
		t.Fatalf("newConnectionIDGenerator: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func TestConnectionIDValidImmediatelyAfterIssue(t *testing.T) {
	g := newTestGenerator(t)
	ip := net.ParseIP("192.0.2.1")
	now := time.Unix(1000*3600, 0)

	id := g.Issue(ip, now)
	if !g.Valid(id, ip, now) {
		t.Fatal("want a freshly issued id to validate immediately")
	}
}

func TestConnectionIDValidWithinPreviousHourBucket(t *testing.T) {
	g := newTestGenerator(t)
	ip := net.ParseIP("192.0.2.1")
	issuedAt := time.Unix(1000*3600, 0)

	id := g.Issue(ip, issuedAt)
	later := issuedAt.Add(90 * time.Minute)
	if !g.Valid(id, ip, later) {
		t.Fatal("want id to stay valid within the two-hour window")
	}
}

func TestConnectionIDInvalidAfterTwoHourBuckets(t *testing.T) {
	g := newTestGenerator(t)
	ip := net.ParseIP("192.0.2.1")
	issuedAt := time.Unix(1000*3600, 0)

	id := g.Issue(ip, issuedAt)
	later := issuedAt.Add(3 * time.Hour)
	if g.Valid(id, ip, later) {
		t.Fatal("want id to expire after the two-hour window")
	}
}

func TestConnectionIDInvalidForDifferentIP(t *testing.T) {
	g := newTestGenerator(t)
	now := time.Unix(1000*3600, 0)

	id := g.Issue(net.ParseIP("192.0.2.1"), now)
	if g.Valid(id, net.ParseIP("192.0.2.2"), now) {
		t.Fatal("want id issued to one IP to be invalid for another")
	}
}

func TestConnectionIDDisjointAcrossGenerators(t *testing.T) {
	a := newTestGenerator(t)
	b := newTestGenerator(t)
	ip := net.ParseIP("192.0.2.1")
	now := time.Unix(1000*3600, 0)

	id := a.Issue(ip, now)
	if b.Valid(id, ip, now) {
		t.Fatal("want ids from distinct secrets never to cross-validate")
	}
}

func TestConnectionIDValidThroughOneRotation(t *testing.T) {
	g, err := newConnectionIDGenerator(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("newConnectionIDGenerator: %v", err)
	}
	t.Cleanup(g.Close)

	ip := net.ParseIP("192.0.2.1")
	now := time.Unix(1000*3600, 0)
	id := g.Issue(ip, now)

	// Halfway between the first rotation (100ms) and the second (200ms).
	time.Sleep(150 * time.Millisecond)
	if !g.Valid(id, ip, now) {
		t.Fatal("want id issued under the previous secret to stay valid for one more interval")
	}
}

func TestConnectionIDInvalidAfterTwoRotations(t *testing.T) {
	g, err := newConnectionIDGenerator(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("newConnectionIDGenerator: %v", err)
	}
	t.Cleanup(g.Close)

	ip := net.ParseIP("192.0.2.1")
	now := time.Unix(1000*3600, 0)
	id := g.Issue(ip, now)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		if !g.Valid(id, ip, now) {
			return
		}
	}
	t.Fatal("want id to eventually expire after its secret rotates out of the current/previous pair")
}

func TestConnectionIDNoRotationWhenIntervalZero(t *testing.T) {
	g, err := newConnectionIDGenerator(0)
	if err != nil {
		t.Fatalf("newConnectionIDGenerator: %v", err)
	}
	t.Cleanup(g.Close)

	ip := net.ParseIP("192.0.2.1")
	now := time.Unix(1000*3600, 0)
	id := g.Issue(ip, now)

	time.Sleep(20 * time.Millisecond)
	if !g.Valid(id, ip, now) {
		t.Fatal("want a zero interval to disable rotation entirely")
	}
}
