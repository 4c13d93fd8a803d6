// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package udp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"sync"
	"time"
)

// connectionIDGenerator issues and validates the 64-bit connection-ids
// BEP 15 uses to prove a client can receive at its claimed address,
// without the server keeping any per-client state: the id is an HMAC of
// the client's IP and the current hour bucket, so it can be recomputed
// and checked on every packet. The secret itself rotates on a timer
// (spec.md §5); the previous secret is kept for one additional interval
// so ids issued right before a rotation still verify.
type connectionIDGenerator struct {
	mu       sync.RWMutex
	current  []byte
	previous []byte

	stop chan struct{}
	done chan struct{}
}

func newSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// newConnectionIDGenerator returns a generator whose secret rotates every
// interval. interval <= 0 disables rotation (the initial secret is kept
// for the life of the generator).
func newConnectionIDGenerator(interval time.Duration) (*connectionIDGenerator, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	g := &connectionIDGenerator{
		current: secret,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if interval > 0 {
		go g.rotateEvery(interval)
	} else {
		close(g.done)
	}
	return g, nil
}

func (g *connectionIDGenerator) rotateEvery(interval time.Duration) {
	defer close(g.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			secret, err := newSecret()
			if err != nil {
				continue
			}
			g.mu.Lock()
			g.previous = g.current
			g.current = secret
			g.mu.Unlock()
		}
	}
}

// Close stops the rotation goroutine, if any, and waits for it to exit.
func (g *connectionIDGenerator) Close() {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	<-g.done
}

func hourBucket(now time.Time) int64 {
	return now.Unix() / 3600
}

func sign(secret []byte, ip net.IP, bucket int64) uint64 {
	mac := hmac.New(sha256.New, secret)
	mac.Write(ip.To16())
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bucket))
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Issue returns a fresh connection-id for ip, valid as of now, always
// signed with the current secret.
func (g *connectionIDGenerator) Issue(ip net.IP, now time.Time) uint64 {
	g.mu.RLock()
	secret := g.current
	g.mu.RUnlock()
	return sign(secret, ip, hourBucket(now))
}

// Valid reports whether id was issued to ip within the current or
// previous hour bucket (spec.md §4.4's two-hour validity window), under
// either the current or the immediately-prior secret (spec.md §5's
// one-interval grace period across a rotation).
func (g *connectionIDGenerator) Valid(id uint64, ip net.IP, now time.Time) bool {
	g.mu.RLock()
	current, previous := g.current, g.previous
	g.mu.RUnlock()

	bucket := hourBucket(now)
	if id == sign(current, ip, bucket) || id == sign(current, ip, bucket-1) {
		return true
	}
	if previous == nil {
		return false
	}
	return id == sign(previous, ip, bucket) || id == sign(previous, ip, bucket-1)
}
