// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package tracker

import (
	"net"
	"testing"
	"time"

	"github.com/torrtrack/chihaya/tracker/models"
)

func mustPeerID(b byte) models.PeerID {
	var id models.PeerID
	id[0] = b
	return id
}

func TestStoreAnnounceFirstTimeLeecherIsCreatedAndCounted(t *testing.T) {
	s := NewStore(1)
	h := models.InfoHash{1}
	peerID := mustPeerID(1)
	addr := models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 6881}

	res, err := s.Announce(h, peerID, addr, 0, 0, 1000, models.Started, time.Now(), true, 50, nil)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if !res.Created {
		t.Fatal("want torrent created on first announce")
	}
	if res.Incomplete != 1 || res.Complete != 0 {
		t.Fatalf("want 1 leecher 0 seeds, got incomplete=%d complete=%d", res.Incomplete, res.Complete)
	}
}

func TestStoreAnnounceCompletedMovesLeecherToSeedAndIncrementsCounter(t *testing.T) {
	s := NewStore(1)
	h := models.InfoHash{1}
	peerID := mustPeerID(1)
	addr := models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 6881}
	now := time.Now()

	s.Announce(h, peerID, addr, 0, 0, 1000, models.Started, now, true, 0, nil)
	res, err := s.Announce(h, peerID, addr, 0, 1000, 0, models.Completed, now, true, 0, nil)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if res.Complete != 1 || res.Incomplete != 0 {
		t.Fatalf("want peer moved to seeds, got complete=%d incomplete=%d", res.Complete, res.Incomplete)
	}
	if res.Completed != 1 {
		t.Fatalf("want Completed counter at 1, got %d", res.Completed)
	}
}

func TestStoreAnnounceCompletedCounterIsMonotonic(t *testing.T) {
	s := NewStore(1)
	h := models.InfoHash{1}
	addr := models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 6881}
	now := time.Now()

	for i := byte(0); i < 3; i++ {
		s.Announce(h, mustPeerID(i), addr, 0, 1000, 0, models.Completed, now, true, 0, nil)
	}

	entry, _ := s.GetTorrent(h)
	if entry.Completed != 3 {
		t.Fatalf("want Completed=3 after three distinct completions, got %d", entry.Completed)
	}
}

func TestStoreAnnounceStopRemovesFromBothBuckets(t *testing.T) {
	s := NewStore(1)
	h := models.InfoHash{1}
	peerID := mustPeerID(1)
	addr := models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 6881}
	now := time.Now()

	s.Announce(h, peerID, addr, 0, 0, 1000, models.Started, now, true, 0, nil)
	res, err := s.Announce(h, peerID, addr, 0, 0, 1000, models.Stopped, now, true, 0, nil)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if res.Complete != 0 || res.Incomplete != 0 {
		t.Fatalf("want peer removed entirely after stop, got complete=%d incomplete=%d", res.Complete, res.Incomplete)
	}
}

func TestStoreAnnouncePeerNeverInBothBucketsAtOnce(t *testing.T) {
	s := NewStore(1)
	h := models.InfoHash{1}
	peerID := mustPeerID(1)
	addr := models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 6881}
	now := time.Now()

	s.Announce(h, peerID, addr, 0, 0, 1000, models.Started, now, true, 0, nil)
	s.Announce(h, peerID, addr, 0, 1000, 0, models.None, now, true, 0, nil) // left=0 -> becomes a seed

	entry, _ := s.GetTorrent(h)
	_, inPeers := entry.Peers[peerID]
	_, inSeeds := entry.Seeds[peerID]
	if inPeers && inSeeds {
		t.Fatal("peer-id present in both Seeds and Peers")
	}
	if !inSeeds {
		t.Fatal("want peer moved to Seeds once left reaches 0")
	}
}

func TestStoreAnnounceRejectsUnknownTorrentWithoutCreateOnAnnounce(t *testing.T) {
	s := NewStore(1)
	h := models.InfoHash{1}
	addr := models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 6881}

	_, err := s.Announce(h, mustPeerID(1), addr, 0, 0, 1000, models.Started, time.Now(), false, 0, nil)
	if err != models.ErrTorrentDNE {
		t.Fatalf("want ErrTorrentDNE, got %v", err)
	}
}

func TestStoreCleanPeersReapsStalePeers(t *testing.T) {
	s := NewStore(1)
	h := models.InfoHash{1}
	addr := models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 6881}
	old := time.Now().Add(-time.Hour)

	s.Announce(h, mustPeerID(1), addr, 0, 0, 1000, models.Started, old, true, 0, nil)

	reaped := s.CleanPeers(time.Now(), 30*time.Minute)
	if reaped != 1 {
		t.Fatalf("want 1 peer reaped, got %d", reaped)
	}

	entry, _ := s.GetTorrent(h)
	if entry.PeerCount() != 0 {
		t.Fatalf("want torrent empty after reap, got %d peers", entry.PeerCount())
	}
}

func TestStoreShardsPartitionDistinctInfoHashes(t *testing.T) {
	s := NewStore(8)
	for i := byte(0); i < 32; i++ {
		s.AddTorrent(models.InfoHash{i}, 0)
	}
	if s.Len() != 32 {
		t.Fatalf("want 32 torrents across shards, got %d", s.Len())
	}
}
