// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package models

import (
	"sort"
	"time"
)

// TorrentEntry is the per info-hash record (C3): the set of currently
// announcing seeds and peers, plus the monotonic completed counter.
//
// A peer-id is present in at most one of Seeds/Peers at any time; moving
// a peer between the two buckets on a state change is always performed
// under the owning shard's lock so readers never observe it in both.
type TorrentEntry struct {
	Seeds   map[PeerID]*TorrentPeer
	Peers   map[PeerID]*TorrentPeer
	Completed uint64
	Updated   time.Time
}

// NewTorrentEntry returns an empty torrent entry seeded with the given
// completed count, used when replaying persisted state at boot.
func NewTorrentEntry(completed uint64) *TorrentEntry {
	return &TorrentEntry{
		Seeds:     make(map[PeerID]*TorrentPeer),
		Peers:     make(map[PeerID]*TorrentPeer),
		Completed: completed,
	}
}

// PeerCount returns the total number of peers connected to this torrent.
func (t *TorrentEntry) PeerCount() int {
	return len(t.Seeds) + len(t.Peers)
}

// Clone returns a deep copy of the torrent entry, safe to hand to readers
// outside the torrent store's shard lock.
func (t *TorrentEntry) Clone() *TorrentEntry {
	clone := &TorrentEntry{
		Seeds:     make(map[PeerID]*TorrentPeer, len(t.Seeds)),
		Peers:     make(map[PeerID]*TorrentPeer, len(t.Peers)),
		Completed: t.Completed,
		Updated:   t.Updated,
	}
	for id, p := range t.Seeds {
		cp := *p
		clone.Seeds[id] = &cp
	}
	for id, p := range t.Peers {
		cp := *p
		clone.Peers[id] = &cp
	}
	return clone
}

// orderedPeerIDs returns the keys of a peer bucket in the store's native
// ordering: byte-wise on the peer-id. This gives stable, reproducible
// responses for identical swarm states (spec.md §4.3 tie-break rule).
func orderedPeerIDs(m map[PeerID]*TorrentPeer) []PeerID {
	ids := make([]PeerID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// SelectPeers returns up to wanted peers from this torrent for the given
// family, preferring Peers (leechers) over Seeds, skipping the announcing
// peer-id itself. The selection is a deterministic prefix of the ordered
// map.
func (t *TorrentEntry) SelectPeers(exclude PeerID, wanted int, wantIPv4 bool) []TorrentPeer {
	if wanted <= 0 {
		return nil
	}
	out := make([]TorrentPeer, 0, wanted)
	take := func(m map[PeerID]*TorrentPeer) {
		for _, id := range orderedPeerIDs(m) {
			if len(out) >= wanted {
				return
			}
			if id == exclude {
				continue
			}
			p := m[id]
			if p.PeerAddr.IsIPv4() != wantIPv4 {
				continue
			}
			out = append(out, *p)
		}
	}
	take(t.Peers)
	take(t.Seeds)
	return out
}
