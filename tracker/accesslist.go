// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package tracker

import (
	"sync"
	"time"

	"github.com/torrtrack/chihaya/stats"
	"github.com/torrtrack/chihaya/tracker/models"
)

// HashSet is the C4 whitelist/blacklist store: a concurrent set of
// info-hashes with a parallel journal, used for both the torrent
// whitelist and the torrent blacklist.
type HashSet struct {
	mu       sync.RWMutex
	entries  map[models.InfoHash]struct{}
	journal  *HashJournal
	removeOK bool
}

// NewHashSet returns an empty set. removeAction controls whether Remove
// records a Remove journal entry or only drops any pending journal entry
// for the hash, flushed or not (spec.md §4.2).
func NewHashSet(removeAction bool) *HashSet {
	return &HashSet{
		entries:  make(map[models.InfoHash]struct{}),
		journal:  NewHashJournal(),
		removeOK: removeAction,
	}
}

// Journal exposes the set's dirty entries to the persistence pipeline.
func (s *HashSet) Journal() *HashJournal { return s.journal }

// Add inserts h, returning whether it was previously absent.
func (s *HashSet) Add(h models.InfoHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[h]; exists {
		return false
	}
	s.entries[h] = struct{}{}
	s.journal.Record(h, models.Add)
	return true
}

// Remove deletes h, returning whether it was present.
func (s *HashSet) Remove(h models.InfoHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[h]; !exists {
		return false
	}
	delete(s.entries, h)
	if s.removeOK {
		s.journal.Record(h, models.Remove)
	} else {
		s.journal.Forget(h)
	}
	return true
}

// Contains reports whether h is a member of the set.
func (s *HashSet) Contains(h models.InfoHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.entries[h]
	return exists
}

// Len reports the number of entries.
func (s *HashSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns every member, for serving the admin list endpoints.
func (s *HashSet) Snapshot() []models.InfoHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.InfoHash, 0, len(s.entries))
	for h := range s.entries {
		out = append(out, h)
	}
	return out
}

// LoadAll replaces the set's contents wholesale, used to replay persisted
// state at boot. It does not touch the journal.
func (s *HashSet) LoadAll(hashes []models.InfoHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[models.InfoHash]struct{}, len(hashes))
	for _, h := range hashes {
		s.entries[h] = struct{}{}
	}
}

// KeyStore is the C4 pre-shared key store: an info-hash-shaped key mapped
// to an absolute expiry, with a background sweep for expired entries.
type KeyStore struct {
	mu      sync.RWMutex
	entries map[models.InfoHash]models.KeyEntry
	journal *HashJournal
}

// NewKeyStore returns an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		entries: make(map[models.InfoHash]models.KeyEntry),
		journal: NewHashJournal(),
	}
}

// Journal exposes the store's dirty entries to the persistence pipeline.
func (s *KeyStore) Journal() *HashJournal { return s.journal }

// Put inserts or updates a key's expiry.
func (s *KeyStore) Put(key models.InfoHash, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.entries[key]
	s.entries[key] = models.KeyEntry{Expiry: expiry}
	if existed {
		s.journal.Record(key, models.Update)
	} else {
		s.journal.Record(key, models.Add)
	}
}

// Remove deletes a key, returning whether it was present.
func (s *KeyStore) Remove(key models.InfoHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists {
		return false
	}
	delete(s.entries, key)
	s.journal.Record(key, models.Remove)
	return true
}

// Valid reports whether key exists and has not yet expired.
func (s *KeyStore) Valid(key models.InfoHash, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.entries[key]
	return exists && entry.Valid(now)
}

// Get returns the current entry for key, for the persistence pipeline to
// read the expiry it should write at drain time.
func (s *KeyStore) Get(key models.InfoHash) (models.KeyEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.entries[key]
	return entry, exists
}

// Len reports the number of keys currently stored, expired or not.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// LoadAll replaces the store's contents wholesale at boot. It does not
// touch the journal.
func (s *KeyStore) LoadAll(entries map[models.InfoHash]models.KeyEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[models.InfoHash]models.KeyEntry, len(entries))
	for k, v := range entries {
		s.entries[k] = v
	}
}

// SweepExpired removes every key whose expiry has passed, recording a
// Remove journal entry for each. Run periodically by the C10 scheduler.
func (s *KeyStore) SweepExpired(now time.Time) (removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, entry := range s.entries {
		if !entry.Valid(now) {
			delete(s.entries, k)
			s.journal.Record(k, models.Remove)
			removed++
			stats.RecordEvent(stats.KeyUpdates)
		}
	}
	return removed
}
