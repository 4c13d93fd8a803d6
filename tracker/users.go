// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torrtrack/chihaya/stats"
	"github.com/torrtrack/chihaya/tracker/models"
)

// UserStore is the C5 per-user accounting store: a concurrent map of
// access key to UserEntryItem, with a parallel journal for persistence.
type UserStore struct {
	mu      sync.RWMutex
	users   map[models.UserID]*models.UserEntryItem
	journal *UserJournal
}

// NewUserStore returns an empty user store.
func NewUserStore() *UserStore {
	return &UserStore{
		users:   make(map[models.UserID]*models.UserEntryItem),
		journal: NewUserJournal(),
	}
}

// Journal exposes the store's dirty entries to the persistence pipeline.
func (s *UserStore) Journal() *UserJournal { return s.journal }

// Get returns a consistent snapshot of a user entry.
func (s *UserStore) Get(key models.UserID) (*models.UserEntryItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, exists := s.users[key]
	if !exists {
		return nil, false
	}
	return u.Clone(), true
}

// Put inserts or replaces a user entry wholesale, used to replay persisted
// state at boot. It does not touch the journal.
func (s *UserStore) Put(u *models.UserEntryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Key] = u
}

// LoadAll replaces the store's contents wholesale at boot.
func (s *UserStore) LoadAll(entries []*models.UserEntryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[models.UserID]*models.UserEntryItem, len(entries))
	for _, u := range entries {
		s.users[u.Key] = u
	}
}

// Len reports the number of known users.
func (s *UserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Account applies the upload/download deltas of a successful announce to
// the user keyed by key, tracking the torrent as active or inactive
// depending on the announce event (spec.md §4.3 "User accounting"). The
// caller computes uploadedDelta/downloadedDelta from the difference
// between the announce's cumulative totals and the previous TorrentPeer
// record, since the per-torrent prior totals live in the C3 store, not
// here.
//
// Returns false if the key does not resolve to a known user (the caller
// should treat this the same as ErrInvalidKey when user accounting is
// mandatory).
func (s *UserStore) Account(key models.UserID, h models.InfoHash, uploadedDelta, downloadedDelta uint64, event models.Event, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[key]
	if !exists {
		return false
	}

	if u.TorrentsActive == nil {
		u.TorrentsActive = make(map[models.InfoHash]time.Time)
	}

	switch event {
	case models.Stopped:
		delete(u.TorrentsActive, h)
	case models.Completed:
		u.Completed++
		delete(u.TorrentsActive, h)
	default:
		u.TorrentsActive[h] = now
	}

	u.Uploaded += uploadedDelta
	u.Downloaded += downloadedDelta
	u.Active = len(u.TorrentsActive) > 0
	u.Updated = now

	s.journal.Record(key, models.Update)
	stats.RecordEvent(stats.UsersUpdates)
	return true
}

// NewUser provisions a fresh UserEntryItem for the given key, journaling
// it as an Add. When idUUID is set (config database.id_uuid), the user is
// addressed by a generated UUID rather than a numeric id.
func (s *UserStore) NewUser(key models.UserID, idUUID bool, now time.Time) *models.UserEntryItem {
	u := &models.UserEntryItem{
		Key:            key,
		Updated:        now,
		TorrentsActive: make(map[models.InfoHash]time.Time),
	}
	if idUUID {
		u.UserUUID = uuid.New().String()
	}

	s.mu.Lock()
	s.users[key] = u
	s.journal.Record(key, models.Add)
	s.mu.Unlock()

	stats.RecordEvent(stats.Users)
	return u
}

// Remove deletes a user, returning whether it was present.
func (s *UserStore) Remove(key models.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[key]; !exists {
		return false
	}
	delete(s.users, key)
	s.journal.Record(key, models.Remove)
	return true
}

// Range calls fn for every user. fn receives a snapshot, not a live
// reference.
func (s *UserStore) Range(fn func(models.UserID, *models.UserEntryItem)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, u := range s.users {
		fn(k, u.Clone())
	}
}
