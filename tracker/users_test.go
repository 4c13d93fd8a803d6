// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package tracker

import (
	"testing"
	"time"

	"github.com/torrtrack/chihaya/tracker/models"
)

func TestUserStoreNewUserIsRetrievableAndJournaled(t *testing.T) {
	s := NewUserStore()
	key := models.UserID{1}
	now := time.Now()

	u := s.NewUser(key, false, now)
	if u.Key != key {
		t.Fatalf("want new user keyed by %v, got %v", key, u.Key)
	}
	if u.UserUUID != "" {
		t.Fatal("want no uuid assigned when idUUID is false")
	}

	got, ok := s.Get(key)
	if !ok {
		t.Fatal("want the new user to be retrievable")
	}
	if got.Key != key {
		t.Fatalf("want retrieved user keyed by %v, got %v", key, got.Key)
	}

	if action, ok := s.Journal().Drain()[key]; !ok || action != models.Add {
		t.Fatalf("want an Add journaled for the new user, got %v, %v", action, ok)
	}
}

func TestUserStoreNewUserAssignsUUIDWhenConfigured(t *testing.T) {
	s := NewUserStore()
	u := s.NewUser(models.UserID{2}, true, time.Now())
	if u.UserUUID == "" {
		t.Fatal("want a uuid assigned when idUUID is true")
	}
}

func TestUserStoreAccountReturnsFalseForUnknownKey(t *testing.T) {
	s := NewUserStore()
	ok := s.Account(models.UserID{3}, models.InfoHash{1}, 100, 200, models.Started, time.Now())
	if ok {
		t.Fatal("want Account to fail for an unregistered key")
	}
}

func TestUserStoreAccountAccumulatesDeltasAndMarksActive(t *testing.T) {
	s := NewUserStore()
	key := models.UserID{4}
	now := time.Now()
	s.NewUser(key, false, now)
	s.Journal().Drain() // clear the Add from NewUser

	h := models.InfoHash{5}
	if !s.Account(key, h, 100, 50, models.Started, now) {
		t.Fatal("want Account to succeed for a known key")
	}

	got, _ := s.Get(key)
	if got.Uploaded != 100 || got.Downloaded != 50 {
		t.Fatalf("want uploaded=100 downloaded=50, got uploaded=%d downloaded=%d", got.Uploaded, got.Downloaded)
	}
	if !got.Active {
		t.Fatal("want user marked active after a started announce")
	}
	if _, tracking := got.TorrentsActive[h]; !tracking {
		t.Fatal("want the torrent tracked as active")
	}

	if action, ok := s.Journal().Drain()[key]; !ok || action != models.Update {
		t.Fatalf("want an Update journaled, got %v, %v", action, ok)
	}
}

func TestUserStoreAccountStoppedRemovesActiveTorrent(t *testing.T) {
	s := NewUserStore()
	key := models.UserID{6}
	now := time.Now()
	s.NewUser(key, false, now)

	h := models.InfoHash{7}
	s.Account(key, h, 0, 0, models.Started, now)
	s.Account(key, h, 0, 0, models.Stopped, now)

	got, _ := s.Get(key)
	if _, tracking := got.TorrentsActive[h]; tracking {
		t.Fatal("want the torrent no longer tracked as active after stop")
	}
	if got.Active {
		t.Fatal("want user inactive once its only torrent stops")
	}
}

func TestUserStoreAccountCompletedIncrementsCounterAndClears(t *testing.T) {
	s := NewUserStore()
	key := models.UserID{8}
	now := time.Now()
	s.NewUser(key, false, now)

	h := models.InfoHash{9}
	s.Account(key, h, 0, 0, models.Started, now)
	s.Account(key, h, 0, 0, models.Completed, now)

	got, _ := s.Get(key)
	if got.Completed != 1 {
		t.Fatalf("want Completed=1, got %d", got.Completed)
	}
	if _, tracking := got.TorrentsActive[h]; tracking {
		t.Fatal("want the torrent cleared from active tracking on completion")
	}
}

func TestUserStoreRemoveJournalsAndDeletes(t *testing.T) {
	s := NewUserStore()
	key := models.UserID{10}
	s.NewUser(key, false, time.Now())
	s.Journal().Drain()

	if !s.Remove(key) {
		t.Fatal("want Remove to report the key was present")
	}
	if _, ok := s.Get(key); ok {
		t.Fatal("want the user gone after Remove")
	}
	if action, ok := s.Journal().Drain()[key]; !ok || action != models.Remove {
		t.Fatalf("want a Remove journaled, got %v, %v", action, ok)
	}
}

func TestUserStoreRemoveReportsAbsentKey(t *testing.T) {
	s := NewUserStore()
	if s.Remove(models.UserID{11}) {
		t.Fatal("want Remove to report false for a key that was never present")
	}
}

func TestUserStoreLoadAllReplacesContentsWholesale(t *testing.T) {
	s := NewUserStore()
	s.NewUser(models.UserID{12}, false, time.Now())

	replacement := []*models.UserEntryItem{
		{Key: models.UserID{13}, Uploaded: 42},
	}
	s.LoadAll(replacement)

	if s.Len() != 1 {
		t.Fatalf("want exactly the loaded entries, got %d", s.Len())
	}
	if _, ok := s.Get(models.UserID{12}); ok {
		t.Fatal("want the prior contents discarded by LoadAll")
	}
	got, ok := s.Get(models.UserID{13})
	if !ok || got.Uploaded != 42 {
		t.Fatalf("want loaded entry preserved, got %v, %v", got, ok)
	}
}

func TestUserStoreRangeVisitsClones(t *testing.T) {
	s := NewUserStore()
	key := models.UserID{14}
	s.NewUser(key, false, time.Now())

	var seen int
	s.Range(func(k models.UserID, u *models.UserEntryItem) {
		seen++
		u.Uploaded = 999 // mutating the snapshot must not affect the store
	})
	if seen != 1 {
		t.Fatalf("want Range to visit exactly one user, got %d", seen)
	}

	got, _ := s.Get(key)
	if got.Uploaded == 999 {
		t.Fatal("want Range to hand out clones, not live references")
	}
}
