// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/torrtrack/chihaya/backend"
	"github.com/torrtrack/chihaya/config"
	"github.com/torrtrack/chihaya/tracker/models"
)

// fakeConn is an in-memory backend.Conn stand-in that records every saved
// batch and can be told to fail a named save once.
type fakeConn struct {
	failOnce map[string]bool

	savedTorrents  []map[models.InfoHash]backend.TorrentUpdate
	savedWhitelist []map[models.InfoHash]models.UpdatesAction
	savedBlacklist []map[models.InfoHash]models.UpdatesAction
	savedKeys      []map[models.InfoHash]backend.KeyUpdate
	savedUsers     []map[models.UserID]backend.UserUpdate
}

func newFakeConn() *fakeConn { return &fakeConn{failOnce: make(map[string]bool)} }

func (c *fakeConn) Ping() error    { return nil }
func (c *fakeConn) Close() error   { return nil }
func (c *fakeConn) Migrate() error { return nil }

func (c *fakeConn) LoadTorrents(pageSize int, fn func([]backend.TorrentRecord) error) error {
	return nil
}
func (c *fakeConn) LoadWhitelist(pageSize int, fn func([]models.InfoHash) error) error { return nil }
func (c *fakeConn) LoadBlacklist(pageSize int, fn func([]models.InfoHash) error) error { return nil }
func (c *fakeConn) LoadKeys(pageSize int, fn func([]backend.KeyRecord) error) error    { return nil }
func (c *fakeConn) LoadUsers(pageSize int, fn func([]*models.UserEntryItem) error) error {
	return nil
}

func (c *fakeConn) SaveTorrents(entries map[models.InfoHash]backend.TorrentUpdate) error {
	if c.failOnce["torrents"] {
		c.failOnce["torrents"] = false
		return errors.New("save torrents failed")
	}
	c.savedTorrents = append(c.savedTorrents, entries)
	return nil
}

func (c *fakeConn) SaveWhitelist(entries map[models.InfoHash]models.UpdatesAction) error {
	if c.failOnce["whitelist"] {
		c.failOnce["whitelist"] = false
		return errors.New("save whitelist failed")
	}
	c.savedWhitelist = append(c.savedWhitelist, entries)
	return nil
}

func (c *fakeConn) SaveBlacklist(entries map[models.InfoHash]models.UpdatesAction) error {
	c.savedBlacklist = append(c.savedBlacklist, entries)
	return nil
}

func (c *fakeConn) SaveKeys(entries map[models.InfoHash]backend.KeyUpdate) error {
	c.savedKeys = append(c.savedKeys, entries)
	return nil
}

func (c *fakeConn) SaveUsers(entries map[models.UserID]backend.UserUpdate) error {
	c.savedUsers = append(c.savedUsers, entries)
	return nil
}

func (c *fakeConn) ResetSeedsPeers() error { return nil }

func newTestTrackerWithConn(conn *fakeConn, cfg config.TrackerConfig) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		store: NewStore(4),
		users: NewUserStore(),
		db:    conn,
		stop:  make(chan struct{}),
	}
	if cfg.WhitelistEnabled {
		t.whitelist = NewHashSet(false)
	}
	if cfg.BlacklistEnabled {
		t.blacklist = NewHashSet(false)
	}
	if cfg.KeysEnabled {
		t.keys = NewKeyStore()
	}
	return t
}

func TestDrainTorrentsSkipsEmptyJournal(t *testing.T) {
	conn := newFakeConn()
	tkr := newTestTrackerWithConn(conn, config.TrackerConfig{})

	tkr.drainTorrents()
	if len(conn.savedTorrents) != 0 {
		t.Fatal("want no save call for an empty journal")
	}
}

func TestDrainTorrentsSavesPendingEntries(t *testing.T) {
	conn := newFakeConn()
	tkr := newTestTrackerWithConn(conn, config.TrackerConfig{})

	h := models.InfoHash{1}
	tkr.store.AddTorrent(h, 0)
	tkr.store.Journal().Drain() // AddTorrent already journals; reset so this test controls it

	tkr.store.Journal().Record(h, models.Update)
	tkr.drainTorrents()

	if len(conn.savedTorrents) != 1 {
		t.Fatalf("want one save call, got %d", len(conn.savedTorrents))
	}
	if _, ok := conn.savedTorrents[0][h]; !ok {
		t.Fatal("want the journaled hash included in the saved batch")
	}
	if tkr.store.Journal().Len() != 0 {
		t.Fatal("want the journal drained after a successful save")
	}
}

func TestDrainTorrentsRestoresJournalOnSaveFailure(t *testing.T) {
	conn := newFakeConn()
	conn.failOnce["torrents"] = true
	tkr := newTestTrackerWithConn(conn, config.TrackerConfig{})

	h := models.InfoHash{2}
	tkr.store.Journal().Record(h, models.Add)
	tkr.drainTorrents()

	if len(conn.savedTorrents) != 0 {
		t.Fatal("want no recorded save after a failure")
	}
	if tkr.store.Journal().Len() != 1 {
		t.Fatal("want the failed entry restored to the journal for retry")
	}
}

func TestDrainHashSetRestoresOnFailure(t *testing.T) {
	conn := newFakeConn()
	conn.failOnce["whitelist"] = true
	tkr := newTestTrackerWithConn(conn, config.TrackerConfig{FeaturesConfig: config.FeaturesConfig{WhitelistEnabled: true}})

	h := models.InfoHash{3}
	tkr.whitelist.Add(h)

	tkr.drainHashSet(tkr.whitelist.Journal(), tkr.db.SaveWhitelist, 0)
	if tkr.whitelist.Journal().Len() != 1 {
		t.Fatal("want the journal entry restored after a failed whitelist save")
	}

	tkr.drainHashSet(tkr.whitelist.Journal(), tkr.db.SaveWhitelist, 0)
	if tkr.whitelist.Journal().Len() != 0 {
		t.Fatal("want a retried save to succeed and drain the journal")
	}
	if len(conn.savedWhitelist) != 1 {
		t.Fatalf("want exactly one successful save recorded, got %d", len(conn.savedWhitelist))
	}
}

func TestDrainKeysIncludesExpiryForNonRemoveActions(t *testing.T) {
	conn := newFakeConn()
	tkr := newTestTrackerWithConn(conn, config.TrackerConfig{FeaturesConfig: config.FeaturesConfig{KeysEnabled: true}})

	key := models.InfoHash{4}
	expiry := time.Now().Add(time.Hour)
	tkr.keys.Put(key, expiry)

	tkr.drainKeys(time.Now())
	if len(conn.savedKeys) != 1 {
		t.Fatalf("want one save call, got %d", len(conn.savedKeys))
	}
	upd, ok := conn.savedKeys[0][key]
	if !ok {
		t.Fatal("want the key included in the saved batch")
	}
	if !upd.Expiry.Equal(expiry) {
		t.Fatalf("want expiry %v carried into the save, got %v", expiry, upd.Expiry)
	}
}

func TestDrainUsersOnlyRunsWhenUsersEnabled(t *testing.T) {
	conn := newFakeConn()
	tkr := newTestTrackerWithConn(conn, config.TrackerConfig{})

	key := models.UserID{5}
	tkr.users.NewUser(key, false, time.Now())

	tkr.drain(time.Now())
	if len(conn.savedUsers) != 0 {
		t.Fatal("want drain to skip user persistence when UsersEnabled is false")
	}
}

func TestDrainUsersSavesWhenEnabled(t *testing.T) {
	conn := newFakeConn()
	tkr := newTestTrackerWithConn(conn, config.TrackerConfig{FeaturesConfig: config.FeaturesConfig{UsersEnabled: true}})

	key := models.UserID{6}
	tkr.users.NewUser(key, false, time.Now())

	tkr.drain(time.Now())
	if len(conn.savedUsers) != 1 {
		t.Fatalf("want one save call, got %d", len(conn.savedUsers))
	}
	upd, ok := conn.savedUsers[0][key]
	if !ok || upd.User == nil {
		t.Fatal("want the new user included in the saved batch")
	}
}

func TestCloseStopsSchedulerAndFlushesJournal(t *testing.T) {
	conn := newFakeConn()
	tkr := newTestTrackerWithConn(conn, config.TrackerConfig{
		ReapInterval: config.Duration{time.Hour},
	})
	tkr.dbCfg.PersistInterval = config.Duration{time.Hour}
	tkr.wg.Add(1)
	go tkr.run()

	h := models.InfoHash{7}
	tkr.store.Journal().Record(h, models.Add)

	if err := tkr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(conn.savedTorrents) != 1 {
		t.Fatal("want Close to flush the pending journal before closing")
	}
}

func TestAccessorsExposeConfiguredStores(t *testing.T) {
	conn := newFakeConn()
	cfg := config.TrackerConfig{FeaturesConfig: config.FeaturesConfig{WhitelistEnabled: true, KeysEnabled: true}}
	tkr := newTestTrackerWithConn(conn, cfg)

	if tkr.Whitelist() == nil {
		t.Fatal("want a non-nil whitelist when WhitelistEnabled")
	}
	if tkr.Blacklist() != nil {
		t.Fatal("want a nil blacklist when BlacklistEnabled is false")
	}
	if tkr.Keys() == nil {
		t.Fatal("want a non-nil key store when KeysEnabled")
	}
	if tkr.Users() == nil {
		t.Fatal("want a non-nil user store always")
	}
	if tkr.Store() == nil {
		t.Fatal("want a non-nil torrent store always")
	}
}
