// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package tracker implements the in-memory swarm engine and write-behind
// persistence pipeline: the torrent store (C3), access lists (C4), user
// accounting (C5), update journals (C6), the announce/scrape engine
// (C7), and the scheduler driving C3/C4 sweeps and the C10 journal drain.
package tracker

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/torrtrack/chihaya/backend"
	"github.com/torrtrack/chihaya/config"
	"github.com/torrtrack/chihaya/stats"
	"github.com/torrtrack/chihaya/tracker/models"
)

// Tracker wires together the swarm engine's concurrent stores, exposing
// the announce/scrape entry points and the scheduled maintenance tasks
// that keep memory bounded and the database eventually consistent.
type Tracker struct {
	cfg config.TrackerConfig

	store     *Store
	whitelist *HashSet
	blacklist *HashSet
	keys      *KeyStore
	users     *UserStore

	db backend.Conn

	dbCfg        config.DatabaseConfig
	dbStructure  config.DatabaseStructureConfig

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Tracker from the global configuration, opens the
// configured database dialect, runs migrations, and replays persisted
// state into the in-memory stores.
func New(cfg *config.Config) (*Tracker, error) {
	t := &Tracker{
		cfg:         cfg.TrackerConfig,
		store:       NewStore(cfg.TrackerConfig.TorrentMapShards),
		users:       NewUserStore(),
		dbCfg:       cfg.Database,
		dbStructure: cfg.DatabaseStructure,
		stop:        make(chan struct{}),
	}

	if cfg.FeaturesConfig.WhitelistEnabled {
		t.whitelist = NewHashSet(cfg.Database.RemoveAction)
		stats.Set(stats.WhitelistEnabled, 1)
	}
	if cfg.FeaturesConfig.BlacklistEnabled {
		t.blacklist = NewHashSet(cfg.Database.RemoveAction)
		stats.Set(stats.BlacklistEnabled, 1)
	}
	if cfg.FeaturesConfig.KeysEnabled {
		t.keys = NewKeyStore()
	}

	db, err := backend.Open(cfg.Database, cfg.DatabaseStructure)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	t.db = db

	if err := t.load(); err != nil {
		db.Close()
		return nil, err
	}

	t.wg.Add(1)
	go t.run()

	return t, nil
}

// load replays every persisted table into its corresponding in-memory
// store, in fixed-size pages (spec.md §4.6).
func (t *Tracker) load() error {
	pageSize := t.dbCfg.LoadPageSize
	if pageSize <= 0 {
		pageSize = 100000
	}

	var torrents, completed uint64
	if err := t.db.LoadTorrents(pageSize, func(page []backend.TorrentRecord) error {
		for _, rec := range page {
			t.store.AddTorrent(rec.InfoHash, rec.Completed)
			torrents++
			completed += rec.Completed
		}
		return nil
	}); err != nil {
		return err
	}
	stats.Set(stats.Torrents, int64(torrents))
	stats.Set(stats.Completed, int64(completed))
	glog.Infof("tracker: loaded %d torrents (%d completed)", torrents, completed)

	if t.whitelist != nil {
		var all []models.InfoHash
		if err := t.db.LoadWhitelist(pageSize, func(page []models.InfoHash) error {
			all = append(all, page...)
			return nil
		}); err != nil {
			return err
		}
		t.whitelist.LoadAll(all)
		stats.Set(stats.Whitelist, int64(len(all)))
	}

	if t.blacklist != nil {
		var all []models.InfoHash
		if err := t.db.LoadBlacklist(pageSize, func(page []models.InfoHash) error {
			all = append(all, page...)
			return nil
		}); err != nil {
			return err
		}
		t.blacklist.LoadAll(all)
		stats.Set(stats.Blacklist, int64(len(all)))
	}

	if t.keys != nil {
		merged := make(map[models.InfoHash]models.KeyEntry)
		if err := t.db.LoadKeys(pageSize, func(page []backend.KeyRecord) error {
			for _, rec := range page {
				merged[rec.Key] = models.KeyEntry{Expiry: rec.Expiry}
			}
			return nil
		}); err != nil {
			return err
		}
		t.keys.LoadAll(merged)
		stats.Set(stats.Key, int64(len(merged)))
	}

	if cfg := t.cfg; cfg.UsersEnabled {
		var users []*models.UserEntryItem
		if err := t.db.LoadUsers(pageSize, func(page []*models.UserEntryItem) error {
			users = append(users, page...)
			return nil
		}); err != nil {
			return err
		}
		t.users.LoadAll(users)
		stats.Set(stats.Users, int64(len(users)))
	}

	return nil
}

// Store exposes the torrent store, used by the HTTP/UDP/API layers for
// read-only queries (e.g. listing torrents).
func (t *Tracker) Store() *Store { return t.store }

// Whitelist exposes the whitelist set, nil when disabled.
func (t *Tracker) Whitelist() *HashSet { return t.whitelist }

// Blacklist exposes the blacklist set, nil when disabled.
func (t *Tracker) Blacklist() *HashSet { return t.blacklist }

// Keys exposes the key store, nil when disabled.
func (t *Tracker) Keys() *KeyStore { return t.keys }

// Users exposes the user store, nil when disabled.
func (t *Tracker) Users() *UserStore { return t.users }

// Config returns the tracker-specific configuration in effect.
func (t *Tracker) Config() config.TrackerConfig { return t.cfg }

// run is the scheduler (part of C10): it drives the peer-timeout sweep,
// the key-expiry sweep, and the periodic journal drain until Close.
func (t *Tracker) run() {
	defer t.wg.Done()

	reapTicker := time.NewTicker(t.cfg.ReapInterval.Duration)
	defer reapTicker.Stop()

	persistInterval := t.dbCfg.PersistInterval.Duration
	if persistInterval <= 0 {
		persistInterval = 30 * time.Second
	}
	persistTicker := time.NewTicker(persistInterval)
	defer persistTicker.Stop()

	for {
		select {
		case <-t.stop:
			return

		case now := <-reapTicker.C:
			timeout := time.Duration(float64(t.cfg.Announce.Duration) * t.cfg.ReapRatio)
			reaped := t.store.CleanPeers(now, timeout)
			if reaped > 0 {
				glog.V(2).Infof("tracker: reaped %d stale peers", reaped)
			}
			if t.keys != nil {
				t.keys.SweepExpired(now)
				stats.Set(stats.TimestampKeysTimeout, now.Unix())
			}
			stats.Set(stats.TimestampTimeout, now.Unix())

		case now := <-persistTicker.C:
			t.drain(now)
			stats.Set(stats.TimestampSave, now.Unix())
		}
	}
}

// drain flushes every store's journal to the database. A failed save
// restores its entries so the next tick retries them (at-least-once).
func (t *Tracker) drain(now time.Time) {
	t.drainTorrents()
	if t.whitelist != nil {
		t.drainHashSet(t.whitelist.Journal(), t.db.SaveWhitelist, stats.WhitelistUpdates)
	}
	if t.blacklist != nil {
		t.drainHashSet(t.blacklist.Journal(), t.db.SaveBlacklist, stats.BlacklistUpdates)
	}
	if t.keys != nil {
		t.drainKeys(now)
	}
	if t.cfg.UsersEnabled {
		t.drainUsers()
	}
}

func (t *Tracker) drainTorrents() {
	pending := t.store.Journal().Drain()
	if len(pending) == 0 {
		return
	}
	entries := make(map[models.InfoHash]backend.TorrentUpdate, len(pending))
	for h, action := range pending {
		upd := backend.TorrentUpdate{Action: action}
		if action != models.Remove {
			if entry, ok := t.store.GetTorrent(h); ok {
				upd.Seeds = len(entry.Seeds)
				upd.Peers = len(entry.Peers)
				upd.Completed = entry.Completed
			}
		}
		entries[h] = upd
	}
	if err := t.db.SaveTorrents(entries); err != nil {
		glog.Errorf("tracker: save_torrents failed: %s", err)
		t.store.Journal().Restore(pending)
		return
	}
	stats.RecordEvent(stats.TorrentsUpdates, int64(len(entries)))
}

func (t *Tracker) drainHashSet(j *HashJournal, save func(map[models.InfoHash]models.UpdatesAction) error, updateCounter stats.Event) {
	pending := j.Drain()
	if len(pending) == 0 {
		return
	}
	if err := save(pending); err != nil {
		glog.Errorf("tracker: access-list save failed: %s", err)
		j.Restore(pending)
		return
	}
	stats.RecordEvent(updateCounter, int64(len(pending)))
}

func (t *Tracker) drainKeys(now time.Time) {
	pending := t.keys.Journal().Drain()
	if len(pending) == 0 {
		return
	}
	entries := make(map[models.InfoHash]backend.KeyUpdate, len(pending))
	for k, action := range pending {
		upd := backend.KeyUpdate{Action: action}
		if action != models.Remove {
			if entry, ok := t.keys.Get(k); ok {
				upd.Expiry = entry.Expiry
			}
		}
		entries[k] = upd
	}
	if err := t.db.SaveKeys(entries); err != nil {
		glog.Errorf("tracker: save_keys failed: %s", err)
		t.keys.Journal().Restore(pending)
		return
	}
	stats.RecordEvent(stats.KeyUpdates, int64(len(entries)))
}

func (t *Tracker) drainUsers() {
	pending := t.users.Journal().Drain()
	if len(pending) == 0 {
		return
	}
	entries := make(map[models.UserID]backend.UserUpdate, len(pending))
	for key, action := range pending {
		upd := backend.UserUpdate{Action: action}
		if action != models.Remove {
			if u, ok := t.users.Get(key); ok {
				upd.User = u
			}
		}
		entries[key] = upd
	}
	if err := t.db.SaveUsers(entries); err != nil {
		glog.Errorf("tracker: save_users failed: %s", err)
		t.users.Journal().Restore(pending)
		return
	}
	stats.RecordEvent(stats.UsersUpdates, int64(len(entries)))
}

// Close stops the scheduler, flushes any remaining journal entries, and
// closes the database connection.
func (t *Tracker) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
	t.drain(time.Now())
	return t.db.Close()
}
