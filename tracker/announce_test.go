// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package tracker

import (
	"net"
	"testing"
	"time"

	"github.com/torrtrack/chihaya/config"
	"github.com/torrtrack/chihaya/tracker/models"
)

// newTestTracker builds a Tracker against the in-memory stores only,
// bypassing New's database dialect open/migrate/load so these tests
// exercise the announce/scrape engine in isolation.
func newTestTracker(cfg config.TrackerConfig) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		store: NewStore(1),
		users: NewUserStore(),
	}
	if cfg.WhitelistEnabled {
		t.whitelist = NewHashSet(true)
	}
	if cfg.BlacklistEnabled {
		t.blacklist = NewHashSet(true)
	}
	if cfg.KeysEnabled {
		t.keys = NewKeyStore()
	}
	return t
}

func TestCheckAccessBlacklistOverridesWhitelist(t *testing.T) {
	cfg := config.TrackerConfig{FeaturesConfig: config.FeaturesConfig{WhitelistEnabled: true, BlacklistEnabled: true}}
	tkr := newTestTracker(cfg)

	h := models.InfoHash{1}
	tkr.whitelist.Add(h)
	tkr.blacklist.Add(h)

	if err := tkr.checkAccess(h, nil, time.Now()); err != models.ErrClientBlacklisted {
		t.Fatalf("want blacklist to take precedence over whitelist, got %v", err)
	}
}

func TestCheckAccessWhitelistRejectsUnknownHash(t *testing.T) {
	cfg := config.TrackerConfig{FeaturesConfig: config.FeaturesConfig{WhitelistEnabled: true}}
	tkr := newTestTracker(cfg)

	if err := tkr.checkAccess(models.InfoHash{1}, nil, time.Now()); err != models.ErrClientUnapproved {
		t.Fatalf("want ErrClientUnapproved, got %v", err)
	}
}

func TestCheckAccessRequiresValidKeyWhenKeysEnabled(t *testing.T) {
	cfg := config.TrackerConfig{FeaturesConfig: config.FeaturesConfig{KeysEnabled: true}}
	tkr := newTestTracker(cfg)

	h := models.InfoHash{1}
	if err := tkr.checkAccess(h, nil, time.Now()); err != models.ErrInvalidKey {
		t.Fatalf("want ErrInvalidKey for missing key, got %v", err)
	}

	key := models.UserID{9}
	tkr.keys.Put(models.InfoHash(key), time.Now().Add(time.Hour))
	if err := tkr.checkAccess(h, &key, time.Now()); err != nil {
		t.Fatalf("want valid key accepted, got %v", err)
	}
}

func TestAnnounceEndToEndFirstLeecherThenSecondPeerSeesFirst(t *testing.T) {
	cfg := config.TrackerConfig{CreateOnAnnounce: true, NumWantMax: 50}
	tkr := newTestTracker(cfg)

	h := models.InfoHash{1}
	now := time.Now()

	req1 := AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{1},
		PeerAddr: models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left:     1000, Event: models.Started, NumWant: 50,
	}
	res1, err := tkr.Announce(req1, now)
	if err != nil {
		t.Fatalf("first announce: %v", err)
	}
	if res1.Incomplete != 1 || len(res1.Peers) != 0 {
		t.Fatalf("first leecher should see no peers, got %+v", res1)
	}

	req2 := AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{2},
		PeerAddr: models.PeerAddr{IP: net.ParseIP("192.0.2.2"), Port: 2},
		Left:     1000, Event: models.Started, NumWant: 50,
	}
	res2, err := tkr.Announce(req2, now)
	if err != nil {
		t.Fatalf("second announce: %v", err)
	}
	if len(res2.Peers) != 1 || res2.Peers[0].PeerAddr.Port != 1 {
		t.Fatalf("second peer should see the first, got %+v", res2.Peers)
	}
}

func TestAnnounceStopRemovesPeerFromFutureResponses(t *testing.T) {
	cfg := config.TrackerConfig{CreateOnAnnounce: true, NumWantMax: 50}
	tkr := newTestTracker(cfg)
	h := models.InfoHash{1}
	now := time.Now()

	tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{1},
		PeerAddr: models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left: 1000, Event: models.Started, NumWant: 50,
	}, now)

	tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{1},
		PeerAddr: models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left: 1000, Event: models.Stopped, NumWant: 50,
	}, now)

	res, err := tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{2},
		PeerAddr: models.PeerAddr{IP: net.ParseIP("192.0.2.2"), Port: 2},
		Left: 1000, Event: models.Started, NumWant: 50,
	}, now)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(res.Peers) != 0 {
		t.Fatalf("stopped peer should not appear in later responses, got %+v", res.Peers)
	}
}

func TestAnnounceAccountsUserUploadDownloadDeltas(t *testing.T) {
	cfg := config.TrackerConfig{CreateOnAnnounce: true, NumWantMax: 50, FeaturesConfig: config.FeaturesConfig{UsersEnabled: true}}
	tkr := newTestTracker(cfg)
	h := models.InfoHash{1}
	key := models.UserID{9}
	tkr.users.NewUser(key, false, time.Now())
	now := time.Now()

	tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{1},
		PeerAddr: models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Uploaded: 100, Downloaded: 200, Left: 1000, Event: models.Started,
		NumWant: 0, Key: &key,
	}, now)
	tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{1},
		PeerAddr: models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Uploaded: 150, Downloaded: 300, Left: 900, Event: models.None,
		NumWant: 0, Key: &key,
	}, now)

	u, _ := tkr.users.Get(key)
	if u.Uploaded != 150 || u.Downloaded != 300 {
		t.Fatalf("want cumulative uploaded=150 downloaded=300, got uploaded=%d downloaded=%d", u.Uploaded, u.Downloaded)
	}
}

// TestAnnounceScenarioWalkthrough runs the four-step announce scenario in
// order: first leecher, completion, a second peer, then a stop, checking
// the counts at each step.
func TestAnnounceScenarioWalkthrough(t *testing.T) {
	cfg := config.TrackerConfig{CreateOnAnnounce: true, NumWantMax: 50}
	tkr := newTestTracker(cfg)
	h := models.InfoHash{1}
	now := time.Now()
	p1 := models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 6881}
	p2 := models.PeerAddr{IP: net.ParseIP("192.0.2.2"), Port: 6882}

	// 1. first-time leecher
	res, err := tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{1}, PeerAddr: p1,
		Left: 100, Event: models.Started, NumWant: 50,
	}, now)
	if err != nil {
		t.Fatalf("scenario 1: %v", err)
	}
	if res.Complete != 0 || res.Incomplete != 1 || res.Downloaded != 0 || len(res.Peers) != 0 {
		t.Fatalf("scenario 1: want complete=0 incomplete=1 downloaded=0 peers=[], got %+v", res)
	}

	// 2. completion
	res, err = tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{1}, PeerAddr: p1,
		Left: 0, Event: models.Completed, NumWant: 50,
	}, now)
	if err != nil {
		t.Fatalf("scenario 2: %v", err)
	}
	if res.Complete != 1 || res.Incomplete != 0 || res.Downloaded != 1 {
		t.Fatalf("scenario 2: want complete=1 incomplete=0 downloaded=1, got %+v", res)
	}
	entry, _ := tkr.store.GetTorrent(h)
	if entry.Completed != 1 {
		t.Fatalf("scenario 2: want TorrentEntry.Completed=1, got %d", entry.Completed)
	}

	// 3. second peer
	resP2, err := tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{2}, PeerAddr: p2,
		Left: 500, Event: models.Started, NumWant: 50,
	}, now)
	if err != nil {
		t.Fatalf("scenario 3: %v", err)
	}
	if resP2.Complete != 1 || resP2.Incomplete != 1 || len(resP2.Peers) != 1 || resP2.Peers[0].PeerAddr.Port != p1.Port {
		t.Fatalf("scenario 3: want P2 to see P1 as a seed, got %+v", resP2)
	}

	resP1, err := tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{1}, PeerAddr: p1,
		Left: 0, Event: models.None, NumWant: 50,
	}, now)
	if err != nil {
		t.Fatalf("scenario 3 (p1 re-announce): %v", err)
	}
	if len(resP1.Peers) != 1 || resP1.Peers[0].PeerAddr.Port != p2.Port {
		t.Fatalf("scenario 3: want P1 to see P2 as a leecher, got %+v", resP1.Peers)
	}

	// 4. stop
	res, err = tkr.Announce(AnnounceRequest{
		InfoHash: h, PeerID: models.PeerID{2}, PeerAddr: p2,
		Left: 500, Event: models.Stopped, NumWant: 50,
	}, now)
	if err != nil {
		t.Fatalf("scenario 4: %v", err)
	}
	if res.Complete != 1 || res.Incomplete != 0 {
		t.Fatalf("scenario 4: want complete=1 incomplete=0 after stop, got %+v", res)
	}
	entry, _ = tkr.store.GetTorrent(h)
	if entry.Completed != 1 {
		t.Fatalf("scenario 4: want Completed unchanged at 1, got %d", entry.Completed)
	}
}

// TestAnnounceRejectsUnwhitelistedHashWithoutCreatingEntry covers the
// whitelist-enforcement scenario: a non-whitelisted hash is rejected and
// never gets a TorrentEntry, regardless of CreateOnAnnounce.
func TestAnnounceRejectsUnwhitelistedHashWithoutCreatingEntry(t *testing.T) {
	cfg := config.TrackerConfig{CreateOnAnnounce: true, NumWantMax: 50, FeaturesConfig: config.FeaturesConfig{WhitelistEnabled: true}}
	tkr := newTestTracker(cfg)

	h2 := models.InfoHash{2}
	_, err := tkr.Announce(AnnounceRequest{
		InfoHash: h2, PeerID: models.PeerID{1},
		PeerAddr: models.PeerAddr{IP: net.ParseIP("192.0.2.1"), Port: 1},
		Left:     100, Event: models.Started, NumWant: 50,
	}, time.Now())

	if err != models.ErrClientUnapproved {
		t.Fatalf("want ErrClientUnapproved, got %v", err)
	}
	if _, exists := tkr.store.GetTorrent(h2); exists {
		t.Fatal("want no TorrentEntry created for a rejected announce")
	}
}

func TestScrapeUnknownHashYieldsZeroedResultNotError(t *testing.T) {
	tkr := newTestTracker(config.TrackerConfig{ScrapeMaxHashes: 10})
	results := tkr.Scrape([]models.InfoHash{{1}})
	res, ok := results[models.InfoHash{1}]
	if !ok {
		t.Fatal("want an entry present for the unknown hash")
	}
	if res.Complete != 0 || res.Incomplete != 0 || res.Downloaded != 0 {
		t.Fatalf("want zeroed result for unknown hash, got %+v", res)
	}
}
