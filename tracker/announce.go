// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package tracker

import (
	"time"

	"github.com/torrtrack/chihaya/tracker/models"
)

// AnnounceRequest collects the inputs to a single announce, already
// decoded and validated by the transport layer (C8/C9).
type AnnounceRequest struct {
	InfoHash   models.InfoHash
	PeerID     models.PeerID
	PeerAddr   models.PeerAddr
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      models.Event
	NumWant    int
	WantIPv4   *bool // nil means "both families" (HTTP); set means "this family only" (UDP)

	// Key, if non-nil, is the access key extracted from the request (the
	// HTTP announce path's leading /:key/ element; UDP announces never set it).
	Key *models.UserID
}

// AnnounceResponse is what the transport layer serializes back to the
// client.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Complete    int
	Incomplete  int
	Downloaded  uint64
	Peers       []models.TorrentPeer
}

// Announce runs the full C7 announce path: access checks, the C3 state
// transition, and C5 user accounting, returning exactly the fields the
// transport layer needs to build a response.
func (t *Tracker) Announce(req AnnounceRequest, now time.Time) (AnnounceResponse, error) {
	if err := t.checkAccess(req.InfoHash, req.Key, now); err != nil {
		return AnnounceResponse{}, err
	}

	var prevUploaded, prevDownloaded uint64
	if req.Key != nil && t.cfg.UsersEnabled {
		if entry, ok := t.store.GetTorrent(req.InfoHash); ok {
			if p, ok := entry.Peers[req.PeerID]; ok {
				prevUploaded, prevDownloaded = p.Uploaded, p.Downloaded
			} else if p, ok := entry.Seeds[req.PeerID]; ok {
				prevUploaded, prevDownloaded = p.Uploaded, p.Downloaded
			}
		}
	}

	result, err := t.store.Announce(
		req.InfoHash, req.PeerID, req.PeerAddr,
		req.Uploaded, req.Downloaded, req.Left,
		req.Event, now, t.cfg.CreateOnAnnounce, req.NumWant, req.WantIPv4,
	)
	if err != nil {
		return AnnounceResponse{}, err
	}

	if req.Key != nil && t.cfg.UsersEnabled {
		upDelta := deltaOrZero(req.Uploaded, prevUploaded)
		downDelta := deltaOrZero(req.Downloaded, prevDownloaded)
		if !t.users.Account(*req.Key, req.InfoHash, upDelta, downDelta, req.Event, now) {
			return AnnounceResponse{}, models.ErrInvalidKey
		}
	}

	return AnnounceResponse{
		Interval:    t.cfg.Announce.Duration,
		MinInterval: t.cfg.MinAnnounce.Duration,
		Complete:    result.Complete,
		Incomplete:  result.Incomplete,
		Downloaded:  result.Completed,
		Peers:       result.Peers,
	}, nil
}

// deltaOrZero treats a non-increasing counter report as a restart (client
// reset its byte counters, or this is the first announce) rather than
// crediting a negative amount.
func deltaOrZero(current, previous uint64) uint64 {
	if current <= previous {
		return 0
	}
	return current - previous
}

// checkAccess applies the C4 access-list precedence rules from spec.md
// §4.3 step 1: blacklist beats whitelist, and an absent/expired key is
// rejected whenever user-keys are required.
func (t *Tracker) checkAccess(h models.InfoHash, key *models.UserID, now time.Time) error {
	if t.blacklist != nil && t.blacklist.Contains(h) {
		return models.ErrClientBlacklisted
	}
	if t.whitelist != nil && !t.whitelist.Contains(h) {
		return models.ErrClientUnapproved
	}
	if t.keys != nil {
		if key == nil {
			return models.ErrInvalidKey
		}
		if !t.keys.Valid(models.InfoHash(*key), now) {
			return models.ErrInvalidKey
		}
	}
	return nil
}

// ScrapeResult is the per-info-hash outcome of a scrape request.
type ScrapeResult struct {
	Complete   int
	Incomplete int
	Downloaded uint64
}

// Scrape answers a scrape request for up to ScrapeMaxHashes info-hashes.
// Unknown hashes yield a zeroed ScrapeResult rather than an error, per
// spec.md §4.3.
func (t *Tracker) Scrape(hashes []models.InfoHash) map[models.InfoHash]ScrapeResult {
	if len(hashes) > t.cfg.ScrapeMaxHashes {
		hashes = hashes[:t.cfg.ScrapeMaxHashes]
	}
	out := make(map[models.InfoHash]ScrapeResult, len(hashes))
	for _, h := range hashes {
		entry, ok := t.store.GetTorrent(h)
		if !ok {
			out[h] = ScrapeResult{}
			continue
		}
		out[h] = ScrapeResult{
			Complete:   len(entry.Seeds),
			Incomplete: len(entry.Peers),
			Downloaded: entry.Completed,
		}
	}
	return out
}
