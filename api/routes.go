// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package api

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/torrtrack/chihaya/stats"
	"github.com/torrtrack/chihaya/tracker/models"
)

// writeStatus writes {"status": msg} as the response body.
func writeStatus(w http.ResponseWriter, msg string) {
	json.NewEncoder(w).Encode(map[string]string{"status": msg})
}

func pathInfoHash(p httprouter.Params) (models.InfoHash, bool) {
	h, err := models.NewInfoHashString(p.ByName("info_hash"))
	return h, err == nil
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	stats.DefaultStats.GoRoutines = runtime.NumGoroutine()

	q := r.URL.Query()
	var val interface{} = struct {
		*stats.Stats
		Counters map[string]int64 `json:"counters"`
	}{stats.DefaultStats, stats.DefaultStats.Snapshot()}
	if _, flatten := q["flatten"]; flatten {
		val = stats.DefaultStats.Flattened()
	}

	if _, pretty := q["pretty"]; pretty {
		buf, err := json.MarshalIndent(val, "", "  ")
		if err == nil {
			w.Write(buf)
		}
		return
	}
	json.NewEncoder(w).Encode(val)
}

// torrentSummary is the listing/detail representation of a torrent entry.
type torrentSummary struct {
	InfoHash   string `json:"infoHash"`
	Complete   int    `json:"complete"`
	Incomplete int    `json:"incomplete"`
	Downloaded uint64 `json:"downloaded"`
}

func (s *Server) getTorrents(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	page, limit := pagingParams(r)

	var all []torrentSummary
	s.tracker.Store().Range(func(h models.InfoHash, t *models.TorrentEntry) {
		all = append(all, torrentSummary{
			InfoHash:   h.String(),
			Complete:   len(t.Seeds),
			Incomplete: len(t.Peers),
			Downloaded: t.Completed,
		})
	})
	sort.Slice(all, func(i, j int) bool { return all[i].InfoHash < all[j].InfoHash })

	start := page * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	json.NewEncoder(w).Encode(all[start:end])
}

func pagingParams(r *http.Request) (page, limit int) {
	limit = 1000
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	return page, limit
}

// torrentDetail adds the peer list to torrentSummary for a single torrent.
type torrentDetail struct {
	torrentSummary
	Seeds []models.TorrentPeer `json:"seeds"`
	Peers []models.TorrentPeer `json:"peers"`
}

func (s *Server) getTorrent(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h, ok := pathInfoHash(p)
	if !ok {
		writeStatus(w, "invalid info_hash")
		return
	}

	t, exists := s.tracker.Store().GetTorrent(h)
	if !exists {
		writeStatus(w, "unknown torrent")
		return
	}

	detail := torrentDetail{
		torrentSummary: torrentSummary{
			InfoHash:   h.String(),
			Complete:   len(t.Seeds),
			Incomplete: len(t.Peers),
			Downloaded: t.Completed,
		},
	}
	for _, peer := range t.Seeds {
		detail.Seeds = append(detail.Seeds, *peer)
	}
	for _, peer := range t.Peers {
		detail.Peers = append(detail.Peers, *peer)
	}
	json.NewEncoder(w).Encode(detail)
}

func (s *Server) getWhitelist(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h, ok := pathInfoHash(p)
	if !ok {
		writeStatus(w, "invalid info_hash")
		return
	}
	if s.tracker.Whitelist() != nil && s.tracker.Whitelist().Contains(h) {
		writeStatus(w, "ok")
		return
	}
	writeStatus(w, "not found")
}

func (s *Server) postWhitelist(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h, ok := pathInfoHash(p)
	if !ok {
		writeStatus(w, "invalid info_hash")
		return
	}
	if s.tracker.Whitelist() != nil {
		s.tracker.Whitelist().Add(h)
	}
	writeStatus(w, "ok")
}

func (s *Server) deleteWhitelist(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h, ok := pathInfoHash(p)
	if !ok {
		writeStatus(w, "invalid info_hash")
		return
	}
	if s.tracker.Whitelist() != nil {
		s.tracker.Whitelist().Remove(h)
	}
	writeStatus(w, "ok")
}

func (s *Server) getBlacklist(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h, ok := pathInfoHash(p)
	if !ok {
		writeStatus(w, "invalid info_hash")
		return
	}
	if s.tracker.Blacklist() != nil && s.tracker.Blacklist().Contains(h) {
		writeStatus(w, "ok")
		return
	}
	writeStatus(w, "not found")
}

func (s *Server) postBlacklist(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h, ok := pathInfoHash(p)
	if !ok {
		writeStatus(w, "invalid info_hash")
		return
	}
	if s.tracker.Blacklist() != nil {
		s.tracker.Blacklist().Add(h)
	}
	writeStatus(w, "ok")
}

func (s *Server) deleteBlacklist(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	h, ok := pathInfoHash(p)
	if !ok {
		writeStatus(w, "invalid info_hash")
		return
	}
	if s.tracker.Blacklist() != nil {
		s.tracker.Blacklist().Remove(h)
	}
	writeStatus(w, "ok")
}

// postKey mints a new pre-shared key valid for :seconds_valid seconds from
// now, returning its hex form so the caller can hand it to clients.
func (s *Server) postKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if s.tracker.Keys() == nil {
		writeStatus(w, "keys disabled")
		return
	}

	seconds, err := strconv.ParseInt(p.ByName("seconds_valid"), 10, 64)
	if err != nil || seconds <= 0 {
		writeStatus(w, "invalid seconds_valid")
		return
	}

	var raw [20]byte
	if _, err := rand.Read(raw[:]); err != nil {
		writeStatus(w, "key generation failed")
		return
	}
	key := models.InfoHash(raw)
	s.tracker.Keys().Put(key, time.Now().Add(time.Duration(seconds)*time.Second))

	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "key": key.String()})
}

// deleteKey revokes the key named by the "key" query parameter.
// :seconds_valid is accepted but ignored, to keep the route symmetric
// with postKey.
func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if s.tracker.Keys() == nil {
		writeStatus(w, "keys disabled")
		return
	}

	key, err := models.NewInfoHashString(r.URL.Query().Get("key"))
	if err != nil {
		writeStatus(w, "invalid key")
		return
	}

	s.tracker.Keys().Remove(key)
	writeStatus(w, "ok")
}
