// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package http

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/torrtrack/chihaya/http/query"
	"github.com/torrtrack/chihaya/tracker"
	"github.com/torrtrack/chihaya/tracker/models"
)

// newAnnounceRequest parses an HTTP GET request into an AnnounceRequest
// per BEP 3/48 (spec.md §4.6): info_hash and peer_id are raw 20-byte
// strings, never form-decoded, and an optional leading "/:key/" path
// element selects the accountable user.
func (s *Server) newAnnounceRequest(r *http.Request, p httprouter.Params) (tracker.AnnounceRequest, error) {
	var req tracker.AnnounceRequest

	q, err := query.New(r.URL.RawQuery)
	if err != nil {
		return req, models.ErrMalformedRequest
	}

	if len(q.Infohashes) == 0 {
		return req, models.ErrMalformedRequest
	}
	ih, err := models.NewInfoHash([]byte(q.Infohashes[0]))
	if err != nil {
		return req, err
	}

	peerIDStr, err := q.String("peer_id")
	if err != nil {
		return req, models.ErrMalformedRequest
	}
	peerID, err := models.NewPeerID([]byte(peerIDStr))
	if err != nil {
		return req, err
	}

	port, err := q.Uint64("port")
	if err != nil || port > 65535 {
		return req, models.ErrMalformedRequest
	}

	left, err := q.Uint64("left")
	if err != nil {
		return req, models.ErrMalformedRequest
	}

	uploaded, _ := q.Uint64("uploaded")
	downloaded, _ := q.Uint64("downloaded")

	event, err := models.EventFromString(q.Get("event"))
	if err != nil {
		return req, err
	}

	addr, err := s.resolvePeerAddr(q, r, uint16(port))
	if err != nil {
		return req, models.ErrMalformedRequest
	}

	numWant := requestedPeerCount(q, s.config.NumWantFallback)
	if numWant > s.config.NumWantMax {
		numWant = s.config.NumWantMax
	}

	req = tracker.AnnounceRequest{
		InfoHash:   ih,
		PeerID:     peerID,
		PeerAddr:   addr,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    numWant,
	}

	if keyHex := p.ByName("key"); keyHex != "" {
		key, err := models.NewUserIDString(keyHex)
		if err != nil {
			return req, models.ErrInvalidKey
		}
		req.Key = &key
	}

	return req, nil
}

// newScrapeHashes parses a scrape request's info_hash list. A scrape may
// repeat info_hash to ask about several torrents in one request.
func newScrapeHashes(r *http.Request) ([]models.InfoHash, error) {
	q, err := query.New(r.URL.RawQuery)
	if err != nil {
		return nil, models.ErrMalformedRequest
	}
	if len(q.Infohashes) == 0 {
		return nil, models.ErrMalformedRequest
	}

	hashes := make([]models.InfoHash, 0, len(q.Infohashes))
	for _, raw := range q.Infohashes {
		h, err := models.NewInfoHash([]byte(raw))
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// requestedPeerCount returns the client's requested numwant or the
// configured fallback if absent or unparseable.
func requestedPeerCount(q *query.Query, fallback int) int {
	numWantStr := q.Get("numwant")
	if numWantStr == "" {
		return fallback
	}
	numWant, err := strconv.Atoi(numWantStr)
	if err != nil {
		return fallback
	}
	return numWant
}

// resolvePeerAddr determines the peer's reachable address: the RealIP
// header if configured, overridden by the query "ip" parameter only when
// AllowIPSpoofing permits it (spec.md §4.3), falling back to the TCP
// connection's remote address.
func (s *Server) resolvePeerAddr(q *query.Query, r *http.Request, port uint16) (models.PeerAddr, error) {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}

	if s.config.RealIPHeader != "" {
		if v := r.Header.Get(s.config.RealIPHeader); v != "" {
			host = v
		}
	}

	if s.config.AllowIPSpoofing {
		if v := q.Get("ip"); v != "" {
			host = v
		}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return models.PeerAddr{}, models.ErrMalformedRequest
	}
	return models.PeerAddr{IP: ip, Port: port}, nil
}

// announceNow is overridden by tests; production always uses time.Now.
var announceNow = time.Now
