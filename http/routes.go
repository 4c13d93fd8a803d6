// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package http

import (
	"fmt"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/torrtrack/chihaya/stats"
	"github.com/torrtrack/chihaya/tracker/models"
)

// handleTrackerError writes a bencoded failure-reason body for any error
// the tracker engine surfaces to clients (spec.md §4.6): BitTorrent
// clients expect HTTP 200 with a bencoded failure, never a 4xx/5xx.
func (s *Server) handleTrackerError(err error, w *Writer) (int, error) {
	if err == nil {
		return http.StatusOK, nil
	}
	if models.IsPublicError(err) {
		w.WriteError(err)
		s.stat(stats.Tcp4Failure, stats.Tcp6Failure)
		return http.StatusOK, nil
	}
	return http.StatusInternalServerError, err
}

func (s *Server) serveAnnounce(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	writer := &Writer{w}

	req, err := s.newAnnounceRequest(r, p)
	if err != nil {
		return s.handleTrackerError(err, writer)
	}

	res, err := s.tracker.Announce(req, announceNow())
	if err != nil {
		return s.handleTrackerError(err, writer)
	}

	s.stat(stats.Tcp4AnnouncesHandled, stats.Tcp6AnnouncesHandled)
	return http.StatusOK, writer.WriteAnnounce(res)
}

func (s *Server) serveScrape(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	writer := &Writer{w}

	hashes, err := newScrapeHashes(r)
	if err != nil {
		return s.handleTrackerError(err, writer)
	}

	results := s.tracker.Scrape(hashes)
	s.stat(stats.Tcp4ScrapesHandled, stats.Tcp6ScrapesHandled)
	return http.StatusOK, writer.WriteScrape(hashes, results)
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	addr := s.ServerAddr()
	txt := fmt.Sprintf("bittorrent open tracker announce url http://%s/announce\n", addr)
	_, err := io.WriteString(w, txt)
	txt = fmt.Sprintf("to use:\n\nmktorrent -a http://%s/announce somedirectory\n", addr)
	_, err = io.WriteString(w, txt)
	return http.StatusOK, err
}
