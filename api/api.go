// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package api implements the administrative JSON API: stats snapshots,
// torrent listing/detail, and whitelist/blacklist/key management
// (spec.md §4.5). Every endpoint requires a matching "token" query
// parameter; a missing or wrong token returns HTTP 200 with
// {"status":"invalid token"} rather than a 401, so the API surface never
// leaks which endpoints exist to an unauthenticated scan.
package api

import (
	"net"
	"net/http"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/tylerb/graceful"

	"github.com/torrtrack/chihaya/config"
	"github.com/torrtrack/chihaya/stats"
	"github.com/torrtrack/chihaya/tracker"
)

const jsonContentType = "application/json; charset=UTF-8"

// Server serves the admin API for one address family.
type Server struct {
	addr     string
	listen   string
	family   int
	config   *config.Config
	tracker  *tracker.Tracker
	grace    *graceful.Server
	stopping bool
}

func (s *Server) stat(v4, v6 stats.Event) {
	if s.family == 6 {
		stats.RecordEvent(v6)
	} else {
		stats.RecordEvent(v4)
	}
}

// checkToken validates the request's "token" query parameter against the
// configured API token, writing the standard failure body on mismatch.
func (s *Server) checkToken(w http.ResponseWriter, r *http.Request) bool {
	s.stat(stats.Tcp4ConnectionsHandled, stats.Tcp6ConnectionsHandled)
	s.stat(stats.Tcp4ApiHandled, stats.Tcp6ApiHandled)

	if s.config.APIConfig.Token == "" || r.URL.Query().Get("token") != s.config.APIConfig.Token {
		writeStatus(w, "invalid token")
		return false
	}
	return true
}

// authenticated wraps a handler so every route requires a valid token
// without repeating the check in each handler.
func (s *Server) authenticated(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", jsonContentType)
		if !s.checkToken(w, r) {
			return
		}
		h(w, r, p)
	}
}

func newRouter(s *Server) *httprouter.Router {
	r := httprouter.New()
	r.GET("/api/stats", s.authenticated(s.getStats))
	r.GET("/api/torrents", s.authenticated(s.getTorrents))
	r.GET("/api/torrent/:info_hash", s.authenticated(s.getTorrent))
	r.GET("/api/whitelist/:info_hash", s.authenticated(s.getWhitelist))
	r.POST("/api/whitelist/:info_hash", s.authenticated(s.postWhitelist))
	r.DELETE("/api/whitelist/:info_hash", s.authenticated(s.deleteWhitelist))
	r.GET("/api/blacklist/:info_hash", s.authenticated(s.getBlacklist))
	r.POST("/api/blacklist/:info_hash", s.authenticated(s.postBlacklist))
	r.DELETE("/api/blacklist/:info_hash", s.authenticated(s.deleteBlacklist))
	r.POST("/api/key/:seconds_valid", s.authenticated(s.postKey))
	r.DELETE("/api/key/:seconds_valid", s.authenticated(s.deleteKey))
	return r
}

func (s *Server) Setup() error { return nil }

// Serve runs the admin HTTP server, blocking until shutdown.
func (s *Server) Serve() {
	router := newRouter(s)
	s.grace = &graceful.Server{
		Server: &http.Server{
			Handler:      router,
			ReadTimeout:  s.config.APIConfig.ReadTimeout.Duration,
			WriteTimeout: s.config.APIConfig.WriteTimeout.Duration,
		},
		Timeout: s.config.APIConfig.RequestTimeout.Duration,
	}

	l, err := net.Listen("tcp", s.listen)
	if err == nil {
		s.addr = l.Addr().String()
		glog.Infof("Serving API on %s", s.addr)
		err = s.grace.Serve(l)
	}
	if err != nil {
		glog.Error(err)
	}
	glog.Info("API server shut down cleanly")
}

func (s *Server) Stop() {
	if !s.stopping && s.grace != nil {
		s.stopping = true
		s.grace.Stop(s.grace.Timeout)
	}
}

// multiServer fans Setup/Serve/Stop out to one Server per configured
// address family.
type multiServer struct {
	servers []*Server
}

func (m *multiServer) Setup() error {
	for _, s := range m.servers {
		if err := s.Setup(); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiServer) Serve() {
	done := make(chan struct{}, len(m.servers))
	for _, s := range m.servers {
		go func(s *Server) {
			s.Serve()
			done <- struct{}{}
		}(s)
	}
	for range m.servers {
		<-done
	}
}

func (m *multiServer) Stop() {
	for _, s := range m.servers {
		s.Stop()
	}
}

// NewServer returns a new admin API server listening on whichever of
// APIConfig.ListenAddr/ListenAddr6 are non-empty.
func NewServer(cfg *config.Config, tkr *tracker.Tracker) *multiServer {
	m := &multiServer{}
	if cfg.APIConfig.ListenAddr != "" {
		m.servers = append(m.servers, &Server{listen: cfg.APIConfig.ListenAddr, family: 4, config: cfg, tracker: tkr})
	}
	if cfg.APIConfig.ListenAddr6 != "" {
		m.servers = append(m.servers, &Server{listen: cfg.APIConfig.ListenAddr6, family: 6, config: cfg, tracker: tkr})
	}
	return m
}
