// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package http implements a BitTorrent tracker over the HTTP protocol as per
// BEP 3/48.
package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/tylerb/graceful"

	"github.com/torrtrack/chihaya/config"
	"github.com/torrtrack/chihaya/network"
	"github.com/torrtrack/chihaya/stats"
	"github.com/torrtrack/chihaya/tracker"
)

// ResponseHandler is an HTTP handler that returns a status code.
type ResponseHandler func(http.ResponseWriter, *http.Request, httprouter.Params) (int, error)

// Server represents one address family's HTTP serving torrent tracker.
// family is 4 or 6, and picks which of the Tcp4*/Tcp6* stats counters
// this server's handlers increment.
type Server struct {
	network  network.Network
	addr     string
	listen   string
	family   int
	config   *config.Config
	tracker  *tracker.Tracker
	grace    *graceful.Server
	stopping bool
}

// stat records one of a pair of family-tagged counters, depending on
// which address family this server was constructed for.
func (s *Server) stat(v4, v6 stats.Event) {
	if s.family == 6 {
		stats.RecordEvent(v6)
	} else {
		stats.RecordEvent(v4)
	}
}

// makeHandler wraps our ResponseHandlers while timing requests, collecting
// stats, logging, and handling errors.
func (s *Server) makeHandler(handler ResponseHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		start := time.Now()
		httpCode, err := handler(w, r, p)
		duration := time.Since(start)

		var msg string
		if err != nil {
			msg = err.Error()
		} else if httpCode != http.StatusOK {
			msg = http.StatusText(httpCode)
		}

		if len(msg) > 0 {
			http.Error(w, msg, httpCode)
		}

		if len(msg) > 0 || glog.V(2) {
			reqString := r.URL.Path + " " + r.RemoteAddr
			if glog.V(3) {
				reqString = r.URL.RequestURI() + " " + r.RemoteAddr
			}

			if len(msg) > 0 {
				glog.Errorf("[HTTP - %9s] %s (%d - %s)", duration, reqString, httpCode, msg)
			} else {
				glog.Infof("[HTTP - %9s] %s (%d)", duration, reqString, httpCode)
			}
		}

		stats.RecordTiming(duration)
	}
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.stat(stats.Tcp4NotFound, stats.Tcp6NotFound)
	http.NotFound(w, r)
}

func (s *Server) ServerAddr() string {
	return s.addr
}

// newRouter returns a router with all the routes. PrivateEnabled adds a
// "/:key/announce" and "/:key/scrape" variant alongside the plain routes,
// since a private tracker still serves open requests without a key.
func newRouter(s *Server) *httprouter.Router {
	r := httprouter.New()

	r.GET("/announce", s.makeHandler(s.serveAnnounce))
	r.GET("/scrape", s.makeHandler(s.serveScrape))
	r.GET("/", s.makeHandler(s.serveIndex))
	r.NotFound = http.HandlerFunc(s.notFoundHandler)
	if s.config.PrivateEnabled {
		// httprouter rejects a "/:key/..." wildcard beside the static routes
		// above, so keyed requests are matched on the router's fallback path.
		keyed := map[string]httprouter.Handle{"announce": s.makeHandler(s.serveAnnounce), "scrape": s.makeHandler(s.serveScrape)}
		r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
			if h, ok := keyed[parts[len(parts)-1]]; ok && len(parts) == 2 && req.Method == http.MethodGet {
				h(w, req, httprouter.Params{{Key: "key", Value: parts[0]}})
				return
			}
			s.notFoundHandler(w, req)
		})
	}
	return r
}

// connState is used by graceful in order to gracefully shutdown. It also
// keeps track of connection stats.
func (s *Server) connState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.stat(stats.Tcp4ConnectionsHandled, stats.Tcp6ConnectionsHandled)

	case http.StateHijacked:
		panic("connection impossibly hijacked")

	// Ignore the following cases.
	case http.StateActive, http.StateIdle, http.StateClosed:

	default:
		glog.Errorf("Connection transitioned to unknown state %s (%d)", state, state)
	}
}

func (s *Server) Setup() (err error) {
	return s.network.Setup()
}

func (s *Server) resolveName(l net.Listener) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	addrs, err := s.network.ReverseDNS(ctx, l.Addr().String())
	if err == nil && len(addrs) > 0 {
		s.addr = addrs[0]
	}
	return err
}

// Serve runs an HTTP server, blocking until the server has shut down.
func (s *Server) Serve() {
	router := newRouter(s)
	s.grace = &graceful.Server{
		Timeout: s.config.HTTPConfig.RequestTimeout.Duration,
		Server: &http.Server{
			Handler:      router,
			ReadTimeout:  s.config.HTTPConfig.ReadTimeout.Duration,
			WriteTimeout: s.config.HTTPConfig.WriteTimeout.Duration,
			ConnState:    s.connState,
		},
	}

	l, err := s.network.Listen("tcp", s.listen)
	if err == nil {
		s.addr = l.Addr().String()
		err = s.resolveName(l)
		glog.Infof("Serving HTTP on %s", s.addr)
		err = s.grace.Serve(l)
	}
	if err != nil {
		glog.Error(err)
	}
	glog.Info("HTTP server shut down cleanly")
}

// Stop cleanly shuts down the server.
func (s *Server) Stop() {
	if !s.stopping && s.grace != nil {
		s.stopping = true
		s.grace.Stop(s.grace.Timeout)
	}
}

// multiServer fans Setup/Serve/Stop out to one Server per configured
// address family, so IPv4 and IPv6 listeners keep independent stats
// counters while presenting a single server to the boot sequence.
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

// NewServer returns a new HTTP server for a given configuration and
// tracker, listening on whichever of HTTPConfig.ListenAddr/ListenAddr6
// are non-empty.
func NewServer(n network.Network, cfg *config.Config, tkr *tracker.Tracker) *multiServer {
	m := &multiServer{}
	if cfg.HTTPConfig.ListenAddr != "" {
		m.servers = append(m.servers, &Server{network: n, listen: cfg.HTTPConfig.ListenAddr, family: 4, config: cfg, tracker: tkr})
	}
	if cfg.HTTPConfig.ListenAddr6 != "" {
		m.servers = append(m.servers, &Server{network: n, listen: cfg.HTTPConfig.ListenAddr6, family: 6, config: cfg, tracker: tkr})
	}
	return m
}
