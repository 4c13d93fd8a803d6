// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// With no token configured, every route falls through to the invalid-token
// body rather than tracker-dependent code, so route wiring can be checked
// without a live tracker.Tracker.
func TestRouterWiresAllAdminRoutes(t *testing.T) {
	s := newTestAPIServer("")
	router := newRouter(s)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/stats"},
		{http.MethodGet, "/api/torrents"},
		{http.MethodGet, "/api/torrent/aabbccddeeff00112233445566778899aabbccdd"},
		{http.MethodGet, "/api/whitelist/aabbccddeeff00112233445566778899aabbccdd"},
		{http.MethodPost, "/api/whitelist/aabbccddeeff00112233445566778899aabbccdd"},
		{http.MethodDelete, "/api/whitelist/aabbccddeeff00112233445566778899aabbccdd"},
		{http.MethodGet, "/api/blacklist/aabbccddeeff00112233445566778899aabbccdd"},
		{http.MethodPost, "/api/blacklist/aabbccddeeff00112233445566778899aabbccdd"},
		{http.MethodDelete, "/api/blacklist/aabbccddeeff00112233445566778899aabbccdd"},
		{http.MethodPost, "/api/key/60"},
		{http.MethodDelete, "/api/key/60"},
	}

	for _, p := range paths {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(p.method, p.path, nil)
		router.ServeHTTP(rec, r)
		if rec.Code == http.StatusNotFound {
			t.Errorf("%s %s: want routed, got 404", p.method, p.path)
		}
	}
}

func TestRouterUnknownPathIsNotFound(t *testing.T) {
	s := newTestAPIServer("")
	router := newRouter(s)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/nonexistent", nil)
	router.ServeHTTP(rec, r)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404 for an unregistered path, got %d", rec.Code)
	}
}

func TestMultiServerStopIsIdempotentWithoutServe(t *testing.T) {
	m := &multiServer{servers: []*Server{{family: 4}, {family: 6}}}
	m.Stop()
	m.Stop()
}
