// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chihaya/bencode"

	"github.com/torrtrack/chihaya/tracker/models"
)

func TestHandleTrackerErrorPassesThroughNil(t *testing.T) {
	s := &Server{family: 4}
	rec := httptest.NewRecorder()
	code, err := s.handleTrackerError(nil, &Writer{rec})
	if err != nil || code != http.StatusOK {
		t.Fatalf("want (200, nil) for a nil error, got (%d, %v)", code, err)
	}
}

func TestHandleTrackerErrorBencodesPublicError(t *testing.T) {
	s := &Server{family: 4}
	rec := httptest.NewRecorder()

	code, err := s.handleTrackerError(models.ErrMalformedRequest, &Writer{rec})
	if err != nil {
		t.Fatalf("want no error returned for a public error, got %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("want HTTP 200 for a public tracker error, got %d", code)
	}

	var body bencode.Dict
	if err := bencode.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["failure reason"] != string(models.ErrMalformedRequest) {
		t.Fatalf("want failure reason %q, got %v", models.ErrMalformedRequest, body["failure reason"])
	}
}

func TestHandleTrackerErrorPropagatesInternalError(t *testing.T) {
	s := &Server{family: 4}
	rec := httptest.NewRecorder()

	internal := errBoom
	code, err := s.handleTrackerError(internal, &Writer{rec})
	if err != internal {
		t.Fatalf("want the internal error returned unchanged, got %v", err)
	}
	if code != http.StatusInternalServerError {
		t.Fatalf("want HTTP 500 for a non-public error, got %d", code)
	}
}

func TestServeIndexWritesAnnounceURL(t *testing.T) {
	s := &Server{family: 4, addr: "tracker.example:6969"}
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	code, err := s.serveIndex(rec, r, nil)
	if err != nil {
		t.Fatalf("serveIndex: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if !strings.Contains(rec.Body.String(), "http://tracker.example:6969/announce") {
		t.Fatalf("want announce url in body, got %q", rec.Body.String())
	}
}
