// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package query implements a hand-rolled parser for the BitTorrent
// tracker's GET query string, since net/url's form decoding discards the
// raw byte sequences info_hash and peer_id require.
package query

import (
	"errors"
	"strconv"
	"strings"
)

// ErrKeyNotFound is returned when a requested key does not exist in a
// Query.
var ErrKeyNotFound = errors.New("query: value does not exist for this key")

// ErrInvalidInt is returned when a requested key is not parseable as an
// unsigned integer.
var ErrInvalidInt = errors.New("query: value is not an unsigned integer")

// Query holds the parsed parameters of a GET request's raw query string.
// Params is keyed by lowercase parameter name and accumulates every
// occurrence of a repeated key in request order, same as Infohashes does
// for "info_hash" (which is pulled out into its own field since every
// announce/scrape handler needs it).
type Query struct {
	Infohashes []string
	Params     map[string][]string
}

// New parses a raw query string into a Query.
//
// Every "key=value" pair is percent-decoded and lowercased by key. A bare
// key with no '=' is recorded with an empty value rather than dropped, so
// a client sending "...&compact&..." sets "compact" present with "" value
// instead of leaving it absent.
func New(raw string) (*Query, error) {
	q := &Query{
		Params: make(map[string][]string),
	}

	for _, segment := range strings.Split(raw, "&") {
		if segment == "" {
			continue
		}

		var key, value string
		if eq := strings.IndexByte(segment, '='); eq >= 0 {
			key = segment[:eq]
			value = segment[eq+1:]
		} else {
			key = segment
		}

		key, err := unescape(key)
		if err != nil {
			return nil, err
		}
		if key == "" {
			continue
		}
		key = strings.ToLower(key)

		value, err = unescape(value)
		if err != nil {
			return nil, err
		}

		if key == "info_hash" {
			q.Infohashes = append(q.Infohashes, value)
			continue
		}

		q.Params[key] = append(q.Params[key], value)
	}

	return q, nil
}

// unescape percent-decodes s without treating '+' as a space, since
// info_hash and peer_id are raw byte strings, not form-encoded text.
func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.New("query: malformed percent-encoding")
		}
		hi, lo := s[i+1], s[i+2]
		n, err := strconv.ParseUint(string([]byte{hi, lo}), 16, 8)
		if err != nil {
			return "", errors.New("query: malformed percent-encoding")
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

// Get returns the last occurrence of key, or "" if it was never present.
// BitTorrent clients don't repeat scalar parameters in practice, but
// when they do, the last one wins, matching how String and Uint64 have
// always behaved.
func (q *Query) Get(key string) string {
	values := q.Params[key]
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

// String returns the value for key, or an error if it is absent.
func (q *Query) String(key string) (string, error) {
	values, ok := q.Params[key]
	if !ok || len(values) == 0 {
		return "", ErrKeyNotFound
	}
	return values[len(values)-1], nil
}

// Uint64 parses the value for key as a base-10 uint64.
func (q *Query) Uint64(key string) (uint64, error) {
	v, err := q.String(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, ErrInvalidInt
	}
	return n, nil
}
