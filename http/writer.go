// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package http

import (
	"net/http"

	"github.com/chihaya/bencode"
	"github.com/pushrax/bufferpool"

	"github.com/torrtrack/chihaya/tracker"
	"github.com/torrtrack/chihaya/tracker/models"
)

// peerBufs pools the byte slices used to build compact peer strings, since
// every announce response needs one and they are short-lived.
var peerBufs = bufferpool.New(64, 18*100)

// Writer implements the tracker.Writer interface for the HTTP protocol.
type Writer struct {
	http.ResponseWriter
}

// WriteError writes a bencode dict with a failure reason. HTTP failures are
// reported this way rather than with a non-200 status, per BEP 3.
func (w *Writer) WriteError(err error) error {
	w.Header().Set("Content-Type", "text/plain")
	return bencode.NewEncoder(w).Encode(bencode.Dict{
		"failure reason": err.Error(),
	})
}

// WriteAnnounce writes a bencode dict representation of an AnnounceResponse.
// Peers are split into "peers" (IPv4, compact) and "peers6" (IPv6, compact)
// since a single response never mixes address families within one field.
func (w *Writer) WriteAnnounce(res tracker.AnnounceResponse) error {
	dict := bencode.Dict{
		"complete":     res.Complete,
		"incomplete":   res.Incomplete,
		"interval":     int64(res.Interval.Seconds()),
		"min interval": int64(res.MinInterval.Seconds()),
		"downloaded":   res.Downloaded,
	}

	v4, v6 := splitByFamily(res.Peers)

	buf4 := peerBufs.Take()
	defer peerBufs.Give(buf4)
	dict["peers"] = compactPeers(buf4, v4, 6, encodeIPv4)

	if len(v6) > 0 {
		buf6 := peerBufs.Take()
		defer peerBufs.Give(buf6)
		dict["peers6"] = compactPeers(buf6, v6, 18, encodeIPv6)
	}

	w.Header().Set("Content-Type", "text/plain")
	return bencode.NewEncoder(w).Encode(dict)
}

// WriteScrape writes a bencode dict representation of a scrape response.
// order preserves the request's hash ordering in the (unordered) map.
func (w *Writer) WriteScrape(order []models.InfoHash, results map[models.InfoHash]tracker.ScrapeResult) error {
	files := bencode.NewDict()
	for _, h := range order {
		r := results[h]
		files[string(h[:])] = bencode.Dict{
			"complete":   r.Complete,
			"incomplete": r.Incomplete,
			"downloaded": r.Downloaded,
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	return bencode.NewEncoder(w).Encode(bencode.Dict{"files": files})
}

func splitByFamily(peers []models.TorrentPeer) (v4, v6 []models.TorrentPeer) {
	for _, p := range peers {
		if p.PeerAddr.IsIPv4() {
			v4 = append(v4, p)
		} else {
			v6 = append(v6, p)
		}
	}
	return v4, v6
}

func encodeIPv4(buf []byte, p models.TorrentPeer) {
	copy(buf, p.PeerAddr.IP.To4())
	buf[4] = byte(p.PeerAddr.Port >> 8)
	buf[5] = byte(p.PeerAddr.Port)
}

func encodeIPv6(buf []byte, p models.TorrentPeer) {
	copy(buf, p.PeerAddr.IP.To16())
	buf[16] = byte(p.PeerAddr.Port >> 8)
	buf[17] = byte(p.PeerAddr.Port)
}

// compactPeers encodes peers into entrySize-byte records back to back,
// using buf as backing storage when it's big enough to avoid a fresh
// allocation per announce response.
func compactPeers(buf []byte, peers []models.TorrentPeer, entrySize int, encode func([]byte, models.TorrentPeer)) []byte {
	need := len(peers) * entrySize
	out := buf
	if need > cap(out) {
		out = make([]byte, need)
	}
	out = out[:need]

	for i, p := range peers {
		encode(out[i*entrySize:i*entrySize+entrySize], p)
	}
	return out
}
