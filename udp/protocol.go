// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package udp implements a BitTorrent tracker over the UDP protocol as
// per BEP 15: connect/announce/scrape/error framing and the stateless
// connection-id anti-spoof protocol.
package udp

import (
	"github.com/torrtrack/chihaya/tracker/models"
)

// action identifies a UDP tracker request or response, per BEP 15.
type action int32

const (
	actionConnect action = iota
	actionAnnounce
	actionScrape
	actionError
)

// protocolMagic is the fixed connect-request identifier clients send in
// place of a connection-id on the first packet of a session.
const protocolMagic int64 = 0x41727101980

// Minimum valid lengths per action, including the shared 16-byte header
// (connection-id/protocol-id, action, transaction-id).
const (
	minConnectLen  = 16
	minAnnounceLen = 98
	minScrapeLen   = 16 + infoHashLen // at least one info-hash
)

const infoHashLen = 20
const peerIDLen = 20

// udpEvent numbers announce events per BEP 15, which differ from the
// tracker engine's internal models.Event ordering.
type udpEvent int32

const (
	udpEventNone udpEvent = iota
	udpEventCompleted
	udpEventStarted
	udpEventStopped
)

func (e udpEvent) toModel() (models.Event, error) {
	switch e {
	case udpEventNone:
		return models.None, nil
	case udpEventCompleted:
		return models.Completed, nil
	case udpEventStarted:
		return models.Started, nil
	case udpEventStopped:
		return models.Stopped, nil
	default:
		return models.None, models.ErrMalformedRequest
	}
}
