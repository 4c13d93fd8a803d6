// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package models implements the common data types used throughout a
// BitTorrent tracker: opaque 20-byte identifiers, per-torrent swarm state,
// access-list entities, and the errors the tracker surfaces to clients.
package models

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrMalformedRequest is returned when a request does not contain the
	// required parameters needed to create a model.
	ErrMalformedRequest = ClientError("malformed request")

	// ErrBadRequest is returned when a request is invalid in the peer's
	// current state.
	ErrBadRequest = ClientError("bad request")

	// ErrUserDNE is returned when a user does not exist.
	ErrUserDNE = NotFoundError("user does not exist")

	// ErrTorrentDNE is returned when a torrent does not exist.
	ErrTorrentDNE = NotFoundError("torrent does not exist")

	// ErrClientUnapproved is returned when an infohash is not whitelisted.
	ErrClientUnapproved = ClientError("unapproved torrent")

	// ErrClientBlacklisted is returned when an infohash is blacklisted.
	ErrClientBlacklisted = ClientError("blacklisted torrent")

	// ErrInvalidKey is returned when a key is missing, unknown, or expired.
	ErrInvalidKey = ClientError("invalid or expired key")

	// ErrInvalidInfoHash is returned when an infohash is not exactly 20 bytes.
	ErrInvalidInfoHash = ClientError("infohash must be 20 bytes")

	// ErrInvalidPeerID is returned when a peer id is not exactly 20 bytes.
	ErrInvalidPeerID = ClientError("peer_id must be 20 bytes")
)

type ClientError string
type NotFoundError ClientError
type ProtocolError ClientError

func (e ClientError) Error() string   { return string(e) }
func (e NotFoundError) Error() string { return string(e) }
func (e ProtocolError) Error() string { return string(e) }

// IsPublicError determines whether an error should be propagated to the
// client rather than treated as an internal failure.
func IsPublicError(err error) bool {
	_, cl := err.(ClientError)
	_, nf := err.(NotFoundError)
	_, pc := err.(ProtocolError)
	return cl || nf || pc
}

// idLen is the fixed size of every opaque tracker identifier.
const idLen = 20

// InfoHash is the 20-byte SHA-1 of a torrent's info dictionary, the
// identifier of a swarm.
type InfoHash [idLen]byte

// PeerID is a client-chosen 20-byte identifier for an announcing endpoint.
type PeerID [idLen]byte

// UserID is an opaque 20-byte access-list key used as an announce path
// prefix to select a UserEntryItem.
type UserID [idLen]byte

func idFromHex(s string) (id [idLen]byte, err error) {
	if len(s) != idLen*2 {
		return id, fmt.Errorf("models: hex identifier must be %d characters, got %d", idLen*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func idFromBytes(b []byte) (id [idLen]byte, err error) {
	if len(b) != idLen {
		return id, fmt.Errorf("models: identifier must be %d bytes, got %d", idLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NewInfoHashString decodes a 40-character lowercase hex string into an
// InfoHash.
func NewInfoHashString(s string) (InfoHash, error) {
	b, err := idFromHex(s)
	return InfoHash(b), err
}

// NewInfoHash validates and wraps a raw 20-byte infohash.
func NewInfoHash(b []byte) (InfoHash, error) {
	h, err := idFromBytes(b)
	if err != nil {
		return InfoHash{}, ErrInvalidInfoHash
	}
	return InfoHash(h), nil
}

// String returns the canonical lowercase hex form of the InfoHash.
func (h InfoHash) String() string { return hex.EncodeToString(h[:]) }

// Less orders two InfoHashes lexicographically by byte.
func (h InfoHash) Less(other InfoHash) bool { return bytes.Compare(h[:], other[:]) < 0 }

func (h InfoHash) MarshalJSON() ([]byte, error)  { return marshalHex(h[:]) }
func (h *InfoHash) UnmarshalJSON(b []byte) error { return unmarshalHex(b, h[:]) }

// NewPeerIDString decodes a 40-character lowercase hex string into a PeerID.
func NewPeerIDString(s string) (PeerID, error) {
	b, err := idFromHex(s)
	return PeerID(b), err
}

// NewPeerID validates and wraps a raw 20-byte peer id.
func NewPeerID(b []byte) (PeerID, error) {
	p, err := idFromBytes(b)
	if err != nil {
		return PeerID{}, ErrInvalidPeerID
	}
	return PeerID(p), nil
}

// String returns the canonical lowercase hex form of the PeerID.
func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// Less orders two PeerIDs lexicographically by byte.
func (p PeerID) Less(other PeerID) bool { return bytes.Compare(p[:], other[:]) < 0 }

// NewUserIDString decodes a 40-character lowercase hex string into a UserID.
func NewUserIDString(s string) (UserID, error) {
	b, err := idFromHex(s)
	return UserID(b), err
}

// NewUserID validates and wraps a raw 20-byte user key.
func NewUserID(b []byte) (UserID, error) {
	u, err := idFromBytes(b)
	if err != nil {
		return UserID{}, errors.New("models: user key must be 20 bytes")
	}
	return UserID(u), nil
}

// String returns the canonical lowercase hex form of the UserID.
func (u UserID) String() string { return hex.EncodeToString(u[:]) }

func marshalHex(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b)*2+2)
	out = append(out, '"')
	out = append(out, []byte(hex.EncodeToString(b))...)
	out = append(out, '"')
	return out, nil
}

func unmarshalHex(b []byte, dst []byte) error {
	s := string(bytes.Trim(b, `"`))
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("models: expected %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

// Event is the announce event a peer reports.
type Event int

const (
	None Event = iota
	Started
	Stopped
	Completed
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}

// EventFromString parses the announce "event" query parameter.
func EventFromString(s string) (Event, error) {
	switch s {
	case "", "none":
		return None, nil
	case "started":
		return Started, nil
	case "stopped", "paused":
		return Stopped, nil
	case "completed":
		return Completed, nil
	default:
		return None, ClientError("unknown event: " + s)
	}
}

// PeerAddr is a peer's reachable address, kept as a family-tagged IP/port
// pair so compact encoding never mixes IPv4 and IPv6 within one response.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

// IsIPv4 reports whether the address is an IPv4 address.
func (a PeerAddr) IsIPv4() bool { return a.IP.To4() != nil }

// TorrentPeer is the per (info-hash, peer-id) record of an announcing
// client.
type TorrentPeer struct {
	PeerAddr   PeerAddr  `json:"peerAddr"`
	Uploaded   uint64    `json:"uploaded"`
	Downloaded uint64    `json:"downloaded"`
	Left       uint64    `json:"left"`
	Event      Event     `json:"-"`
	Updated    time.Time `json:"updated"`
}

// UpdatesAction tags a journal entry with the persistence operation it
// should trigger at the next flush.
type UpdatesAction int

const (
	Add UpdatesAction = iota
	Update
	Remove
)

func (a UpdatesAction) String() string {
	switch a {
	case Add:
		return "add"
	case Update:
		return "update"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// KeyEntry is a time-limited pre-shared access key.
type KeyEntry struct {
	Expiry time.Time
}

// Valid reports whether the key has not yet expired as of now.
func (k KeyEntry) Valid(now time.Time) bool { return now.Before(k.Expiry) }

// UserEntryItem is the per-user accounting record (C5). Exactly one of
// UserID or UserUUID is populated, chosen by DatabaseConfig.IDUUID: the
// numeric autoincrement id mode fills UserID and leaves UserUUID empty,
// the textual uuid mode does the reverse.
type UserEntryItem struct {
	UserID         uint64                  `json:"userId,omitempty"`
	UserUUID       string                  `json:"userUuid,omitempty"`
	Key            UserID                  `json:"key"`
	Uploaded       uint64                  `json:"uploaded"`
	Downloaded     uint64                  `json:"downloaded"`
	Completed      uint64                  `json:"completed"`
	Updated        time.Time               `json:"updated"`
	Active         bool                    `json:"active"`
	TorrentsActive map[InfoHash]time.Time  `json:"-"`
}

// Clone returns a deep copy of the user entry, safe to hand to callers
// outside the user store's lock.
func (u *UserEntryItem) Clone() *UserEntryItem {
	clone := *u
	clone.TorrentsActive = make(map[InfoHash]time.Time, len(u.TorrentsActive))
	for k, v := range u.TorrentsActive {
		clone.TorrentsActive[k] = v
	}
	return &clone
}
