// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package backend defines the DatabaseConnector contract (C10) and a
// registry of named SQL dialect drivers that implement it.
package backend

import (
	"fmt"
	"time"

	"github.com/torrtrack/chihaya/config"
	"github.com/torrtrack/chihaya/tracker/models"
)

// TorrentRecord is one persisted torrent row: just enough state to
// rebuild a TorrentEntry's counts at boot (the swarm itself, seeds and
// peers, is never persisted individually, only their counts).
type TorrentRecord struct {
	InfoHash  models.InfoHash
	Seeds     int
	Peers     int
	Completed uint64
}

// Conn is the contract a SQL dialect driver must satisfy. Every method
// that mutates takes the journal entries produced since the last flush,
// so a driver can batch them inside one transaction. Each key carries a
// single coalesced action (the journal folds an Update into a pending
// Add), so a row added and then updated in the same window only needs
// one upsert.
type Conn interface {
	// Ping verifies the connection is alive.
	Ping() error
	// Close releases any underlying connection pool.
	Close() error

	// Migrate creates any tables the configured DatabaseStructureConfig
	// names, if they do not already exist.
	Migrate() error

	// LoadTorrents pages through the torrents table, calling fn for each
	// page until the table is exhausted.
	LoadTorrents(pageSize int, fn func([]TorrentRecord) error) error
	// LoadWhitelist pages through the whitelist table.
	LoadWhitelist(pageSize int, fn func([]models.InfoHash) error) error
	// LoadBlacklist pages through the blacklist table.
	LoadBlacklist(pageSize int, fn func([]models.InfoHash) error) error
	// LoadKeys pages through the keys table.
	LoadKeys(pageSize int, fn func([]KeyRecord) error) error
	// LoadUsers pages through the users table.
	LoadUsers(pageSize int, fn func([]*models.UserEntryItem) error) error

	// SaveTorrents applies a batch of journaled torrent changes.
	SaveTorrents(entries map[models.InfoHash]TorrentUpdate) error
	// SaveWhitelist applies a batch of journaled whitelist changes.
	SaveWhitelist(entries map[models.InfoHash]models.UpdatesAction) error
	// SaveBlacklist applies a batch of journaled blacklist changes.
	SaveBlacklist(entries map[models.InfoHash]models.UpdatesAction) error
	// SaveKeys applies a batch of journaled key changes.
	SaveKeys(entries map[models.InfoHash]KeyUpdate) error
	// SaveUsers applies a batch of journaled user changes.
	SaveUsers(entries map[models.UserID]UserUpdate) error

	// ResetSeedsPeers zeroes every torrent's persisted seeds/peers counts.
	// tracker.New does not call it, so boot leaves persisted counts as is.
	ResetSeedsPeers() error
}

// KeyRecord is one persisted pre-shared key row.
type KeyRecord struct {
	Key    models.InfoHash
	Expiry time.Time
}

// TorrentUpdate pairs a torrent's current persisted fields with the
// journal action to apply for it.
type TorrentUpdate struct {
	Seeds, Peers int
	Completed    uint64
	Action       models.UpdatesAction
}

// KeyUpdate pairs a key's expiry with the journal action to apply.
type KeyUpdate struct {
	Expiry time.Time
	Action models.UpdatesAction
}

// UserUpdate pairs a user's current fields with the journal action.
type UserUpdate struct {
	User   *models.UserEntryItem
	Action models.UpdatesAction
}

// Driver constructs a Conn from a DatabaseConfig and DatabaseStructureConfig.
type Driver interface {
	New(dbCfg config.DatabaseConfig, structure config.DatabaseStructureConfig) (Conn, error)
}

var drivers = make(map[string]Driver)

// Register makes a dialect driver available under name, for later lookup
// by Open. Register panics if called twice for the same name.
func Register(name string, driver Driver) {
	if driver == nil {
		panic("backend: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("backend: Register called twice for driver " + name)
	}
	drivers[name] = driver
}

// Open constructs a Conn using the dialect named by dbCfg.Dialect.
func Open(dbCfg config.DatabaseConfig, structure config.DatabaseStructureConfig) (Conn, error) {
	driver, ok := drivers[dbCfg.Dialect]
	if !ok {
		return nil, fmt.Errorf("backend: unknown dialect %q (forgot to import it?)", dbCfg.Dialect)
	}
	return driver.New(dbCfg, structure)
}
