// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package sqlite implements the DatabaseConnector contract against an
// embedded-file SQLite database.
package sqlite

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/torrtrack/chihaya/backend"
	"github.com/torrtrack/chihaya/config"
	"github.com/torrtrack/chihaya/tracker/models"
)

type driver struct{}

func (driver) New(dbCfg config.DatabaseConfig, structure config.DatabaseStructureConfig) (backend.Conn, error) {
	db, err := sql.Open("sqlite3", dbCfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; a single connection avoids lock contention.
	return &conn{db: db, cfg: dbCfg, structure: structure}, nil
}

func init() {
	backend.Register("sqlite", driver{})
}

type conn struct {
	db        *sql.DB
	cfg       config.DatabaseConfig
	structure config.DatabaseStructureConfig
}

func (c *conn) Ping() error  { return c.db.Ping() }
func (c *conn) Close() error { return c.db.Close() }

func (c *conn) hashColumnType() string {
	if c.cfg.BinTypeInfohash {
		return "BLOB"
	}
	return "TEXT"
}

func (c *conn) Migrate() error {
	idType := c.hashColumnType()

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (`info_hash` %s PRIMARY KEY NOT NULL, `seeds` INTEGER DEFAULT 0, `peers` INTEGER DEFAULT 0, `completed` INTEGER DEFAULT 0)", c.structure.TorrentsTable, idType),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (`info_hash` %s PRIMARY KEY NOT NULL)", c.structure.WhitelistTable, idType),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (`info_hash` %s PRIMARY KEY NOT NULL)", c.structure.BlacklistTable, idType),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (`key_hash` %s PRIMARY KEY NOT NULL, `expiry` INTEGER NOT NULL DEFAULT 0)", c.structure.KeysTable, idType),
		c.usersTableStmt(idType),
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// usersTableStmt builds the users table DDL for either primary-key mode
// spec.md §4.6 allows: a textual uuid (assigned by whatever issues
// accounts) or a numeric autoincrement id. key_hash keeps a UNIQUE
// constraint in both modes; SaveUsers upserts on user_uuid in uuid mode
// and on key_hash in id mode.
func (c *conn) usersTableStmt(idType string) string {
	if c.cfg.IDUUID {
		return fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS `%s` (`user_uuid` TEXT PRIMARY KEY NOT NULL, `key_hash` %s NOT NULL UNIQUE, `uploaded` INTEGER NOT NULL DEFAULT 0, `downloaded` INTEGER NOT NULL DEFAULT 0, `completed` INTEGER NOT NULL DEFAULT 0, `active` INTEGER NOT NULL DEFAULT 0)",
			c.structure.UsersTable, idType,
		)
	}
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS `%s` (`id` INTEGER PRIMARY KEY AUTOINCREMENT, `key_hash` %s NOT NULL UNIQUE, `uploaded` INTEGER NOT NULL DEFAULT 0, `downloaded` INTEGER NOT NULL DEFAULT 0, `completed` INTEGER NOT NULL DEFAULT 0, `active` INTEGER NOT NULL DEFAULT 0)",
		c.structure.UsersTable, idType,
	)
}

func (c *conn) idLiteral(h [20]byte) interface{} {
	if c.cfg.BinTypeInfohash {
		return h[:]
	}
	return hex.EncodeToString(h[:])
}

func (c *conn) scanHash(raw interface{}) (models.InfoHash, error) {
	switch v := raw.(type) {
	case []byte:
		if c.cfg.BinTypeInfohash {
			return models.NewInfoHash(v)
		}
		return models.NewInfoHashString(string(v))
	case string:
		return models.NewInfoHashString(v)
	default:
		return models.InfoHash{}, fmt.Errorf("sqlite: unexpected info_hash column type %T", raw)
	}
}

func (c *conn) LoadTorrents(pageSize int, fn func([]backend.TorrentRecord) error) error {
	offset := 0
	for {
		rows, err := c.db.Query(fmt.Sprintf("SELECT `info_hash`, `seeds`, `peers`, `completed` FROM `%s` LIMIT ? OFFSET ?", c.structure.TorrentsTable), pageSize, offset)
		if err != nil {
			return err
		}
		page, n, err := c.scanTorrentPage(rows)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if n < pageSize {
			return nil
		}
		offset += pageSize
	}
}

func (c *conn) scanTorrentPage(rows *sql.Rows) ([]backend.TorrentRecord, int, error) {
	defer rows.Close()
	var page []backend.TorrentRecord
	for rows.Next() {
		var raw interface{}
		var seeds, peers int
		var completed uint64
		if err := rows.Scan(&raw, &seeds, &peers, &completed); err != nil {
			return nil, 0, err
		}
		h, err := c.scanHash(raw)
		if err != nil {
			return nil, 0, err
		}
		page = append(page, backend.TorrentRecord{InfoHash: h, Seeds: seeds, Peers: peers, Completed: completed})
	}
	return page, len(page), rows.Err()
}

func (c *conn) loadHashSet(table string, pageSize int, fn func([]models.InfoHash) error) error {
	offset := 0
	for {
		rows, err := c.db.Query(fmt.Sprintf("SELECT `info_hash` FROM `%s` LIMIT ? OFFSET ?", table), pageSize, offset)
		if err != nil {
			return err
		}
		var page []models.InfoHash
		for rows.Next() {
			var raw interface{}
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return err
			}
			h, err := c.scanHash(raw)
			if err != nil {
				rows.Close()
				return err
			}
			page = append(page, h)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		offset += pageSize
	}
}

func (c *conn) LoadWhitelist(pageSize int, fn func([]models.InfoHash) error) error {
	return c.loadHashSet(c.structure.WhitelistTable, pageSize, fn)
}

func (c *conn) LoadBlacklist(pageSize int, fn func([]models.InfoHash) error) error {
	return c.loadHashSet(c.structure.BlacklistTable, pageSize, fn)
}

func (c *conn) LoadKeys(pageSize int, fn func([]backend.KeyRecord) error) error {
	offset := 0
	for {
		rows, err := c.db.Query(fmt.Sprintf("SELECT `key_hash`, `expiry` FROM `%s` LIMIT ? OFFSET ?", c.structure.KeysTable), pageSize, offset)
		if err != nil {
			return err
		}
		var page []backend.KeyRecord
		for rows.Next() {
			var raw interface{}
			var expiry int64
			if err := rows.Scan(&raw, &expiry); err != nil {
				rows.Close()
				return err
			}
			h, err := c.scanHash(raw)
			if err != nil {
				rows.Close()
				return err
			}
			page = append(page, backend.KeyRecord{Key: h, Expiry: time.Unix(expiry, 0)})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		offset += pageSize
	}
}

func (c *conn) LoadUsers(pageSize int, fn func([]*models.UserEntryItem) error) error {
	idCol := "`id`"
	if c.cfg.IDUUID {
		idCol = "`user_uuid`"
	}
	query := fmt.Sprintf("SELECT %s, `key_hash`, `uploaded`, `downloaded`, `completed`, `active` FROM `%s` LIMIT ? OFFSET ?", idCol, c.structure.UsersTable)

	offset := 0
	for {
		rows, err := c.db.Query(query, pageSize, offset)
		if err != nil {
			return err
		}
		var page []*models.UserEntryItem
		for rows.Next() {
			var raw interface{}
			var id sql.NullInt64
			var uuid sql.NullString
			var uploaded, downloaded, completed uint64
			var active bool
			if c.cfg.IDUUID {
				err = rows.Scan(&uuid, &raw, &uploaded, &downloaded, &completed, &active)
			} else {
				err = rows.Scan(&id, &raw, &uploaded, &downloaded, &completed, &active)
			}
			if err != nil {
				rows.Close()
				return err
			}
			key, err := c.scanHash(raw)
			if err != nil {
				rows.Close()
				return err
			}
			entry := &models.UserEntryItem{
				Key: models.UserID(key),
				Uploaded: uploaded, Downloaded: downloaded, Completed: completed,
				Active: active, TorrentsActive: make(map[models.InfoHash]time.Time),
			}
			if c.cfg.IDUUID {
				entry.UserUUID = uuid.String
			} else {
				entry.UserID = uint64(id.Int64)
			}
			page = append(page, entry)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		offset += pageSize
	}
}

func (c *conn) SaveTorrents(entries map[models.InfoHash]backend.TorrentUpdate) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	for h, u := range entries {
		if u.Action == models.Remove {
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM `%s` WHERE `info_hash` = ?", c.structure.TorrentsTable), c.idLiteral(h)); err != nil {
				tx.Rollback()
				return err
			}
			continue
		}
		if !c.cfg.UpdatePeers && !c.cfg.UpdateCompleted {
			continue
		}
		stmt := fmt.Sprintf(
			"INSERT INTO `%s` (`info_hash`, `seeds`, `peers`, `completed`) VALUES (?, ?, ?, ?) ON CONFLICT(`info_hash`) DO UPDATE SET `seeds`=excluded.`seeds`, `peers`=excluded.`peers`, `completed`=excluded.`completed`",
			c.structure.TorrentsTable,
		)
		if _, err := tx.Exec(stmt, c.idLiteral(h), u.Seeds, u.Peers, u.Completed); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *conn) saveHashSet(table string, entries map[models.InfoHash]models.UpdatesAction) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	for h, action := range entries {
		if action == models.Remove {
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM `%s` WHERE `info_hash` = ?", table), c.idLiteral(h)); err != nil {
				tx.Rollback()
				return err
			}
			continue
		}
		if _, err := tx.Exec(fmt.Sprintf("INSERT OR IGNORE INTO `%s` (`info_hash`) VALUES (?)", table), c.idLiteral(h)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *conn) SaveWhitelist(entries map[models.InfoHash]models.UpdatesAction) error {
	return c.saveHashSet(c.structure.WhitelistTable, entries)
}

func (c *conn) SaveBlacklist(entries map[models.InfoHash]models.UpdatesAction) error {
	return c.saveHashSet(c.structure.BlacklistTable, entries)
}

func (c *conn) SaveKeys(entries map[models.InfoHash]backend.KeyUpdate) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	for h, u := range entries {
		if u.Action == models.Remove {
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM `%s` WHERE `key_hash` = ?", c.structure.KeysTable), c.idLiteral(h)); err != nil {
				tx.Rollback()
				return err
			}
			continue
		}
		stmt := fmt.Sprintf("INSERT INTO `%s` (`key_hash`, `expiry`) VALUES (?, ?) ON CONFLICT(`key_hash`) DO UPDATE SET `expiry`=excluded.`expiry`", c.structure.KeysTable)
		if _, err := tx.Exec(stmt, c.idLiteral(h), u.Expiry.Unix()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *conn) SaveUsers(entries map[models.UserID]backend.UserUpdate) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	for key, u := range entries {
		if u.Action == models.Remove {
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM `%s` WHERE `key_hash` = ?", c.structure.UsersTable), c.idLiteral(models.InfoHash(key))); err != nil {
				tx.Rollback()
				return err
			}
			continue
		}
		if c.cfg.IDUUID {
			stmt := fmt.Sprintf(
				"INSERT INTO `%s` (`user_uuid`, `key_hash`, `uploaded`, `downloaded`, `completed`, `active`) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(`user_uuid`) DO UPDATE SET `key_hash`=excluded.`key_hash`, `uploaded`=excluded.`uploaded`, `downloaded`=excluded.`downloaded`, `completed`=excluded.`completed`, `active`=excluded.`active`",
				c.structure.UsersTable,
			)
			if _, err := tx.Exec(stmt, u.User.UserUUID, c.idLiteral(models.InfoHash(key)), u.User.Uploaded, u.User.Downloaded, u.User.Completed, u.User.Active); err != nil {
				tx.Rollback()
				return err
			}
			continue
		}

		stmt := fmt.Sprintf(
			"INSERT INTO `%s` (`key_hash`, `uploaded`, `downloaded`, `completed`, `active`) VALUES (?, ?, ?, ?, ?) ON CONFLICT(`key_hash`) DO UPDATE SET `uploaded`=excluded.`uploaded`, `downloaded`=excluded.`downloaded`, `completed`=excluded.`completed`, `active`=excluded.`active`",
			c.structure.UsersTable,
		)
		if _, err := tx.Exec(stmt, c.idLiteral(models.InfoHash(key)), u.User.Uploaded, u.User.Downloaded, u.User.Completed, u.User.Active); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *conn) ResetSeedsPeers() error {
	_, err := c.db.Exec(fmt.Sprintf("UPDATE `%s` SET `seeds` = 0, `peers` = 0", c.structure.TorrentsTable))
	return err
}
