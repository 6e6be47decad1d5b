package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

func stateDBPathFromDataDir(dataDir string) string {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	return filepath.Join(dataDir, "state", "fleet.db")
}

// sqliteStore is the shipped Store implementation.
type sqliteStore struct {
	db *sql.DB
}

func openStateDB(dbPath string) (*sqliteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, os.ErrInvalid
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_foreign_keys=1&_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureStateTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func ensureStateTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			wallet TEXT NOT NULL,
			worker TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			hash_rate REAL NOT NULL DEFAULT 0,
			cpu_allocation REAL NOT NULL DEFAULT 100,
			last_seen_unix INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS devices_user_idx ON devices (user_id)`,
		`CREATE TABLE IF NOT EXISTS pools (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			algo TEXT NOT NULL,
			kind TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			btc_prefixed INTEGER NOT NULL DEFAULT 0,
			referral TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			mining_enabled INTEGER NOT NULL DEFAULT 0,
			active_pool_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS mining_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			total_hash_rate REAL NOT NULL,
			estimated_earning REAL NOT NULL,
			active_devices INTEGER NOT NULL,
			power_consumption REAL NOT NULL,
			recorded_at_unix INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS mining_stats_user_idx ON mining_stats (user_id, recorded_at_unix)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetDevice(id string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, name, status, hash_rate, cpu_allocation, last_seen_unix
		 FROM devices WHERE id = ?`, id)
	var d Device
	var lastSeen int64
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Status, &d.HashRate, &d.CPUAllocation, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %s: %w", id, errNotFound)
	}
	if err != nil {
		return nil, err
	}
	if lastSeen > 0 {
		d.LastSeen = time.Unix(lastSeen, 0)
	}
	return &d, nil
}

func (s *sqliteStore) ListDevices() ([]*Device, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, name, status, hash_rate, cpu_allocation, last_seen_unix FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Device
	for rows.Next() {
		var d Device
		var lastSeen int64
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Status, &d.HashRate, &d.CPUAllocation, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen > 0 {
			d.LastSeen = time.Unix(lastSeen, 0)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, wallet, worker FROM users WHERE id = ?`, id)
	var u User
	err := row.Scan(&u.ID, &u.Wallet, &u.Worker)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, errNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *sqliteStore) GetPool(id string) (*Pool, error) {
	row := s.db.QueryRow(
		`SELECT id, name, url, algo, kind, username, password, btc_prefixed, referral
		 FROM pools WHERE id = ?`, id)
	var p Pool
	var prefixed int
	err := row.Scan(&p.ID, &p.Name, &p.URL, (*string)(&p.Algo), (*string)(&p.Kind),
		&p.Username, &p.Password, &prefixed, &p.Referral)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pool %s: %w", id, errNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.BTCPrefixed = prefixed != 0
	return &p, nil
}

func (s *sqliteStore) GetSettings() (*Settings, error) {
	row := s.db.QueryRow(`SELECT mining_enabled, active_pool_id FROM settings WHERE key = 'fleet'`)
	var enabled int
	var poolID string
	err := row.Scan(&enabled, &poolID)
	if err == sql.ErrNoRows {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Settings{MiningEnabled: enabled != 0, ActivePoolID: poolID}, nil
}

func (s *sqliteStore) UpdateDevice(id string, patch DevicePatch) error {
	if patch.Status != nil {
		if _, err := s.db.Exec(
			`UPDATE devices SET status = ?, last_seen_unix = ? WHERE id = ?`,
			*patch.Status, time.Now().Unix(), id); err != nil {
			return err
		}
	}
	if patch.HashRate != nil {
		if _, err := s.db.Exec(
			`UPDATE devices SET hash_rate = ?, last_seen_unix = ? WHERE id = ?`,
			*patch.HashRate, time.Now().Unix(), id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) UpdateSettings(patch SettingsPatch) error {
	current, err := s.GetSettings()
	if err != nil {
		return err
	}
	if patch.MiningEnabled != nil {
		current.MiningEnabled = *patch.MiningEnabled
	}
	if patch.ActivePoolID != nil {
		current.ActivePoolID = *patch.ActivePoolID
	}
	enabled := 0
	if current.MiningEnabled {
		enabled = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO settings (key, mining_enabled, active_pool_id) VALUES ('fleet', ?, ?)
		 ON CONFLICT(key) DO UPDATE SET mining_enabled = excluded.mining_enabled,
		 active_pool_id = excluded.active_pool_id`,
		enabled, current.ActivePoolID)
	return err
}

func (s *sqliteStore) SaveMiningStats(record MiningStatsRecord) error {
	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO mining_stats
		 (user_id, total_hash_rate, estimated_earning, active_devices, power_consumption, recorded_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.UserID, record.TotalHashRate, record.EstimatedEarning,
		record.ActiveDevices, record.PowerConsumption, recordedAt.Unix())
	return err
}

// Seed helpers used at startup to sync config-declared entities into the DB.

func (s *sqliteStore) UpsertPool(p Pool) error {
	prefixed := 0
	if p.BTCPrefixed {
		prefixed = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO pools (id, name, url, algo, kind, username, password, btc_prefixed, referral)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, url = excluded.url,
		 algo = excluded.algo, kind = excluded.kind, username = excluded.username,
		 password = excluded.password, btc_prefixed = excluded.btc_prefixed,
		 referral = excluded.referral`,
		p.ID, p.Name, p.URL, string(p.Algo), string(p.Kind),
		p.Username, p.Password, prefixed, p.Referral)
	return err
}

func (s *sqliteStore) UpsertUser(u User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, wallet, worker) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET wallet = excluded.wallet, worker = excluded.worker`,
		u.ID, u.Wallet, u.Worker)
	return err
}

func (s *sqliteStore) UpsertDevice(d Device) error {
	status := d.Status
	if status == "" {
		status = deviceStatusActive
	}
	_, err := s.db.Exec(
		`INSERT INTO devices (id, user_id, name, status, hash_rate, cpu_allocation, last_seen_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, name = excluded.name,
		 cpu_allocation = excluded.cpu_allocation`,
		d.ID, d.UserID, d.Name, status, d.HashRate, d.CPUAllocation, d.LastSeen.Unix())
	return err
}
