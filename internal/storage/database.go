package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing the local audit/status log.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path, in WAL mode with a
// 5s busy timeout so a concurrent reader (e.g. the logs CLI) never blocks
// a writer for long.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS uplinks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slave_idx INTEGER NOT NULL,
		xtime INTEGER NOT NULL,
		freq_hz INTEGER NOT NULL,
		sf INTEGER NOT NULL,
		bw INTEGER NOT NULL,
		modulation INTEGER NOT NULL,
		rssi INTEGER,
		snr REAL,
		payload_len INTEGER NOT NULL,
		received_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_uplinks_received ON uplinks(received_at);
	CREATE INDEX IF NOT EXISTS idx_uplinks_slave ON uplinks(slave_idx);

	CREATE TABLE IF NOT EXISTS downlinks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		txunit INTEGER NOT NULL,
		xtime INTEGER NOT NULL,
		freq_hz INTEGER NOT NULL,
		status INTEGER NOT NULL,
		sent_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_downlinks_sent ON downlinks(sent_at);

	CREATE TABLE IF NOT EXISTS slave_restarts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slave_idx INTEGER NOT NULL,
		restart_count INTEGER NOT NULL,
		reason TEXT,
		occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_slave_restarts_occurred ON slave_restarts(occurred_at);

	CREATE TABLE IF NOT EXISTS cups_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cred_set TEXT NOT NULL,
		success INTEGER NOT NULL,
		fail_count INTEGER NOT NULL,
		cups_uri_changed INTEGER DEFAULT 0,
		tc_uri_changed INTEGER DEFAULT 0,
		update_applied INTEGER DEFAULT 0,
		occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_cups_runs_occurred ON cups_runs(occurred_at);

	CREATE TABLE IF NOT EXISTS tc_reconnects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		retries INTEGER NOT NULL,
		occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tc_reconnects_occurred ON tc_reconnects(occurred_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Uplinks ---

// InsertUplink records one received frame.
func (db *DB) InsertUplink(r *UplinkRecord) (int64, error) {
	query := `INSERT INTO uplinks (slave_idx, xtime, freq_hz, sf, bw, modulation, rssi, snr, payload_len, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	ts := r.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	result, err := db.conn.Exec(query, r.SlaveIdx, r.XTime, r.FreqHz, r.SF, r.BW,
		r.Modulation, r.RSSI, r.SNR, r.PayloadLen, ts)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentUplinks returns the most recent uplinks, newest first.
func (db *DB) RecentUplinks(limit int) ([]*UplinkRecord, error) {
	query := `SELECT id, slave_idx, xtime, freq_hz, sf, bw, modulation, rssi, snr, payload_len, received_at
		FROM uplinks ORDER BY received_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UplinkRecord
	for rows.Next() {
		r := &UplinkRecord{}
		if err := rows.Scan(&r.ID, &r.SlaveIdx, &r.XTime, &r.FreqHz, &r.SF, &r.BW,
			&r.Modulation, &r.RSSI, &r.SNR, &r.PayloadLen, &r.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Downlinks ---

// InsertDownlink records one transmit job's outcome.
func (db *DB) InsertDownlink(r *DownlinkRecord) (int64, error) {
	query := `INSERT INTO downlinks (txunit, xtime, freq_hz, status, sent_at) VALUES (?, ?, ?, ?, ?)`

	ts := r.SentAt
	if ts.IsZero() {
		ts = time.Now()
	}
	result, err := db.conn.Exec(query, r.TxUnit, r.XTime, r.FreqHz, r.Status, ts)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentDownlinks returns the most recent downlinks, newest first.
func (db *DB) RecentDownlinks(limit int) ([]*DownlinkRecord, error) {
	query := `SELECT id, txunit, xtime, freq_hz, status, sent_at
		FROM downlinks ORDER BY sent_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DownlinkRecord
	for rows.Next() {
		r := &DownlinkRecord{}
		if err := rows.Scan(&r.ID, &r.TxUnit, &r.XTime, &r.FreqHz, &r.Status, &r.SentAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Slave restarts ---

// InsertSlaveRestart records one RAL-master respawn.
func (db *DB) InsertSlaveRestart(r *SlaveRestartRecord) (int64, error) {
	query := `INSERT INTO slave_restarts (slave_idx, restart_count, reason, occurred_at) VALUES (?, ?, ?, ?)`

	ts := r.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	result, err := db.conn.Exec(query, r.SlaveIdx, r.RestartCount, r.Reason, ts)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentSlaveRestarts returns the most recent slave restarts, newest
// first.
func (db *DB) RecentSlaveRestarts(limit int) ([]*SlaveRestartRecord, error) {
	query := `SELECT id, slave_idx, restart_count, reason, occurred_at
		FROM slave_restarts ORDER BY occurred_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SlaveRestartRecord
	for rows.Next() {
		r := &SlaveRestartRecord{}
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.SlaveIdx, &r.RestartCount, &reason, &r.OccurredAt); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- CUPS runs ---

// InsertCupsRun records one completed CUPS resync cycle.
func (db *DB) InsertCupsRun(r *CupsRunRecord) (int64, error) {
	query := `INSERT INTO cups_runs
		(cred_set, success, fail_count, cups_uri_changed, tc_uri_changed, update_applied, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	ts := r.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	result, err := db.conn.Exec(query, r.CredSet, r.Success, r.FailCount,
		r.CupsURIChanged, r.TCURIChanged, r.UpdateApplied, ts)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentCupsRuns returns the most recent CUPS runs, newest first.
func (db *DB) RecentCupsRuns(limit int) ([]*CupsRunRecord, error) {
	query := `SELECT id, cred_set, success, fail_count, cups_uri_changed, tc_uri_changed, update_applied, occurred_at
		FROM cups_runs ORDER BY occurred_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CupsRunRecord
	for rows.Next() {
		r := &CupsRunRecord{}
		if err := rows.Scan(&r.ID, &r.CredSet, &r.Success, &r.FailCount,
			&r.CupsURIChanged, &r.TCURIChanged, &r.UpdateApplied, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- TC reconnects ---

// InsertTCReconnect records one TC session transition into a terminal or
// backoff state.
func (db *DB) InsertTCReconnect(r *TCReconnectRecord) (int64, error) {
	query := `INSERT INTO tc_reconnects (from_state, to_state, retries, occurred_at) VALUES (?, ?, ?, ?)`

	ts := r.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	result, err := db.conn.Exec(query, r.FromState, r.ToState, r.Retries, ts)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentTCReconnects returns the most recent TC reconnect events, newest
// first.
func (db *DB) RecentTCReconnects(limit int) ([]*TCReconnectRecord, error) {
	query := `SELECT id, from_state, to_state, retries, occurred_at
		FROM tc_reconnects ORDER BY occurred_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TCReconnectRecord
	for rows.Next() {
		r := &TCReconnectRecord{}
		if err := rows.Scan(&r.ID, &r.FromState, &r.ToState, &r.Retries, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
