package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/hb9tf/spectran/daq"

	// Blind import support for the databases Save can open.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

type Dialect int

const (
	SQLiteDialect Dialect = iota
	MySQLDialect
)

// Trace kinds stored in the traces table.
const (
	traceVoltage     = "voltage"
	tracePSD         = "psd"
	traceTime        = "time"
	traceFrequencies = "frequencies"
	traceAggregate   = "aggregate"
)

const (
	sqliteCreateSessionsTmpl = `CREATE TABLE IF NOT EXISTS sessions (
		"SessionID"      TEXT NOT NULL PRIMARY KEY,
		"Driver"         TEXT NOT NULL,
		"Device"         TEXT NOT NULL,
		"Start"          INTEGER,
		"Averages"       INTEGER,
		"Samples"        INTEGER,
		"SampleRateReal" REAL,
		"Metadata"       TEXT
	);`
	sqliteCreateTracesTmpl = `CREATE TABLE IF NOT EXISTS traces (
		"ID"        INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"SessionID" TEXT NOT NULL,
		"Kind"      TEXT NOT NULL,
		"Average"   INTEGER,
		"Data"      BLOB
	);`

	mysqlCreateSessionsTmpl = `CREATE TABLE IF NOT EXISTS sessions (
		SessionID      VARCHAR(64) NOT NULL PRIMARY KEY,
		Driver         VARCHAR(64) NOT NULL,
		Device         VARCHAR(255) NOT NULL,
		Start          BIGINT,
		Averages       INT,
		Samples        INT,
		SampleRateReal DOUBLE,
		Metadata       TEXT
	);`
	mysqlCreateTracesTmpl = `CREATE TABLE IF NOT EXISTS traces (
		ID        BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		SessionID VARCHAR(64) NOT NULL,
		Kind      VARCHAR(16) NOT NULL,
		Average   INT,
		Data      LONGBLOB,
		INDEX (SessionID)
	);`

	sqlDeleteSessionTmpl = `DELETE FROM sessions WHERE SessionID = ?;`
	sqlDeleteTracesTmpl  = `DELETE FROM traces WHERE SessionID = ?;`
	sqlInsertSessionTmpl = `INSERT INTO sessions (
		SessionID,
		Driver,
		Device,
		Start,
		Averages,
		Samples,
		SampleRateReal,
		Metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`
	sqlInsertTraceTmpl = `INSERT INTO traces (
		SessionID,
		Kind,
		Average,
		Data
	) VALUES (?, ?, ?, ?);`

	sqlSelectSessionTmpl = `SELECT SessionID, Metadata FROM sessions WHERE SessionID = ?;`
	sqlSelectLatestTmpl  = `SELECT SessionID, Metadata FROM sessions ORDER BY Start DESC LIMIT 1;`
	sqlSelectTracesTmpl  = `SELECT Kind, Average, Data FROM traces WHERE SessionID = ? ORDER BY Kind, Average;`
	sqlListSessionsTmpl  = `SELECT SessionID, Driver, Device, Start, Averages FROM sessions ORDER BY Start DESC;`
)

// SQL stores sessions in a sessions table and their traces, as little-endian float64 blobs, in a
// traces table. Saving a session again replaces it.
type SQL struct {
	DB      *sql.DB
	Dialect Dialect
}

type metadataField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *SQL) createTables(ctx context.Context) error {
	tmpls := []string{sqliteCreateSessionsTmpl, sqliteCreateTracesTmpl}
	if s.Dialect == MySQLDialect {
		tmpls = []string{mysqlCreateSessionsTmpl, mysqlCreateTracesTmpl}
	}
	for _, tmpl := range tmpls {
		statement, err := s.DB.PrepareContext(ctx, tmpl)
		if err != nil {
			return err
		}
		_, err = statement.ExecContext(ctx)
		statement.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) Write(ctx context.Context, sess *Session, opts Options) error {
	if err := s.createTables(ctx); err != nil {
		return fmt.Errorf("unable to create tables: %w", err)
	}
	cfg := sess.Config
	if cfg.SessionID == "" {
		return fmt.Errorf("session has no ID: %w", daq.ErrInvalidConfiguration)
	}

	var fields []metadataField
	for _, f := range cfg.Metadata() {
		fields = append(fields, metadataField{f.Key, f.Value})
	}
	meta, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, tmpl := range []string{sqlDeleteTracesTmpl, sqlDeleteSessionTmpl} {
		if _, err := tx.ExecContext(ctx, tmpl, cfg.SessionID); err != nil {
			return fmt.Errorf("unable to replace session %s: %w", cfg.SessionID, err)
		}
	}
	var start int64
	if !cfg.StartTime.IsZero() {
		start = cfg.StartTime.UnixMilli()
	}
	if _, err := tx.ExecContext(ctx, sqlInsertSessionTmpl, cfg.SessionID, cfg.Driver, cfg.Device, start, len(sess.VoltageData), sess.Samples(), cfg.Realized.SampleRate, string(meta)); err != nil {
		return fmt.Errorf("unable to store session: %w", err)
	}

	statement, err := tx.PrepareContext(ctx, sqlInsertTraceTmpl)
	if err != nil {
		return err
	}
	defer statement.Close()
	insert := func(kind string, average int, data []float64) error {
		blob := make([]byte, 8*len(data))
		putFloats(blob, data)
		if _, err := statement.ExecContext(ctx, cfg.SessionID, kind, average, blob); err != nil {
			return fmt.Errorf("unable to store %s trace %d: %w", kind, average, err)
		}
		return nil
	}

	for i, row := range sess.VoltageData {
		if err := insert(traceVoltage, i, row); err != nil {
			return err
		}
	}
	if opts.TimeAxis {
		if err := insert(traceTime, 0, sess.TimeAxis); err != nil {
			return err
		}
	}
	if opts.PSDs {
		if err := insert(traceFrequencies, 0, sess.Frequencies); err != nil {
			return err
		}
		if err := insert(traceAggregate, 0, sess.Aggregate); err != nil {
			return err
		}
		for i, row := range sess.PerRowPSD {
			if err := insert(tracePSD, i, row); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	glog.V(1).Infof("Stored session %s with %d averages", cfg.SessionID, len(sess.VoltageData))
	return nil
}

// LoadSQL reads a session stored by SQL. An empty sessionID selects the most recent one.
func LoadSQL(ctx context.Context, db *sql.DB, sessionID string) (*Session, error) {
	var row *sql.Row
	if sessionID == "" {
		row = db.QueryRowContext(ctx, sqlSelectLatestTmpl)
	} else {
		row = db.QueryRowContext(ctx, sqlSelectSessionTmpl, sessionID)
	}
	var id, meta string
	if err := row.Scan(&id, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %q not found: %w", sessionID, daq.ErrNoData)
		}
		return nil, err
	}

	var fields []metadataField
	if err := json.Unmarshal([]byte(meta), &fields); err != nil {
		return nil, fmt.Errorf("unable to decode metadata of session %s: %w", id, err)
	}
	dfields := make([]daq.Field, len(fields))
	for i, f := range fields {
		dfields[i] = daq.Field{Key: f.Key, Value: f.Value}
	}
	cfg, err := daq.ConfigFromMetadata(dfields)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, sqlSelectTracesTmpl, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	s := &Session{Config: cfg}
	for rows.Next() {
		var kind string
		var average int
		var blob []byte
		if err := rows.Scan(&kind, &average, &blob); err != nil {
			return nil, err
		}
		data := getFloats(blob)
		switch kind {
		case traceVoltage:
			s.VoltageData = append(s.VoltageData, data)
		case tracePSD:
			s.PerRowPSD = append(s.PerRowPSD, data)
		case traceTime:
			s.TimeAxis = data
		case traceFrequencies:
			s.Frequencies = data
		case traceAggregate:
			s.Aggregate = data
		default:
			glog.Warningf("ignoring unknown trace kind %q in session %s", kind, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(s.VoltageData) == 0 {
		return nil, fmt.Errorf("session %s has no traces: %w", id, daq.ErrNoData)
	}
	return s, nil
}

// SessionInfo summarizes a stored session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Driver    string `json:"driver"`
	Device    string `json:"device"`
	StartUnix int64  `json:"start_unix_milli"`
	Averages  int    `json:"averages"`
}

// ListSessions lists stored sessions, most recent first.
func ListSessions(ctx context.Context, db *sql.DB) ([]SessionInfo, error) {
	rows, err := db.QueryContext(ctx, sqlListSessionsTmpl)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionInfo
	for rows.Next() {
		var si SessionInfo
		if err := rows.Scan(&si.SessionID, &si.Driver, &si.Device, &si.StartUnix, &si.Averages); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}
