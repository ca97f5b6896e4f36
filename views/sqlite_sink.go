package views

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"vital-recorder/models"
	"vital-recorder/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TEXT NOT NULL,
	stopped_at TEXT,
	records    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS records (
	session_id      INTEGER NOT NULL REFERENCES sessions(id),
	reference_ns    INTEGER NOT NULL,
	tick            INTEGER NOT NULL,
	radar_frame     INTEGER,
	radar_epoch     INTEGER,
	radar_mean_mag  REAL,
	belt_n          INTEGER,
	belt_epoch      INTEGER,
	belt_mean_force REAL,
	flags           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_session_ref
	ON records(session_id, reference_ns);
`

// sqliteBatch is how many inserts ride one transaction before a commit.
const sqliteBatch = 128

// SQLiteSink archives aligned summaries into a local database so past
// sessions stay queryable without parsing CSVs. Full I/Q payloads stay out;
// the CSV sink owns raw data.
type SQLiteSink struct {
	db        *sql.DB
	sessionID int64
	tx        *sql.Tx
	insert    *sql.Stmt
	pending   int
	total     uint64
}

// NewSQLiteSink opens (creating if needed) the database, applies the schema
// and registers a new session row.
func NewSQLiteSink(cfg utils.SQLiteSinkConfig, startedAt time.Time) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", cfg.Path, err)
	}
	// modernc sqlite serialises writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	res, err := db.Exec(`INSERT INTO sessions (started_at) VALUES (?)`,
		startedAt.UTC().Format(time.RFC3339))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite session insert: %w", err)
	}
	id, _ := res.LastInsertId()

	s := &SQLiteSink{db: db, sessionID: id}
	if err := s.begin(); err != nil {
		db.Close()
		return nil, err
	}

	utils.L().Info("sqlite sink ready  path=%s session_id=%d", cfg.Path, id)
	return s, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) begin() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO records
		(session_id, reference_ns, tick, radar_frame, radar_epoch,
		 radar_mean_mag, belt_n, belt_epoch, belt_mean_force, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	s.tx, s.insert = tx, stmt
	return nil
}

func (s *SQLiteSink) commit() error {
	s.insert.Close()
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	s.pending = 0
	return nil
}

func (s *SQLiteSink) Write(rec *models.AlignedRecord) error {
	var radarFrame, radarEpoch, radarMean any
	var beltN, beltEpoch, beltForce any
	if rec.Radar != nil && rec.Radar.RawSample.Radar != nil {
		radarFrame = int64(rec.Radar.RawSample.Radar.FrameIndex)
		radarEpoch = rec.Radar.Epoch
		radarMean = rec.Radar.RawSample.Radar.MeanMagnitude()
	}
	if n := len(rec.Belt); n > 0 {
		beltN = n
		beltEpoch = rec.Belt[0].Epoch
		beltForce = rec.BeltMeanForce()
	}

	tick := 0
	if rec.Tick {
		tick = 1
	}

	if _, err := s.insert.Exec(s.sessionID, rec.ReferenceNs, tick,
		radarFrame, radarEpoch, radarMean,
		beltN, beltEpoch, beltForce, int(rec.Flags)); err != nil {
		return fmt.Errorf("sqlite insert: %w", err)
	}
	s.total++

	if s.pending++; s.pending >= sqliteBatch {
		if err := s.commit(); err != nil {
			return err
		}
		return s.begin()
	}
	return nil
}

// Close commits the open batch, stamps the session row and closes the db.
func (s *SQLiteSink) Close() error {
	err := s.commit()
	if _, uerr := s.db.Exec(
		`UPDATE sessions SET stopped_at = ?, records = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), s.total, s.sessionID); uerr != nil && err == nil {
		err = fmt.Errorf("sqlite session update: %w", uerr)
	}
	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	utils.L().Info("sqlite sink closed  (records=%d, session_id=%d)", s.total, s.sessionID)
	return err
}
